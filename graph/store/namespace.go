package store

import (
	"context"
	"strings"
)

// Namespaced returns a Store that keeps its runs apart from other users of
// st by prefixing every stored run ID with ns. Callers see unprefixed IDs.
// An empty ns returns st unchanged.
//
// List reads every matching run of st and filters by namespace before
// applying the limit.
func Namespaced(st Store, ns string) Store {
	if ns == "" {
		return st
	}
	return &namespaced{st: st, ns: ns}
}

type namespaced struct {
	st Store
	ns string
}

func (n *namespaced) Load(ctx context.Context, runID string) (Record, error) {
	rec, err := n.st.Load(ctx, n.ns+runID)
	if err != nil {
		return Record{}, err
	}
	return n.strip(rec), nil
}

func (n *namespaced) Save(ctx context.Context, rec Record) (Record, error) {
	rec.RunID = n.ns + rec.RunID
	saved, err := n.st.Save(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	return n.strip(saved), nil
}

func (n *namespaced) History(ctx context.Context, runID string) ([]Record, error) {
	recs, err := n.st.History(ctx, n.ns+runID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i] = n.strip(recs[i])
	}
	return recs, nil
}

func (n *namespaced) List(ctx context.Context, q Query) ([]Record, error) {
	recs, err := n.st.List(ctx, Query{Status: q.Status})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if !strings.HasPrefix(rec.RunID, n.ns) {
			continue
		}
		out = append(out, n.strip(rec))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (n *namespaced) strip(rec Record) Record {
	rec.RunID = strings.TrimPrefix(rec.RunID, n.ns)
	return rec
}
