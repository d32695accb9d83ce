package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// checkResumable validates a resume request against the run in the order
// callers rely on: cancelled, consumed, not suspended, no ticket, mismatch.
func checkResumable(r *Run, ticketID string) error {
	switch {
	case r.Status == StatusCancelled:
		return ErrRunCancelled
	case r.ticketConsumed(ticketID):
		return fmt.Errorf("%w: %s was already consumed", ErrTicketNotFound, ticketID)
	case r.Status != StatusSuspended:
		return fmt.Errorf("%w: run %s is %s", ErrRunNotSuspended, r.ID, r.Status)
	case r.Ticket == nil:
		return fmt.Errorf("%w: run %s has no outstanding ticket", ErrTicketNotFound, r.ID)
	case r.Ticket.ID != ticketID:
		return fmt.Errorf("%w: run %s", ErrTicketMismatch, r.ID)
	}
	return nil
}

// issueTicket marshals the suspend payload and parks the run.
func (e *Engine) issueTicket(r *Run, step string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal suspend payload of %s: %w", step, err)
		}
		raw = data
	}
	r.Status = StatusSuspended
	r.Cursor = step
	r.Ticket = &Ticket{
		ID:        e.cfg.ticketIDs(),
		RunID:     r.ID,
		Step:      step,
		Payload:   raw,
		CreatedAt: e.cfg.now(),
	}
	return nil
}

// responseDelta maps a resume response into the suspending step's delta.
// Validation failures wrap ErrInvalidResponse.
func responseDelta(ctx context.Context, schema Schema, def *stepDef, state State, response json.RawMessage) (Delta, error) {
	if len(bytes.TrimSpace(response)) == 0 {
		response = json.RawMessage("{}")
	}
	if !json.Valid(response) {
		return Delta{}, fmt.Errorf("%w: response is not valid JSON", ErrInvalidResponse)
	}

	if def.resumer != nil {
		delta, err := def.resumer.Resume(ctx, state.Clone(), response)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		return delta, nil
	}
	return DefaultResponseMapping(schema, response)
}

// DefaultResponseMapping turns a JSON object response into field updates.
// Each key becomes a field of the kind the schema declares for it. With a nil
// schema the kind is inferred from the JSON value.
func DefaultResponseMapping(schema Schema, response json.RawMessage) (Delta, error) {
	var obj map[string]any
	if err := json.Unmarshal(response, &obj); err != nil {
		return Delta{}, fmt.Errorf("%w: response must be a JSON object", ErrInvalidResponse)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	delta := Delta{}
	for _, k := range keys {
		kind := inferKind(obj[k])
		if schema != nil {
			spec, ok := schema[k]
			if !ok {
				return Delta{}, fmt.Errorf("%w: field %q is not declared", ErrInvalidResponse, k)
			}
			kind = spec.Kind
		}
		v, err := ValueFromAny(kind, obj[k])
		if err != nil {
			return Delta{}, fmt.Errorf("%w: field %q: %w", ErrInvalidResponse, k, err)
		}
		delta = delta.Set(k, v)
	}
	return delta, nil
}

// DecodeResponse decodes a JSON object response into out, which must be a
// pointer to a struct tagged with `mapstructure`. Unknown keys are rejected.
//
// Example:
//
//	var answer struct {
//	    Answer string `mapstructure:"answer"`
//	}
//	if err := graph.DecodeResponse(response, &answer); err != nil {
//	    return graph.Delta{}, err
//	}
func DecodeResponse(response json.RawMessage, out any) error {
	var obj map[string]any
	if err := json.Unmarshal(response, &obj); err != nil {
		return fmt.Errorf("response must be a JSON object: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: false,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(obj); err != nil {
		return err
	}
	return nil
}
