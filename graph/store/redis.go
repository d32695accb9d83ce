package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// saveScript performs the compare-and-swap, index update and history append
// atomically on the server.
//
// KEYS: run hash, index zset, history list.
// ARGV: expected version, new version, status, cursor, data, updated_at nanos,
// run id, history entry.
var saveScript = backend.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
local expected = tonumber(ARGV[1])
if current then
	if tonumber(current) ~= expected then
		return 0
	end
elseif expected ~= 0 then
	return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "status", ARGV[3], "cursor", ARGV[4], "data", ARGV[5], "updated_at", ARGV[6])
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[7])
redis.call("RPUSH", KEYS[3], ARGV[8])
return 1
`)

// RedisStore implements Store using Redis hashes.
//
// Each run is a hash holding the latest record. A sorted set scored by update
// time indexes runs for List, and a list per run keeps the history.
type RedisStore struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix for runs.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis store connected to address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "interruptgraph:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *backend.Client {
	return s.client
}

func (s *RedisStore) runKey(runID string) string     { return s.prefix + "run:" + runID }
func (s *RedisStore) historyKey(runID string) string { return s.prefix + "history:" + runID }
func (s *RedisStore) indexKey() string               { return s.prefix + "index" }

// historyEntry is the JSON shape of one history list element.
type historyEntry struct {
	Version   int64  `json:"version"`
	Status    string `json:"status"`
	Cursor    string `json:"cursor"`
	Data      string `json:"data"`
	UpdatedAt int64  `json:"updated_at"`
}

// Load retrieves the latest record of a run.
func (s *RedisStore) Load(ctx context.Context, runID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.runKey(runID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeHash(runID, fields)
}

// Save performs the compare-and-swap in a server-side script.
func (s *RedisStore) Save(ctx context.Context, rec Record) (Record, error) {
	stored := copyRecord(rec)
	stored.Version = rec.Version + 1
	nanos := time.Now().UTC().UnixNano()
	stored.UpdatedAt = time.Unix(0, nanos).UTC()

	entry, err := json.Marshal(historyEntry{
		Version:   stored.Version,
		Status:    stored.Status,
		Cursor:    stored.Cursor,
		Data:      string(stored.Data),
		UpdatedAt: nanos,
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal history entry: %w", err)
	}

	keys := []string{s.runKey(rec.RunID), s.indexKey(), s.historyKey(rec.RunID)}
	ok, err := saveScript.Run(ctx, s.client, keys,
		rec.Version,
		stored.Version,
		stored.Status,
		stored.Cursor,
		string(stored.Data),
		nanos,
		rec.RunID,
		string(entry),
	).Int()
	if err != nil {
		return Record{}, fmt.Errorf("failed to save to redis: %w", err)
	}
	if ok == 0 {
		return Record{}, ErrConflict
	}
	return stored, nil
}

// History returns every saved version of a run, oldest first.
func (s *RedisStore) History(ctx context.Context, runID string) ([]Record, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Record, 0, len(entries))
	for _, raw := range entries {
		var e historyEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
		}
		out = append(out, Record{
			RunID:     runID,
			Version:   e.Version,
			Status:    e.Status,
			Cursor:    e.Cursor,
			Data:      []byte(e.Data),
			UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// List returns the latest record of each matching run, most recent first.
func (s *RedisStore) List(ctx context.Context, q Query) ([]Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		out = append(out, rec)
	}
	// The index score only has float precision; re-sort on the exact value.
	sortRecent(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(runID string, fields map[string]string) (Record, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid version for run %s: %w", runID, err)
	}
	nanos, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid updated_at for run %s: %w", runID, err)
	}
	return Record{
		RunID:     runID,
		Version:   version,
		Status:    fields["status"],
		Cursor:    fields["cursor"],
		Data:      []byte(fields["data"]),
		UpdatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
