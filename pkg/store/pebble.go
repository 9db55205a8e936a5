package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the embedded fallback backend. TTLs are recorded with the
// value and enforced lazily on read, which is good enough for the session
// scoped keys kept here.
type PebbleStore struct {
	db *pebble.DB
}

type record struct {
	Value     string   `json:"v,omitempty"`
	Members   []string `json:"m,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) put(key string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// load returns the live record for key, dropping it if expired.
func (s *PebbleStore) load(key string) (record, bool, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode record: %w", err)
	}
	if rec.ExpiresAt > 0 && time.Now().Unix() >= rec.ExpiresAt {
		_ = s.db.Delete([]byte(key), pebble.NoSync)
		return record{}, false, nil
	}
	return rec, true, nil
}

func expiry(ttlSeconds int) int64 {
	if ttlSeconds <= 0 {
		return 0
	}
	return time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
}

func (s *PebbleStore) Set(ctx context.Context, key, value string, ttlSeconds int) error {
	return s.put(key, record{Value: value, ExpiresAt: expiry(ttlSeconds)})
}

func (s *PebbleStore) Get(ctx context.Context, key string) (string, bool, error) {
	rec, ok, err := s.load(key)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *PebbleStore) Del(ctx context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.load(key)
	return ok, err
}

func (s *PebbleStore) SetJSON(ctx context.Context, key string, v any, ttlSeconds int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(data), ttlSeconds)
}

func (s *PebbleStore) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal([]byte(val), v)
}

func (s *PebbleStore) SAdd(ctx context.Context, key string, member string) error {
	rec, _, err := s.load(key)
	if err != nil {
		return err
	}
	for _, m := range rec.Members {
		if m == member {
			return nil
		}
	}
	rec.Members = append(rec.Members, member)
	return s.put(key, rec)
}

func (s *PebbleStore) SRem(ctx context.Context, key string, member string) error {
	rec, ok, err := s.load(key)
	if err != nil || !ok {
		return err
	}
	kept := rec.Members[:0]
	for _, m := range rec.Members {
		if m != member {
			kept = append(kept, m)
		}
	}
	rec.Members = kept
	return s.put(key, rec)
}

func (s *PebbleStore) SMembers(ctx context.Context, key string) ([]string, error) {
	rec, ok, err := s.load(key)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]string, len(rec.Members))
	copy(out, rec.Members)
	return out, nil
}

func (s *PebbleStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	rec, ok, err := s.load(key)
	if err != nil || !ok {
		return false, err
	}
	for _, m := range rec.Members {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*PebbleStore)(nil)
