// Package store persists strategy state that has to outlive the process:
// open positions, the per-day purchase dedup set, and the benchmarked
// provider choice. Redis is the primary backend; a local pebble database
// serves when Redis is not reachable.
package store

import "context"

type Store interface {
	Set(ctx context.Context, key, value string, ttlSeconds int) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	SetJSON(ctx context.Context, key string, v any, ttlSeconds int) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	Close() error
}

// Key layout shared by both backends. Dedup sets are dated so a stale set
// from a previous session never blocks a purchase today.
const (
	keyPositionPrefix = "position:"
	keyPurchasedSet   = "purchased:"
	keyAPISelection   = "api:selected"
)

func PositionKey(symbol string) string { return keyPositionPrefix + symbol }

// PurchasedKey returns the dedup set key for a session date (YYYY-MM-DD).
func PurchasedKey(date string) string { return keyPurchasedSet + date }

func APISelectionKey() string { return keyAPISelection }
