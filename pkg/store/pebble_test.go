package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(t.TempDir() + "/db")
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Errorf("get: val=%q ok=%v err=%v", val, ok, err)
	}

	exists, err := s.Exists(ctx, "k")
	if err != nil || !exists {
		t.Errorf("exists: %v %v", exists, err)
	}

	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key survives delete")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type pos struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}
	in := pos{Symbol: "NVDA", Qty: 20}
	if err := s.SetJSON(ctx, PositionKey("NVDA"), in, 0); err != nil {
		t.Fatalf("set json: %v", err)
	}

	var out pos
	ok, err := s.GetJSON(ctx, PositionKey("NVDA"), &out)
	if err != nil || !ok {
		t.Fatalf("get json: ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}

	if ok, _ := s.GetJSON(ctx, PositionKey("AMD"), &out); ok {
		t.Error("missing key decoded")
	}
}

func TestSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := PurchasedKey("2026-01-05")

	for _, sym := range []string{"NVDA", "AMD", "NVDA"} {
		if err := s.SAdd(ctx, key, sym); err != nil {
			t.Fatalf("sadd: %v", err)
		}
	}

	members, err := s.SMembers(ctx, key)
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("members: got %v, want 2 distinct", members)
	}

	if ok, _ := s.SIsMember(ctx, key, "NVDA"); !ok {
		t.Error("NVDA should be a member")
	}
	if ok, _ := s.SIsMember(ctx, key, "TSLA"); ok {
		t.Error("TSLA should not be a member")
	}

	if err := s.SRem(ctx, key, "NVDA"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	if ok, _ := s.SIsMember(ctx, key, "NVDA"); ok {
		t.Error("NVDA survives removal")
	}
}
