package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/ctxctrl/ctxctrl/internal/tokenizer"
)

func newValkeyTestStore(t *testing.T, session string, limits Limits, clock *fakeClock) Store {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{srv.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("valkey client: %v", err)
	}
	t.Cleanup(client.Close)
	return NewValkey(client, "", session, tokenizer.NewHeuristic(), limits, WithValkeyClock(clock.Now))
}

func TestValkeyPutGetRemove(t *testing.T) {
	ctx := context.Background()
	store := newValkeyTestStore(t, "s1", Limits{}, newFakeClock())

	result, err := store.Put(ctx, "doc1", "Hello world", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if result.TokenCount != 3 {
		t.Fatalf("expected 3 tokens, got %d", result.TokenCount)
	}

	content, ok, err := store.Get(ctx, "doc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || content != "Hello world" {
		t.Fatalf("unexpected content %q ok=%v", content, ok)
	}

	freed, err := store.Remove(ctx, "doc1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if freed != 3 {
		t.Fatalf("expected 3 freed tokens, got %d", freed)
	}
	if _, err := store.Remove(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValkeyReplacement(t *testing.T) {
	ctx := context.Background()
	store := newValkeyTestStore(t, "s1", Limits{}, newFakeClock())

	if _, err := store.Put(ctx, "doc", "first version here", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	result, err := store.Put(ctx, "doc", "second", PutOptions{})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !result.Replaced {
		t.Fatal("expected replacement")
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EntryCount != 1 || stats.TotalTokens != result.TokenCount {
		t.Fatalf("aggregates reflect stale entry: %+v", stats)
	}
}

func TestValkeyEvictionAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newValkeyTestStore(t, "s1", Limits{MaxTokens: 14}, clock)

	if _, err := store.Put(ctx, "low", "a b c d", PutOptions{Priority: PriorityLow}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.Put(ctx, "normal", "a b c d", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(time.Second)

	result, err := store.Put(ctx, "incoming", "a b c d", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(result.Evicted) != 1 || result.Evicted[0].ID != "low" {
		t.Fatalf("expected low evicted, got %+v", result.Evicted)
	}

	if _, err := store.Put(ctx, "brief", "a b c d", PutOptions{TTL: time.Second}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(time.Minute)
	if _, ok, _ := store.Get(ctx, "brief"); ok {
		t.Fatal("expired entry visible through Get")
	}
}

func TestValkeySessionIsolation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	srv := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{srv.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("valkey client: %v", err)
	}
	t.Cleanup(client.Close)

	codec := tokenizer.NewHeuristic()
	s1 := NewValkey(client, "", "alpha", codec, Limits{}, WithValkeyClock(clock.Now))
	s2 := NewValkey(client, "", "beta", codec, Limits{}, WithValkeyClock(clock.Now))

	if _, err := s1.Put(ctx, "doc", "alpha content", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := s2.Get(ctx, "doc"); ok {
		t.Fatal("entry leaked across sessions")
	}
	if err := s2.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s1.Get(ctx, "doc"); !ok {
		t.Fatal("clearing one session wiped another")
	}
}
