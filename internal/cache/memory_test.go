package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderGetSet(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("miss error = %v, want ErrCacheMiss", err)
	}

	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("deleted key error = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	p := NewMemoryProvider()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	ctx := context.Background()

	won, err := p.SetNX(ctx, "claim", []byte("a"), time.Minute)
	if err != nil || !won {
		t.Fatalf("first SetNX = %v, %v", won, err)
	}
	won, err = p.SetNX(ctx, "claim", []byte("b"), time.Minute)
	if err != nil || won {
		t.Fatalf("second SetNX = %v, %v, want lost claim", won, err)
	}
	if got, _ := p.Get(ctx, "claim"); string(got) != "a" {
		t.Fatalf("losing SetNX overwrote the value: %q", got)
	}

	// Expired claims can be re-taken.
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	won, err = p.SetNX(ctx, "claim", []byte("c"), time.Minute)
	if err != nil || !won {
		t.Fatalf("post-expiry SetNX = %v, %v", won, err)
	}
}

func TestMemoryProviderTTLExpiry(t *testing.T) {
	p := NewMemoryProvider()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expired key error = %v, want ErrCacheMiss", err)
	}
}

func TestNoopProviderAlwaysWins(t *testing.T) {
	p := NoopProvider{}
	ctx := context.Background()

	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop Get error = %v, want ErrCacheMiss", err)
	}
	won, err := p.SetNX(ctx, "k", nil, time.Minute)
	if err != nil || !won {
		t.Fatalf("noop SetNX = %v, %v, want win", won, err)
	}
}
