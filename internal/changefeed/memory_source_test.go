package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemorySource_EmitAndNext(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	sub, err := src.Subscribe(context.Background(), DomainListing)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if n := src.Emit(DomainListing, Change{Operation: "insert", DocumentID: "l-1"}); n != 1 {
		t.Fatalf("expected emit to reach 1 subscription, reached %d", n)
	}
	if n := src.Emit(DomainAccount, Change{Operation: "insert", DocumentID: "a-1"}); n != 0 {
		t.Fatalf("emit to another domain should reach nobody, reached %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if c.DocumentID != "l-1" {
		t.Errorf("expected l-1, got %q", c.DocumentID)
	}
}

func TestMemorySource_Fail(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	sub, _ := src.Subscribe(context.Background(), DomainAccount)
	boom := errors.New("feed dropped")
	src.Fail(DomainAccount, boom)

	if _, err := sub.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestMemorySource_FailNextSubscribe(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	boom := errors.New("unavailable")
	src.FailNextSubscribe(DomainApplication, boom)

	if _, err := src.Subscribe(context.Background(), DomainApplication); !errors.Is(err, boom) {
		t.Fatalf("expected injected subscribe error, got %v", err)
	}
	if _, err := src.Subscribe(context.Background(), DomainApplication); err != nil {
		t.Fatalf("second subscribe should succeed, got %v", err)
	}
	if src.Opened(DomainApplication) != 1 {
		t.Errorf("expected 1 opened subscription, got %d", src.Opened(DomainApplication))
	}
}

func TestMemorySource_CloseTracksOpen(t *testing.T) {
	src := NewMemorySource()

	a, _ := src.Subscribe(context.Background(), DomainAccount)
	b, _ := src.Subscribe(context.Background(), DomainAccount)
	if src.Open(DomainAccount) != 2 || src.MaxOpen(DomainAccount) != 2 {
		t.Fatalf("expected 2 open subscriptions, got open=%d max=%d", src.Open(DomainAccount), src.MaxOpen(DomainAccount))
	}

	a.Close()
	a.Close()
	if src.Open(DomainAccount) != 1 {
		t.Errorf("expected 1 open subscription after close, got %d", src.Open(DomainAccount))
	}

	src.Close()
	if _, err := b.Next(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed from closed source, got %v", err)
	}
	if _, err := src.Subscribe(context.Background(), DomainAccount); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed on subscribe after close, got %v", err)
	}
}

func TestMemorySource_NextHonoursContext(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()

	sub, _ := src.Subscribe(context.Background(), DomainListing)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
