package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/preview"
)

func newTestRegistry(store preview.Store) *Registry {
	logger := zap.NewNop()
	return NewRegistry(func(id string) *Session {
		return New(id, newStubClassifier(), preview.NewManager(store, 16, logger), domain.SelectFirst, logger)
	}, logger)
}

func TestRegistryLifecycle(t *testing.T) {
	store := preview.NewMemoryStore()
	r := newTestRegistry(store)
	ctx := context.Background()

	a := r.Create()
	b := r.Create()
	if a.ID() == b.ID() {
		t.Fatal("expected distinct session ids")
	}
	if got, ok := r.Get(a.ID()); !ok || got != a {
		t.Fatal("expected to find session a")
	}

	if err := a.SelectFile(ctx, testImage(t, "a.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := b.SelectFile(ctx, testImage(t, "b.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected one preview per session, got %d", store.Len())
	}

	if err := r.Close(ctx, a.ID()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok := r.Get(a.ID()); ok {
		t.Fatal("closed session should be forgotten")
	}
	if err := r.Close(ctx, "missing"); err != nil {
		t.Fatalf("closing unknown session should be a no-op, got %v", err)
	}

	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("close all failed: %v", err)
	}
	if r.Len() != 0 || store.Len() != 0 {
		t.Fatalf("expected no sessions or previews left, got %d sessions %d previews", r.Len(), store.Len())
	}
	if !b.Current().Closed {
		t.Fatal("expected session b to be closed")
	}
}

func TestRegistryExpiresIdleSessions(t *testing.T) {
	store := preview.NewMemoryStore()
	r := newTestRegistry(store)
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	abandoned := r.Create()
	active := r.Create()
	if err := abandoned.SelectFile(ctx, testImage(t, "a.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := active.SelectFile(ctx, testImage(t, "b.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	clock = clock.Add(20 * time.Minute)
	if _, ok := r.Get(active.ID()); !ok {
		t.Fatal("expected active session")
	}
	clock = clock.Add(15 * time.Minute)

	if n := r.ExpireIdle(ctx, 30*time.Minute); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if _, ok := r.Get(abandoned.ID()); ok {
		t.Fatal("expired session should be forgotten")
	}
	if !abandoned.Current().Closed {
		t.Fatal("expected expired session to be closed")
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the active preview left, got %d", store.Len())
	}

	clock = clock.Add(time.Hour)
	r.ExpireIdle(ctx, 30*time.Minute)
	if r.Len() != 0 || store.Len() != 0 {
		t.Fatalf("expected every preview released, got %d sessions %d previews", r.Len(), store.Len())
	}
}

func TestRegistryReaperReleasesAbandonedPreviews(t *testing.T) {
	store := preview.NewMemoryStore()
	r := newTestRegistry(store)

	s := r.Create()
	if err := s.SelectFile(context.Background(), testImage(t, "a.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunReaper(ctx, 20*time.Millisecond, 5*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 || store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reaper did not expire the session: %d sessions %d previews", r.Len(), store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Current().Closed {
		t.Fatal("expected reaped session to be closed")
	}
}
