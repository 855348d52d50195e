package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	store.Set(ctx, "StackProgress:a", []byte("1"), 0)
	store.Set(ctx, "StackProgress:b", []byte("2"), 0)
	store.Set(ctx, "Other", []byte("3"), 0)
	store.Set(ctx, "Expired", []byte("4"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	keys, err := store.Keys(ctx, "StackProgress:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "StackProgress:a" || keys[1] != "StackProgress:b" {
		t.Errorf("Keys = %v", keys)
	}
	if _, err := store.Get(ctx, "Expired"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired key = %v, want ErrNotFound", err)
	}

	store.Delete(ctx, "Other")
	if _, err := store.Get(ctx, "Other"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted key still present")
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSessionSetGetWatch(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(), 0)
	defer s.Close()

	var changes []Change
	sub := s.Watch(func(c Change) { changes = append(changes, c) })

	type progress struct {
		PercentComplete float64 `json:"percentComplete"`
	}
	if err := s.Set(ctx, "StackProgress:x", progress{PercentComplete: 50}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got progress
	if err := s.Get(ctx, "StackProgress:x", &got); err != nil || got.PercentComplete != 50 {
		t.Errorf("Get = (%+v, %v)", got, err)
	}
	raw, err := s.GetRaw(ctx, "StackProgress:x")
	if err != nil || string(raw) != `{"percentComplete":50}` {
		t.Errorf("GetRaw = (%s, %v)", raw, err)
	}

	if err := s.Delete(ctx, "StackProgress:x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "StackProgress:x", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}

	if len(changes) != 2 || changes[0].Deleted || !changes[1].Deleted {
		t.Errorf("changes = %+v", changes)
	}

	sub.Unsubscribe()
	s.Set(ctx, "k", 1)
	if len(changes) != 2 {
		t.Error("watcher called after Unsubscribe")
	}

	keys, _ := s.Keys(ctx, "k")
	if len(keys) != 1 || keys[0] != "k" {
		t.Errorf("Keys = %v", keys)
	}
}
