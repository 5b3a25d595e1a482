package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

type hintDoc struct {
	Tokens []string `json:"tokens"`
}

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "state.db"), filepath.Join(tmp, "state.lock"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteSetGetRemove(t *testing.T) {
	store := openTemp(t)
	ctx := context.Background()

	var missing hintDoc
	found, err := store.Get(ctx, "previousHints", &missing)
	if err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	if err := store.Set(ctx, "previousHints", hintDoc{Tokens: []string{"0xa", "0xb"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got hintDoc
	found, err = store.Get(ctx, "previousHints", &got)
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if len(got.Tokens) != 2 || got.Tokens[1] != "0xb" {
		t.Fatalf("unexpected value %+v", got)
	}

	if err := store.Set(ctx, "previousHints", hintDoc{Tokens: []string{"0xc"}}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got = hintDoc{}
	if _, err := store.Get(ctx, "previousHints", &got); err != nil {
		t.Fatalf("Get after overwrite failed: %v", err)
	}
	if len(got.Tokens) != 1 || got.Tokens[0] != "0xc" {
		t.Fatalf("expected last write to win, got %+v", got)
	}

	keys, err := store.Keys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}

	if err := store.Remove(ctx, "previousHints"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	found, err = store.Get(ctx, "previousHints", nil)
	if err != nil || found {
		t.Fatalf("expected miss after remove, got found=%v err=%v", found, err)
	}
}

func TestSQLiteConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "state.db")
	lockPath := filepath.Join(tmp, "state.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			ctx := context.Background()
			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set(ctx, key, map[string]int{"i": i}); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				var out map[string]int
				found, err := store.Get(ctx, key, &out)
				if err != nil || !found || out["i"] != i {
					errCh <- fmt.Errorf("worker %d get iter %d: found=%v out=%v err=%v", workerID, i, found, out, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	if err := store.Set(ctx, "k", []int{1, 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var out []int
	found, err := store.Get(ctx, "k", &out)
	if err != nil || !found || len(out) != 2 {
		t.Fatalf("unexpected get: found=%v out=%v err=%v", found, out, err)
	}
	if raw, ok := store.Raw("k"); !ok || string(raw) != "[1,2]" {
		t.Fatalf("unexpected raw %q", raw)
	}
	_ = store.Remove(ctx, "k")
	if found, _ := store.Get(ctx, "k", nil); found {
		t.Fatal("expected key removed")
	}
}
