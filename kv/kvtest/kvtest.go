// Package kvtest is a conformance suite for kv.Store implementations.
//
// Backends call Run from their own tests with a constructor returning a
// fresh, empty store:
//
//	func TestConformance(t *testing.T) {
//	    kvtest.Run(t, func(t *testing.T) kv.Store { return newStore(t) })
//	}
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jacentio/magicdb/kv"
)

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) kv.Store

// Run runs every conformance test against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetPutDelete", func(t *testing.T) { testGetPutDelete(t, newStore(t)) })
	t.Run("ListPrefix", func(t *testing.T) { testListPrefix(t, newStore(t)) })
	t.Run("DeletePrefix", func(t *testing.T) { testDeletePrefix(t, newStore(t)) })
	t.Run("ApplyConditions", func(t *testing.T) { testApplyConditions(t, newStore(t)) })
	t.Run("ApplyOrdering", func(t *testing.T) { testApplyOrdering(t, newStore(t)) })
	t.Run("LockExclusion", func(t *testing.T) { testLockExclusion(t, newStore(t)) })
	t.Run("LockWaitCancelled", func(t *testing.T) { testLockWaitCancelled(t, newStore(t)) })
}

func mustPut(t *testing.T, s kv.Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if err := s.Put(context.Background(), key, []byte("v:"+key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
}

func mustList(t *testing.T, s kv.Store, prefix string) []string {
	t.Helper()
	keys, err := s.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	return keys
}

func testGetPutDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()

	if _, err := s.Get(ctx, "/kvtest/a"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "/kvtest/a", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "/kvtest/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Errorf("expected stored value, got %q", got)
	}
	if err := s.Put(ctx, "/kvtest/a", []byte("none")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Get(ctx, "/kvtest/a"); string(got) != "none" {
		t.Errorf("expected overwritten value, got %q", got)
	}
	if err := s.Delete(ctx, "/kvtest/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "/kvtest/a"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
	if _, err := s.Get(ctx, "/kvtest/a"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testListPrefix(t *testing.T, s kv.Store) {
	mustPut(t, s, "/kvtest/t/db10/a", "/kvtest/t/db1/b", "/kvtest/t/db1/a", "/kvtest/x")

	want := []string{"/kvtest/t/db1/a", "/kvtest/t/db1/b"}
	if diff := cmp.Diff(want, mustList(t, s, "/kvtest/t/db1/")); diff != "" {
		t.Errorf("list db1 (-want +got):\n%s", diff)
	}
	want = []string{"/kvtest/t/db1/a", "/kvtest/t/db1/b", "/kvtest/t/db10/a"}
	if diff := cmp.Diff(want, mustList(t, s, "/kvtest/t/")); diff != "" {
		t.Errorf("list t (-want +got):\n%s", diff)
	}
	if got := mustList(t, s, "/kvtest/none/"); len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}

func testDeletePrefix(t *testing.T, s kv.Store) {
	ctx := context.Background()
	var keys []string
	for i := 0; i < 60; i++ {
		keys = append(keys, fmt.Sprintf("/kvtest/v/db1/t/%03d", i))
	}
	mustPut(t, s, keys...)
	mustPut(t, s, "/kvtest/v/db10/t/000", "/kvtest/v/db1")

	if err := s.DeletePrefix(ctx, "/kvtest/v/db1/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	want := []string{"/kvtest/v/db1", "/kvtest/v/db10/t/000"}
	if diff := cmp.Diff(want, mustList(t, s, "/kvtest/v/")); diff != "" {
		t.Errorf("remaining keys (-want +got):\n%s", diff)
	}
}

func testApplyConditions(t *testing.T, s kv.Store) {
	ctx := context.Background()
	mustPut(t, s, "/kvtest/present")

	tests := []struct {
		name    string
		conds   []kv.Cond
		wantErr error
	}{
		{"absent holds", []kv.Cond{kv.Absent("/kvtest/new")}, nil},
		{"present holds", []kv.Cond{kv.Present("/kvtest/present")}, nil},
		{"absent fails", []kv.Cond{kv.Absent("/kvtest/present")}, kv.ErrConditionFailed},
		{"present fails", []kv.Cond{kv.Present("/kvtest/missing")}, kv.ErrConditionFailed},
		{"one of two fails", []kv.Cond{kv.Present("/kvtest/present"), kv.Present("/kvtest/missing")}, kv.ErrConditionFailed},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := fmt.Sprintf("/kvtest/out/%d", i)
			err := s.Apply(ctx, kv.Txn{Conds: tt.conds, Ops: []kv.Op{kv.Put(key, []byte("x"))}})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			_, getErr := s.Get(ctx, key)
			if tt.wantErr == nil && getErr != nil {
				t.Errorf("expected %s written, got %v", key, getErr)
			}
			if tt.wantErr != nil && !errors.Is(getErr, kv.ErrNotFound) {
				t.Errorf("expected %s not written, got %v", key, getErr)
			}
		})
	}

	// A condition on a key the transaction writes.
	err := s.Apply(ctx, kv.Txn{
		Conds: []kv.Cond{kv.Absent("/kvtest/created")},
		Ops:   []kv.Op{kv.Put("/kvtest/created", []byte("1"))},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.Apply(ctx, kv.Txn{
		Conds: []kv.Cond{kv.Absent("/kvtest/created")},
		Ops:   []kv.Op{kv.Put("/kvtest/created", []byte("2"))},
	})
	if !errors.Is(err, kv.ErrConditionFailed) {
		t.Errorf("expected ErrConditionFailed on second create, got %v", err)
	}
	if got, _ := s.Get(ctx, "/kvtest/created"); string(got) != "1" {
		t.Errorf("expected first value kept, got %q", got)
	}
}

func testApplyOrdering(t *testing.T, s kv.Store) {
	ctx := context.Background()
	mustPut(t, s, "/kvtest/o/db1/a", "/kvtest/o/db1/b", "/kvtest/o/db10/a", "/kvtest/o/db1x")

	err := s.Apply(ctx, kv.Txn{
		Conds: []kv.Cond{kv.Present("/kvtest/o/db1x")},
		Ops: []kv.Op{
			kv.DeletePrefix("/kvtest/o/db1/"),
			kv.Delete("/kvtest/o/db1x"),
			kv.Put("/kvtest/o/index", []byte("[]")),
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []string{"/kvtest/o/db10/a", "/kvtest/o/index"}
	if diff := cmp.Diff(want, mustList(t, s, "/kvtest/o/")); diff != "" {
		t.Errorf("remaining keys (-want +got):\n%s", diff)
	}
}

func testLockExclusion(t *testing.T, s kv.Store) {
	const workers = 4
	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			l, err := s.Lock(ctx, "kvtest-exclusion", 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			if err := l.Unlock(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("lock worker: %v", err)
	}
	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
}

func testLockWaitCancelled(t *testing.T, s kv.Store) {
	held, err := s.Lock(context.Background(), "kvtest-cancel", 10*time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "kvtest-cancel", 10*time.Second); err == nil {
		t.Fatal("expected second lock to fail while held")
	}

	if err := held.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case <-held.Lost():
	case <-time.After(time.Second):
		t.Error("expected Lost to close after unlock")
	}

	again, err := s.Lock(context.Background(), "kvtest-cancel", 10*time.Second)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again.Unlock(context.Background())
}
