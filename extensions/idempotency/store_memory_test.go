package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDefaultKeyGenerator(t *testing.T) {
	key1 := DefaultKeyGenerator("0xabc:0x01")
	key2 := DefaultKeyGenerator("0xabc:0x02")
	key3 := DefaultKeyGenerator("0xabc:0x01")

	if key1 != key3 {
		t.Errorf("Expected same anchor to produce same key, got %s and %s", key1, key3)
	}
	if key1 == key2 {
		t.Errorf("Expected different anchors to produce different keys")
	}
	if len(key1) != 64 {
		t.Errorf("Expected key to be 64 hex chars, got %d", len(key1))
	}
}

func TestInMemoryStore_CheckAndMark_Cached(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(5 * time.Minute)
	key := "test-key"

	status, result, err := store.CheckAndMark(ctx, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status)
	}
	if result != nil {
		t.Error("Expected nil result for NotFound")
	}

	if err := store.Complete(ctx, key, []byte(`{"txHash":"0x123"}`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	status, result, _ = store.CheckAndMark(ctx, key)
	if status != StatusCached {
		t.Errorf("Expected StatusCached, got %v", status)
	}
	if string(result) != `{"txHash":"0x123"}` {
		t.Errorf("Expected cached result, got %s", result)
	}
}

func TestInMemoryStore_CheckAndMark_InFlight(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(5 * time.Minute)
	key := "inflight-test"

	status1, _, _ := store.CheckAndMark(ctx, key)
	if status1 != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status1)
	}

	status2, _, _ := store.CheckAndMark(ctx, key)
	if status2 != StatusInFlight {
		t.Errorf("Expected StatusInFlight, got %v", status2)
	}
}

func TestInMemoryStore_WaitForResult_Complete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(5 * time.Minute)
	key := "wait-test"

	store.CheckAndMark(ctx, key)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Complete(ctx, key, []byte("done"))
	}()

	result, err := store.WaitForResult(ctx, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(result) != "done" {
		t.Errorf("Expected result 'done', got %q", result)
	}
}

func TestInMemoryStore_WaitForResult_Fail(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(5 * time.Minute)
	key := "fail-test"

	store.CheckAndMark(ctx, key)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Fail(ctx, key)
	}()

	result, err := store.WaitForResult(ctx, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result after Fail, got %q", result)
	}

	status, _, _ := store.CheckAndMark(ctx, key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after Fail, got %v", status)
	}
}

func TestInMemoryStore_WaitForResult_ContextCancelled(t *testing.T) {
	store := NewInMemoryStore(5 * time.Minute)
	key := "cancel-test"

	store.CheckAndMark(context.Background(), key)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := store.WaitForResult(ctx, key)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestInMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.CheckAndMark(ctx, "k")
	_ = store.Complete(ctx, "k", []byte("v"))

	now = now.Add(2 * time.Minute)

	status, result, _ := store.CheckAndMark(ctx, "k")
	if status != StatusNotFound {
		t.Errorf("Expected expired entry to be NotFound, got %v", status)
	}
	if result != nil {
		t.Errorf("Expected nil result, got %q", result)
	}
}

func TestInMemoryStore_ConcurrentMark(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(5 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _ := store.CheckAndMark(ctx, "race")
			if status == StatusNotFound {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}
