package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/yourorg/reqsniffer/pkg/types"
)

func exchange(i int) types.CapturedExchange {
	return types.CapturedExchange{ID: fmt.Sprintf("ex-%d", i), Method: "GET", URL: fmt.Sprintf("https://x.com/%d", i)}
}

func TestCaptureStoreNewestFirst(t *testing.T) {
	c := NewCaptureStore(10)
	for i := 0; i < 3; i++ {
		c.Append(exchange(i))
	}
	got := c.List()
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].ID != "ex-2" || got[2].ID != "ex-0" {
		t.Fatalf("unexpected order %s..%s", got[0].ID, got[2].ID)
	}
}

func TestCaptureStoreEvictsOldest(t *testing.T) {
	c := NewCaptureStore(100)
	for i := 0; i < 250; i++ {
		c.Append(exchange(i))
	}
	got := c.List()
	if len(got) != 100 {
		t.Fatalf("expected 100, got %d", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("ex-%d", 249-i)
		if e.ID != want {
			t.Fatalf("position %d: got %s, want %s", i, e.ID, want)
		}
	}
}

func TestCaptureStoreClear(t *testing.T) {
	c := NewCaptureStore(5)
	for i := 0; i < 7; i++ {
		c.Append(exchange(i))
	}
	c.Clear()
	if got := c.List(); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}
	c.Append(exchange(42))
	got := c.List()
	if len(got) != 1 || got[0].ID != "ex-42" {
		t.Fatalf("unexpected list after clear %+v", got)
	}
}

func TestCaptureStoreDefaultCapacity(t *testing.T) {
	if c := NewCaptureStore(0); c.Cap() != DefaultCapacity {
		t.Fatalf("expected default capacity, got %d", c.Cap())
	}
}

func TestCaptureStoreSnapshotIsolated(t *testing.T) {
	c := NewCaptureStore(3)
	c.Append(exchange(1))
	snap := c.List()
	c.Append(exchange(2))
	if len(snap) != 1 || snap[0].ID != "ex-1" {
		t.Fatalf("snapshot changed after append: %+v", snap)
	}
}

func TestCaptureStoreConcurrentAccess(t *testing.T) {
	c := NewCaptureStore(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Append(exchange(i*100 + j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if l := c.List(); len(l) > 50 {
					t.Errorf("snapshot exceeds capacity: %d", len(l))
				}
			}
		}()
	}
	wg.Wait()
	if c.Len() != 50 {
		t.Fatalf("expected full store, got %d", c.Len())
	}
}
