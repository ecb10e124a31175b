package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdmitFirstSeenThenDuplicate(t *testing.T) {
	g := NewGuard(time.Hour)

	if !g.Admit("e1") {
		t.Fatal("first admit should succeed")
	}
	if g.Admit("e1") {
		t.Fatal("second admit of same id should be rejected")
	}
	if !g.Admit("e2") {
		t.Fatal("distinct id should be admitted")
	}
}

func TestAdmitIsAtomicUnderConcurrency(t *testing.T) {
	g := NewGuard(time.Hour)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("same-id") {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted = %d, want exactly 1", admitted)
	}
}

func TestExpiredEntryIsAdmittedAgain(t *testing.T) {
	g := NewGuard(time.Minute)

	base := time.Now()
	g.now = func() time.Time { return base }
	if !g.Admit("e1") {
		t.Fatal("first admit should succeed")
	}

	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !g.Admit("e1") {
		t.Fatal("admit after window should succeed")
	}
}

func TestEvictPurgesOldEntries(t *testing.T) {
	g := NewGuard(time.Minute)

	base := time.Now()
	g.now = func() time.Time { return base }
	g.Admit("old1")
	g.Admit("old2")

	g.now = func() time.Time { return base.Add(30 * time.Second) }
	g.Admit("fresh")

	g.now = func() time.Time { return base.Add(90 * time.Second) }
	if purged := g.evict(); purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d, want 1", g.Len())
	}
}

func TestForgetReleasesID(t *testing.T) {
	g := NewGuard(time.Hour)

	g.Admit("e1")
	g.Forget("e1")
	if !g.Admit("e1") {
		t.Fatal("admit after forget should succeed")
	}
}
