package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/icified/icebot/pkg/logger"
)

// Guard suppresses duplicate event ids inside a retention window so
// provider redeliveries never reach a handler twice. Admission is a
// single check-and-set under one mutex: concurrent arrivals of the
// same id admit exactly one.
type Guard struct {
	mu         sync.Mutex
	window     time.Duration
	evictEvery time.Duration
	seen       map[string]time.Time
	now        func() time.Time
}

func NewGuard(window time.Duration) *Guard {
	evictEvery := window / 10
	if evictEvery < time.Second {
		evictEvery = time.Second
	}
	if evictEvery > time.Minute {
		evictEvery = time.Minute
	}
	return &Guard{
		window:     window,
		evictEvery: evictEvery,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Admit records id and reports whether it was first seen within the
// window. An entry older than the window is treated as never seen.
func (g *Guard) Admit(id string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if seenAt, ok := g.seen[id]; ok && now.Sub(seenAt) < g.window {
		return false
	}
	g.seen[id] = now
	return true
}

// Forget releases an admitted id so a provider retry can be admitted
// again. Used when an admitted event could not be enqueued.
func (g *Guard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
}

// Start runs the eviction loop until ctx is cancelled. Entries older
// than the window are purged on every tick, bounding memory use.
func (g *Guard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.evictEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged := g.evict(); purged > 0 {
					logger.DebugCF("dedupe", "Evicted expired event ids", map[string]interface{}{
						"purged": purged,
					})
				}
			}
		}
	}()
}

func (g *Guard) evict() int {
	cutoff := g.now().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	purged := 0
	for id, seenAt := range g.seen {
		if seenAt.Before(cutoff) {
			delete(g.seen, id)
			purged++
		}
	}
	return purged
}

// Len reports the number of retained ids.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
