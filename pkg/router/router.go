package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/icified/icebot/pkg/bus"
)

// ErrNotFound means no registered pattern matches a command. It is a
// handled outcome, not a failure: unroutable events are acknowledged
// and dropped.
var ErrNotFound = errors.New("no handler for command")

type registration struct {
	pattern string
	handler bus.Handler
}

// Table is the handler registration table. It is built at startup,
// passed by reference into the pipeline, and read-only once the
// listener starts, so lookups need no locking.
type Table struct {
	exact   map[string]int
	ordered []registration
	sealed  bool
}

func NewTable() *Table {
	return &Table{exact: make(map[string]int)}
}

// Register binds a pattern to a handler. First registration of a
// pattern wins ties during prefix matching. Registering after Seal is
// a programming error.
func (t *Table) Register(pattern string, handler bus.Handler) error {
	if t.sealed {
		return fmt.Errorf("router: table sealed, cannot register %q", pattern)
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("router: empty pattern")
	}
	if handler == nil {
		return fmt.Errorf("router: nil handler for %q", pattern)
	}
	if _, exists := t.exact[pattern]; !exists {
		t.exact[pattern] = len(t.ordered)
	}
	t.ordered = append(t.ordered, registration{pattern: pattern, handler: handler})
	return nil
}

// Seal marks the table read-only. Called once, before the listener
// accepts traffic.
func (t *Table) Seal() {
	t.sealed = true
}

// Resolve finds the handler for a command name. Exact match first,
// then the longest registered prefix; ties break toward the earliest
// registration.
func (t *Table) Resolve(name string) (bus.Handler, error) {
	if idx, ok := t.exact[name]; ok {
		return t.ordered[idx].handler, nil
	}

	best := -1
	bestLen := 0
	for i, reg := range t.ordered {
		if strings.HasPrefix(name, reg.pattern) && len(reg.pattern) > bestLen {
			best = i
			bestLen = len(reg.pattern)
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t.ordered[best].handler, nil
}

// Patterns lists registered patterns in registration order.
func (t *Table) Patterns() []string {
	out := make([]string, 0, len(t.ordered))
	for _, reg := range t.ordered {
		out = append(out, reg.pattern)
	}
	return out
}
