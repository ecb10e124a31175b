package router

import (
	"context"
	"errors"
	"testing"

	"github.com/icified/icebot/pkg/bus"
)

func named(name string) bus.Handler {
	return func(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
		return []bus.OutboundMessage{{Body: name}}, nil
	}
}

func resolveName(t *testing.T, table *Table, command string) string {
	t.Helper()
	handler, err := table.Resolve(command)
	if err != nil {
		t.Fatalf("resolve %q: %v", command, err)
	}
	msgs, err := handler(context.Background(), bus.Command{})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return msgs[0].Body
}

func TestResolveExactMatch(t *testing.T) {
	table := NewTable()
	if err := table.Register("/ping", named("ping")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := table.Register("/pin", named("pin")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := resolveName(t, table, "/ping"); got != "ping" {
		t.Fatalf("resolved %q, want exact match ping", got)
	}
}

func TestResolveLongestPrefix(t *testing.T) {
	table := NewTable()
	_ = table.Register("/ic", named("short"))
	_ = table.Register("/icify", named("long"))

	if got := resolveName(t, table, "/icify_hd"); got != "long" {
		t.Fatalf("resolved %q, want longest prefix", got)
	}
	if got := resolveName(t, table, "/ice"); got != "short" {
		t.Fatalf("resolved %q, want short prefix", got)
	}
}

func TestResolveTieBreaksOnRegistrationOrder(t *testing.T) {
	table := NewTable()
	_ = table.Register("/cmd", named("first"))
	_ = table.Register("/cmd", named("second"))

	if got := resolveName(t, table, "/cmd"); got != "first" {
		t.Fatalf("resolved %q, want first registered", got)
	}
	if got := resolveName(t, table, "/cmdx"); got != "first" {
		t.Fatalf("prefix resolved %q, want first registered", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	table := NewTable()
	_ = table.Register("/ping", named("ping"))

	_, err := table.Resolve("/unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterAfterSealFails(t *testing.T) {
	table := NewTable()
	table.Seal()
	if err := table.Register("/late", named("late")); err == nil {
		t.Fatal("expected registration after seal to fail")
	}
}

func TestRegisterRejectsEmptyPatternAndNilHandler(t *testing.T) {
	table := NewTable()
	if err := table.Register("", named("x")); err == nil {
		t.Fatal("expected empty pattern to fail")
	}
	if err := table.Register("/x", nil); err == nil {
		t.Fatal("expected nil handler to fail")
	}
}
