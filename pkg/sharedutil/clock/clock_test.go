package clock

import (
	"strings"
	"testing"
	"time"
)

func TestSystemClockIsUTC(t *testing.T) {
	now := SystemClock{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("SystemClock.Now() location = %v, want UTC", now.Location())
	}
}

func TestULIDGen_Shape(t *testing.T) {
	fc := NewFakeClock(time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC))
	g := NewULIDGen(fc)

	id := g.NewID("")
	if len(id) != 26 {
		t.Fatalf("NewID() length = %d, want 26", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(crockford, c) {
			t.Fatalf("NewID() contains invalid char %q", c)
		}
	}
}

func TestULIDGen_Prefix(t *testing.T) {
	fc := NewFakeClock(time.Now())
	g := NewULIDGen(fc)
	id := g.NewID("inc")
	if !strings.HasPrefix(id, "inc-") {
		t.Errorf("NewID(prefix) = %q, want prefix inc-", id)
	}
}

func TestULIDGen_MonotonicOrderingAcrossMillis(t *testing.T) {
	fc := NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewULIDGen(fc)

	first := g.NewID("")
	fc.Advance(time.Millisecond)
	second := g.NewID("")

	if !(first < second) {
		t.Errorf("expected lexicographic ordering: %q < %q", first, second)
	}
}

func TestULIDGen_Uniqueness(t *testing.T) {
	fc := NewFakeClock(time.Now())
	g := NewULIDGen(fc)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.NewID("")
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start)

	if got := fc.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	after := fc.Advance(time.Hour)
	if !after.Equal(start.Add(time.Hour)) {
		t.Fatalf("Advance() = %v, want %v", after, start.Add(time.Hour))
	}

	newTime := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	fc.Set(newTime)
	if got := fc.Now(); !got.Equal(newTime) {
		t.Fatalf("Set()/Now() = %v, want %v", got, newTime)
	}
}

func TestFakeIDGen_Sequential(t *testing.T) {
	g := NewFakeIDGen()
	first := g.NewID("x")
	second := g.NewID("x")
	if first == second {
		t.Fatalf("expected distinct sequential ids, got %q twice", first)
	}
	if first != "x-00001" {
		t.Errorf("NewID() = %q, want x-00001", first)
	}
	if second != "x-00002" {
		t.Errorf("NewID() = %q, want x-00002", second)
	}
}
