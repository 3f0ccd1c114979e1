package orchestrator

import "testing"

func TestSelfUnitCacheReturnsCachedValueWithoutResolving(t *testing.T) {
	s := NewSelfUnitCache()
	name := "traffic-limitd.service"
	s.name.Store(&name)

	// Passing a nil bus would panic if Get tried to resolve; it must not,
	// since the cache is already populated.
	got, err := s.Get(nil, nil, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != name {
		t.Fatalf("Get() = %q, want %q", got, name)
	}
}

func TestSelfUnitCacheCompareAndSwapKeepsFirstWinner(t *testing.T) {
	s := NewSelfUnitCache()
	first := "a.service"
	second := "b.service"

	if !s.name.CompareAndSwap(nil, &first) {
		t.Fatalf("expected first CAS to win")
	}
	if s.name.CompareAndSwap(nil, &second) {
		t.Fatalf("expected second CAS to lose since a value is already stored")
	}
	if got := *s.name.Load(); got != first {
		t.Fatalf("stored value = %q, want %q (first writer wins)", got, first)
	}
}
