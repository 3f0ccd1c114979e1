package ratelimit

import "testing"

func TestMemTableSetThenSetReplaces(t *testing.T) {
	tbl := NewMemTable()
	if err := tbl.Set(1, Entry{ByteRate: 100}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Set(1, Entry{ByteRate: 200}); err != nil {
		t.Fatal(err)
	}
	e, ok, err := tbl.Check(1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || e.ByteRate != 200 {
		t.Fatalf("got %+v ok=%v, want ByteRate=200", e, ok)
	}
}

func TestMemTableUnsetAbsentIsNotError(t *testing.T) {
	tbl := NewMemTable()
	if err := tbl.Unset(42); err != nil {
		t.Fatalf("unset of absent key must not error: %v", err)
	}
}

func TestMemTableCheckAbsent(t *testing.T) {
	tbl := NewMemTable()
	_, ok, err := tbl.Check(7)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected absent key to report ok=false")
	}
}
