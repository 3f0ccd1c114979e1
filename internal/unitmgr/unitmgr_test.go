package unitmgr

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestOutcomeForResultMapping(t *testing.T) {
	cases := map[string]Outcome{
		"done":                 OutcomeOK,
		"skipped":              OutcomeOK,
		"cancelled":            OutcomeCancelled,
		"collected":            OutcomeCancelled,
		"timeout":              OutcomeTimedOut,
		"dependency":           OutcomeIOError,
		"invalid":              OutcomeExecError,
		"assert":               OutcomeProtocolError,
		"unsupported":          OutcomeNotSupported,
		"once":                 OutcomeStale,
		"something-unheard-of": OutcomeIOError,
	}
	for result, want := range cases {
		if got := outcomeForResult(result); got != want {
			t.Errorf("outcomeForResult(%q) = %v, want %v", result, got, want)
		}
	}
}

func TestJobWaitResolveIsIdempotent(t *testing.T) {
	w := newJobWait(dbus.ObjectPath("/org/freedesktop/systemd1/job/1"))
	w.resolve("done")
	w.resolve("cancelled") // must not overwrite the first resolution

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, result, err := w.wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome != OutcomeOK || result != "done" {
		t.Fatalf("got outcome=%v result=%q, want OutcomeOK/done", outcome, result)
	}
}

func TestJobWaitDisconnectBeforeResolution(t *testing.T) {
	w := newJobWait(dbus.ObjectPath("/org/freedesktop/systemd1/job/2"))
	w.resolveDisconnected()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, result, err := w.wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome != OutcomeConnectionReset || result != "disconnected" {
		t.Fatalf("got outcome=%v result=%q, want ConnectionReset/disconnected", outcome, result)
	}
}

func TestFreeWaitIsIdempotent(t *testing.T) {
	c := &Client{waiters: make(map[dbus.ObjectPath]*jobWait)}
	w := c.registerWait(dbus.ObjectPath("/org/freedesktop/systemd1/job/3"))
	c.freeWait(w)
	c.freeWait(w) // second call must not panic or misbehave

	if _, ok := c.waiters[w.path]; ok {
		t.Fatalf("waiter still registered after freeWait")
	}
}

func TestUnitSubInterfaceFromId(t *testing.T) {
	cases := map[string]string{
		"foo.scope":   "org.freedesktop.systemd1.Scope",
		"foo.service": "org.freedesktop.systemd1.Service",
		"foo.slice":   "org.freedesktop.systemd1.Slice",
	}
	for id, want := range cases {
		got, err := unitSubInterface(id)
		if err != nil {
			t.Fatalf("unitSubInterface(%q): %v", id, err)
		}
		if got != want {
			t.Errorf("unitSubInterface(%q) = %q, want %q", id, got, want)
		}
	}
	if _, err := unitSubInterface("no-dot-here"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}
