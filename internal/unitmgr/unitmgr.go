// Package unitmgr wraps the system message bus calls the orchestrator needs
// to create and tear down a per-connection systemd scope, grounded on
// src/bus_util.c: async method calls with a job waiter, generic property
// reads with sub-interface resolution via a unit's "Id", and
// start_transient_scope's multi-step sequence.
package unitmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	"github.com/shankerwangmiao/traffic-limitd-go/pkg/log"
)

const (
	destination      = "org.freedesktop.systemd1"
	managerPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface    = "org.freedesktop.systemd1.Unit"
	propsInterface   = "org.freedesktop.DBus.Properties"
)

// Outcome is the mapped result of an asynchronous unit job.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCancelled
	OutcomeTimedOut
	OutcomeIOError
	OutcomeExecError
	OutcomeProtocolError
	OutcomeNotSupported
	OutcomeStale
	OutcomeConnectionReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeIOError:
		return "io-error"
	case OutcomeExecError:
		return "exec-error"
	case OutcomeProtocolError:
		return "protocol-error"
	case OutcomeNotSupported:
		return "not-supported"
	case OutcomeStale:
		return "stale"
	case OutcomeConnectionReset:
		return "connection-reset"
	default:
		return "unknown"
	}
}

var jobResultOutcome = map[string]Outcome{
	"done":        OutcomeOK,
	"skipped":     OutcomeOK,
	"cancelled":   OutcomeCancelled,
	"collected":   OutcomeCancelled,
	"timeout":     OutcomeTimedOut,
	"dependency":  OutcomeIOError,
	"invalid":     OutcomeExecError,
	"assert":      OutcomeProtocolError,
	"unsupported": OutcomeNotSupported,
	"once":        OutcomeStale,
}

// outcomeForResult maps an unrecognized job result to io-error.
func outcomeForResult(result string) Outcome {
	if o, ok := jobResultOutcome[result]; ok {
		return o
	}
	return OutcomeIOError
}

// Scope identifies a started transient systemd scope unit.
type Scope struct {
	Name       string
	ObjectPath dbus.ObjectPath
}

// jobWait tracks one outstanding StartTransientUnit job.
// resolve/resolveDisconnected are idempotent: a job may be freed and
// resolved from either the signal dispatcher or a disconnect notification
// racing against it.
type jobWait struct {
	path dbus.ObjectPath
	done chan struct{}
	once sync.Once

	outcome Outcome
	result  string
}

func newJobWait(path dbus.ObjectPath) *jobWait {
	return &jobWait{path: path, done: make(chan struct{})}
}

func (w *jobWait) resolve(result string) {
	w.once.Do(func() {
		w.result = result
		w.outcome = outcomeForResult(result)
		close(w.done)
	})
}

func (w *jobWait) resolveDisconnected() {
	w.once.Do(func() {
		w.result = "disconnected"
		w.outcome = OutcomeConnectionReset
		close(w.done)
	})
}

func (w *jobWait) wait(ctx context.Context) (Outcome, string, error) {
	select {
	case <-w.done:
		return w.outcome, w.result, nil
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

// Client manages one system-bus connection for unit lifecycle calls, plus
// the JobRemoved/Disconnected signal dispatch the job waiter needs.
type Client struct {
	bus *dbus.Conn   // raw method calls: generic Properties.Get, Manager calls
	sub *sddbus.Conn // signal subscription (Subscribe/Signal)

	sigCh chan *dbus.Signal

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]*jobWait
}

// New opens the connections and starts the signal dispatch loop.
func New(ctx context.Context) (*Client, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("unitmgr: connect system bus: %w", err)
	}
	sub, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("unitmgr: connect signal bus: %w", err)
	}
	if err := sub.Subscribe(); err != nil {
		bus.Close()
		sub.Close()
		return nil, fmt.Errorf("unitmgr: subscribe: %w", err)
	}

	c := &Client{
		bus:     bus,
		sub:     sub,
		sigCh:   make(chan *dbus.Signal, 32),
		waiters: make(map[dbus.ObjectPath]*jobWait),
	}
	sub.Signal(c.sigCh)
	go c.dispatchLoop()
	return c, nil
}

// Close releases both bus connections.
func (c *Client) Close() {
	c.sub.Close()
	c.bus.Close()
}

func (c *Client) dispatchLoop() {
	for sig := range c.sigCh {
		if sig == nil {
			continue
		}
		switch {
		case sig.Name == managerInterface+".JobRemoved":
			c.handleJobRemoved(sig)
		case strings.HasSuffix(sig.Name, "Local.Disconnected"):
			c.handleDisconnect()
		}
	}
	c.handleDisconnect()
}

func (c *Client) handleJobRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 4 {
		return
	}
	jobPath, ok := sig.Body[1].(dbus.ObjectPath)
	if !ok {
		return
	}
	result, _ := sig.Body[3].(string)

	c.mu.Lock()
	w, ok := c.waiters[jobPath]
	if ok {
		delete(c.waiters, jobPath)
	}
	c.mu.Unlock()

	if ok {
		w.resolve(result)
	}
}

// handleDisconnect resolves every outstanding waiter with connection-reset.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[dbus.ObjectPath]*jobWait)
	c.mu.Unlock()

	for _, w := range waiters {
		w.resolveDisconnected()
	}
}

func (c *Client) registerWait(job dbus.ObjectPath) *jobWait {
	w := newJobWait(job)
	c.mu.Lock()
	c.waiters[job] = w
	c.mu.Unlock()
	return w
}

// freeWait is idempotent: a job already removed by handleJobRemoved or
// handleDisconnect leaves nothing to delete.
func (c *Client) freeWait(w *jobWait) {
	c.mu.Lock()
	if existing, ok := c.waiters[w.path]; ok && existing == w {
		delete(c.waiters, w.path)
	}
	c.mu.Unlock()
}

func (c *Client) managerCall(ctx context.Context, member string, args ...any) *dbus.Call {
	obj := c.bus.Object(destination, managerPath)
	return obj.CallWithContext(ctx, managerInterface+"."+member, 0, args...)
}

// GetUnitByPID resolves the unit object path that contains pid.
func (c *Client) GetUnitByPID(ctx context.Context, pid uint32) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if err := c.managerCall(ctx, "GetUnitByPID", pid).Store(&path); err != nil {
		return "", fmt.Errorf("unitmgr: GetUnitByPID(%d): %w", pid, err)
	}
	return path, nil
}

// GetUnit resolves a unit's object path by name.
func (c *Client) GetUnit(ctx context.Context, name string) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if err := c.managerCall(ctx, "GetUnit", name).Store(&path); err != nil {
		return "", fmt.Errorf("unitmgr: GetUnit(%s): %w", name, err)
	}
	return path, nil
}

// Kill sends KillUnit(name, who, signal) to the manager, reaping stragglers
// in a scope.
func (c *Client) Kill(ctx context.Context, name, who string, signal int32) error {
	if err := c.managerCall(ctx, "KillUnit", name, who, signal).Err; err != nil {
		return fmt.Errorf("unitmgr: KillUnit(%s): %w", name, err)
	}
	return nil
}

func (c *Client) getVariant(ctx context.Context, path dbus.ObjectPath, iface, member string) (dbus.Variant, error) {
	obj := c.bus.Object(destination, path)
	var v dbus.Variant
	call := obj.CallWithContext(ctx, propsInterface+".Get", 0, iface, member)
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("unitmgr: Properties.Get(%s,%s): %w", iface, member, err)
	}
	return v, nil
}

// GetPropertyString performs a Properties.Get whose variant is coerced to
// a string.
func (c *Client) GetPropertyString(ctx context.Context, path dbus.ObjectPath, iface, member string) (string, error) {
	v, err := c.getVariant(ctx, path, iface, member)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unitmgr: property %s.%s is not a string", iface, member)
	}
	return s, nil
}

// unitSubInterface maps a unit id's suffix (e.g. "foo.scope") to its
// type-specific D-Bus interface.
func unitSubInterface(id string) (string, error) {
	idx := strings.LastIndexByte(id, '.')
	if idx < 0 {
		return "", fmt.Errorf("unitmgr: malformed unit id %q", id)
	}
	switch id[idx+1:] {
	case "service":
		return "org.freedesktop.systemd1.Service", nil
	case "scope":
		return "org.freedesktop.systemd1.Scope", nil
	case "slice":
		return "org.freedesktop.systemd1.Slice", nil
	case "socket":
		return "org.freedesktop.systemd1.Socket", nil
	case "mount":
		return "org.freedesktop.systemd1.Mount", nil
	case "target":
		return "org.freedesktop.systemd1.Target", nil
	default:
		return "", fmt.Errorf("unitmgr: unsupported unit type in id %q", id)
	}
}

// UnitID reads a unit's "Id" property (e.g. "traffic-limitd.service"), the
// canonical name later calls (GetUnit, StartTransientUnit extras) use to
// reference it.
func (c *Client) UnitID(ctx context.Context, unitPath dbus.ObjectPath) (string, error) {
	return c.GetPropertyString(ctx, unitPath, unitInterface, "Id")
}

// UnitSubProperty reads a property from a unit's type-specific interface,
// first reading .Id to determine which interface that is.
func (c *Client) UnitSubProperty(ctx context.Context, unitPath dbus.ObjectPath, member string) (string, error) {
	id, err := c.GetPropertyString(ctx, unitPath, unitInterface, "Id")
	if err != nil {
		return "", fmt.Errorf("unitmgr: read Id: %w", err)
	}
	iface, err := unitSubInterface(id)
	if err != nil {
		return "", err
	}
	return c.GetPropertyString(ctx, unitPath, iface, member)
}

// auxProperty is the a(sa(sv)) "aux" argument StartTransientUnit accepts;
// traffic-limitd never uses it but the signature requires a value.
type auxProperty struct {
	Name       string
	Properties []sddbus.Property
}

// startTransientUnitAndRegister issues StartTransientUnit and registers the
// resulting job's waiter before releasing c.mu, so dispatchLoop's
// handleJobRemoved - which also takes c.mu - cannot look up and discard a
// fast job's completion signal before the waiter exists to receive it. This
// mirrors go-systemd's own StartTransientUnit, which holds its job-tracking
// lock across the equivalent call.
func (c *Client) startTransientUnitAndRegister(ctx context.Context, name, mode string, properties []sddbus.Property) (*jobWait, error) {
	c.mu.Lock()
	var job dbus.ObjectPath
	call := c.managerCall(ctx, "StartTransientUnit", name, mode, properties, []auxProperty{})
	err := call.Store(&job)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("unitmgr: StartTransientUnit(%s): %w", name, err)
	}
	w := newJobWait(job)
	c.waiters[job] = w
	c.mu.Unlock()
	return w, nil
}

// StartTransientScope locates the caller's unit and slice, generates a
// random scope name, starts it with
// CollectMode=inactive-or-failed pinned to that slice and the caller's pid,
// plus any caller-supplied extras, then wait for the job to resolve and
// look up the new scope's object path.
//
// Any failure after StartTransientUnit was issued kills the scope by name,
// so a failed call leaves no scope running; the job waiter is released via
// freeWait regardless of outcome.
func (c *Client) StartTransientScope(ctx context.Context, peerPID uint32, extra ...sddbus.Property) (Scope, error) {
	callerUnit, err := c.GetUnitByPID(ctx, peerPID)
	if err != nil {
		return Scope{}, fmt.Errorf("unitmgr: resolve caller unit: %w", err)
	}
	slice, err := c.UnitSubProperty(ctx, callerUnit, "Slice")
	if err != nil {
		return Scope{}, fmt.Errorf("unitmgr: read caller slice: %w", err)
	}

	var idBuf [16]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return Scope{}, fmt.Errorf("unitmgr: generate scope id: %w", err)
	}
	name := fmt.Sprintf("traffic-limitd-scope-%s.scope", hex.EncodeToString(idBuf[:]))

	properties := append([]sddbus.Property{
		{Name: "CollectMode", Value: dbus.MakeVariant("inactive-or-failed")},
		{Name: "Slice", Value: dbus.MakeVariant(slice)},
		{Name: "PIDs", Value: dbus.MakeVariant([]uint32{peerPID})},
	}, extra...)

	wait, err := c.startTransientUnitAndRegister(ctx, name, "fail", properties)
	if err != nil {
		return Scope{}, fmt.Errorf("unitmgr: start %s: %w", name, err)
	}
	defer c.freeWait(wait)

	ok := false
	defer func() {
		if ok {
			return
		}
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = c.Kill(killCtx, name, "all", int32(syscall.SIGKILL))
	}()

	outcome, result, err := wait.wait(ctx)
	if err != nil {
		return Scope{}, fmt.Errorf("unitmgr: wait for %s: %w", name, err)
	}
	if outcome != OutcomeOK {
		return Scope{}, fmt.Errorf("unitmgr: %s job result %q (outcome %s)", name, result, outcome)
	}

	objPath, err := c.GetUnit(ctx, name)
	if err != nil {
		return Scope{}, fmt.Errorf("unitmgr: resolve new scope: %w", err)
	}

	log.Debugf("unitmgr: started transient scope %s for pid %d in slice %s", name, peerPID, slice)
	ok = true
	return Scope{Name: name, ObjectPath: objPath}, nil
}
