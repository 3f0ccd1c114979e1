package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/framedconn"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/ratelimit"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/wire"
	"github.com/shankerwangmiao/traffic-limitd-go/pkg/log"
)

// requestTimeout bounds the single read of the client's rate request.
const requestTimeout = 300 * time.Millisecond

// teardownTimeout bounds the best-effort FAIL/LOG frame an orchestrator
// sends after its own task has been interrupted and its context is
// already cancelled.
const teardownTimeout = 2 * time.Second

// pidfdPollInterval is how often waitPidfd re-checks ctx between poll
// calls, bounding the goroutine-free wait to a short, cancellable loop.
const pidfdPollInterval = 200

// Handle runs one client connection's full lifecycle to completion. It is
// meant to be run as the entry point of a taskrt.Group.Spawn goroutine;
// every acquired resource is registered on t.Cleanup as it's won, so a
// multi-step failure midway through still unwinds everything already
// acquired, in LIFO order, once Handle returns and the spawning goroutine
// runs t.Cleanup.Run().
func Handle(t *taskrt.Task, d *Deps, fd int) {
	ctx := t.Context()

	conn, err := framedconn.New(fd)
	if err != nil {
		log.Errorf("orchestrator: wrap connection: %v", err)
		unix.Close(fd)
		return
	}
	t.Cleanup.Add(func() { conn.Close() })
	conn.RegisterHangupInterrupt(t, taskrt.IOClosed)

	if !d.Admission.TryAcquire(1) {
		writeFail(ctx, conn, wire.FailNoResource)
		conn.Shutdown()
		return
	}
	t.Cleanup.Add(func() { d.Admission.Release(1) })

	peer := conn.Peer()

	selfUnit, err := d.SelfUnit.Get(ctx, d.Bus, d.DaemonPID)
	if err != nil {
		log.Errorf("orchestrator: resolve self unit: %v", err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}

	scope, err := d.Bus.StartTransientScope(ctx, uint32(peer.PID),
		sddbus.Property{Name: "After", Value: dbus.MakeVariant([]string{selfUnit})},
		sddbus.Property{Name: "BindsTo", Value: dbus.MakeVariant([]string{selfUnit})},
		sddbus.Property{Name: "SendSIGHUP", Value: dbus.MakeVariant(true)},
	)
	if err != nil {
		log.Errorf("orchestrator: start transient scope for pid %d: %v", peer.PID, err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}
	t.Cleanup.Add(func() { killScope(d, scope.Name) })

	pidfd, err := unix.PidfdOpen(int(peer.PID), 0)
	if err != nil {
		log.Errorf("orchestrator: pidfd_open(%d): %v", peer.PID, err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}
	t.Cleanup.Add(func() { unix.Close(pidfd) })

	cgroupPath, err := d.Bus.UnitSubProperty(ctx, scope.ObjectPath, "ControlGroup")
	if err != nil {
		log.Errorf("orchestrator: read scope ControlGroup: %v", err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}
	cgID, err := d.CgroupRoot.PathToID(strings.TrimPrefix(cgroupPath, "/"))
	if err != nil {
		log.Errorf("orchestrator: resolve cgroup id for %s: %v", cgroupPath, err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}
	t.Cleanup.Add(func() { d.Table.Unset(cgID) })

	// Reserve the map slot with a zero-rate placeholder before the client
	// has had a chance to request anything.
	if err := d.Table.Set(cgID, ratelimit.Entry{}); err != nil {
		log.Errorf("orchestrator: install placeholder rule for cgroup %d: %v", cgID, err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}

	req, err := recvRequest(ctx, conn)
	if err != nil {
		log.Debugf("orchestrator: recv request from pid %d: %v", peer.PID, err)
		failStep(t, conn, ctx, wire.FailYourError)
		return
	}

	if err := d.Table.Set(cgID, ratelimit.Entry{ByteRate: req.ByteRate, PacketRate: req.PacketRate}); err != nil {
		log.Errorf("orchestrator: install rate rule for cgroup %d: %v", cgID, err)
		failStep(t, conn, ctx, wire.FailInternal)
		return
	}

	msg := fmt.Sprintf("applied byte_rate=%d packet_rate=%d", req.ByteRate, req.PacketRate)
	if _, err := conn.Write(ctx, wire.EncodeLog(msg), requestTimeout); err != nil {
		log.Debugf("orchestrator: send LOG to pid %d: %v", peer.PID, err)
	}
	if _, err := conn.Write(ctx, wire.EncodeProceed(), requestTimeout); err != nil {
		log.Debugf("orchestrator: send PROCEED to pid %d: %v", peer.PID, err)
	}
	conn.Shutdown()

	if err := waitPidfd(ctx, pidfd); err != nil {
		if reason := t.Reason(); reason != nil {
			log.Debugf("orchestrator: interrupted waiting for pid %d exit: %v", peer.PID, reason)
		}
	}
	// killScope, registered on t.Cleanup above, reaps any stragglers and
	// deregisters the scope once this task unwinds.
}

// recvRequest reads exactly one REQ frame and validates it.
func recvRequest(ctx context.Context, conn *framedconn.Conn) (wire.ReqAttr, error) {
	buf := make([]byte, wire.HeaderSize+wire.ReqAttrSize)
	n, err := conn.Read(ctx, buf, requestTimeout)
	if err != nil {
		return wire.ReqAttr{}, err
	}
	if n != len(buf) {
		return wire.ReqAttr{}, fmt.Errorf("orchestrator: short request: %d of %d bytes", n, len(buf))
	}
	hdr, err := wire.DecodeHeader(buf[:wire.HeaderSize])
	if err != nil {
		return wire.ReqAttr{}, err
	}
	if hdr.Type != wire.MsgReq || int(hdr.Length) != len(buf) {
		return wire.ReqAttr{}, fmt.Errorf("orchestrator: unexpected frame type=%d length=%d", hdr.Type, hdr.Length)
	}
	return wire.DecodeReqAttr(buf[wire.HeaderSize:])
}

func killScope(d *Deps, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := d.Bus.Kill(ctx, name, "all", int32(unix.SIGKILL)); err != nil {
		log.Debugf("orchestrator: kill scope %s: %v", name, err)
	}
}

// failStep reports a step failure to the client and shuts the stream
// down. If the step failed because the task's own context was cancelled
// (an interrupt, not an ordinary operational error), it disables further
// interrupts and reports over a fresh background context instead of the
// already-cancelled task context.
func failStep(t *taskrt.Task, conn *framedconn.Conn, ctx context.Context, fail wire.FailReason) {
	if ctx.Err() != nil {
		t.SetInterruptsDisabled(true)
		bg, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		writeFail(bg, conn, wire.FailInternal)
		conn.Shutdown()
		return
	}
	writeFail(ctx, conn, fail)
	conn.Shutdown()
}

func writeFail(ctx context.Context, conn *framedconn.Conn, reason wire.FailReason) {
	if _, err := conn.Write(ctx, wire.EncodeFail(reason), requestTimeout); err != nil {
		log.Debugf("orchestrator: send FAIL(%s): %v", reason, err)
	}
}

// waitPidfd blocks until fd (an already-open pidfd) becomes readable
// (process exit) or ctx is done, polling in short slices so a cancelled
// ctx is observed promptly without a leaked blocking syscall.
func waitPidfd(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := unix.Poll(fds, pidfdPollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("orchestrator: poll pidfd: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}
