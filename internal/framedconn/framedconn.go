// Package framedconn manages one SEQPACKET client connection: peer
// credential capture, timeout-bounded framed reads/writes, graceful
// half-close, and interrupt propagation. Grounded on src/unix_sock.c.
package framedconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
)

// state is the stream's current operation: idle, reading, writing, error,
// or ended. It exists to enforce the invariant that at most one of
// read/write is ever in flight.
type state int

const (
	stateIdle state = iota
	stateReading
	stateWriting
	stateError
	stateEnded
)

// Ucred is the peer credential captured once at Accept/New time.
type Ucred struct {
	PID int32
	UID uint32
	GID uint32
}

// Conn wraps one accepted SOCK_SEQPACKET file descriptor.
type Conn struct {
	fd   int
	file *os.File
	cred Ucred

	mu    sync.Mutex
	state state
}

// New takes ownership of fd (an accepted SOCK_SEQPACKET connection),
// capturing its peer credentials immediately.
func New(fd int) (*Conn, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("framedconn: SO_PEERCRED: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("framedconn: set nonblocking: %w", err)
	}
	c := &Conn{
		fd:   fd,
		file: os.NewFile(uintptr(fd), "traffic-limitd-conn"),
		cred: Ucred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid},
	}
	return c, nil
}

// Peer returns the captured peer credentials.
func (c *Conn) Peer() Ucred { return c.cred }

// Read performs a single receive of up to len(buf) bytes, honoring timeout
// (0 disables the timeout) and ctx cancellation (interrupt propagation).
// Each SEQPACKET receive delivers exactly one frame, so partial receives
// are returned as-is. Returns (0, nil) on orderly peer half-close.
func (c *Conn) Read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := c.enter(stateReading); err != nil {
		return 0, err
	}
	defer c.leave()

	if err := c.armDeadline(timeout); err != nil {
		return 0, err
	}
	defer c.file.SetReadDeadline(time.Time{})

	n, err := c.doWithCtx(ctx, func() (int, error) { return c.file.Read(buf) })
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrTimedOut
		}
		if err == errReadEOF {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Write performs a single send of buf, honoring timeout and ctx
// cancellation, symmetric to Read.
func (c *Conn) Write(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := c.enter(stateWriting); err != nil {
		return 0, err
	}
	defer c.leave()

	if err := c.armWriteDeadline(timeout); err != nil {
		return 0, err
	}
	defer c.file.SetWriteDeadline(time.Time{})

	return c.doWithCtx(ctx, func() (int, error) { return c.file.Write(buf) })
}

var errReadEOF = errors.New("framedconn: peer half-close")

func (c *Conn) doWithCtx(ctx context.Context, op func() (int, error)) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := op()
		if err != nil && isEOF(err) {
			ch <- result{0, errReadEOF}
			return
		}
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		// Unblock the pending syscall by forcing a short deadline; the
		// goroutine above will observe the deadline error and exit.
		c.file.SetDeadline(time.Now())
		<-ch
		return 0, ctx.Err()
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// ErrTimedOut is returned by Read/Write when the operation's own timeout
// fires.
var ErrTimedOut = errors.New("framedconn: operation timed out")

func (c *Conn) armDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	return c.file.SetReadDeadline(time.Now().Add(timeout))
}

func (c *Conn) armWriteDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	return c.file.SetWriteDeadline(time.Now().Add(timeout))
}

func (c *Conn) enter(s state) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateError || c.state == stateEnded {
		return fmt.Errorf("framedconn: stream is %v", c.state)
	}
	if c.state == stateReading || c.state == stateWriting {
		return fmt.Errorf("framedconn: operation already in flight (invariant violation)")
	}
	c.state = s
	return nil
}

func (c *Conn) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateEnded && c.state != stateError {
		c.state = stateIdle
	}
}

// Shutdown drains any remaining receivable frames non-blocking, flushes a
// zero-byte write to signal end-of-stream, and half-closes both
// directions. Idempotent: a second call does nothing.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	if c.state == stateEnded {
		c.mu.Unlock()
		return
	}
	c.state = stateEnded
	c.mu.Unlock()

	// fd is non-blocking, so each read returns EAGAIN once nothing is queued.
	drainBuf := make([]byte, 256)
	for {
		if n, err := unix.Read(c.fd, drainBuf); err != nil || n == 0 {
			break
		}
	}
	unix.Write(c.fd, nil)

	unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

// Close releases the underlying file descriptor. Registered as task
// cleanup by callers.
func (c *Conn) Close() error {
	return c.file.Close()
}

// hangupPollInterval bounds how long the hangup watch blocks between
// checking whether t's context is already done.
const hangupPollInterval = 200

// RegisterHangupInterrupt arms a background watch for the peer hanging up
// or erroring while no read/write is in flight, delivering reason to t the
// moment POLLHUP/POLLERR is observed on the connection's fd. A hangup seen
// while a read/write is in flight is left to that operation to report, and
// one seen after Shutdown delivers nothing. The watch exits on its own once
// it has seen a hangup or t's context is done, so callers need not track or
// stop it separately.
func (c *Conn) RegisterHangupInterrupt(t *taskrt.Task, reason taskrt.Reason) {
	go c.watchHangup(t, reason)
}

func (c *Conn) watchHangup(t *taskrt.Task, reason taskrt.Reason) {
	ctx := t.Context()
	pollFds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLHUP | unix.POLLERR}}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFds, hangupPollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		if pollFds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			c.mu.Lock()
			idle := c.state == stateIdle
			c.mu.Unlock()
			if idle {
				t.Interrupt(reason)
			}
			return
		}
	}
}
