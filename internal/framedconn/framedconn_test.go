package framedconn

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
)

func newPair(t *testing.T) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Skipf("socketpair unavailable in this sandbox: %v", err)
	}
	c, err := New(fds[0])
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fds[1]
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, peer := newPair(t)
	defer unix.Close(peer)
	defer c.Close()

	c.Shutdown()
	c.Shutdown() // must be a no-op, not a panic or error
}

func TestPeerCredentialsCaptured(t *testing.T) {
	c, peer := newPair(t)
	defer unix.Close(peer)
	defer c.Close()

	cred := c.Peer()
	if cred.PID == 0 && cred.UID == 0 && cred.GID == 0 {
		t.Fatalf("expected non-zero peer credentials from SO_PEERCRED")
	}
}

func TestRegisterHangupInterruptFiresOnPeerHangup(t *testing.T) {
	c, peer := newPair(t)
	defer c.Close()

	group := taskrt.NewGroup()
	interrupted := make(chan struct{})
	task := group.Spawn(context.Background(), 0, func(tk *taskrt.Task) {
		c.RegisterHangupInterrupt(tk, taskrt.IOClosed)
		<-tk.Context().Done()
		close(interrupted)
	})

	unix.Close(peer)

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not interrupted after peer hangup")
	}
	if task.Reason() != taskrt.IOClosed {
		t.Fatalf("task.Reason() = %v, want taskrt.IOClosed", task.Reason())
	}
}
