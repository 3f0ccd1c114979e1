package orchestrator

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/framedconn"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/wire"
)

func newPair(t *testing.T) (*framedconn.Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Skipf("socketpair unavailable in this sandbox: %v", err)
	}
	c, err := framedconn.New(fds[0])
	if err != nil {
		t.Fatalf("framedconn.New: %v", err)
	}
	return c, fds[1]
}

func TestRecvRequestDecodesWellFormedFrame(t *testing.T) {
	conn, peer := newPair(t)
	defer unix.Close(peer)
	defer conn.Close()

	want := wire.ReqAttr{ByteRate: 1000, PacketRate: 50, Flags: uint64(wire.NoWait)}
	if err := unix.Send(peer, wire.EncodeReq(want), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := recvRequest(context.Background(), conn)
	if err != nil {
		t.Fatalf("recvRequest: %v", err)
	}
	if got != want {
		t.Errorf("recvRequest = %+v, want %+v", got, want)
	}
}

func TestRecvRequestRejectsWrongFrameType(t *testing.T) {
	conn, peer := newPair(t)
	defer unix.Close(peer)
	defer conn.Close()

	if err := unix.Send(peer, wire.EncodeProceed(), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	// PROCEED has no body, so the read is short relative to a REQ frame's
	// expected length; recvRequest must reject it rather than decode garbage.
	if _, err := recvRequest(context.Background(), conn); err == nil {
		t.Error("expected error decoding a non-REQ frame as a request")
	}
}

func TestWriteFailSendsFailFrame(t *testing.T) {
	conn, peer := newPair(t)
	defer unix.Close(peer)
	defer conn.Close()

	writeFail(context.Background(), conn, wire.FailNoResource)

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	hdr, err := wire.DecodeHeader(buf[:wire.HeaderSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.MsgFail {
		t.Fatalf("frame type = %d, want MsgFail", hdr.Type)
	}
	attr, err := wire.DecodeFailAttr(buf[wire.HeaderSize:n])
	if err != nil {
		t.Fatalf("DecodeFailAttr: %v", err)
	}
	if attr.Reason != wire.FailNoResource {
		t.Errorf("Reason = %v, want %v", attr.Reason, wire.FailNoResource)
	}
}

func TestFailStepUsesInternalReasonWhenContextAlreadyCancelled(t *testing.T) {
	conn, peer := newPair(t)
	defer unix.Close(peer)
	defer conn.Close()

	g := taskrt.NewGroup()
	started := make(chan struct{})
	result := make(chan struct{})
	task := g.Spawn(context.Background(), 0, func(t *taskrt.Task) {
		close(started)
		<-t.Context().Done()
		failStep(t, conn, t.Context(), wire.FailYourError)
		close(result)
	})
	<-started
	task.Interrupt(taskrt.WillExit)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("failStep did not complete")
	}

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	hdr, err := wire.DecodeHeader(buf[:wire.HeaderSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	attr, err := wire.DecodeFailAttr(buf[wire.HeaderSize:n])
	if err != nil {
		t.Fatalf("DecodeFailAttr: %v", err)
	}
	if hdr.Type != wire.MsgFail || attr.Reason != wire.FailInternal {
		t.Errorf("got type=%d reason=%v, want MsgFail/FailInternal even though caller asked for FailYourError", hdr.Type, attr.Reason)
	}
}

func TestWaitPidfdReturnsOnContextCancel(t *testing.T) {
	// A pipe's read end never becomes readable on its own; waitPidfd must
	// still return promptly when ctx is cancelled rather than blocking
	// forever.
	r, w, err := newPipe(t)
	if err != nil {
		t.Skipf("pipe unavailable: %v", err)
	}
	defer unix.Close(w)
	defer unix.Close(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- waitPidfd(ctx, r) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from waitPidfd on context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitPidfd did not return after context cancel")
	}
}

func newPipe(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
