package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/wire"
)

// request connects to the control socket, sends a REQ frame built from
// opts, and processes the daemon's response frames: LOG lines are printed
// to stderr, FAIL returns an error, PROCEED returns nil.
func request(opts options) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: opts.sockPath}); err != nil {
		return fmt.Errorf("connect %s: %w", opts.sockPath, err)
	}

	var flags uint64
	if opts.noWait {
		flags |= uint64(wire.NoWait)
	}
	req := wire.EncodeReq(wire.ReqAttr{
		ByteRate:   opts.byteRate,
		PacketRate: opts.packetRate,
		Flags:      flags,
	})
	if err := unix.Send(fd, req, 0); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if n < wire.HeaderSize {
			return fmt.Errorf("short response frame: %d bytes", n)
		}
		hdr, err := wire.DecodeHeader(buf[:wire.HeaderSize])
		if err != nil {
			return err
		}
		body := buf[wire.HeaderSize:n]

		switch hdr.Type {
		case wire.MsgLog:
			fmt.Fprintln(os.Stderr, string(body))
		case wire.MsgProceed:
			return nil
		case wire.MsgFail:
			attr, err := wire.DecodeFailAttr(body)
			if err != nil {
				return err
			}
			return fmt.Errorf("request denied: %s", attr.Reason)
		default:
			return fmt.Errorf("unexpected frame type %d", hdr.Type)
		}
	}
}
