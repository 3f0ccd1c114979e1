package main

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestValidateActivationSocketAcceptsSeqpacket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Skipf("socketpair unavailable in this sandbox: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := validateActivationSocket(fds[0]); err != nil {
		t.Fatalf("validateActivationSocket: %v", err)
	}
}

func TestValidateActivationSocketRejectsStream(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Skipf("socketpair unavailable in this sandbox: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := validateActivationSocket(fds[0]); err == nil {
		t.Fatalf("expected error for SOCK_STREAM fd")
	}
}

func TestValidateActivationSocketRejectsClosedFD(t *testing.T) {
	if err := validateActivationSocket(-1); err == nil {
		t.Fatalf("expected error for invalid fd")
	}
}
