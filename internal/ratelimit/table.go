// Package ratelimit is the userspace-facing keyed table the orchestrator
// drives: Set, Unset, and Check against a cgroup id, oblivious to which
// orchestrator task owns the entry — that invariant ("an active task
// exists that will eventually remove it") is enforced by the orchestrator
// registering Unset as a cleanup, not by this package.
package ratelimit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/classifier/bpf"
)

// Entry is a (byte_rate, packet_rate) pair; 0 in a field means "no
// contribution from that dimension".
type Entry struct {
	ByteRate   uint64
	PacketRate uint64
}

// Table is the rate-limit keyed table interface the orchestrator uses.
type Table interface {
	// Set installs or updates the limit for cgID.
	Set(cgID uint64, e Entry) error
	// Unset removes cgID's limit. Not an error if absent.
	Unset(cgID uint64) error
	// Check looks up cgID's current limit.
	Check(cgID uint64) (Entry, bool, error)
}

// memTable is an in-process implementation used by tests; the daemon
// itself always uses the eBPF-backed table.
type memTable struct {
	entries map[uint64]Entry
}

// NewMemTable constructs an in-memory Table.
func NewMemTable() Table {
	return &memTable{entries: make(map[uint64]Entry)}
}

func (t *memTable) Set(cgID uint64, e Entry) error {
	t.entries[cgID] = e
	return nil
}

func (t *memTable) Unset(cgID uint64) error {
	delete(t.entries, cgID)
	return nil
}

func (t *memTable) Check(cgID uint64) (Entry, bool, error) {
	e, ok := t.entries[cgID]
	return e, ok, nil
}

// ebpfTable wraps the kernel rate_limit_map loaded by internal/classifier/bpf.
type ebpfTable struct {
	m *ebpf.Map
}

// NewEBPFTable wraps a loaded classifier's rate_limit_map as a Table.
func NewEBPFTable(objs *bpf.Objects) Table {
	return &ebpfTable{m: objs.RateLimitMap}
}

func (t *ebpfTable) Set(cgID uint64, e Entry) error {
	buf := make([]byte, 16)
	binary.NativeEndian.PutUint64(buf[0:8], e.ByteRate)
	binary.NativeEndian.PutUint64(buf[8:16], e.PacketRate)
	if err := t.m.Update(cgID, buf, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("ratelimit: set(%d): %w", cgID, err)
	}
	return nil
}

func (t *ebpfTable) Unset(cgID uint64) error {
	if err := t.m.Delete(cgID); err != nil {
		if errIsKeyNotExist(err) {
			return nil
		}
		return fmt.Errorf("ratelimit: unset(%d): %w", cgID, err)
	}
	return nil
}

func (t *ebpfTable) Check(cgID uint64) (Entry, bool, error) {
	var buf [16]byte
	if err := t.m.Lookup(cgID, &buf); err != nil {
		if errIsKeyNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("ratelimit: check(%d): %w", cgID, err)
	}
	return Entry{
		ByteRate:   binary.NativeEndian.Uint64(buf[0:8]),
		PacketRate: binary.NativeEndian.Uint64(buf[8:16]),
	}, true, nil
}

func errIsKeyNotExist(err error) bool {
	return errors.Is(err, ebpf.ErrKeyNotExist)
}
