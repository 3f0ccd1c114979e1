// Package soft is a pure-Go model of the kernel egress classifier's pacing
// formula, grounded directly on cgroup_rate_limit.c
// (SEC("tc/cgroup_rate_limit")). It backs package-level tests that would
// otherwise need a real kernel and TC hook to exercise.
package soft

import "sync"

// NsPerSec is the nanosecond unit used throughout the pacing formula.
const NsPerSec uint64 = 1_000_000_000

// DropHorizon is the maximum amount a packet may be scheduled into the
// future before the classifier drops it instead of pacing it.
const DropHorizon uint64 = 2 * NsPerSec

// RateLimit mirrors struct rate_limit: 0 in a field means "no contribution
// from that dimension".
type RateLimit struct {
	ByteRate   uint64
	PacketRate uint64
}

// Verdict is the classifier's decision for one packet.
type Verdict int

const (
	// Pass means the packet is allowed through, with Tstamp set as its
	// scheduled send time for the root fq qdisc to honor.
	Pass Verdict = iota
	// Drop means the packet exceeded DropHorizon and must be shot.
	Drop
)

// Result is the outcome of classifying one packet.
type Result struct {
	Verdict Verdict
	Tstamp  uint64
}

// priv mirrors struct rate_limit_priv: the next-available-timestamp state
// the kernel's LRU map holds per cgroup id.
type priv struct {
	nextAvailTS uint64
}

// Classifier holds the two keyed tables cgroup_rate_limit.c defines:
// rate_limit_map (userspace-managed, read-only to classification) and
// rate_limit_priv_map (maintained entirely by classification, LRU/bounded
// in the kernel, unbounded here since tests don't need eviction).
type Classifier struct {
	mu    sync.Mutex
	rates map[uint64]RateLimit
	priv  map[uint64]*priv

	// now, when non-nil, replaces the monotonic clock; used by tests that
	// need deterministic timestamps.
	now func() uint64
}

// New constructs an empty Classifier.
func New() *Classifier {
	return &Classifier{
		rates: make(map[uint64]RateLimit),
		priv:  make(map[uint64]*priv),
	}
}

// SetClock overrides the monotonic clock used by Classify, for
// deterministic tests.
func (c *Classifier) SetClock(now func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Set installs or updates the rate limit for a cgroup id (userspace-side
// rate_limit_map.set).
func (c *Classifier) Set(cgID uint64, rl RateLimit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[cgID] = rl
}

// Unset removes a cgroup's rate limit, if present. Not an error if absent.
func (c *Classifier) Unset(cgID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rates, cgID)
	delete(c.priv, cgID)
}

// Check reports whether a rate limit is installed for cgID.
func (c *Classifier) Check(cgID uint64) (RateLimit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rl, ok := c.rates[cgID]
	return rl, ok
}

// delay computes max(delay_bytes, delay_pkt), rounded to nearest, exactly
// as cgroup_rate_limit.c does.
func delay(rl RateLimit, pktLen uint64) uint64 {
	var delayBytes, delayPkt uint64
	if rl.ByteRate != 0 {
		delayBytes = (pktLen*NsPerSec + rl.ByteRate/2) / rl.ByteRate
	}
	if rl.PacketRate != 0 {
		delayPkt = (NsPerSec + rl.PacketRate/2) / rl.PacketRate
	}
	if delayPkt > delayBytes {
		return delayPkt
	}
	return delayBytes
}

// Classify evaluates one packet of pktLen bytes egressing cgroup cgID,
// mirroring the kernel program's verbatim logic, including the racy-but-
// harmless equal-value overwrite it tolerates under concurrent
// classification.
func (c *Classifier) Classify(cgID uint64, pktLen uint64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	rl, ok := c.rates[cgID]
	if !ok {
		return Result{Verdict: Pass}
	}
	d := delay(rl, pktLen)
	now := c.clockLocked()

	p, ok := c.priv[cgID]
	if !ok {
		c.priv[cgID] = &priv{nextAvailTS: now + d}
		return Result{Verdict: Pass, Tstamp: now}
	}
	switch {
	case p.nextAvailTS < now:
		p.nextAvailTS = now + d
		return Result{Verdict: Pass, Tstamp: now}
	case p.nextAvailTS > now+DropHorizon:
		return Result{Verdict: Drop}
	default:
		ts := p.nextAvailTS
		p.nextAvailTS += d
		return Result{Verdict: Pass, Tstamp: ts}
	}
}

func (c *Classifier) clockLocked() uint64 {
	if c.now != nil {
		return c.now()
	}
	return monotonicNanos()
}
