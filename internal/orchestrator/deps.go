// Package orchestrator implements the per-connection state machine that
// admits a client, stands up a transient systemd scope for its target
// process, installs and later updates its rate-limit rule, and tears
// everything down when the child exits or the daemon shuts down.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/cgroupid"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/ratelimit"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/unitmgr"
)

// Deps bundles the daemon-wide, shared collaborators every connection's
// task needs. One instance is constructed at startup and handed to every
// Handle call.
type Deps struct {
	Bus        *unitmgr.Client
	CgroupRoot *cgroupid.Root
	Table      ratelimit.Table
	Tasks      *taskrt.Group
	Admission  *semaphore.Weighted
	SelfUnit   *selfUnitCache
	DaemonPID  uint32
}

// selfUnitCache publishes the daemon's own unit name under a
// single-writer rule: the first resolver to finish wins; any resolution
// racing against it is simply discarded.
type selfUnitCache struct {
	name atomic.Pointer[string]
}

// NewSelfUnitCache constructs an unresolved cache.
func NewSelfUnitCache() *selfUnitCache {
	return &selfUnitCache{}
}

// Get returns the daemon's own unit name, resolving it via the bus on the
// first call (or any call racing the first one) and caching it for every
// call after.
func (s *selfUnitCache) Get(ctx context.Context, bus *unitmgr.Client, daemonPID uint32) (string, error) {
	if p := s.name.Load(); p != nil {
		return *p, nil
	}

	path, err := bus.GetUnitByPID(ctx, daemonPID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve own unit by pid %d: %w", daemonPID, err)
	}
	id, err := bus.UnitID(ctx, path)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read own unit id: %w", err)
	}

	if s.name.CompareAndSwap(nil, &id) {
		return id, nil
	}
	// Another resolver already won the race; its value is equally valid.
	return *s.name.Load(), nil
}
