// Package capcheck verifies the daemon's effective capability set at
// startup before it attempts any netlink or cgroup operation that would
// otherwise fail deep inside setup with a confusing EPERM.
package capcheck

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
)

// Required lists the capabilities traffic-limitd needs: CAP_NET_ADMIN to
// install qdiscs/filters and CAP_SYS_ADMIN to open cgroup path handles and
// load the classifier's eBPF program.
var Required = []capability.Cap{
	capability.CAP_NET_ADMIN,
	capability.CAP_SYS_ADMIN,
}

// Verify loads the running process's capability set and reports every
// capability in Required that is missing from the effective set.
func Verify() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capcheck: load process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capcheck: load process capabilities: %w", err)
	}

	var missing []string
	for _, c := range Required {
		if !caps.Get(capability.EFFECTIVE, c) {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("capcheck: missing required capabilities: %v", missing)
	}
	return nil
}
