package soft

import "time"

// clockBase anchors monotonicNanos; time.Since reads Go's monotonic clock.
var clockBase = time.Now()

// monotonicNanos is bpf_ktime_get_ns()'s userspace analogue.
func monotonicNanos() uint64 {
	return uint64(time.Since(clockBase))
}
