// Package bpf loads the compiled classifier.c object and exposes its two
// maps and its program handle to the rest of the daemon. The object file
// itself is produced out-of-band (clang + the bpf2go toolchain) and is
// read from ObjectPath at startup; this package never compiles or embeds
// it.
package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// DefaultObjectPath is where the daemon's packaging installs the compiled
// classifier object, analogous to the original's cgroup_rate_limit.skel.h
// being generated at build time from cgroup_rate_limit.c.
const DefaultObjectPath = "/usr/lib/traffic-limitd/classifier.o"

const (
	rateLimitMapName     = "rate_limit_map"
	rateLimitPrivMapName = "rate_limit_priv_map"
	progName             = "classifier"
)

// Objects holds the loaded program and both maps, kept open for the
// lifetime of the daemon.
type Objects struct {
	Program          *ebpf.Program
	RateLimitMap     *ebpf.Map
	RateLimitPrivMap *ebpf.Map

	coll *ebpf.Collection
}

// Load reads the classifier object at objectPath, resizes both maps to
// maxTasks entries (the table's hard cap, sized with a margin over
// MaxNrTasks by the caller), and loads the resulting collection into the
// kernel.
func Load(objectPath string, maxTasks uint32) (*Objects, error) {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("classifier/bpf: loading spec from %s: %w", objectPath, err)
	}

	if m, ok := spec.Maps[rateLimitMapName]; ok {
		m.MaxEntries = maxTasks
	} else {
		return nil, fmt.Errorf("classifier/bpf: object missing map %q", rateLimitMapName)
	}
	if m, ok := spec.Maps[rateLimitPrivMapName]; ok {
		m.MaxEntries = maxTasks
	} else {
		return nil, fmt.Errorf("classifier/bpf: object missing map %q", rateLimitPrivMapName)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("classifier/bpf: loading collection: %w", err)
	}

	prog, ok := coll.Programs[progName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier/bpf: object missing program %q", progName)
	}
	rlMap, ok := coll.Maps[rateLimitMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier/bpf: collection missing map %q", rateLimitMapName)
	}
	privMap, ok := coll.Maps[rateLimitPrivMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier/bpf: collection missing map %q", rateLimitPrivMapName)
	}

	return &Objects{
		Program:          prog,
		RateLimitMap:     rlMap,
		RateLimitPrivMap: privMap,
		coll:             coll,
	}, nil
}

// Close releases the loaded collection (program fd + both maps).
func (o *Objects) Close() error {
	if o == nil || o.coll == nil {
		return nil
	}
	o.coll.Close()
	return nil
}
