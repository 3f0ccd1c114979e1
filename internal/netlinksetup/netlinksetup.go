// Package netlinksetup installs the egress queueing disciplines and
// attaches the classifier as a tc filter. Grounded on src/tcbpf_util.c
// and src/rtnl_util.c, implemented with github.com/vishvananda/netlink
// instead of hand-rolled rtnetlink framing.
package netlinksetup

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/vishvananda/netlink"

	"github.com/shankerwangmiao/traffic-limitd-go/pkg/log"
)

// FilterPriority and FilterHandle are the fixed attach points this package
// uses, chosen to sit above any other filter an administrator might
// install.
const (
	FilterPriority = 49151
	FilterHandle   = 1
)

const (
	mqHandlePrimary  = 0x10000
	mqHandleFallback = 0x20000
)

// handle is the subset of github.com/vishvananda/netlink's package-level
// API this package drives, narrowed to an interface so tests can install
// idempotency checks against a fake instead of a real netlink socket.
type handle interface {
	LinkByName(name string) (netlink.Link, error)
	QdiscList(link netlink.Link) ([]netlink.Qdisc, error)
	QdiscReplace(qdisc netlink.Qdisc) error
	QdiscAdd(qdisc netlink.Qdisc) error
	QdiscDel(qdisc netlink.Qdisc) error
	FilterAdd(filter netlink.Filter) error
	FilterDel(filter netlink.Filter) error
}

// realHandle forwards to the netlink package's own package-level functions,
// which talk to the kernel over an rtnetlink socket.
type realHandle struct{}

func (realHandle) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }

func (realHandle) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) {
	return netlink.QdiscList(link)
}

func (realHandle) QdiscReplace(qdisc netlink.Qdisc) error { return netlink.QdiscReplace(qdisc) }
func (realHandle) QdiscAdd(qdisc netlink.Qdisc) error     { return netlink.QdiscAdd(qdisc) }
func (realHandle) QdiscDel(qdisc netlink.Qdisc) error     { return netlink.QdiscDel(qdisc) }
func (realHandle) FilterAdd(filter netlink.Filter) error  { return netlink.FilterAdd(filter) }
func (realHandle) FilterDel(filter netlink.Filter) error  { return netlink.FilterDel(filter) }

// Configure installs fq/mq/clsact qdiscs and attaches progFD as an egress
// direct-action classifier on every named interface. Idempotent: running
// it twice against the same interface leaves the qdisc tree and filter
// list unchanged: the root qdiscs are replaced or left alone, and the
// clsact qdisc and the filter are added, or deleted and added again when
// the add fails because one is already present.
func Configure(ifaceNames []string, progFD int, progName string) error {
	return configureWith(realHandle{}, ifaceNames, progFD, progName)
}

func configureWith(h handle, ifaceNames []string, progFD int, progName string) error {
	for _, name := range ifaceNames {
		if err := configureOne(h, name, progFD, progName); err != nil {
			return fmt.Errorf("netlinksetup: interface %s: %w", name, err)
		}
	}
	return nil
}

func configureOne(h handle, name string, progFD int, progName string) error {
	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("LinkByName: %w", err)
	}

	if err := configureRootQdisc(h, link); err != nil {
		return fmt.Errorf("root qdisc: %w", err)
	}
	if err := ensureClsact(h, link); err != nil {
		return fmt.Errorf("clsact: %w", err)
	}
	if err := attachFilter(h, link, progFD, progName); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	return nil
}

// numTxQueues reports a link's configured TX queue count, defaulting to 1
// when unset (as most software devices do).
func numTxQueues(link netlink.Link) int {
	if n := link.Attrs().NumTxQueues; n > 0 {
		return n
	}
	return 1
}

// configureRootQdisc installs the root fq (single queue) or mq+fq-per-queue
// (multi-queue) qdisc tree.
func configureRootQdisc(h handle, link netlink.Link) error {
	n := numTxQueues(link)

	qdiscs, err := h.QdiscList(link)
	if err != nil {
		return fmt.Errorf("QdiscList: %w", err)
	}
	var rootKind string
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_ROOT {
			rootKind = q.Type()
			break
		}
	}

	if n == 1 {
		if rootKind == "fq" {
			log.Debugf("netlinksetup: %s already has root fq, leaving in place", link.Attrs().Name)
			return nil
		}
		return h.QdiscReplace(&netlink.Fq{
			QdiscAttrs: netlink.QdiscAttrs{LinkIndex: link.Attrs().Index, Parent: netlink.HANDLE_ROOT},
		})
	}

	rootHandle, err := attachMqWithFallback(h, link)
	if err != nil {
		return fmt.Errorf("mq: %w", err)
	}
	for i := 1; i <= n; i++ {
		parent := netlink.MakeHandle(uint16(rootHandle>>16), uint16(i))
		child := netlink.MakeHandle(uint16(rootHandle>>16)+uint16(i), 0)
		fq := &netlink.Fq{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    parent,
				Handle:    child,
			},
		}
		if err := h.QdiscReplace(fq); err != nil {
			return fmt.Errorf("fq on queue %d: %w", i, err)
		}
	}
	return nil
}

// attachMqWithFallback attaches mq at handle 1:, falling back to handle 2:
// if the kernel rejects the first.
func attachMqWithFallback(h handle, link netlink.Link) (uint32, error) {
	for _, mqHandle := range []uint32{mqHandlePrimary, mqHandleFallback} {
		mq := &netlink.GenericQdisc{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: link.Attrs().Index,
				Parent:    netlink.HANDLE_ROOT,
				Handle:    mqHandle,
			},
			QdiscType: "mq",
		}
		if err := h.QdiscReplace(mq); err == nil {
			return mqHandle, nil
		} else if mqHandle == mqHandleFallback {
			return 0, err
		}
	}
	return 0, errors.New("unreachable")
}

// ensureClsact installs the clsact qdisc; if that add fails (for example
// because a clsact is already attached), it deletes the existing one and
// retries the add once.
func ensureClsact(h handle, link netlink.Link) error {
	clsact := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_CLSACT,
			Handle:    netlink.MakeHandle(0xffff, 0),
		},
		QdiscType: "clsact",
	}
	if err := h.QdiscAdd(clsact); err == nil {
		return nil
	}

	// A previous crashed run may have left a stale clsact attached; delete
	// it once and retry.
	retry := &backoff.StopBackOff{}
	return backoff.Retry(func() error {
		_ = h.QdiscDel(clsact)
		return h.QdiscAdd(clsact)
	}, retry)
}

// attachFilter attaches the classifier program as a direct-action egress
// filter, retrying once after deleting any stale filter at the same
// handle.
func attachFilter(h handle, link netlink.Link, progFD int, progName string) error {
	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_MIN_EGRESS,
			Handle:    FilterHandle,
			Priority:  FilterPriority,
			Protocol:  unixETHPALL,
		},
		Fd:           progFD,
		Name:         progName,
		DirectAction: true,
	}
	if err := h.FilterAdd(filter); err == nil {
		return nil
	}

	retry := &backoff.StopBackOff{}
	return backoff.Retry(func() error {
		_ = h.FilterDel(filter)
		return h.FilterAdd(filter)
	}, retry)
}

// unixETHPALL is ETH_P_ALL in host byte order; the netlink package converts
// the protocol field to network byte order when it builds the request.
const unixETHPALL = 0x0003
