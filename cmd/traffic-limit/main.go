// Command traffic-limit is the thin client for traffic-limitd: it sends a
// rate-limit request over the control socket, waits for admission, then
// execs the target command in its own process image. Argument parsing
// beyond the documented flags is intentionally minimal; full command-line
// ergonomics are out of scope.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/wire"
)

const defaultSocketPath = "/run/traffic-limitd.sock"

func main() {
	opts, cmdArgs, err := parseArgs(os.Args[1:])
	if err != nil {
		fatalf("%v", err)
	}
	if len(cmdArgs) == 0 {
		fatalf("missing command to run after --")
	}

	if err := request(opts); err != nil {
		fatalf("%v", err)
	}

	bin, err := exec.LookPath(cmdArgs[0])
	if err != nil {
		fatalf("%s: %v", cmdArgs[0], err)
	}
	if err := unix.Exec(bin, cmdArgs, os.Environ()); err != nil {
		fatalf("exec %s: %v", cmdArgs[0], err)
	}
}

type options struct {
	packetRate uint64
	byteRate   uint64
	noWait     bool
	sockPath   string
}

// parseArgs implements `client [-p PPS[K|M|G|T]] [-b BPS[K|M|G|T]] [-w
// TIME[m|h|d]] [-c PATH] -- CMD [ARGS...]`. Flag parsing is hand-rolled
// rather than built on the standard flag package: the standard package
// cannot express "-- terminates flags and everything after is the
// verbatim command line to exec", which this protocol requires exactly.
func parseArgs(args []string) (options, []string, error) {
	opts := options{sockPath: defaultSocketPath}

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			i++
			break
		}
		var value string
		flagName, rest, hasInline := strings.Cut(arg, "=")
		if !hasInline {
			if i+1 >= len(args) {
				return options{}, nil, fmt.Errorf("flag %s requires a value", arg)
			}
			i++
			value = args[i]
		} else {
			value = rest
		}

		switch flagName {
		case "-p":
			rate, err := parseSuffixedRate(value)
			if err != nil {
				return options{}, nil, fmt.Errorf("-p: %w", err)
			}
			opts.packetRate = rate
		case "-b":
			bits, err := parseSuffixedRate(value)
			if err != nil {
				return options{}, nil, fmt.Errorf("-b: %w", err)
			}
			opts.byteRate = bits / 8
		case "-w":
			noWait, err := parseWait(value)
			if err != nil {
				return options{}, nil, fmt.Errorf("-w: %w", err)
			}
			opts.noWait = noWait
		case "-c":
			opts.sockPath = value
		default:
			return options{}, nil, fmt.Errorf("unknown flag %s", flagName)
		}
	}

	return opts, args[i:], nil
}

// parseSuffixedRate parses a decimal number with an optional K/M/G/T
// (powers of 1000, matching network rate convention) suffix.
func parseSuffixedRate(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'K', 'k':
		mult = 1_000
	case 'M', 'm':
		mult = 1_000_000
	case 'G', 'g':
		mult = 1_000_000_000
	case 'T', 't':
		mult = 1_000_000_000_000
	}
	numeric := s
	if mult != 1 {
		numeric = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return n * mult, nil
}

// parseWait parses -w's TIME[m|h|d] argument; the only behavior this
// protocol supports is "0 means don't wait" (sets the NOWAIT flag bit).
// Any other value is accepted as a no-op: the daemon's admission control
// always fails fast rather than queuing (see DESIGN.md), so there is no
// bounded-wait request to honor beyond that distinction.
func parseWait(s string) (noWait bool, err error) {
	if s == "" {
		return false, nil
	}
	numeric := s
	switch s[len(s)-1] {
	case 'm', 'h', 'd':
		numeric = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid wait time %q: %w", s, err)
	}
	return n == 0, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "traffic-limit: "+format+"\n", args...)
	os.Exit(1)
}
