// Command traffic-limitd is the egress traffic-rate-limiting daemon. It
// loads the classifier, configures the egress qdiscs, accepts the
// socket-activation listener, and spawns one orchestrator task per client
// connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/shankerwangmiao/traffic-limitd-go/internal/capcheck"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/cgroupid"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/classifier/bpf"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/config"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/netlinksetup"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/orchestrator"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/ratelimit"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/singleton"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/taskrt"
	"github.com/shankerwangmiao/traffic-limitd-go/internal/unitmgr"
	"github.com/shankerwangmiao/traffic-limitd-go/pkg/log"
)

// version is the daemon's reported version string.
const version = "0.1.0"

// activationFD is the well-known descriptor index socket activation hands
// the daemon its listening socket on.
const activationFD = 3

// idleExitTimer is how often the shutdown drain loop logs progress while
// waiting for in-flight tasks to finish.
const idleExitTimer = 20 * time.Millisecond

// acceptPollInterval bounds how long the accept loop blocks between
// checking for shutdown.
const acceptPollInterval = 200

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&checkIfacesCommand{}, "")
	subcommands.Register(&versionCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// versionCommand prints the daemon's version.
type versionCommand struct{}

func (*versionCommand) Name() string             { return "version" }
func (*versionCommand) Synopsis() string         { return "print the daemon version" }
func (*versionCommand) Usage() string            { return "version\n" }
func (*versionCommand) SetFlags(_ *flag.FlagSet) {}
func (*versionCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	fmt.Println("traffic-limitd", version)
	return subcommands.ExitSuccess
}

// checkIfacesCommand validates and prints the interfaces IFACES names,
// without touching netlink, for use in unit-file ExecStartPre checks.
type checkIfacesCommand struct{}

func (*checkIfacesCommand) Name() string             { return "check-ifaces" }
func (*checkIfacesCommand) Synopsis() string         { return "validate IFACES without configuring netlink" }
func (*checkIfacesCommand) Usage() string            { return "check-ifaces\n" }
func (*checkIfacesCommand) SetFlags(_ *flag.FlagSet) {}

func (*checkIfacesCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(configFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "traffic-limitd:", err)
		return subcommands.ExitFailure
	}
	for _, name := range cfg.Ifaces {
		fmt.Println(name)
	}
	return subcommands.ExitSuccess
}

const configFilePath = "/etc/traffic-limitd.toml"

// runCommand is the daemon's main loop.
type runCommand struct {
	debug bool
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "run the daemon" }
func (*runCommand) Usage() string    { return "run\n" }

func (r *runCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.debug, "debug", false, "enable debug logging")
}

func (r *runCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(configFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "traffic-limitd:", err)
		return subcommands.ExitFailure
	}
	log.Init(cfg.SystemdNative, r.debug)

	if err := capcheck.Verify(); err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	guard, err := singleton.Acquire(singleton.DefaultPath)
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer guard.Release()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func run(parent context.Context, cfg *config.Config) error {
	cgroupRoot, err := cgroupid.FindUnifiedRoot()
	if err != nil {
		return fmt.Errorf("resolve cgroup root: %w", err)
	}
	defer cgroupRoot.Close()

	objs, err := bpf.Load(bpf.DefaultObjectPath, cfg.MaxTasks)
	if err != nil {
		return fmt.Errorf("load classifier: %w", err)
	}
	defer objs.Close()

	if err := netlinksetup.Configure(cfg.Ifaces, objs.Program.FD(), "traffic-limitd"); err != nil {
		return fmt.Errorf("configure interfaces: %w", err)
	}

	if err := validateActivationSocket(activationFD); err != nil {
		return fmt.Errorf("activation socket: %w", err)
	}

	busClient, err := unitmgr.New(parent)
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer busClient.Close()

	deps := &orchestrator.Deps{
		Bus:        busClient,
		CgroupRoot: cgroupRoot,
		Table:      ratelimit.NewEBPFTable(objs),
		Tasks:      taskrt.NewGroup(),
		Admission:  semaphore.NewWeighted(int64(cfg.MaxNrTasks)),
		SelfUnit:   orchestrator.NewSelfUnitCache(),
		DaemonPID:  uint32(os.Getpid()),
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("traffic-limitd %s ready, ifaces=%v max_nr_tasks=%d max_tasks=%d", version, cfg.Ifaces, cfg.MaxNrTasks, cfg.MaxTasks)
	if err := acceptLoop(ctx, deps); err != nil {
		return err
	}

	log.Infof("shutdown requested, draining active connections")
	deps.Tasks.InterruptAll(taskrt.WillExit)
	return drain(deps.Tasks)
}

// validateActivationSocket confirms fd is a SOCK_SEQPACKET socket, failing
// startup fast if systemd (or a manual invocation) handed the daemon the
// wrong kind of descriptor.
func validateActivationSocket(fd int) error {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return fmt.Errorf("getsockopt(SO_TYPE) on fd %d: %w", fd, err)
	}
	if typ != unix.SOCK_SEQPACKET {
		return fmt.Errorf("fd %d is not SOCK_SEQPACKET (got type %d)", fd, typ)
	}
	return nil
}

// acceptLoop accepts client connections on the socket-activation fd until
// ctx is cancelled, spawning one orchestrator task per connection.
func acceptLoop(ctx context.Context, deps *orchestrator.Deps) error {
	pollFds := []unix.PollFd{{Fd: int32(activationFD), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.Poll(pollFds, acceptPollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll activation socket: %w", err)
		}
		if n == 0 {
			continue
		}

		connFD, _, err := unix.Accept4(activationFD, unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		deps.Tasks.Spawn(ctx, 0, func(t *taskrt.Task) {
			orchestrator.Handle(t, deps, connFD)
		})
	}
}

// drain waits for every spawned task to finish, logging every
// idleExitTimer while it waits.
func drain(tasks *taskrt.Group) error {
	for tasks.Count() > 0 {
		log.Debugf("draining %d active connection(s)", tasks.Count())
		time.Sleep(idleExitTimer)
	}
	return nil
}
