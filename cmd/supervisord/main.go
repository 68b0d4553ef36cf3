// Command supervisord is Component J: the CLI/bootstrap entry point.
// Grounded on altuslabsxyz-devnet-builder's cobra command tree for flag
// parsing and the overall binary shape; the actual wiring order (config →
// daemonize → logger → event loop → supervisor → RPC listener → privilege
// drop → signal dispatcher → RPC serve → Loop.Run) follows §4.G Bootstrap
// and the control-flow summary in §2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/config"
	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/logging"
	"github.com/hexadeca/supervisor/internal/rpc"
	"github.com/hexadeca/supervisor/internal/sigdispatch"
	"github.com/hexadeca/supervisor/internal/supervisor"
)

// Exit codes, §6 "CLI surface of the daemon": 0 clean shutdown, 2 config
// error, 3 resource limit failure, non-zero otherwise for fatal startup
// conditions.
const (
	exitOK       = 0
	exitConfig   = 2
	exitResource = 3
	exitFatal    = 1
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		ov         config.Overrides
		forever    bool
		foreverSet bool
		nocleanup  bool
		ncSet      bool
		backoff    int
		backoffSet bool
	)

	root := &cobra.Command{
		Use:           "supervisord",
		Short:         "Launch and supervise a fleet of child processes from a config file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVarP(&configPath, "configuration", "c", "/etc/supervisor/supervisord.conf", "path to the configuration file")
	root.Flags().StringVar(&ov.HTTPPort, "http-port", "", "override [supervisord] http_port")
	root.Flags().StringVar(&ov.LogLevel, "loglevel", "", "override [supervisord] loglevel")
	root.Flags().StringVar(&ov.LogFile, "logfile", "", "override [supervisord] logfile")
	root.Flags().StringVar(&ov.PidFile, "pidfile", "", "override [supervisord] pidfile")
	root.Flags().BoolVar(&ov.NoDaemon, "nodaemon", false, "run in the foreground")
	root.Flags().StringVar(&ov.User, "user", "", "override [supervisord] user")
	root.Flags().StringVar(&ov.Directory, "directory", "", "override [supervisord] directory")
	root.Flags().IntVar(&backoff, "backofflimit", 0, "override [supervisord] backofflimit")
	root.Flags().BoolVar(&forever, "forever", false, "override [supervisord] forever")
	root.Flags().BoolVar(&nocleanup, "nocleanup", false, "override [supervisord] nocleanup")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		ov.NoDaemonSet = cmd.Flags().Changed("nodaemon")
		foreverSet = cmd.Flags().Changed("forever")
		ncSet = cmd.Flags().Changed("nocleanup")
		backoffSet = cmd.Flags().Changed("backofflimit")
		if foreverSet {
			ov.Forever = &forever
		}
		if ncSet {
			ov.NoCleanup = &nocleanup
		}
		if backoffSet {
			ov.BackoffLimit = &backoff
		}
		return bootAndRun(configPath, ov)
	}

	if err := root.Execute(); err != nil {
		if ce, ok := err.(*configError); ok {
			fmt.Fprintln(os.Stderr, ce.err)
			return exitConfig
		}
		if re, ok := err.(*resourceError); ok {
			fmt.Fprintln(os.Stderr, re.err)
			return exitResource
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	return exitOK
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

type resourceError struct{ err error }

func (e *resourceError) Error() string { return e.err.Error() }

func bootAndRun(configPath string, ov config.Overrides) error {
	snap, err := config.Load(configPath, ov)
	if err != nil {
		return &configError{fmt.Errorf("config: %w", err)}
	}

	if !snap.Supervisord.NoDaemon {
		if err := daemonize(); err != nil {
			return err
		}
	}

	log, activityLog, err := logging.NewLogger(snap.Supervisord.LogFile, snap.Supervisord.LogLevel)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Sync()

	loop := eventloop.New(log, 512)
	sup := supervisor.New(log, loop, snap)

	if err := sup.Bootstrap(); err != nil {
		if isResourceError(err) {
			return &resourceError{err}
		}
		return err
	}

	server := rpc.New(log, loop, sup, activityLog, version, snap.Supervisord.HTTPUsername, snap.Supervisord.HTTPPassword)
	server.SetUnixSocketPerms(snap.Supervisord.SockChmod, snap.Supervisord.SockChownUser, snap.Supervisord.SockChownGroup)

	ln, err := server.Listen(snap.Supervisord.HTTPPort)
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}

	// §5: privilege drop happens after the socket is bound, before the
	// main loop (and therefore before any supervised child) starts.
	if err := sup.DropPrivileges(); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	disp := sigdispatch.New(log, loop)
	disp.Handle(sigdispatch.SigReload, func() {
		log.Info("SIGHUP received, reloading config")
		if err := sup.Reload(ov); err != nil {
			log.Error("reload failed", zap.Error(err))
		}
	})
	disp.Handle(sigdispatch.SigRotate, func() {
		log.Info("SIGUSR2 received, rotating logs")
		sup.Rotate(activityLog)
	})
	disp.Handle(sigdispatch.SigReap, func() {
		sup.Reap()
	})
	for _, sig := range sigdispatch.SigShutdown {
		s := sig
		disp.Handle(s, func() {
			log.Info("shutdown signal received", zap.String("signal", s.String()))
			server.Close()
			sup.Shutdown(func() {
				cancel()
			})
		})
	}
	disp.Start()
	defer disp.Stop()

	loop.Post(func() {
		sup.StartAll()
	})

	go func() {
		if err := server.Serve(ln); err != nil {
			log.Debug("rpc server stopped", zap.Error(err))
		}
	}()

	err = loop.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// daemonizedEnv marks a relaunched child so it knows not to daemonize again.
const daemonizedEnv = "SUPERVISORD_DAEMONIZED"

// daemonize implements the nodaemon=false half of §4.G Bootstrap. Go cannot
// safely fork(2) a multi-threaded runtime the way the source system's
// double-fork-and-detach sequence does, so the idiomatic substitute is to
// re-exec this same binary with the same argv in a new session, with its
// standard streams redirected to /dev/null, and exit the foreground
// invocation once the background one has started. The relaunched process
// re-runs config.Load and everything after it from scratch; daemonizedEnv
// stops it from recursing.
func daemonize() error {
	if os.Getenv(daemonizedEnv) == "1" {
		return nil
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), daemonizedEnv+"=1")
	child.Stdin = devnull
	child.Stdout = devnull
	child.Stderr = devnull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("daemonize: starting background process: %w", err)
	}
	os.Exit(exitOK)
	panic("unreached")
}

func isResourceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "minfds") || strings.Contains(msg, "minprocs") || strings.Contains(msg, "pidfile")
}
