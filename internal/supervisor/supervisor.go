// Package supervisor implements Component G: the top-level coordinator
// that owns the Process registry and drives startup/shutdown ordering,
// reload, rotation, and the pidfile. Grounded on the teacher's
// processmgr.ProcessManager's idempotent name-keyed registry, generalized
// from a single flat map into priority-ordered start/stop and a reload
// diff against a new config.Snapshot.
package supervisor

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hexadeca/supervisor/internal/config"
	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/logging"
	"github.com/hexadeca/supervisor/internal/process"
)

// Supervisor is Component G. It exclusively owns every Process entry;
// per spec.md §3 Ownership, other packages only borrow one through
// Get/All and never add or remove registry entries.
type Supervisor struct {
	mu sync.RWMutex

	log  *zap.Logger
	loop *eventloop.Loop
	snap *config.Snapshot

	procs map[string]*process.Process

	pidfilePath string
}

// New constructs a Supervisor; it does not yet start any Process.
func New(log *zap.Logger, loop *eventloop.Loop, snap *config.Snapshot) *Supervisor {
	return &Supervisor{
		log:         log,
		loop:        loop,
		snap:        snap,
		procs:       make(map[string]*process.Process),
		pidfilePath: snap.Supervisord.PidFile,
	}
}

// Bootstrap implements §4.G Bootstrap: validates resource limits, writes
// the pidfile, and constructs the Process registry. Must run before
// Loop.Run. Daemonizing (if NoDaemon is false) and signal-handler
// installation are the caller's (cmd/supervisord's) responsibility, since
// both need to happen before the loop runs. DropPrivileges (chdir, user
// drop) is also separate, since it must run after the RPC listener binds
// its socket but before Loop.Run — see DropPrivileges.
func (s *Supervisor) Bootstrap() error {
	if err := enforceRlimits(s.snap.Supervisord.MinFDs, s.snap.Supervisord.MinProcs); err != nil {
		return err
	}
	if err := s.writePidfile(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.snap.Programs {
		p, err := process.New(pc, s.loop, s.log, s.snap.Supervisord.ChildLogDir)
		if err != nil {
			return fmt.Errorf("supervisor: constructing process %q: %w", pc.Name, err)
		}
		p.SetBackoffPolicy(s.snap.Supervisord.BackoffLimit, s.snap.Supervisord.Forever)
		p.SetUmask(s.snap.Supervisord.Umask)
		s.procs[pc.Name] = p
	}
	return nil
}

// enforceRlimits raises the process's open-file and process-count limits
// to at least the configured minimums, §4.G "enforce minfds/minprocs via
// getrlimit" — a ResourceError (exit code 3, §6) if the ceiling (rlim_max)
// is below the floor we need.
func enforceRlimits(minFDs, minProcs uint64) error {
	if minFDs > 0 {
		if err := raiseRlimit(unix.RLIMIT_NOFILE, minFDs); err != nil {
			return fmt.Errorf("resource: minfds: %w", err)
		}
	}
	if minProcs > 0 {
		if err := raiseRlimit(unix.RLIMIT_NPROC, minProcs); err != nil {
			return fmt.Errorf("resource: minprocs: %w", err)
		}
	}
	return nil
}

func raiseRlimit(resource int, want uint64) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(resource, &rl); err != nil {
		return err
	}
	if rl.Cur >= want {
		return nil
	}
	target := want
	if rl.Max != unix.RLIM_INFINITY && target > rl.Max {
		return fmt.Errorf("requested %d exceeds hard limit %d", want, rl.Max)
	}
	rl.Cur = target
	return unix.Setrlimit(resource, &rl)
}

// DropPrivileges implements the supervisor-level half of §5's "if started
// as root, privilege drop to the configured user occurs after binding the
// socket ... before entering the main loop": chdir into [supervisord]
// directory (if set), then setgid-then-setuid into [supervisord] user (if
// set and the supervisor is currently root). Per-process `user=` settings
// (process.go's credentialFor) are applied separately, in the child, and
// only while the supervisor's effective uid is 0 — once this drop has
// happened they no longer take effect.
func (s *Supervisor) DropPrivileges() error {
	if dir := s.snap.Supervisord.Directory; dir != "" {
		if err := os.Chdir(dir); err != nil {
			return fmt.Errorf("supervisor: chdir %s: %w", dir, err)
		}
	}

	username := s.snap.Supervisord.User
	if username == "" || os.Geteuid() != 0 {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("supervisor: looking up user %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("supervisor: parsing gid for %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("supervisor: parsing uid for %q: %w", username, err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("supervisor: setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("supervisor: setuid %d: %w", uid, err)
	}
	return nil
}

func (s *Supervisor) writePidfile() error {
	if s.pidfilePath == "" {
		return nil
	}
	f, err := os.OpenFile(s.pidfilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("resource: pidfile %s: %w", s.pidfilePath, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

func (s *Supervisor) removePidfile() {
	if s.pidfilePath != "" {
		os.Remove(s.pidfilePath)
	}
}

// orderedByPriority returns Processes sorted ascending by priority
// (ties broken by name for determinism); reverse it for stop ordering.
func (s *Supervisor) orderedByPriority() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*process.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// StartAll starts every Process that is currently STOPPED, in ascending
// priority order, §4.G "process the registry in priority order". The
// per-program autostart setting is not consulted, and EXITED or FATAL
// Processes are not started. Fire-and-forget:
// this only dispatches the `start` transitions, it does not wait for them.
func (s *Supervisor) StartAll() {
	for _, p := range s.orderedByPriority() {
		if p.State() == process.StateStopped {
			p.Start()
		}
	}
}

// StopAll stops every live Process in descending priority order.
func (s *Supervisor) StopAll() {
	ordered := s.orderedByPriority()
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i].Stop()
	}
}

// Get returns a Process by name.
func (s *Supervisor) Get(name string) (*process.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[name]
	return p, ok
}

// All returns every Process, in registry order (unspecified).
func (s *Supervisor) All() []*process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*process.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

// Reap drains every reapable child via non-blocking waitpid, §4.E "Reap":
// matches each exited pid to its Process and delivers the exit event.
// Meant to be called (via Loop.Post, from the SIGCHLD handler) once per
// SIGCHLD delivery; loops until no more children are waiting, since
// SIGCHLD itself can be coalesced.
func (s *Supervisor) Reap() {
	for {
		var wstatus syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}

		var found *process.Process
		for _, p := range s.All() {
			if p.Pid() == pid {
				found = p
				break
			}
		}
		if found == nil {
			s.log.Debug("reaped unknown pid", zap.Int("pid", pid))
			continue
		}
		found.HandleExit(wstatus)
	}
}

// Rotate forces rotation of the supervisor's own activity log and every
// Process's log, §4.G "Rotate (on USR2)". activityLog may be nil if the
// daemon logs to stdout.
func (s *Supervisor) Rotate(activityLog *logging.LogFile) {
	if activityLog != nil {
		activityLog.ForceRotate()
	}
	for _, p := range s.All() {
		p.RotateLogs()
	}
}

// Reload re-parses config and diffs it against the current registry by
// name, §4.G "Reload (on hangup)": stop removed or changed programs, add
// new ones, re-start everything in priority order. On a ConfigError the
// existing in-memory Snapshot and registry are untouched.
func (s *Supervisor) Reload(ov config.Overrides) error {
	newSnap, err := config.Reload(s.snap, ov)
	if err != nil {
		s.log.Error("reload: config error, retaining current config", zap.Error(err))
		return err
	}

	s.mu.Lock()
	oldProcs := s.procs
	oldSnap := s.snap
	s.mu.Unlock()

	newByName := make(map[string]config.ProgramConfig, len(newSnap.Programs))
	for _, pc := range newSnap.Programs {
		newByName[pc.Name] = pc
	}

	// Stop and drop programs removed, or whose command changed (changed
	// command means the old child is no longer what the config asks for).
	for name, p := range oldProcs {
		oldPC, _ := oldSnap.ProgramByName(name)
		newPC, stillPresent := newByName[name]
		if !stillPresent || newPC.Command != oldPC.Command {
			p.Stop()
			delete(oldProcs, name)
		}
	}

	s.mu.Lock()
	s.snap = newSnap
	for _, pc := range newSnap.Programs {
		if _, exists := oldProcs[pc.Name]; exists {
			continue
		}
		p, err := process.New(pc, s.loop, s.log, newSnap.Supervisord.ChildLogDir)
		if err != nil {
			s.log.Error("reload: constructing new process", zap.String("program", pc.Name), zap.Error(err))
			continue
		}
		p.SetBackoffPolicy(newSnap.Supervisord.BackoffLimit, newSnap.Supervisord.Forever)
		p.SetUmask(newSnap.Supervisord.Umask)
		oldProcs[pc.Name] = p
	}
	s.procs = oldProcs
	s.mu.Unlock()

	s.StartAll()
	return nil
}

// Shutdown implements §4.G Shutdown: initiate stop-all; once every Process
// has reached a resting state (after the stop: STOPPED, EXITED or FATAL),
// every Process is closed (removing AUTO logs), the pidfile is removed and
// onDone is invoked. One call suffices: it parks a waiter on each Process,
// the same mechanism RPC wait=true uses.
func (s *Supervisor) Shutdown(onDone func()) {
	s.StopAll()
	s.awaitAllResting(func() {
		for _, p := range s.All() {
			p.Close()
		}
		s.removePidfile()
		onDone()
	})
}

func (s *Supervisor) awaitAllResting(onDone func()) {
	procs := s.All()
	if len(procs) == 0 {
		onDone()
		return
	}
	var remaining int32 = int32(len(procs))
	var once sync.Once
	for _, p := range procs {
		p.AddWaiter(func() {
			if atomicDecAndCheckZero(&remaining) {
				once.Do(onDone)
			}
		})
	}
}

// atomicDecAndCheckZero decrements *n and reports whether it reached zero.
// Waiters always fire on the loop goroutine (single-threaded), so a plain
// decrement is race-free; this helper exists only to name the operation.
func atomicDecAndCheckZero(n *int32) bool {
	*n--
	return *n <= 0
}

