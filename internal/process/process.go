// Package process implements Component E, the per-child state machine:
// spawn, supervise, reap, stop, and restart policy. Grounded on the
// teacher's internal/infrastructure/processmgr/process.go (pipe setup,
// SIGTERM-then-SIGKILL teardown) generalized from one ad hoc process
// wrapper into the full eight-state machine spec.md §4.E specifies, and on
// kornnellio-gosv's linear-backoff/StableAfter restart policy.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/config"
	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/logging"
	"github.com/hexadeca/supervisor/internal/output"
)

// killGrace is the kill-timer duration between the stop-signal and the
// SIGKILL escalation, spec.md §4.E "arm a kill-timer (implementation-
// defined, ≥10s)".
const killGrace = 10 * time.Second

// Info is a point-in-time snapshot for getProcessInfo/getAllProcessInfo.
type Info struct {
	Name        string
	State       string
	Description string
	Pid         int
	Start       time.Time
	Stop        time.Time
	ExitCode    int
	SpawnErr    string
	Logfile     string
}

// Process is Component E: one controlled child and its state machine.
// All mutable fields are touched only from funcs running on the owning
// eventloop.Loop, per spec.md §5's single-thread-of-mutation invariant —
// the mutex exists solely to let Info() and log readers observe a
// consistent snapshot from other goroutines (RPC handlers, tests), not to
// protect against concurrent state-machine execution.
type Process struct {
	mu sync.Mutex

	cfg  config.ProgramConfig
	loop *eventloop.Loop
	log  *zap.Logger

	state    State
	cmd      *exec.Cmd
	pid      int
	startAt  time.Time
	stopAt   time.Time
	exitCode int
	spawnErr string
	restarts int

	stdout *output.Dispatcher
	stderr *output.Dispatcher

	stdoutLog *logging.LogFile
	stderrLog *logging.LogFile

	waiters []func()

	killTimerID    string
	backoffTimerID string

	// backoffLimit/forever mirror [supervisord]-level settings the
	// Supervisor injects via SetBackoffPolicy, since [program:NAME]
	// sections do not repeat them. backoffLimit < 0 means unbounded.
	backoffLimit int
	forever      bool

	// umask mirrors [supervisord]'s umask, injected via SetUmask. 0 means
	// "apply no umask wrapping" (spawn the argv directly).
	umask uint32
}

// New constructs a Process in STOPPED state. logDir is where AUTO logs are
// created.
func New(cfg config.ProgramConfig, loop *eventloop.Loop, log *zap.Logger, logDir string) (*Process, error) {
	p := &Process{
		cfg:            cfg,
		loop:           loop,
		log:            log.With(zap.String("program", cfg.Name)),
		state:          StateStopped,
		killTimerID:    "kill:" + cfg.Name,
		backoffTimerID: "backoff:" + cfg.Name,
		backoffLimit:   3,
	}

	stdoutLog, err := openProgramLog(cfg.Name, "stdout", cfg.Stdout, cfg.LogfileMaxBytes, cfg.LogfileBackups, logDir)
	if err != nil {
		return nil, err
	}
	p.stdoutLog = stdoutLog

	if cfg.LogStderr {
		stderrLog, err := openProgramLog(cfg.Name, "stderr", cfg.Stdout, cfg.LogfileMaxBytes, cfg.LogfileBackups, logDir)
		if err != nil {
			return nil, err
		}
		p.stderrLog = stderrLog
	}

	return p, nil
}

func openProgramLog(name, stream string, dest config.LogDest, maxBytes int64, backups int, dir string) (*logging.LogFile, error) {
	var lf *logging.LogFile
	var err error
	switch dest.Mode {
	case config.LogDestNone:
		return nil, nil
	case config.LogDestPath:
		lf, err = logging.NewLogFile(dest.Path, maxBytes, backups)
	default: // AUTO
		lf, err = logging.NewAutoLogFile(dir, name, stream, maxBytes, backups)
	}
	if err != nil {
		return nil, err
	}
	lf.EnableTail()
	return lf, nil
}

// State returns a snapshot of the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if s.Resting() {
		p.fireWaiters()
	}
}

// Name returns the program's configured name.
func (p *Process) Name() string { return p.cfg.Name }

// Priority returns the program's configured start/stop ordering priority.
func (p *Process) Priority() int { return p.cfg.Priority }

// Pid returns the current OS pid, or 0 if not live.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Info returns a snapshot suitable for getProcessInfo.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := ""
	if p.stdoutLog != nil {
		path = p.stdoutLog.Path()
	}
	return Info{
		Name:        p.cfg.Name,
		State:       p.state.String(),
		Description: fmt.Sprintf("pid %d, %s", p.pid, p.state),
		Pid:         p.pid,
		Start:       p.startAt,
		Stop:        p.stopAt,
		ExitCode:    p.exitCode,
		SpawnErr:    p.spawnErr,
		Logfile:     path,
	}
}

// AddWaiter registers fn to run (once) the next time the Process reaches a
// resting state, for RPC wait=true parking. Must be called from the loop.
func (p *Process) AddWaiter(fn func()) {
	p.mu.Lock()
	if p.state.Resting() {
		p.mu.Unlock()
		fn()
		return
	}
	p.waiters = append(p.waiters, fn)
	p.mu.Unlock()
}

func (p *Process) fireWaiters() {
	p.mu.Lock()
	ws := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, fn := range ws {
		p.loop.Post(fn)
	}
}

// Start transitions STOPPED/EXITED/FATAL/BACKOFF -> STARTING and spawns the child.
// Must be called from the loop.
func (p *Process) Start() {
	p.mu.Lock()
	switch p.state {
	case StateStarting, StateRunning, StateStopping:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.setState(StateStarting)

	cmd, pid, stdoutR, stderrR, err := p.spawn()
	if err != nil {
		p.mu.Lock()
		p.spawnErr = err.Error()
		p.mu.Unlock()
		p.log.Error("spawn failed", zap.Error(err))
		p.onFailedStart()
		return
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = pid
	p.startAt = time.Now()
	p.spawnErr = ""
	p.mu.Unlock()

	if p.stdout != nil {
		p.stdout.Close()
	}
	if p.stderr != nil {
		p.stderr.Close()
	}
	if p.stdoutLog != nil {
		p.stdout = output.New(p.log, "stdout", stdoutR, p.stdoutLog)
	}
	if stderrR != nil {
		log := p.stderrLog
		if log == nil {
			log = p.stdoutLog
		}
		if log != nil {
			p.stderr = output.New(p.log, "stderr", stderrR, log)
		}
	}

	p.loop.ArmTimer(startConfirmTimerID(p.cfg.Name), startSecs(p.cfg), func() {
		p.confirmStarted()
	})
}

func startConfirmTimerID(name string) string { return "startsecs:" + name }

func startSecs(cfg config.ProgramConfig) time.Duration {
	if cfg.StartSeconds <= 0 {
		return time.Second
	}
	return cfg.StartSeconds
}

// confirmStarted transitions STARTING -> RUNNING once startsecs have
// elapsed without the child dying, resetting the restart counter.
func (p *Process) confirmStarted() {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return
	}
	p.restarts = 0
	p.mu.Unlock()
	p.setState(StateRunning)
	p.log.Info("process running", zap.Int("pid", p.Pid()))
}

// spawn implements the spawn contract, spec.md §4.E: detach controlling
// tty (Setsid), stdin from /dev/null, stdout/stderr onto the output
// pipes, optional privilege drop, umask, optional chdir,
// SUPERVISOR_ENABLED=1, exec. Go's os/exec already distinguishes exec
// failure from early child death via its own close-on-exec error pipe
// (cmd.Start returns the exec(2) error synchronously), so no hand-rolled
// parent-readable error pipe is needed on top of it.
//
// The read ends of the stdout/stderr pipes are returned to the caller,
// which hands them to Output Dispatchers (Component F) — grounded on the
// teacher's process.pipes() helper, which builds exactly this
// os.Pipe()-per-stream arrangement with cleanup-on-error.
func (p *Process) spawn() (cmd *exec.Cmd, pid int, stdoutR, stderrR *os.File, err error) {
	argv := p.cfg.Argv
	if len(argv) == 0 {
		return nil, 0, nil, nil, fmt.Errorf("process %s: empty argv", p.cfg.Name)
	}

	p.mu.Lock()
	umask := p.umask
	p.mu.Unlock()

	name, args := argv[0], argv[1:]
	if umask != 0 {
		// os/exec gives no fork/exec hook to call umask(2) in the child
		// before execve, so any nonzero umask is applied by wrapping the
		// child in a shell that sets it, then execs the real argv — exec
		// replaces the shell, so the supervised process still becomes the
		// direct process-group leader.
		script := fmt.Sprintf(`umask %03o; exec "$0" "$@"`, umask)
		shArgs := append([]string{"-c", script, name}, args...)
		cmd = exec.Command("/bin/sh", shArgs...)
	} else {
		cmd = exec.Command(name, args...)
	}
	cmd.Env = append(os.Environ(), "SUPERVISOR_ENABLED=1")

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, 0, nil, nil, fmt.Errorf("process %s: opening %s: %w", p.cfg.Name, os.DevNull, err)
	}
	cmd.Stdin = devnull

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		devnull.Close()
		return nil, 0, nil, nil, fmt.Errorf("process %s: stdout pipe: %w", p.cfg.Name, err)
	}
	cmd.Stdout = stdoutW

	var stderrW *os.File
	if p.cfg.LogStderr {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			devnull.Close()
			return nil, 0, nil, nil, fmt.Errorf("process %s: stderr pipe: %w", p.cfg.Name, err)
		}
		cmd.Stderr = stderrW
	}

	attr := &syscall.SysProcAttr{Setsid: true}
	if p.cfg.User != "" && os.Geteuid() == 0 {
		cred, err := credentialFor(p.cfg.User)
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			if stderrR != nil {
				stderrR.Close()
			}
			return nil, 0, nil, nil, fmt.Errorf("process %s: %w", p.cfg.Name, err)
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	startErr := cmd.Start()
	// The parent's copies of the write ends (and devnull) are only needed
	// until the child has them; os/exec dups them into the child during
	// Start, so they must be closed here regardless of outcome.
	stdoutW.Close()
	devnull.Close()
	if stderrW != nil {
		stderrW.Close()
	}

	if startErr != nil {
		stdoutR.Close()
		if stderrR != nil {
			stderrR.Close()
		}
		return nil, 0, nil, nil, startErr
	}
	return cmd, cmd.Process.Pid, stdoutR, stderrR, nil
}

// credentialFor resolves a UNIX username to a syscall.Credential for
// privilege drop, spec.md §4.E(d): "switches to the configured UNIX user
// (setgid of the user's primary group, then setuid)". Implemented with
// os/exec's SysProcAttr.Credential, which performs exactly that
// setgid-then-setuid sequence in the child before exec — the idiomatic Go
// substitute for the raw fork/setgid/setuid/exec sequence the spec
// describes, since Go processes never fork without also execing.
func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

func (p *Process) onFailedStart() {
	p.evaluateRestart(false)
}

// HandleExit is called by the Supervisor after a non-blocking waitpid
// reaps this Process's pid, spec.md §4.E "Reap". wstatus carries the raw
// exit/signal classification.
func (p *Process) HandleExit(wstatus syscall.WaitStatus) {
	p.mu.Lock()
	prevState := p.state
	uptime := time.Since(p.startAt)
	if wstatus.Exited() {
		p.exitCode = wstatus.ExitStatus()
	} else if wstatus.Signaled() {
		p.exitCode = 128 + int(wstatus.Signal())
	}
	p.pid = 0
	p.stopAt = time.Now()
	p.mu.Unlock()

	p.loop.CancelTimer(p.killTimerID)
	p.loop.CancelTimer(startConfirmTimerID(p.cfg.Name))

	if p.stdout != nil {
		p.stdout.Close()
	}
	if p.stderr != nil {
		p.stderr.Close()
	}

	expected := p.exitCodeExpected()
	stable := uptime >= startSecs(p.cfg)

	switch prevState {
	case StateStopping:
		p.setState(StateStopped)
		p.log.Info("process stopped")
		return
	case StateStarting:
		p.evaluateRestart(false)
		return
	case StateRunning:
		if expected {
			p.setState(StateExited)
			p.log.Info("process exited", zap.Int("code", p.exitCode))
			if p.cfg.AutoRestart {
				p.mu.Lock()
				p.restarts = 0
				p.mu.Unlock()
				p.Start()
			}
			return
		}
		p.evaluateRestart(stable)
		return
	default:
		p.setState(StateStopped)
	}
}

func (p *Process) exitCodeExpected() bool {
	p.mu.Lock()
	code := p.exitCode
	p.mu.Unlock()
	for _, c := range p.cfg.ExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// evaluateRestart implements the restart policy, spec.md §4.E: linear
// backoff keyed on the restart counter, FATAL once the counter exceeds
// backofflimit unless forever is configured. stable resets the counter
// instead of incrementing it (a RUNNING process that crashed after
// startsecs is not a crash-loop).
func (p *Process) evaluateRestart(stable bool) {
	if !p.cfg.AutoRestart {
		p.setState(StateExited)
		return
	}

	p.mu.Lock()
	if stable {
		p.restarts = 0
	} else {
		p.restarts++
	}
	restarts := p.restarts
	backoffLimit := p.backoffLimit
	p.mu.Unlock()

	if !stable && backoffLimit >= 0 && restarts > backoffLimit {
		p.setState(StateFatal)
		p.log.Error("process exhausted restart backoff", zap.Int("restarts", restarts))
		return
	}

	p.setState(StateBackoff)
	delay := time.Duration(restarts) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	p.loop.ArmTimer(p.backoffTimerID, delay, func() {
		p.mu.Lock()
		cur := p.state
		p.mu.Unlock()
		if cur != StateBackoff {
			return
		}
		p.Start()
	})
}

// SetBackoffPolicy wires the supervisor-wide backofflimit/forever settings
// into this Process, since [program:NAME] sections do not repeat them.
func (p *Process) SetBackoffPolicy(limit int, forever bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forever = forever
	if forever {
		p.backoffLimit = -1
	} else {
		p.backoffLimit = limit
	}
}

// SetUmask wires the supervisor-wide umask setting into this Process, since
// [program:NAME] sections do not repeat it, spec.md §4.E(e).
func (p *Process) SetUmask(umask uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.umask = umask
}

// Stop transitions RUNNING/STARTING -> STOPPING: sends the configured
// stop-signal to the child's process group and arms the kill-timer. A
// second call while already STOPPING is idempotent, spec.md §4.E.
func (p *Process) Stop() {
	p.mu.Lock()
	state := p.state
	pid := p.pid
	sig := p.cfg.StopSignal.Signal()
	p.mu.Unlock()

	switch state {
	case StateStopping:
		return
	case StateBackoff:
		p.loop.CancelTimer(p.backoffTimerID)
		p.setState(StateStopped)
		return
	case StateStarting, StateRunning:
		// fall through to send the signal below
	default:
		return
	}

	p.setState(StateStopping)
	if pid > 0 {
		syscall.Kill(-pid, sig)
	}
	p.loop.ArmTimer(p.killTimerID, killGrace, func() {
		p.killNow()
	})
}

func (p *Process) killNow() {
	p.mu.Lock()
	pid := p.pid
	state := p.state
	p.mu.Unlock()
	if state != StateStopping || pid <= 0 {
		return
	}
	p.log.Warn("kill-timer expired, sending SIGKILL", zap.Int("pid", pid))
	syscall.Kill(-pid, syscall.SIGKILL)
}

// RotateLogs forces rotation of this Process's stdout/stderr logs
// regardless of current size, spec.md §4.G "Rotate (on USR2)".
func (p *Process) RotateLogs() {
	for _, lf := range []*logging.LogFile{p.stdoutLog, p.stderrLog} {
		if lf != nil {
			lf.ForceRotate()
		}
	}
}

// StdoutLog returns the stdout LogFile (nil if destination is NONE).
func (p *Process) StdoutLog() *logging.LogFile { return p.stdoutLog }

// Close releases this Process's log files, removing AUTO logs. Called by
// Supervisor.Shutdown only after the Process has reached a resting state.
func (p *Process) Close() {
	if p.stdoutLog != nil {
		p.stdoutLog.RemoveAuto()
		p.stdoutLog.Close()
	}
	if p.stderrLog != nil {
		p.stderrLog.RemoveAuto()
		p.stderrLog.Close()
	}
}
