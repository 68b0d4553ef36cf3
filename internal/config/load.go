package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Overrides carries CLI-flag values that take precedence over the INI file,
// §6 "CLI surface of the daemon: overrides for most [supervisord] settings".
// A field's zero value means "not set on the command line" — env and INI
// values are consulted next.
type Overrides struct {
	HTTPPort     string
	LogLevel     string
	LogFile      string
	PidFile      string
	NoDaemon     bool
	NoDaemonSet  bool
	User         string
	Directory    string
	BackoffLimit *int
	Forever      *bool
	NoCleanup    *bool
}

// Load reads path, merges CLI overrides and environment variables on top of
// it, and returns the immutable effective Snapshot (Component A).
//
// Precedence, highest first: CLI overrides > environment > INI file >
// built-in defaults. This mirrors the merge order spec.md §2 Component A
// describes.
func Load(path string, ov Overrides) (*Snapshot, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	snap := &Snapshot{sourcePath: path}

	if err := parseSupervisord(cfg, &snap.Supervisord); err != nil {
		return nil, err
	}
	if err := parseCtl(cfg, &snap.Ctl); err != nil {
		return nil, err
	}
	snap.Programs, err = parsePrograms(cfg)
	if err != nil {
		return nil, err
	}

	applyEnv(&snap.Supervisord)
	applyOverrides(&snap.Supervisord, ov)

	if err := validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Reload re-reads the same file a Snapshot was originally Load-ed from.
// On any ConfigError the caller must retain the existing in-memory
// Snapshot and log the failure — §7 ConfigError propagation policy — Reload
// itself is side-effect-free and simply returns the error for the caller to
// act on.
func Reload(prev *Snapshot, ov Overrides) (*Snapshot, error) {
	return Load(prev.sourcePath, ov)
}

func parseSupervisord(cfg *ini.File, out *SupervisordConfig) error {
	sec := cfg.Section("supervisord")

	*out = SupervisordConfig{
		HTTPPort:       sec.Key("http_port").String(),
		SockChownUser:  "",
		Umask:          0o22,
		LogFile:        sec.Key("logfile").MustString("supervisord.log"),
		PidFile:        sec.Key("pidfile").MustString("supervisord.pid"),
		NoDaemon:       sec.Key("nodaemon").MustBool(false),
		MinFDs:         uint64(sec.Key("minfds").MustInt(1024)),
		MinProcs:       uint64(sec.Key("minprocs").MustInt(200)),
		BackoffLimit:   sec.Key("backofflimit").MustInt(3),
		NoCleanup:      sec.Key("nocleanup").MustBool(false),
		Forever:        sec.Key("forever").MustBool(false),
		HTTPUsername:   sec.Key("http_username").String(),
		HTTPPassword:   sec.Key("http_password").String(),
		ChildLogDir:    sec.Key("childlogdir").MustString(os.TempDir()),
		User:           sec.Key("user").String(),
		Directory:      sec.Key("directory").String(),
	}

	var err error
	out.LogfileMaxBytes, err = parseByteSize(sec.Key("logfile_maxbytes").MustString("50MB"))
	if err != nil {
		return fmt.Errorf("config: [supervisord] logfile_maxbytes: %w", err)
	}
	out.LogfileBackups = sec.Key("logfile_backups").MustInt(10)

	out.LogLevel, err = ParseLogLevel(sec.Key("loglevel").String())
	if err != nil {
		return err
	}

	if v := sec.Key("sockchmod").String(); v != "" {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return fmt.Errorf("config: [supervisord] sockchmod: %w", err)
		}
		out.SockChmod = uint32(mode)
	} else {
		out.SockChmod = 0o700
	}

	if v := sec.Key("sockchown").String(); v != "" {
		parts := strings.SplitN(v, ".", 2)
		out.SockChownUser = parts[0]
		if len(parts) == 2 {
			out.SockChownGroup = parts[1]
		}
	}

	if v := sec.Key("umask").String(); v != "" {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return fmt.Errorf("config: [supervisord] umask: %w", err)
		}
		out.Umask = uint32(mode)
	}

	return nil
}

func parseCtl(cfg *ini.File, out *CtlSection) error {
	sec := cfg.Section("supervisorctl")
	*out = CtlSection{
		ServerURL: sec.Key("serverurl").String(),
		Username:  sec.Key("username").String(),
		Password:  sec.Key("password").String(),
		Prompt:    sec.Key("prompt").MustString("supervisor"),
	}
	return nil
}

func parsePrograms(cfg *ini.File) ([]ProgramConfig, error) {
	var out []ProgramConfig
	seen := make(map[string]bool)

	for _, sec := range cfg.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "program:")
		if !ok {
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("config: empty program name in section %q", sec.Name())
		}
		if seen[name] {
			return nil, fmt.Errorf("config: duplicate program name %q", name)
		}
		seen[name] = true

		pc, err := parseProgram(name, sec)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func parseProgram(name string, sec *ini.Section) (ProgramConfig, error) {
	cmd := sec.Key("command").String()
	if cmd == "" {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s] command is required", name)
	}
	argv, err := SplitArgv(cmd)
	if err != nil {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s]: %w", name, err)
	}
	argv, err = ResolveArgv0(argv)
	if err != nil {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s]: %w", name, err)
	}

	stopSig, err := ParseStopSignal(sec.Key("stopsignal").String())
	if err != nil {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s]: %w", name, err)
	}

	var exitCodes []int
	if v := sec.Key("exitcodes").String(); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return ProgramConfig{}, fmt.Errorf("config: [program:%s] exitcodes: %w", name, err)
			}
			exitCodes = append(exitCodes, n)
		}
	} else {
		exitCodes = []int{0}
	}

	maxBytes, err := parseByteSize(sec.Key("logfile_maxbytes").MustString("50MB"))
	if err != nil {
		return ProgramConfig{}, fmt.Errorf("config: [program:%s] logfile_maxbytes: %w", name, err)
	}

	pc := ProgramConfig{
		Name:            name,
		Command:         cmd,
		Argv:            argv,
		Priority:        sec.Key("priority").MustInt(999),
		AutoStart:       sec.Key("autostart").MustBool(true),
		AutoRestart:     sec.Key("autorestart").MustBool(true),
		ExitCodes:       exitCodes,
		StopSignal:      stopSig,
		User:            sec.Key("user").String(),
		LogStderr:       sec.Key("log_stderr").MustBool(false),
		Stdout:          ParseLogDest(sec.Key("logfile").String()),
		LogfileMaxBytes: maxBytes,
		LogfileBackups:  sec.Key("logfile_backups").MustInt(10),
		StartSeconds:    defaultStartSeconds,
	}
	return pc, nil
}

// parseByteSize parses an integer with an optional KB/MB/GB suffix
// (case-insensitive), §6 logfile_maxbytes. "0" means unbounded.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	upper := strings.ToUpper(s)
	var mult int64 = 1
	var numPart string
	switch {
	case strings.HasSuffix(upper, "KB"):
		mult = 1024
		numPart = s[:len(s)-2]
	case strings.HasSuffix(upper, "MB"):
		mult = 1024 * 1024
		numPart = s[:len(s)-2]
	case strings.HasSuffix(upper, "GB"):
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-2]
	default:
		numPart = s
	}
	n, err := strconv.ParseInt(strings.TrimSpace(numPart), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * mult, nil
}

func applyEnv(out *SupervisordConfig) {
	if v := os.Getenv("SUPERVISOR_HTTP_PORT"); v != "" {
		out.HTTPPort = v
	}
	if v := os.Getenv("SUPERVISOR_LOGLEVEL"); v != "" {
		if lvl, err := ParseLogLevel(v); err == nil {
			out.LogLevel = lvl
		}
	}
	if v := os.Getenv("SUPERVISOR_PIDFILE"); v != "" {
		out.PidFile = v
	}
}

func applyOverrides(out *SupervisordConfig, ov Overrides) {
	if ov.HTTPPort != "" {
		out.HTTPPort = ov.HTTPPort
	}
	if ov.LogLevel != "" {
		if lvl, err := ParseLogLevel(ov.LogLevel); err == nil {
			out.LogLevel = lvl
		}
	}
	if ov.LogFile != "" {
		out.LogFile = ov.LogFile
	}
	if ov.PidFile != "" {
		out.PidFile = ov.PidFile
	}
	if ov.NoDaemonSet {
		out.NoDaemon = ov.NoDaemon
	}
	if ov.User != "" {
		out.User = ov.User
	}
	if ov.Directory != "" {
		out.Directory = ov.Directory
	}
	if ov.BackoffLimit != nil {
		out.BackoffLimit = *ov.BackoffLimit
	}
	if ov.Forever != nil {
		out.Forever = *ov.Forever
	}
	if ov.NoCleanup != nil {
		out.NoCleanup = *ov.NoCleanup
	}
}

// defaultStartSeconds resolves the Open Question in spec.md §9 ("exact
// value of startsecs"); SPEC_FULL.md §9 fixes it at 1s.
const defaultStartSeconds = 1 * time.Second

func validate(snap *Snapshot) error {
	if snap.Supervisord.HTTPPort == "" {
		return fmt.Errorf("config: [supervisord] http_port is required")
	}
	names := make(map[string]bool, len(snap.Programs))
	for _, p := range snap.Programs {
		if names[p.Name] {
			return fmt.Errorf("config: duplicate program %q", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}
