package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexadeca/supervisor/internal/config"
)

// NewLogger builds the daemon's own activity logger (distinct from
// per-program child-output LogFiles above), writing to path at the given
// level. Grounded on the teacher's cmd/zmux-server/main.go zap setup:
// production encoder config rendered by the console encoder, explicit
// level-to-zap mapping, output to a named file sink rather than the package-level
// zap.L()/zap.S() globals — every constructor in this module takes an
// explicit *zap.Logger.
//
// The returned *LogFile (nil when logging to stdout) is the same file the
// RPC readLog/clearLog methods operate on, §4.H "readLog(offset, length)"
// — one LogFile, not a second copy of its content.
func NewLogger(path string, level config.LogLevel) (*zap.Logger, *LogFile, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var ws zapcore.WriteSyncer
	var lf *LogFile
	if path == "" || path == "-" {
		ws = zapcore.AddSync(os.Stdout)
	} else {
		var err error
		lf, err = NewLogFile(path, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: opening activity log %s: %w", path, err)
		}
		ws = zapcore.AddSync(lf)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), ws, zapLevel(level))
	return zap.New(core, zap.AddCaller()), lf, nil
}

// zapLevel maps the six-level scheme from config.LogLevel (§6 loglevel,
// a superset mirroring the daemon's own vocabulary) down onto zap's levels.
func zapLevel(l config.LogLevel) zapcore.Level {
	switch l {
	case config.LogLevelTrace, config.LogLevelDebug:
		return zapcore.DebugLevel
	case config.LogLevelInfo:
		return zapcore.InfoLevel
	case config.LogLevelWarn:
		return zapcore.WarnLevel
	case config.LogLevelError:
		return zapcore.ErrorLevel
	case config.LogLevelCritical:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var _ zapcore.WriteSyncer = (*LogFile)(nil)

func (lf *LogFile) Sync() error { return lf.Flush() }
