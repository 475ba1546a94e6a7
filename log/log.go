package log

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. a reply that could not be published)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. an unknown routine signature)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

// Config defines logger settings. It is embedded in the process configuration.
type Config struct {
	// Level: debug, info, warn, error, none
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`
	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

var (
	mu       sync.RWMutex
	logger   *zap.Logger
	loglevel = LOGLEVEL_WARNINGS
	level    = zap.NewAtomicLevelAt(zapLevel(LOGLEVEL_WARNINGS))
)

func init() {
	encoder := zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	logger = zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)).Named("flowrpc")
}

func zapLevel(ll int) zapcore.Level {
	switch ll {
	case LOGLEVEL_NONE:
		return zapcore.FatalLevel + 1
	case LOGLEVEL_ERRORS:
		return zapcore.ErrorLevel
	case LOGLEVEL_WARNINGS:
		return zapcore.WarnLevel
	case LOGLEVEL_INFO:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ParseLevel maps a configuration string to one of the LOGLEVEL_ constants.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return LOGLEVEL_NONE, nil
	case "error", "errors":
		return LOGLEVEL_ERRORS, nil
	case "warn", "warning", "warnings":
		return LOGLEVEL_WARNINGS, nil
	case "info", "":
		return LOGLEVEL_INFO, nil
	case "debug":
		return LOGLEVEL_DEBUG, nil
	}
	return LOGLEVEL_NONE, errors.NotValidf("log level %q", s)
}

// Set the global RPC log level
func SetLoglevel(ll int) {
	mu.Lock()
	defer mu.Unlock()
	loglevel = ll
	level.SetLevel(zapLevel(ll))
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return loglevel >= ll
}

// L returns the process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child of the process-wide logger for one component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Replace swaps the process-wide logger, e.g. for tests. It returns a function
// restoring the previous one.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := logger
	logger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	}
}

/*
Setup builds the process-wide logger from c and returns it. Outputs other than
stdout and stderr are treated as file paths; they are rotated by lumberjack when
rotation is enabled. The caller should defer Sync() on the returned logger.
*/
func Setup(c Config) (*zap.Logger, error) {
	ll, err := ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Trace(err)
	}
	SetLoglevel(ll)

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		ws, err := writeSyncer(out, c.Rotation)
		if err != nil {
			return nil, errors.Annotatef(err, "log output %q", out)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	l := zap.New(zapcore.NewTee(cores...), opts...).Named("flowrpc")
	Replace(l)
	return l, nil
}

func writeSyncer(out string, rot RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if rot.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 10),
			MaxBackups: max(rot.MaxBackups, 1),
			MaxAge:     max(rot.MaxAgeDays, 7),
			Compress:   rot.Compress,
		}), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Trace(err)
		}
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return zapcore.AddSync(f), nil
}

func mapToChar(i int) byte {
	i = i % (10 + 26 + 26)
	if i < 10 {
		return byte('0' + i)
	} else if i < 10+26 {
		return byte('A' + i - 10)
	} else if i < 10+26+26 {
		return byte('a' + i - 10 - 26)
	}
	return byte('_')
}

// Returns a short random alphanumeric string.
// This is used to assign special tokens to invocations in order to track them across log lines.
func GetLogToken() string {
	str := make([]byte, 6)
	for i := range str {
		str[i] = mapToChar(rand.Int())
	}
	return string(str)
}
