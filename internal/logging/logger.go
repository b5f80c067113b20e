// Package logging provides structured, leveled logging for the VSM
// runtime, backed by logrus with size-based file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels, kept as a small local
// enum so callers configuring from a properties file don't need to
// import logrus directly.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration, mirroring the log.* keys a VSM
// deployment sets in its properties file: log.level, log.file_path,
// log.single_max_size, log.max_file_count.
type Config struct {
	Level LogLevel

	// Format selects "text" (default) or "json" output.
	Format string

	// Output, when set, is used directly and FilePath/rotation are
	// ignored -- this is how tests capture output deterministically.
	Output io.Writer

	// FilePath, when Output is nil, is the log file to write to and
	// rotate.
	FilePath string

	// SingleMaxSize is a K/M/G-suffixed size (e.g. "10M"); once the
	// active file exceeds it, the file is rotated.
	SingleMaxSize string

	// MaxFileCount bounds how many rotated files are retained; the
	// oldest beyond this count are removed.
	MaxFileCount int

	// Sync disables any output buffering so tests observe writes
	// immediately; logrus always writes synchronously to its Out writer,
	// so this exists for API parity with callers that used to toggle a
	// buffered writer.
	Sync bool

	// NoColor disables ANSI color codes in the text formatter.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a logrus.Entry, carrying whatever structured fields were
// attached via With*.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new Logger from config. A nil config yields
// DefaultConfig.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	base := logrus.New()
	base.SetLevel(config.Level.toLogrus())

	if strings.EqualFold(config.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:   config.NoColor,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	switch {
	case config.Output != nil:
		base.SetOutput(config.Output)
	case config.FilePath != "":
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			base.SetOutput(os.Stderr)
			break
		}
		base.SetOutput(f)
		if hook, err := newRotationHook(config.FilePath, f, config.SingleMaxSize, config.MaxFileCount); err == nil {
			base.AddHook(hook)
		}
	default:
		base.SetOutput(os.Stderr)
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault installs logger as the package default.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// WithDevice returns a Logger that tags every record with the given
// device id.
func (l *Logger) WithDevice(deviceID int) *Logger {
	return &Logger{entry: l.entry.WithField("device_id", deviceID)}
}

// WithStream returns a Logger that tags every record with the given
// stream id (a file/serial/socket handle index within its device).
func (l *Logger) WithStream(streamID int) *Logger {
	return &Logger{entry: l.entry.WithField("stream_id", streamID)}
}

// WithRequest returns a Logger that tags every record with a request
// correlation tag and operation name (e.g. "READ", "MAVLINK_DECODE").
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{"tag": tag, "op": op})}
}

// WithError returns a Logger with err attached as the standard logrus
// error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func fieldsFromArgs(args []any) logrus.Fields {
	if len(args) == 0 {
		return nil
	}
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		f[key] = args[i+1]
	}
	return f
}

func (l *Logger) withArgs(args []any) *logrus.Entry {
	fields := fieldsFromArgs(args)
	if fields == nil {
		return l.entry
	}
	return l.entry.WithFields(fields)
}

func (l *Logger) Debug(msg string, args ...any) { l.withArgs(args).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.withArgs(args).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.withArgs(args).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.withArgs(args).Error(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf logs at info level, kept for call sites migrated from the
// stdlib-logger era.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the package default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// parseSize parses a K/M/G-suffixed size string ("10M", "512k", "2G")
// into a byte count. A bare number is interpreted as bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("logging: empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("logging: invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// formatSize renders a byte count using the same K/M/G suffixes
// parseSize accepts, picking the largest unit that divides n exactly;
// a count no unit divides is rendered as a bare byte count.
func formatSize(n int64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n/(1<<30))
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n/(1<<20))
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n/(1<<10))
	default:
		return strconv.FormatInt(n, 10)
	}
}

// rotationHook implements size-based log rotation as a logrus.Hook:
// before every record is written it stats the active file and, once it
// has reached maxSize, closes it, renames it to a timestamped name,
// reopens the original path fresh, points the logger's output at the
// new file, and prunes old rotations beyond maxFiles.
type rotationHook struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	maxSize  int64
	maxFiles int
}

func newRotationHook(path string, f *os.File, sizeSpec string, maxFiles int) (*rotationHook, error) {
	maxSize := int64(0)
	if sizeSpec != "" {
		var err error
		maxSize, err = parseSize(sizeSpec)
		if err != nil {
			return nil, err
		}
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("logging: rotation requires a positive size")
	}
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &rotationHook{path: path, file: f, maxSize: maxSize, maxFiles: maxFiles}, nil
}

func (h *rotationHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *rotationHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := h.file.Stat()
	if err != nil || info.Size() < h.maxSize {
		return nil
	}
	if err := h.rotateLocked(); err != nil {
		return err
	}
	e.Logger.SetOutput(h.file)
	return nil
}

func (h *rotationHook) rotateLocked() error {
	if err := h.file.Close(); err != nil {
		return err
	}

	stamp := time.Now().Format("20060102-150405")
	rotated := fmt.Sprintf("%s_%s", h.path, stamp)
	for n := 1; fileExists(rotated); n++ {
		rotated = fmt.Sprintf("%s_%s(%d)", h.path, stamp, n)
	}
	if err := os.Rename(h.path, rotated); err != nil {
		return err
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	h.file = f

	h.pruneLocked()
	return nil
}

func (h *rotationHook) pruneLocked() {
	dir := filepath.Dir(h.path)
	base := filepath.Base(h.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotations []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), base+"_") {
			rotations = append(rotations, filepath.Join(dir, e.Name()))
		}
	}
	if len(rotations) <= h.maxFiles {
		return
	}
	sort.Strings(rotations)
	for _, stale := range rotations[:len(rotations)-h.maxFiles] {
		_ = os.Remove(stale)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
