package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a Level.
// Unknown names return LevelInfo and false.
func ParseLevel(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG", "TRACE":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// Config configures a Logger.
type Config struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string

	// Format is "text" or "json".
	Format string

	// Output is "stdout", "stderr" or a file path.
	Output string
}

// Logger is a leveled printf-style logger. Components receive one at
// construction so that several independent servers can coexist in a
// single process (tests in particular).
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	out    *stdlog.Logger
	closer io.Closer
}

// New creates a Logger from cfg. Empty fields use INFO, text and stdout.
func New(cfg Config) (*Logger, error) {
	l := &Logger{level: LevelInfo}

	if cfg.Level != "" {
		level, ok := ParseLevel(cfg.Level)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", cfg.Level)
		}
		l.level = level
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
	case "json":
		l.json = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	switch cfg.Output {
	case "", "stdout":
		l.out = stdlog.New(os.Stdout, "", 0)
	case "stderr":
		l.out = stdlog.New(os.Stderr, "", 0)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.out = stdlog.New(f, "", 0)
		l.closer = f
	}

	return l, nil
}

// NewWriter creates a text Logger writing to w. Mostly useful in tests.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{level: level, out: stdlog.New(w, "", 0)}
}

// SetLevel changes the minimum level. Unknown names are ignored.
func (l *Logger) SetLevel(level string) {
	if parsed, ok := ParseLevel(level); ok {
		l.mu.Lock()
		l.level = parsed
		l.mu.Unlock()
	}
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

// Close releases the output file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func (l *Logger) log(level Level, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}

	now := time.Now()
	message := fmt.Sprintf(format, v...)

	if l.json {
		line, err := json.Marshal(jsonLine{
			Time:  now.Format(time.RFC3339Nano),
			Level: level.String(),
			Msg:   message,
		})
		if err == nil {
			l.out.Println(string(line))
			return
		}
	}

	prefix := fmt.Sprintf("[%s] [%s] ", now.Format("2006-01-02 15:04:05"), level.String())
	l.out.Println(prefix + message)
}

func (l *Logger) Debug(format string, v ...any) {
	l.log(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...any) {
	l.log(LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.log(LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.log(LevelError, format, v...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewWriter(os.Stdout, LevelInfo)
)

// Default returns the process-wide logger used by the package functions.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Or returns l, or the default logger when l is nil.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Configure replaces the default logger.
func Configure(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return nil
}

func SetLevel(level string) {
	Default().SetLevel(level)
}

func Debug(format string, v ...any) {
	Default().log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	Default().log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	Default().log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	Default().log(LevelError, format, v...)
}
