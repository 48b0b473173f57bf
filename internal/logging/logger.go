package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Every service in the daemon depends on this interface rather than a
// concrete logger so tests can inject a nop or recording logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "?????"
	}
}

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
	rootDir      string
	rootDirMu    sync.Mutex
)

// SetLogDir configures the directory used for the shared log file. Must be
// called before the first component logger is created to take effect.
func SetLogDir(dir string) {
	rootDirMu.Lock()
	defer rootDirMu.Unlock()
	rootDir = dir
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootDirMu.Lock()
		dir := rootDir
		rootDirMu.Unlock()
		rootInstance = newFileLogger(dir, DEBUG)
	})
	return rootInstance
}

// NewComponentLogger returns the shared application logger scoped to a
// component name (e.g. "patrol", "relay", "alert").
func NewComponentLogger(component string) Logger {
	base := root()
	return &fileLogger{
		out:       base.out,
		logger:    base.logger,
		level:     base.level,
		component: component,
	}
}

// fileLogger writes timestamped lines to patrold.log (when a log dir is
// configured) and mirrors WARN/ERROR to stderr.
type fileLogger struct {
	out       io.WriteCloser
	logger    *log.Logger
	level     Level
	component string
	mu        sync.Mutex
}

func newFileLogger(dir string, level Level) *fileLogger {
	l := &fileLogger{level: level}
	if dir == "" {
		return l
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("logging: create log dir: %v", err)
		return l
	}
	path := filepath.Join(dir, "patrold.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: open log file: %v", err)
		return l
	}
	l.out = f
	l.logger = log.New(f, "", 0)
	return l
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	msg := fmt.Sprintf(format, args...)
	prefix := fmt.Sprintf("[%s] [%s]", time.Now().Format("2006-01-02 15:04:05.000"), level)
	if l.component != "" {
		prefix += fmt.Sprintf(" [%s]", l.component)
	}
	entry := fmt.Sprintf("%s %s:%d %s", prefix, file, line, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger != nil {
		l.logger.Println(entry)
	}
	if level >= WARN || l.logger == nil {
		fmt.Fprintln(os.Stderr, entry)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }
