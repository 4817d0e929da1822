package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity of a log message.
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

var (
	fileLoggerInstance *FileLogger
	fileLoggerOnce     sync.Once
)

// FileLogger writes component-prefixed log lines to convoy-debug.log in the
// user's home directory, falling back to stderr when the file cannot be
// opened.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	logger    *log.Logger
	level     Level
	component string
}

// Default returns the process-wide file logger instance.
func Default() *FileLogger {
	fileLoggerOnce.Do(func() {
		fileLoggerInstance = newFileLogger("", LevelDebug)
	})
	return fileLoggerInstance
}

// NewComponentLogger returns the default file logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := Default()
	return &FileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
	}
}

func newFileLogger(component string, level Level) *FileLogger {
	l := &FileLogger{level: level, component: component}

	home, err := os.UserHomeDir()
	if err != nil {
		l.logger = log.New(os.Stderr, "", 0)
		return l
	}
	path := filepath.Join(home, "convoy-debug.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.logger = log.New(os.Stderr, "", 0)
		return l
	}
	l.file = file
	l.logger = log.New(file, "", 0)
	return l
}

// SetLevel adjusts the minimum level emitted by this logger.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *FileLogger) write(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := ""
	if l.component != "" {
		prefix = "[" + l.component + "] "
	}
	l.logger.Printf("%s %-5s %s%s", time.Now().Format("2006-01-02 15:04:05.000"), level, prefix, msg)
}

func (l *FileLogger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.write(LevelError, format, args...) }

// Close releases the underlying log file, if any.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.logger = nil
	return err
}
