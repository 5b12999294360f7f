package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
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

func levelString(level Level) string {
	switch level {
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

// ParseLevel maps a config string to a Level. Unknown strings map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	fileLoggerInstance *FileLogger
	fileLoggerOnce     sync.Once
)

// Credential-looking values are scrubbed before any line hits disk.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)["':=\s]+[^\s"']{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
}

func sanitizeLine(line string) string {
	for _, pattern := range redactPatterns {
		line = pattern.ReplaceAllString(line, "[REDACTED]")
	}
	return line
}

// FileLogger writes timestamped, component-scoped lines to troop-debug.log
// and mirrors them to stdout.
type FileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
}

// GetFileLogger returns the singleton file logger instance.
func GetFileLogger() *FileLogger {
	fileLoggerOnce.Do(func() {
		fileLoggerInstance = newFileLogger("", LevelDebug)
	})
	return fileLoggerInstance
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := GetFileLogger()
	return &FileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
	}
}

func newFileLogger(component string, level Level) *FileLogger {
	l := &FileLogger{
		level:     level,
		component: component,
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("Failed to get home directory: %v", err)
		return l
	}

	logPath := filepath.Join(home, "troop-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0)
	return l
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "TROOP"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelString(level), component, file, line, message)

	sanitized := sanitizeLine(logLine)

	if l.logger != nil {
		l.logger.Print(sanitized)
	}
	fmt.Print(sanitized)
}

func (l *FileLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *FileLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *FileLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *FileLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}
