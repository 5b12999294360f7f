package logging

import (
	"fmt"
	"reflect"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface so they can be wired with the file
// logger, a test logger, or nothing at all.
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

type multiLogger struct {
	loggers []Logger
}

func (m multiLogger) Debug(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debug(format, args...)
	}
}

func (m multiLogger) Info(format string, args ...any) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m multiLogger) Warn(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warn(format, args...)
	}
}

func (m multiLogger) Error(format string, args ...any) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}

// Multi fans out log calls to every non-nil logger.
func Multi(loggers ...Logger) Logger {
	filtered := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if !IsNil(l) {
			filtered = append(filtered, l)
		}
	}
	switch len(filtered) {
	case 0:
		return Nop()
	case 1:
		return filtered[0]
	default:
		return multiLogger{loggers: filtered}
	}
}

type prefixLogger struct {
	inner  Logger
	prefix string
}

func (p prefixLogger) Debug(format string, args ...any) {
	p.inner.Debug("%s"+format, append([]any{p.prefix}, args...)...)
}

func (p prefixLogger) Info(format string, args ...any) {
	p.inner.Info("%s"+format, append([]any{p.prefix}, args...)...)
}

func (p prefixLogger) Warn(format string, args ...any) {
	p.inner.Warn("%s"+format, append([]any{p.prefix}, args...)...)
}

func (p prefixLogger) Error(format string, args ...any) {
	p.inner.Error("%s"+format, append([]any{p.prefix}, args...)...)
}

// WithPrefix returns a logger that prepends "[prefix] " to every message.
func WithPrefix(logger Logger, prefix string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if prefix == "" {
		return logger
	}
	return prefixLogger{inner: logger, prefix: fmt.Sprintf("[%s] ", prefix)}
}
