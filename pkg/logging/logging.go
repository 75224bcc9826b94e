package logging

import "fmt"

const (
	DebugLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LogFuncs are the backend functions a Logger delegates to
type LogFuncs struct {
	Debugf func(format string, args ...interface{})
	Infof  func(format string, args ...interface{})
	Warnf  func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})
}

func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &logger{
		prefix: prefix,
		funcs:  funcs,
	}
}

type logger struct {
	prefix string
	funcs  LogFuncs
}

func (l *logger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case DebugLevel:
		l.Debugf(format, args...)
	case WarnLevel:
		l.Warnf(format, args...)
	case ErrorLevel:
		l.Errorf(format, args...)
	default:
		l.Infof(format, args...)
	}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.emit(l.funcs.Debugf, format, args)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.emit(l.funcs.Infof, format, args)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.emit(l.funcs.Warnf, format, args)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.emit(l.funcs.Errorf, format, args)
}

func (l *logger) emit(fn func(string, ...interface{}), format string, args []interface{}) {
	if fn == nil {
		return
	}
	fn("%s%s", l.prefix, fmt.Sprintf(format, args...))
}

// WithPrefix returns a logger that prepends an additional prefix
func WithPrefix(parent Logger, prefix string) Logger {
	return &prefixedLogger{parent: parent, prefix: prefix}
}

type prefixedLogger struct {
	parent Logger
	prefix string
}

func (l *prefixedLogger) LogLevelf(level int, format string, args ...interface{}) {
	l.parent.LogLevelf(level, l.prefix+format, args...)
}

func (l *prefixedLogger) Debugf(format string, args ...interface{}) {
	l.parent.Debugf(l.prefix+format, args...)
}

func (l *prefixedLogger) Infof(format string, args ...interface{}) {
	l.parent.Infof(l.prefix+format, args...)
}

func (l *prefixedLogger) Warnf(format string, args ...interface{}) {
	l.parent.Warnf(l.prefix+format, args...)
}

func (l *prefixedLogger) Errorf(format string, args ...interface{}) {
	l.parent.Errorf(l.prefix+format, args...)
}

func NewNullLogger() Logger {
	return nullLogger{}
}

type nullLogger struct{}

func (nullLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (nullLogger) Debugf(format string, args ...interface{})               {}
func (nullLogger) Infof(format string, args ...interface{})                {}
func (nullLogger) Warnf(format string, args ...interface{})                {}
func (nullLogger) Errorf(format string, args ...interface{})               {}
