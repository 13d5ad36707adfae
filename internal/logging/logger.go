// Package logging adapts the node's colored zap logger for the federation
// layer's components. The shape (component tag, colorized console
// encoding) is carried over from the wider node codebase's logging
// convention; only the component set changed.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"

	BrightRed    = "\033[91m"
	BrightYellow = "\033[93m"
	BrightBlue   = "\033[94m"
	BrightCyan   = "\033[96m"
	BrightWhite  = "\033[97m"
)

// Component tags the subsystem a log line came from.
type Component string

const (
	ComponentProducer  Component = "PRODUCER"
	ComponentConsumer  Component = "CONSUMER"
	ComponentSession   Component = "SESSION"
	ComponentDiscovery Component = "DISCOVERY"
	ComponentDialer    Component = "DIALER"
	ComponentAdmin     Component = "ADMIN"
	ComponentNode      Component = "NODE"
)

func componentColor(c Component) string {
	switch c {
	case ComponentProducer:
		return BrightBlue
	case ComponentConsumer:
		return BrightCyan
	case ComponentSession:
		return Blue
	case ComponentDiscovery:
		return Magenta
	case ComponentDialer:
		return Yellow
	case ComponentAdmin:
		return Green
	default:
		return Gray
	}
}

func levelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	default:
		return Red
	}
}

// Logger wraps zap.Logger with per-component colorized methods, matching
// the node's general colored-console-logging convention.
type Logger struct {
	*zap.Logger
	enableColors bool
}

func coloredEncoder(enableColors bool) zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		ts := t.Format("2006-01-02T15:04:05.000Z0700")
		if enableColors {
			enc.AppendString(Dim + ts + Reset)
		} else {
			enc.AppendString(ts)
		}
	}
	cfg.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		s := strings.ToUpper(level.String())
		if enableColors {
			enc.AppendString(fmt.Sprintf("%s%s%-5s%s", levelColor(level), Bold, s, Reset))
		} else {
			enc.AppendString(fmt.Sprintf("%-5s", s))
		}
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// New creates a colored logger writing to stdout at debug level.
func New(enableColors bool) (*Logger, error) {
	core := zapcore.NewCore(coloredEncoder(enableColors), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), enableColors: enableColors}, nil
}

func (l *Logger) tag(component Component, msg string) string {
	if l.enableColors {
		return fmt.Sprintf("%s[%s]%s %s", componentColor(component), component, Reset, msg)
	}
	return fmt.Sprintf("[%s] %s", component, msg)
}

func (l *Logger) ComponentInfo(component Component, msg string, fields ...zap.Field) {
	l.Info(l.tag(component, msg), fields...)
}

func (l *Logger) ComponentWarn(component Component, msg string, fields ...zap.Field) {
	l.Warn(l.tag(component, msg), fields...)
}

func (l *Logger) ComponentError(component Component, msg string, fields ...zap.Field) {
	l.Error(l.tag(component, msg), fields...)
}

func (l *Logger) ComponentDebug(component Component, msg string, fields ...zap.Field) {
	l.Debug(l.tag(component, msg), fields...)
}

// NewNop returns a logger that discards output, for use in tests that don't
// want console noise.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), enableColors: false}
}
