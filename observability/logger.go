package observability

import (
	"context"
	"io"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
	"github.com/willibrandon/mtlog/sinks"
)

// Logger is the structured logger used across signing and verification.
// Message templates follow mtlog syntax: "Signed {PackageId} with {Algorithm}".
type Logger interface {
	Debug(messageTemplate string, args ...any)
	DebugContext(ctx context.Context, messageTemplate string, args ...any)
	Info(messageTemplate string, args ...any)
	InfoContext(ctx context.Context, messageTemplate string, args ...any)
	Warn(messageTemplate string, args ...any)
	WarnContext(ctx context.Context, messageTemplate string, args ...any)
	Error(messageTemplate string, args ...any)
	ErrorContext(ctx context.Context, messageTemplate string, args ...any)

	// ForContext returns a child logger that attaches key to every event,
	// e.g. the verification session id.
	ForContext(key string, value any) Logger
}

// LogLevel is the minimum level a logger emits.
type LogLevel int

const (
	VerboseLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelOptions = map[LogLevel]func() mtlog.Option{
	VerboseLevel: mtlog.Verbose,
	DebugLevel:   mtlog.Debug,
	InfoLevel:    mtlog.Information,
	WarnLevel:    mtlog.Warning,
	ErrorLevel:   mtlog.Error,
}

// NewLogger returns a console logger writing to w. Events below level are
// dropped.
func NewLogger(w io.Writer, level LogLevel) Logger {
	minimum, ok := levelOptions[level]
	if !ok {
		minimum = mtlog.Information
	}
	return mtlogLogger{mtlog.New(
		mtlog.WithSink(sinks.NewConsoleSinkWithWriter(w)),
		mtlog.WithTimestamp(),
		minimum(),
	)}
}

type mtlogLogger struct {
	core.Logger
}

func (l mtlogLogger) ForContext(key string, value any) Logger {
	return mtlogLogger{l.Logger.ForContext(key, value)}
}

// NewNullLogger returns a logger that discards everything.
func NewNullLogger() Logger {
	return nullLogger{}
}

type nullLogger struct{}

func (nullLogger) Debug(string, ...any)                         {}
func (nullLogger) DebugContext(context.Context, string, ...any) {}
func (nullLogger) Info(string, ...any)                          {}
func (nullLogger) InfoContext(context.Context, string, ...any)  {}
func (nullLogger) Warn(string, ...any)                          {}
func (nullLogger) WarnContext(context.Context, string, ...any)  {}
func (nullLogger) Error(string, ...any)                         {}
func (nullLogger) ErrorContext(context.Context, string, ...any) {}
func (n nullLogger) ForContext(string, any) Logger              { return n }
