package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
)

type Level int32

const (
	Debug Level = iota
	Info  Level = iota
	Warn  Level = iota
	Error Level = iota
)

func (l Level) slog() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR to a Level, defaulting to Info.
func ParseLevel(val string) Level {
	switch strings.ToUpper(val) {
	case "DEBUG":
		return Debug
	case "WARN", "WARNING":
		return Warn
	case "ERROR":
		return Error
	default:
		return Info
	}
}

var std = New(os.Stdout)

// output lets SetOutput redirect a logger and all loggers derived from it.
type output struct {
	sync.Mutex
	w io.Writer
}

func (o *output) Write(p []byte) (int, error) {
	o.Lock()
	defer o.Unlock()
	return o.w.Write(p)
}

// Logger is a leveled printf-style logger on top of slog.
// Loggers returned by With share output and level with their parent.
type Logger struct {
	out   *output
	level *slog.LevelVar
	l     *slog.Logger
}

func New(w io.Writer) *Logger {
	out := &output{w: w}
	level := new(slog.LevelVar)
	level.Set(ParseLevel(config.LogLevel).slog())
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return &Logger{
		out:   out,
		level: level,
		l:     slog.New(h),
	}
}

// With returns a child logger that adds the key-value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{
		out:   l.out,
		level: l.level,
		l:     l.l.With(args...),
	}
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	ctx := context.Background()
	if !l.l.Enabled(ctx, level.slog()) {
		return
	}
	l.l.Log(ctx, level.slog(), fmt.Sprintf(format, v...))
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(Debug, format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(Info, format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(Warn, format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(Error, format, v...)
}

func (l *Logger) Exitf(format string, v ...interface{}) {
	l.logf(Error, format, v...)
	os.Exit(1)
}

func (l *Logger) SetOutput(w io.Writer) {
	l.out.Lock()
	defer l.out.Unlock()
	l.out.w = w
}

func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slog())
}

// Default returns the process-wide logger used by the package-level functions.
func Default() *Logger {
	return std
}

var (
	Debugf    = std.Debugf
	Infof     = std.Infof
	Warnf     = std.Warnf
	Errorf    = std.Errorf
	Exitf     = std.Exitf
	With      = std.With
	SetOutput = std.SetOutput
	SetLevel  = std.SetLevel
)
