package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
)

type Fields map[string]interface{}

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// callerSkip is the number of frames between write and the code that logged.
const callerSkip = 3

type Logger struct {
	mu          sync.RWMutex
	level       LogLevel
	out         *log.Logger
	serviceName string
	closer      io.Closer
}

// New builds a logger for serviceName. An empty logDir keeps output on stderr;
// otherwise lines also go to a rotated prekeyd.log in logDir.
func New(logDir, serviceName, level string) (*Logger, error) {
	l := &Logger{
		level:       parseLevel(level),
		out:         log.New(os.Stderr, "", log.LstdFlags),
		serviceName: serviceName,
	}
	if logDir == "" {
		return l, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "prekeyd.log"),
		MaxSize:    constants.LoggerMaxSize,
		MaxBackups: constants.LoggerMaxBackups,
		MaxAge:     constants.LoggerMaxAge,
		Compress:   true,
	}
	l.out = log.New(io.MultiWriter(os.Stdout, rotating), "", log.LstdFlags)
	l.closer = rotating
	return l, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	l.level = parseLevel(level)
	l.mu.Unlock()
}

func (l *Logger) ShouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// write renders one line:
// [LEVEL] [service] [trace_id=.. k=v ..] file.go:42 message
func (l *Logger) write(level LogLevel, ctx context.Context, fields Fields, msg string) {
	l.mu.RLock()
	threshold, service, out := l.level, l.serviceName, l.out
	l.mu.RUnlock()
	if level < threshold {
		return
	}

	var b strings.Builder
	b.WriteString("[" + level.String() + "]")
	if service != "" {
		b.WriteString(" [" + service + "]")
	}
	if rendered := renderFields(ctx, fields); rendered != "" {
		b.WriteString(" [" + rendered + "]")
	}

	file, line := "unknown", 0
	if _, path, n, ok := runtime.Caller(callerSkip); ok {
		file, line = filepath.Base(path), n
	}
	fmt.Fprintf(&b, " %s:%d %s", file, line, msg)

	_ = out.Output(0, b.String())
}

// renderFields puts the trace id first and the rest sorted by key.
func renderFields(ctx context.Context, fields Fields) string {
	parts := make([]string, 0, len(fields)+1)
	if ctx != nil {
		if traceID, ok := ctx.Value(constants.TraceIDKey).(string); ok && traceID != "" {
			parts = append(parts, "trace_id="+traceID)
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func (l *Logger) logf(level LogLevel, format string, args ...any) {
	l.write(level, nil, nil, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string)    { l.logf(DEBUG, "%s", msg) }
func (l *Logger) Info(msg string)     { l.logf(INFO, "%s", msg) }
func (l *Logger) Warn(msg string)     { l.logf(WARNING, "%s", msg) }
func (l *Logger) Error(msg string)    { l.logf(ERROR, "%s", msg) }
func (l *Logger) Critical(msg string) { l.logf(CRITICAL, "%s", msg) }

func (l *Logger) Debugf(format string, args ...any)    { l.logf(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...any)     { l.logf(INFO, format, args...) }
func (l *Logger) Warnf(format string, args ...any)     { l.logf(WARNING, format, args...) }
func (l *Logger) Errorf(format string, args ...any)    { l.logf(ERROR, format, args...) }
func (l *Logger) Criticalf(format string, args ...any) { l.logf(CRITICAL, format, args...) }

func (l *Logger) Fatalf(format string, args ...any) {
	l.logf(CRITICAL, format, args...)
	os.Exit(1)
}

// WithFields returns an Entry that logs with ctx's trace id and fields.
func (l *Logger) WithFields(ctx context.Context, fields Fields) *Entry {
	return &Entry{logger: l, ctx: ctx, fields: fields}
}

type Entry struct {
	logger *Logger
	ctx    context.Context
	fields Fields
}

// With returns a copy of the entry with one more field.
func (e *Entry) With(key string, value any) *Entry {
	fields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, ctx: e.ctx, fields: fields}
}

func (e *Entry) logf(level LogLevel, format string, args ...any) {
	e.logger.write(level, e.ctx, e.fields, fmt.Sprintf(format, args...))
}

func (e *Entry) Debug(msg string)    { e.logf(DEBUG, "%s", msg) }
func (e *Entry) Info(msg string)     { e.logf(INFO, "%s", msg) }
func (e *Entry) Warn(msg string)     { e.logf(WARNING, "%s", msg) }
func (e *Entry) Error(msg string)    { e.logf(ERROR, "%s", msg) }
func (e *Entry) Critical(msg string) { e.logf(CRITICAL, "%s", msg) }

func (e *Entry) Debugf(format string, args ...any)    { e.logf(DEBUG, format, args...) }
func (e *Entry) Infof(format string, args ...any)     { e.logf(INFO, format, args...) }
func (e *Entry) Warnf(format string, args ...any)     { e.logf(WARNING, format, args...) }
func (e *Entry) Errorf(format string, args ...any)    { e.logf(ERROR, format, args...) }
func (e *Entry) Criticalf(format string, args ...any) { e.logf(CRITICAL, format, args...) }

func parseLevel(value string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DEBUG":
		return DEBUG
	case "WARNING", "WARN":
		return WARNING
	case "ERROR":
		return ERROR
	case "CRITICAL":
		return CRITICAL
	default:
		return INFO
	}
}
