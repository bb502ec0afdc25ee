package logger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// depth counts the frames from output up to the caller of a Logger method:
// logAt, the exported method, then the caller.
const depth = 3

// output hands a formatted line to glog, which reports the file:line found
// depth frames above it.
var output = func(lvl Level, msg string) {
	switch lvl {
	case DEBUG:
		glog.InfoDepth(depth, "[DEBUG] "+msg)
	case INFO:
		glog.InfoDepth(depth, msg)
	case WARN:
		glog.WarningDepth(depth, msg)
	default:
		glog.ErrorDepth(depth, msg)
	}
}

// Logger is a leveled logger writing through glog.
type Logger struct {
	level Level
}

func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", level)
	}
}

func New(level string) *Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = INFO
	}
	return &Logger{level: lvl}
}

func (l *Logger) Level() Level {
	return l.level
}

// logAt must be called directly from an exported method so depth holds.
func (l *Logger) logAt(lvl Level, format string, args ...interface{}) {
	if lvl < l.level && !(lvl == DEBUG && bool(glog.V(1))) {
		return
	}
	output(lvl, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.logAt(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.logAt(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.logAt(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.logAt(ERROR, format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logAt(DEBUG, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logAt(INFO, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logAt(WARN, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logAt(ERROR, format, args...)
}

// Flush writes any buffered log entries.
func Flush() {
	glog.Flush()
}

// Fields renders ctx as space separated key=value pairs, sorted by key.
func Fields(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}
