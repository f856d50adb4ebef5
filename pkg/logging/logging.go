// Package logging provides the structured, leveled logger used across
// every component: the protocol session, the housekeeping scan, the
// RAID layer, and the client sync walker all take a *Logger rather than
// reaching for the log package directly.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logging severity.
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Format selects the line format written to Output.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var levelColor = map[Level]string{
	TRACE: "\x1b[90m",
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
	FATAL: "\x1b[35m",
}

const colorReset = "\x1b[0m"

// entry is the wire shape used for FormatJSON output.
type entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// RotationConfig configures log-file rotation, delegated entirely to
// gopkg.in/natefinch/lumberjack.v2.
type RotationConfig struct {
	Filename   string `yaml:"filename" json:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

func (r *RotationConfig) writer() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
}

// Config configures a new Logger.
type Config struct {
	Level         Level
	Output        io.Writer
	Format        Format
	IncludeCaller bool
	IncludeStack  bool
	Color         bool // auto-detected from Output via isatty when unset and Output is *os.File
	Rotation      *RotationConfig
}

// DefaultConfig returns the default console configuration: INFO level,
// text format, stderr output, color auto-detected.
func DefaultConfig() Config {
	return Config{
		Level:         INFO,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// Logger is a structured, leveled logger with per-component level
// overrides and optional field context, safe for concurrent use.
type Logger struct {
	mu              sync.RWMutex
	level           Level
	output          io.Writer
	format          Format
	color           bool
	fields          map[string]interface{}
	includeCaller   bool
	includeStack    bool
	componentLevels *componentLevels
	rotator         *lumberjack.Logger
}

// componentLevels is shared (by pointer) across every derived Logger so
// that SetComponentLevel on one affects all loggers descended from the
// same root, regardless of how many WithField/WithComponent calls sit
// between them.
type componentLevels struct {
	mu     sync.RWMutex
	levels map[string]Level
}

func newComponentLevels() *componentLevels {
	return &componentLevels{levels: make(map[string]Level)}
}

func (c *componentLevels) get(component string) (Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl, ok := c.levels[component]
	return lvl, ok
}

func (c *componentLevels) set(component string, level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[component] = level
}

// New creates a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	l := &Logger{
		level:           cfg.Level,
		output:          cfg.Output,
		format:          cfg.Format,
		fields:          make(map[string]interface{}),
		includeCaller:   cfg.IncludeCaller,
		includeStack:    cfg.IncludeStack,
		componentLevels: newComponentLevels(),
	}
	if l.output == nil {
		l.output = os.Stderr
	}

	if cfg.Rotation != nil {
		l.rotator = cfg.Rotation.writer()
		l.output = l.rotator
		l.color = false
	} else if f, ok := l.output.(*os.File); ok {
		l.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if cfg.Color {
		l.color = true
	}
	return l, nil
}

// NewDefault creates a Logger with DefaultConfig().
func NewDefault() *Logger {
	l, _ := New(DefaultConfig())
	return l
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		color:           l.color,
		fields:          fields,
		includeCaller:   l.includeCaller,
		includeStack:    l.includeStack,
		componentLevels: l.componentLevels,
		rotator:         l.rotator,
	}
}

// WithField returns a derived Logger carrying an additional field on
// every subsequent log line.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	n := l.clone()
	n.fields[key] = value
	return n
}

// WithFields returns a derived Logger carrying several additional
// fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	n := l.clone()
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// WithComponent returns a derived Logger tagged with a "component"
// field; SetComponentLevel uses this tag to gate level checks.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// SetComponentLevel overrides the effective level for every Logger
// tagged with WithComponent(component), present and future.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.componentLevels.set(component, level)
}

// SetLevel sets the global fallback level used when no component
// override applies.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the logger's global fallback level.
func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) enabled(level Level) bool {
	if comp, ok := l.fields["component"]; ok {
		if s, ok := comp.(string); ok {
			if lvl, ok := l.componentLevels.get(s); ok {
				return level >= lvl
			}
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) write(level Level, msg string, extra map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	e := entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Fields:    make(map[string]interface{}, len(l.fields)+len(extra)),
	}
	for k, v := range l.fields {
		e.Fields[k] = v
	}
	for k, v := range extra {
		e.Fields[k] = v
	}

	if l.includeCaller {
		// Skip this file's own frames (write, logf, the level methods).
		for skip := 2; ; skip++ {
			_, file, line, ok := runtime.Caller(skip)
			if !ok || !strings.HasSuffix(file, "/pkg/logging/logging.go") {
				if ok {
					parts := strings.Split(file, "/")
					e.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
				}
				break
			}
		}
	}
	if l.includeStack && (level == ERROR || level == FATAL) {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		e.Stack = string(buf[:n])
	}

	var line string
	if l.format == FormatJSON {
		b, err := json.Marshal(e)
		if err != nil {
			line = l.formatText(e)
		} else {
			line = string(b) + "\n"
		}
	} else {
		line = l.formatText(e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(line))
}

func (l *Logger) formatText(e entry) string {
	var sb strings.Builder
	sb.WriteString(e.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	if l.color {
		if c, ok := levelColor[levelFromString(e.Level)]; ok {
			sb.WriteString(c)
			sb.WriteString(e.Level)
			sb.WriteString(colorReset)
		} else {
			sb.WriteString(e.Level)
		}
	} else {
		sb.WriteString(e.Level)
	}
	sb.WriteString("] ")

	if e.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(e.Caller)
		sb.WriteString("] ")
	}
	sb.WriteString(e.Message)

	if len(e.Fields) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Fields {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(k)
			sb.WriteString("=")
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")

	if e.Stack != "" {
		sb.WriteString("stack:\n")
		sb.WriteString(e.Stack)
		sb.WriteString("\n")
	}
	return sb.String()
}

func levelFromString(s string) Level {
	lvl, _ := ParseLevel(s)
	return lvl
}

func (l *Logger) Trace(msg string, fields ...map[string]interface{}) { l.logf(TRACE, msg, fields...) }
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.logf(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.logf(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.logf(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.logf(ERROR, msg, fields...) }

// Fatal logs at FATAL and exits the process.
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.logf(FATAL, msg, fields...)
	os.Exit(1)
}

func (l *Logger) logf(level Level, msg string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 {
		fields = fieldMaps[0]
	}
	l.write(level, msg, fields)
}

func (l *Logger) Tracef(format string, args ...interface{}) { l.write(TRACE, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.write(DEBUG, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.write(INFO, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.write(WARN, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.write(ERROR, fmt.Sprintf(format, args...), nil) }

// Fatalf logs at FATAL with formatting and exits the process.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.write(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close flushes and closes the rotation file, if any.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}
