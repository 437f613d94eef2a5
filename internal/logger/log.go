package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name to a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", name)
	}
}

type Logger struct {
	level     Level
	component string
	out       io.Writer
	mu        *sync.Mutex
	debugLog  *log.Logger
	infoLog   *log.Logger
	warnLog   *log.Logger
	errorLog  *log.Logger
}

// New creates a logger writing to stderr. Unknown level names fall back to INFO.
func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	lvl, _ := ParseLevel(level)
	return build(lvl, "", w, &sync.Mutex{})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return build(ERROR+1, "", io.Discard, &sync.Mutex{})
}

func build(lvl Level, component string, w io.Writer, mu *sync.Mutex) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds
	prefix := func(tag string) string {
		if component == "" {
			return tag + " "
		}
		return tag + " [" + component + "] "
	}

	return &Logger{
		level:     lvl,
		component: component,
		out:       w,
		mu:        mu,
		debugLog:  log.New(w, prefix("[DEBUG]"), flags),
		infoLog:   log.New(w, prefix("[INFO]"), flags),
		warnLog:   log.New(w, prefix("[WARN]"), flags),
		errorLog:  log.New(w, prefix("[ERROR]"), flags),
	}
}

// Named returns a logger sharing l's output and level, tagged with component.
func (l *Logger) Named(component string) *Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return build(l.level, component, l.out, l.mu)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.debugLog.Printf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.infoLog.Printf(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.warnLog.Printf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.errorLog.Printf(format, args...)
	}
}

// Fields renders ctx as sorted "k=v" pairs for use inside a message.
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

// Hclog adapts l for libraries that log through go-hclog (raft).
// Library chatter is held one level above l's own level.
func (l *Logger) Hclog(name string) hclog.Logger {
	var lvl hclog.Level
	switch {
	case l.level <= DEBUG:
		lvl = hclog.Info
	case l.level <= INFO:
		lvl = hclog.Warn
	case l.level <= WARN:
		lvl = hclog.Error
	default:
		lvl = hclog.Off
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  lvl,
		Output: &lockedWriter{mu: l.mu, w: l.out},
	})
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
