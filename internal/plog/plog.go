// Package plog is the daemon's structured logger. It frames every line as an
// RFC5424 syslog message so log output can be shipped or parsed the same way
// regardless of whether it lands on stderr, a log file, or a relay.
package plog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Debug
	case INFO:
		return rfc5424.Info
	case WARN:
		return rfc5424.Warning
	case ERROR:
		return rfc5424.Error
	case CRITICAL:
		return rfc5424.Crit
	}
	return rfc5424.Info
}

func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL", "CRIT", "FATAL":
		return CRITICAL, nil
	}
	return OFF, fmt.Errorf("invalid log level %q", s)
}

var ErrNotOpen = errors.New("logger is not open")

// Logger is the interface every engine component takes at construction —
// never a package-level global, per the single-owned-Daemon design note.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Criticalf(string, ...interface{})

	Debug(string, ...rfc5424.SDParam)
	Info(string, ...rfc5424.SDParam)
	Warn(string, ...rfc5424.SDParam)
	Error(string, ...rfc5424.SDParam)
	Critical(string, ...rfc5424.SDParam)
}

type logger struct {
	mtx      sync.Mutex
	w        io.Writer
	lvl      Level
	hostname string
	appname  string
}

// New builds a Logger that writes RFC5424-framed lines to w.
func New(w io.Writer, appname string) Logger {
	host, _ := os.Hostname()
	return &logger{
		w:        w,
		lvl:      INFO,
		hostname: host,
		appname:  trim(appname, 48),
	}
}

// NewFile opens (creating if needed, append-only) a log file and wraps it.
func NewFile(path, appname string) (Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(f, appname), nil
}

type discard struct{}

func (discard) Debugf(string, ...interface{})            {}
func (discard) Infof(string, ...interface{})             {}
func (discard) Warnf(string, ...interface{})             {}
func (discard) Errorf(string, ...interface{})            {}
func (discard) Criticalf(string, ...interface{})         {}
func (discard) Debug(string, ...rfc5424.SDParam)         {}
func (discard) Info(string, ...rfc5424.SDParam)          {}
func (discard) Warn(string, ...rfc5424.SDParam)          {}
func (discard) Error(string, ...rfc5424.SDParam)         {}
func (discard) Critical(string, ...rfc5424.SDParam)      {}

// NoLogger returns a Logger that discards everything, for tests and
// components constructed before a real sink is wired up.
func NoLogger() Logger { return discard{} }

func (l *logger) SetLevel(lvl Level) { l.mtx.Lock(); l.lvl = lvl; l.mtx.Unlock() }

func (l *logger) Debugf(f string, a ...interface{})    { l.outputf(DEBUG, f, a...) }
func (l *logger) Infof(f string, a ...interface{})     { l.outputf(INFO, f, a...) }
func (l *logger) Warnf(f string, a ...interface{})     { l.outputf(WARN, f, a...) }
func (l *logger) Errorf(f string, a ...interface{})    { l.outputf(ERROR, f, a...) }
func (l *logger) Criticalf(f string, a ...interface{}) { l.outputf(CRITICAL, f, a...) }

func (l *logger) Debug(msg string, sds ...rfc5424.SDParam)    { l.output(DEBUG, msg, sds...) }
func (l *logger) Info(msg string, sds ...rfc5424.SDParam)     { l.output(INFO, msg, sds...) }
func (l *logger) Warn(msg string, sds ...rfc5424.SDParam)     { l.output(WARN, msg, sds...) }
func (l *logger) Error(msg string, sds ...rfc5424.SDParam)    { l.output(ERROR, msg, sds...) }
func (l *logger) Critical(msg string, sds ...rfc5424.SDParam) { l.output(CRITICAL, msg, sds...) }

func (l *logger) outputf(lvl Level, f string, a ...interface{}) {
	l.output(lvl, fmt.Sprintf(f, a...))
}

func (l *logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  trim(l.hostname, 255),
		AppName:   l.appname,
		MessageID: "precached",
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: "precached@1", Parameters: sds}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return
	}
	io.WriteString(l.w, string(b))
	io.WriteString(l.w, "\n")
}

func trim(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
