package voxflow

import (
	"sync"
	"time"
)

// ModeFlag is a log severity.  Messages below the current mode are dropped.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var (
	// Verbose turns on per-block and per-request debug messages.
	Verbose bool

	mode   = InfoMode
	modeMu sync.RWMutex
)

// Logger receives printf-style messages at each severity.  Formats carry their own
// trailing newline.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown flushes and closes any log file.
	Shutdown()
}

// SetLogMode sets the lowest severity that gets logged.  SilentMode drops everything.
func SetLogMode(newMode ModeFlag) {
	modeMu.Lock()
	mode = newMode
	modeMu.Unlock()
}

func enabled(m ModeFlag) bool {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return mode <= m
}

// printer returns the method of l that logs at severity m.
func printer(l Logger, m ModeFlag) func(string, ...interface{}) {
	switch m {
	case DebugMode:
		return l.Debugf
	case InfoMode:
		return l.Infof
	case WarningMode:
		return l.Warningf
	case ErrorMode:
		return l.Errorf
	default:
		return l.Criticalf
	}
}

func logAt(m ModeFlag, format string, args []interface{}) {
	if enabled(m) {
		printer(getLogger(), m)(format, args...)
	}
}

func Debugf(format string, args ...interface{})    { logAt(DebugMode, format, args) }
func Infof(format string, args ...interface{})     { logAt(InfoMode, format, args) }
func Warningf(format string, args ...interface{})  { logAt(WarningMode, format, args) }
func Errorf(format string, args ...interface{})    { logAt(ErrorMode, format, args) }
func Criticalf(format string, args ...interface{}) { logAt(CriticalMode, format, args) }

// TimeLog appends the time since its creation to each message, so formats passed to
// it have no trailing newline.
//
//	timedLog := voxflow.NewTimeLog()
//	...
//	timedLog.Infof("computed %d blocks", n)
type TimeLog struct {
	logger Logger
	start  time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{getLogger(), time.Now()}
}

func (t TimeLog) logAt(m ModeFlag, format string, args []interface{}) {
	if enabled(m) {
		printer(t.logger, m)(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Debugf(format string, args ...interface{})    { t.logAt(DebugMode, format, args) }
func (t TimeLog) Infof(format string, args ...interface{})     { t.logAt(InfoMode, format, args) }
func (t TimeLog) Warningf(format string, args ...interface{})  { t.logAt(WarningMode, format, args) }
func (t TimeLog) Errorf(format string, args ...interface{})    { t.logAt(ErrorMode, format, args) }
func (t TimeLog) Criticalf(format string, args ...interface{}) { t.logAt(CriticalMode, format, args) }
