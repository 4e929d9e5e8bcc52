package voxflow

import (
	"log"
	"sync"

	"github.com/natefinch/lumberjack"
)

// stdLogger writes through the standard log package, optionally into a rotating file.
type stdLogger struct {
	file *lumberjack.Logger
}

var (
	logger   Logger = stdLogger{}
	loggerMu sync.RWMutex
)

func getLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger replaces the package-level logger, e.g., to capture messages in tests.
func SetLogger(l Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// LogConfig is the [logging] section of the TOML configuration.  Sizes are in
// megabytes and ages in days.
type LogConfig struct {
	Logfile string
	MaxSize int `toml:"max_log_size"`
	MaxAge  int `toml:"max_log_age"`
}

// SetLogger routes all logging into the configured rotating file.  Without a logfile,
// messages stay on stderr.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("No logfile configured; logging to stderr.\n")
		return
	}
	Infof("Logging to %s (max %d MB, %d days)\n", c.Logfile, c.MaxSize, c.MaxAge)
	file := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(file)
	SetLogger(stdLogger{file})
}

func (l stdLogger) printf(level, format string, args []interface{}) {
	log.Printf("%8s "+format, append([]interface{}{level}, args...)...)
}

func (l stdLogger) Debugf(format string, args ...interface{})    { l.printf("DEBUG", format, args) }
func (l stdLogger) Infof(format string, args ...interface{})     { l.printf("INFO", format, args) }
func (l stdLogger) Warningf(format string, args ...interface{})  { l.printf("WARNING", format, args) }
func (l stdLogger) Errorf(format string, args ...interface{})    { l.printf("ERROR", format, args) }
func (l stdLogger) Criticalf(format string, args ...interface{}) { l.printf("CRITICAL", format, args) }

func (l stdLogger) Shutdown() {
	if l.file == nil {
		return
	}
	l.printf("INFO", "closing log file %s\n", []interface{}{l.file.Filename})
	if err := l.file.Close(); err != nil {
		l.printf("ERROR", "closing log file: %v\n", []interface{}{err})
	}
}
