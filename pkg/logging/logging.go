// pkg/logging/logging.go - leveled logging for ztsetup.
//
// Console plus a single run log file under ProgramData. The log file is the
// artifact an operator attaches when a provisioning run goes wrong, so every
// level is always written to the file; the console only shows entries at or
// above the configured level.

package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of the log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, key-value formatted entries to console and file.
type Logger struct {
	mu       sync.Mutex
	console  *log.Logger
	file     *log.Logger
	logFile  *os.File
	logLevel LogLevel
}

var (
	instance *Logger
	once     sync.Once
)

// DefaultLogDir is where the run log lands unless overridden.
var DefaultLogDir = filepath.Join(os.Getenv("ProgramData"), "ZeroTierSetup", "Logs")

// Init initializes the singleton Logger. It must be called before any of the
// package-level logging functions are used; they degrade to console-only
// output if it never is.
func Init(level string, logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(parseLevel(level), logDir)
	})
	return initErr
}

// CloseLogger flushes and closes the underlying log file.
func CloseLogger() {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if instance.logFile != nil {
		instance.logFile.Close()
		instance.logFile = nil
		instance.file = nil
	}
}

// LogFilePath returns the path of the active run log, or "" when file logging
// is unavailable.
func LogFilePath() string {
	if instance == nil || instance.logFile == nil {
		return ""
	}
	return instance.logFile.Name()
}

func parseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func newLogger(level LogLevel, logDir string) (*Logger, error) {
	if logDir == "" {
		logDir = DefaultLogDir
	}
	l := &Logger{
		console:  log.New(os.Stdout, "", 0),
		logLevel: level,
	}

	// File logging is best effort: a locked-down machine must not prevent
	// the provisioning run itself.
	if err := os.MkdirAll(logDir, 0755); err == nil {
		name := fmt.Sprintf("ztsetup-%s.log", time.Now().Format("2006-01-02-150405"))
		if f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			l.logFile = f
			l.file = log.New(f, "", 0)
		}
	}
	return l, nil
}

func (l *Logger) logMessage(level LogLevel, message string, keyValues ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %-5s %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
	if kv := formatKeyValues(keyValues); kv != "" {
		line += " " + kv
	}

	if l.file != nil {
		l.file.Println(line)
	}
	if level <= l.logLevel {
		l.console.Println(line)
	}
}

// formatKeyValues renders variadic key-value pairs as "key=value" fields.
// A trailing odd value is kept rather than dropped.
func formatKeyValues(keyValues []interface{}) string {
	if len(keyValues) == 0 {
		return ""
	}
	var parts []string
	for i := 0; i < len(keyValues); i += 2 {
		if i+1 < len(keyValues) {
			parts = append(parts, fmt.Sprintf("%v=%v", keyValues[i], keyValues[i+1]))
		} else {
			parts = append(parts, fmt.Sprintf("%v", keyValues[i]))
		}
	}
	return strings.Join(parts, " ")
}

// Debug logs a message at DEBUG level.
func Debug(message string, keyValues ...interface{}) {
	logAt(LevelDebug, message, keyValues...)
}

// Info logs a message at INFO level.
func Info(message string, keyValues ...interface{}) {
	logAt(LevelInfo, message, keyValues...)
}

// Warn logs a message at WARN level.
func Warn(message string, keyValues ...interface{}) {
	logAt(LevelWarn, message, keyValues...)
}

// Error logs a message at ERROR level.
func Error(message string, keyValues ...interface{}) {
	logAt(LevelError, message, keyValues...)
}

func logAt(level LogLevel, message string, keyValues ...interface{}) {
	if instance == nil {
		// Logging before Init should still land somewhere visible.
		line := fmt.Sprintf("%-5s %s", level.String(), message)
		if kv := formatKeyValues(keyValues); kv != "" {
			line += " " + kv
		}
		fmt.Println(line)
		return
	}
	instance.logMessage(level, message, keyValues...)
}
