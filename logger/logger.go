package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// noopFunc is a reusable no-op function to avoid allocations
var noopFunc = func() {}

// Trace returns a function that logs operation duration when called.
// Returns a no-op function when TRACE level is disabled to avoid overhead.
// Usage: defer logger.Trace("operation")()
func Trace(name string) func() {
	l := current()
	if !l.shouldLog(LogLevelTrace) {
		return noopFunc
	}
	start := time.Now()
	return func() {
		l.logWithLevel(LogLevelTrace, "%s: %v", name, time.Since(start))
	}
}

// DefaultMaxLines is the number of lines kept in the log file unless overridden
const DefaultMaxLines = 5000

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LogLevelTrace
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// File is the storage a LimitedLogger writes to. *os.File satisfies it.
type File interface {
	io.ReadWriteSeeker
	io.Closer
	Truncate(size int64) error
}

// LimitedLogger is a levelled logger that keeps its file trimmed to the last MaxLines lines
type LimitedLogger struct {
	file      File
	lineCount int
	level     LogLevel
	maxLines  int
	mutex     sync.Mutex
}

var (
	globalMu     sync.RWMutex
	globalLogger *LimitedLogger
)

// stderrFile adapts os.Stderr, which cannot be truncated or re-read
type stderrFile struct{ *os.File }

func (stderrFile) Truncate(int64) error { return nil }
func (stderrFile) Read([]byte) (int, error) {
	return 0, io.EOF
}
func (stderrFile) Seek(int64, int) (int64, error) { return 0, nil }
func (stderrFile) Close() error                   { return nil }

// defaultLogger is used before the global logger is initialized
var defaultLogger = &LimitedLogger{
	file:     stderrFile{os.Stderr},
	level:    LogLevelInfo,
	maxLines: 0,
}

func current() *LimitedLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return defaultLogger
}

// NewLimitedLogger creates a LimitedLogger and installs it as the global logger.
// maxLines <= 0 selects DefaultMaxLines.
func NewLimitedLogger(file File, level LogLevel, maxLines int) *LimitedLogger {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	ll := &LimitedLogger{
		file:     file,
		level:    level,
		maxLines: maxLines,
	}

	ll.countExistingLines()

	globalMu.Lock()
	globalLogger = ll
	globalMu.Unlock()
	return ll
}

// SetLevel sets the logging level
func (ll *LimitedLogger) SetLevel(level LogLevel) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()
	ll.level = level
}

// SetGlobalLevel sets the logging level on the global logger
func SetGlobalLevel(level LogLevel) {
	current().SetLevel(level)
}

func (ll *LimitedLogger) shouldLog(level LogLevel) bool {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()
	return level >= ll.level
}

func (ll *LimitedLogger) logWithLevel(level LogLevel, format string, v ...any) {
	if !ll.shouldLog(level) {
		return
	}
	// Written through Write() so line counting and trimming apply
	msg := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006/01/02 15:04:05.000"), level.String(), fmt.Sprintf(format, v...))
	ll.Write([]byte(msg))
}

func (ll *LimitedLogger) Debug(format string, v ...any) {
	ll.logWithLevel(LogLevelDebug, format, v...)
}

func (ll *LimitedLogger) Info(format string, v ...any) {
	ll.logWithLevel(LogLevelInfo, format, v...)
}

func (ll *LimitedLogger) Warn(format string, v ...any) {
	ll.logWithLevel(LogLevelWarn, format, v...)
}

func (ll *LimitedLogger) Error(format string, v ...any) {
	ll.logWithLevel(LogLevelError, format, v...)
}

// Fatal logs an error message and exits with code 1
func (ll *LimitedLogger) Fatal(format string, v ...any) {
	ll.logWithLevel(LogLevelError, format, v...)
	os.Exit(1)
}

// Package-level logging functions use the global logger, or stderr before one is installed

func Debug(format string, v ...any) { current().Debug(format, v...) }

func Info(format string, v ...any) { current().Info(format, v...) }

func Warn(format string, v ...any) { current().Warn(format, v...) }

func Error(format string, v ...any) { current().Error(format, v...) }

func Fatal(format string, v ...any) { current().Fatal(format, v...) }

// Scoped prefixes every message with a component name, e.g. "[fetch] ..."
type Scoped struct {
	prefix string
}

// Scope returns a logger whose messages are tagged with name
func Scope(name string) Scoped {
	return Scoped{prefix: "[" + name + "] "}
}

func (s Scoped) Debug(format string, v ...any) { Debug(s.prefix+format, v...) }

func (s Scoped) Info(format string, v ...any) { Info(s.prefix+format, v...) }

func (s Scoped) Warn(format string, v ...any) { Warn(s.prefix+format, v...) }

func (s Scoped) Error(format string, v ...any) { Error(s.prefix+format, v...) }

// countExistingLines counts the number of lines already in the log file
func (ll *LimitedLogger) countExistingLines() {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	ll.file.Seek(0, io.SeekStart)
	scanner := bufio.NewScanner(ll.file)

	count := 0
	for scanner.Scan() {
		count++
	}
	ll.lineCount = count

	ll.file.Seek(0, io.SeekEnd)
}

// Write implements io.Writer so the standard log package and exporters can share the file
func (ll *LimitedLogger) Write(p []byte) (n int, err error) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	n, err = ll.file.Write(p)
	if err != nil {
		return n, err
	}

	ll.lineCount += strings.Count(string(p), "\n")
	if ll.maxLines > 0 && ll.lineCount > ll.maxLines {
		ll.rotateLogFile()
	}

	return n, err
}

// rotateLogFile trims the log file to keep only the last maxLines lines
func (ll *LimitedLogger) rotateLogFile() {
	ll.file.Seek(0, io.SeekStart)
	scanner := bufio.NewScanner(ll.file)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) > ll.maxLines {
		lines = lines[len(lines)-ll.maxLines:]
	}

	ll.file.Truncate(0)
	ll.file.Seek(0, io.SeekStart)
	w := bufio.NewWriter(ll.file)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.Flush()

	ll.lineCount = len(lines)
}

// Close detaches the logger from the package functions and closes the file
func (ll *LimitedLogger) Close() error {
	globalMu.Lock()
	if globalLogger == ll {
		globalLogger = nil
	}
	globalMu.Unlock()
	return ll.file.Close()
}
