package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelException
)

const (
	defaultLogFilePath  = "./logs/permit_server.log"
	defaultMaxSizeBytes = 20 * 1024 * 1024

	envLogFilePath  = "LOG_FILE_PATH"
	envLogMaxSizeMB = "LOG_MAX_SIZE_MB"
	envLogFormat    = "LOG_FORMAT"
	envLogLevel     = "LOG_LEVEL"
	envLogColor     = "LOG_COLOR"

	FormatText = "text"
	FormatJSON = "json"

	colorReset   = "\033[0m"
	colorGray    = "\033[90m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
)

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelException:
		return "EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL value onto a Level. Unknown values fall back to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "exception", "fatal":
		return LevelException
	default:
		return LevelInfo
	}
}

type logger struct {
	mu           sync.Mutex
	out          io.Writer
	color        bool
	minLevel     Level
	format       string
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

var global = newLoggerFromEnv()

func newLoggerFromEnv() *logger {
	path := strings.TrimSpace(os.Getenv(envLogFilePath))
	if path == "" {
		path = defaultLogFilePath
	}
	if strings.EqualFold(path, "off") {
		path = ""
	}

	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != FormatJSON {
		format = FormatText
	}

	color := true
	if raw := strings.TrimSpace(os.Getenv(envLogColor)); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			color = parsed
		}
	}

	return &logger{
		out:          os.Stdout,
		color:        color,
		minLevel:     ParseLevel(os.Getenv(envLogLevel)),
		format:       format,
		filePath:     path,
		maxSizeBytes: maxSizeBytes,
	}
}

// SetOutput redirects console output and disables the rotating file sink.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.out = w
	global.color = false
	if global.file != nil {
		_ = global.file.Close()
		global.file = nil
	}
	global.filePath = ""
}

func SetLevel(lv Level) {
	global.mu.Lock()
	global.minLevel = lv
	global.mu.Unlock()
}

func SetFormat(format string) {
	global.mu.Lock()
	if format == FormatJSON {
		global.format = FormatJSON
	} else {
		global.format = FormatText
	}
	global.mu.Unlock()
}

func Debugf(format string, args ...any) {
	global.logf(LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	global.logf(LevelInfo, format, args...)
}

func Warnf(format string, args ...any) {
	global.logf(LevelWarn, format, args...)
}

func Errorf(format string, args ...any) {
	global.logf(LevelError, format, args...)
}

func Exceptionf(format string, args ...any) {
	global.logf(LevelException, format, args...)
}

func (l *logger) logf(lv Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lv < l.minLevel {
		return
	}

	ts := time.Now().Format(time.RFC3339Nano)
	line := l.formatLine(ts, lv, callerFuncName(3), fmt.Sprintf(format, args...))

	if l.color {
		fmt.Fprintln(l.out, colorForLevel(lv)+line+colorReset)
	} else {
		fmt.Fprintln(l.out, line)
	}
	if l.filePath != "" {
		l.writeToFile(line + "\n")
	}
}

func (l *logger) formatLine(ts string, lv Level, caller, message string) string {
	if l.format == FormatJSON {
		payload := map[string]string{
			"timestamp": ts,
			"level":     lv.String(),
			"caller":    caller,
			"message":   message,
		}
		if b, err := json.Marshal(payload); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s", ts, lv, caller, message)
}

// writeToFile expects l.mu to be held.
func (l *logger) writeToFile(line string) {
	if err := l.ensureOpen(); err != nil {
		fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
		return
	}
	if err := l.rotateIfNeeded(int64(len(line))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "logger write error: %v\n", err)
	}
}

func (l *logger) ensureOpen() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func (l *logger) rotateIfNeeded(incoming int64) error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incoming <= l.maxSizeBytes {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated, err := nextRotatedPath(l.filePath)
	if err != nil {
		return err
	}
	if err := os.Rename(l.filePath, rotated); err != nil {
		return err
	}
	return l.ensureOpen()
}

func nextRotatedPath(current string) (string, error) {
	dir := filepath.Dir(current)
	ext := filepath.Ext(current)
	base := strings.TrimSuffix(filepath.Base(current), ext)
	stamp := time.Now().Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, stamp, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func colorForLevel(lv Level) string {
	switch lv {
	case LevelDebug:
		return colorGray
	case LevelInfo:
		return colorGreen
	case LevelWarn:
		return colorYellow
	case LevelError:
		return colorRed
	case LevelException:
		return colorMagenta
	default:
		return colorReset
	}
}
