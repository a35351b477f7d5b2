package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	levelMu  sync.RWMutex
	minLevel = levelInfo
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel sets the minimum level emitted by Log ("debug", "info", "warn", "error").
func SetLevel(level string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	minLevel = parseLevel(level)
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Log emits one JSON line with ts/level/msg plus the given fields.
func Log(level, msg string, fields map[string]any) {
	levelMu.RLock()
	skip := parseLevel(level) < minLevel
	levelMu.RUnlock()
	if skip {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = strings.ToLower(level)
	entry["msg"] = msg
	LogRequest(entry)
}

func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }
func Info(msg string, fields map[string]any)  { Log("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { Log("warn", msg, fields) }
func Error(msg string, fields map[string]any) { Log("error", msg, fields) }

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}
