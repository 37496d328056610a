// Package logging provides config-driven categorized file logging for mnemo.
// Logs are written to <home>/logs/ with a separate file per category.
// Logging is controlled by the logging section of <home>/config.yaml; when
// debug mode is off, every call is a silent no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category names a subsystem log stream.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup, migrations, shutdown
	CategoryStore      Category = "store"      // repository reads/writes, FTS maintenance
	CategoryQuery      Category = "query"      // pipeline stages, channel fallbacks, cache
	CategoryCapture    Category = "capture"    // remember path, sweep, async queue
	CategoryClassify   Category = "classify"   // pattern/LLM classification, learning loop
	CategoryEmbedding  Category = "embedding"  // embedding providers, re-embeds
	CategoryExtract    Category = "extract"    // LLM extraction adapter calls
	CategoryCoordinate Category = "coordinate" // memory coordinator pressure/evictions
	CategoryRateLimit  Category = "ratelimit"  // limiter decisions, fail-mode switches
	CategoryLocks      Category = "locks"      // file-lock leases
	CategoryContext    Category = "context"    // project/session/agent detection
	CategoryExport     Category = "export"     // consolidation and DPO export
	CategoryMCP        Category = "mcp"        // tool dispatch
)

// loggingConfig mirrors config.LoggingConfig to avoid a circular import.
type loggingConfig struct {
	DebugMode  bool            `yaml:"debugMode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"jsonFormat"`
}

type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// StructuredEntry is the JSON line shape emitted when jsonFormat is on.
type StructuredEntry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RequestID string         `json:"req,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	homeDir   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the log directory and loads the logging section of the
// service config. Call once at startup with the mnemo home path.
func Initialize(home string) error {
	if home == "" {
		return fmt.Errorf("home path required")
	}

	homeDir = home
	logsDir = filepath.Join(home, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== mnemo logging initialized ===")
	boot.Info("home: %s", homeDir)
	boot.Info("level: %s json=%v", config.Level, config.JSONFormat)
	return nil
}

func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config means production mode: no file logging.
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	return nil
}

// ReloadConfig re-reads the logging config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// SetDebugForTest flips debug mode without a config file. Test helper.
func SetDebugForTest(enabled bool) {
	configMu.Lock()
	config.DebugMode = enabled
	configMu.Unlock()
}

// IsDebugMode reports whether file logging is active.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled reports whether a category writes anywhere.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger so call sites never branch.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a plain file-age sweep.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs at error level. Always written when the logger exists.
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// ====== CONVENIENCE FUNCTIONS ======
// Quick logging without fetching a logger first. No-ops when disabled.

// Boot logs to the boot category.
func Boot(format string, args ...any) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }

// BootError logs error to the boot category.
func BootError(format string, args ...any) { Get(CategoryBoot).Error(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs warning to the store category.
func StoreWarn(format string, args ...any) { Get(CategoryStore).Warn(format, args...) }

// StoreError logs error to the store category.
func StoreError(format string, args ...any) { Get(CategoryStore).Error(format, args...) }

// Query logs to the query category.
func Query(format string, args ...any) { Get(CategoryQuery).Info(format, args...) }

// QueryDebug logs debug to the query category.
func QueryDebug(format string, args ...any) { Get(CategoryQuery).Debug(format, args...) }

// QueryWarn logs warning to the query category.
func QueryWarn(format string, args ...any) { Get(CategoryQuery).Warn(format, args...) }

// Capture logs to the capture category.
func Capture(format string, args ...any) { Get(CategoryCapture).Info(format, args...) }

// CaptureDebug logs debug to the capture category.
func CaptureDebug(format string, args ...any) { Get(CategoryCapture).Debug(format, args...) }

// CaptureWarn logs warning to the capture category.
func CaptureWarn(format string, args ...any) { Get(CategoryCapture).Warn(format, args...) }

// Classify logs to the classify category.
func Classify(format string, args ...any) { Get(CategoryClassify).Info(format, args...) }

// ClassifyDebug logs debug to the classify category.
func ClassifyDebug(format string, args ...any) { Get(CategoryClassify).Debug(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...any) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...any) { Get(CategoryEmbedding).Debug(format, args...) }

// EmbeddingWarn logs warning to the embedding category.
func EmbeddingWarn(format string, args ...any) { Get(CategoryEmbedding).Warn(format, args...) }

// Extract logs to the extract category.
func Extract(format string, args ...any) { Get(CategoryExtract).Info(format, args...) }

// ExtractDebug logs debug to the extract category.
func ExtractDebug(format string, args ...any) { Get(CategoryExtract).Debug(format, args...) }

// ExtractError logs error to the extract category.
func ExtractError(format string, args ...any) { Get(CategoryExtract).Error(format, args...) }

// Coordinate logs to the coordinate category.
func Coordinate(format string, args ...any) { Get(CategoryCoordinate).Info(format, args...) }

// CoordinateDebug logs debug to the coordinate category.
func CoordinateDebug(format string, args ...any) { Get(CategoryCoordinate).Debug(format, args...) }

// CoordinateWarn logs warning to the coordinate category.
func CoordinateWarn(format string, args ...any) { Get(CategoryCoordinate).Warn(format, args...) }

// RateLimit logs to the ratelimit category.
func RateLimit(format string, args ...any) { Get(CategoryRateLimit).Info(format, args...) }

// RateLimitWarn logs warning to the ratelimit category.
func RateLimitWarn(format string, args ...any) { Get(CategoryRateLimit).Warn(format, args...) }

// Locks logs to the locks category.
func Locks(format string, args ...any) { Get(CategoryLocks).Info(format, args...) }

// LocksDebug logs debug to the locks category.
func LocksDebug(format string, args ...any) { Get(CategoryLocks).Debug(format, args...) }

// Context logs to the context category.
func Context(format string, args ...any) { Get(CategoryContext).Info(format, args...) }

// ContextDebug logs debug to the context category.
func ContextDebug(format string, args ...any) { Get(CategoryContext).Debug(format, args...) }

// ContextWarn logs a warning to the context category.
func ContextWarn(format string, args ...any) { Get(CategoryContext).Warn(format, args...) }

// Export logs to the export category.
func Export(format string, args ...any) { Get(CategoryExport).Info(format, args...) }

// ExportDebug logs debug to the export category.
func ExportDebug(format string, args ...any) { Get(CategoryExport).Debug(format, args...) }

// MCP logs to the mcp category.
func MCP(format string, args ...any) { Get(CategoryMCP).Info(format, args...) }

// MCPDebug logs debug to the mcp category.
func MCPDebug(format string, args ...any) { Get(CategoryMCP).Debug(format, args...) }

// MCPError logs error to the mcp category.
func MCPError(format string, args ...any) { Get(CategoryMCP).Error(format, args...) }

// ====== REQUEST TRACING ======

// RequestLogger carries a correlation id through one tool dispatch.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]any
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]any),
	}
}

// WithField attaches a field to every line this logger emits.
func (r *RequestLogger) WithField(key string, value any) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...any) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// ====== TIMING ======

// Timer measures one operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
