// Package logging provides config-driven categorized file-based logging for
// arbiter. Logs are written to .arbiter/logs/ with separate files per
// category. Logging is controlled by logging.debug_mode in
// .arbiter/config.yaml - when false, no diagnostic logs are written. The
// audit trail is independent of this package and is always recorded.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/system
type Category string

const (
	// Core system categories
	CategoryBoot      Category = "boot"      // Startup/initialization
	CategoryScheduler Category = "scheduler" // Round execution, queue management
	CategoryPipeline  Category = "pipeline"  // Decision evaluator runs
	CategoryGuardrail Category = "guardrail" // Guardrail verdicts
	CategoryHandlers  Category = "handlers"  // Action dispatch

	// Service categories
	CategoryBus    Category = "bus"    // Capability routing, circuit breakers
	CategoryStore  Category = "store"  // Persistence operations
	CategoryAudit  Category = "audit"  // Audit chain appends and verification
	CategoryMemory Category = "memory" // Graph memory operations

	// Platform categories
	CategoryResources Category = "resources" // Resource monitor
	CategoryGuidance  Category = "guidance"  // Deferral routing, authority inbox
	CategoryEvents    Category = "events"    // Event stream
	CategoryUsage     Category = "usage"     // Usage accounting
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// configFile structure for reading .arbiter/config.yaml
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".arbiter", "logs")

	// Load config first to check if debug mode is enabled
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		// Default to disabled (production mode)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== arbiter logging initialized ===")
	bootLogger.Info("Workspace: %s", workspace)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)

	if len(config.Categories) > 0 {
		enabled := 0
		for _, on := range config.Categories {
			if on {
				enabled++
			}
		}
		bootLogger.Info("Enabled categories: %d/%d", enabled, len(config.Categories))
	} else {
		bootLogger.Info("All categories enabled (no category filter)")
	}

	return nil
}

// loadConfig reads the logging config from .arbiter/config.yaml
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".arbiter", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no diagnostic logging)
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
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

// ReloadConfig reloads the config from disk.
// Call this if config changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
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

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
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

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown)
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

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...interface{}) {
	Get(CategoryScheduler).Warn(format, args...)
}

// SchedulerError logs error to the scheduler category
func SchedulerError(format string, args ...interface{}) {
	Get(CategoryScheduler).Error(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// PipelineWarn logs warning to the pipeline category
func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warn(format, args...)
}

// PipelineError logs error to the pipeline category
func PipelineError(format string, args ...interface{}) {
	Get(CategoryPipeline).Error(format, args...)
}

// Guardrail logs to the guardrail category
func Guardrail(format string, args ...interface{}) {
	Get(CategoryGuardrail).Info(format, args...)
}

// GuardrailDebug logs debug to the guardrail category
func GuardrailDebug(format string, args ...interface{}) {
	Get(CategoryGuardrail).Debug(format, args...)
}

// GuardrailWarn logs warning to the guardrail category
func GuardrailWarn(format string, args ...interface{}) {
	Get(CategoryGuardrail).Warn(format, args...)
}

// Handlers logs to the handlers category
func Handlers(format string, args ...interface{}) {
	Get(CategoryHandlers).Info(format, args...)
}

// HandlersDebug logs debug to the handlers category
func HandlersDebug(format string, args ...interface{}) {
	Get(CategoryHandlers).Debug(format, args...)
}

// HandlersError logs error to the handlers category
func HandlersError(format string, args ...interface{}) {
	Get(CategoryHandlers).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...interface{}) {
	Get(CategoryBus).Info(format, args...)
}

// BusDebug logs debug to the bus category
func BusDebug(format string, args ...interface{}) {
	Get(CategoryBus).Debug(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}

// BusError logs error to the bus category
func BusError(format string, args ...interface{}) {
	Get(CategoryBus).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...interface{}) {
	Get(CategoryAudit).Info(format, args...)
}

// AuditDebug logs debug to the audit category
func AuditDebug(format string, args ...interface{}) {
	Get(CategoryAudit).Debug(format, args...)
}

// AuditWarn logs warning to the audit category
func AuditWarn(format string, args ...interface{}) {
	Get(CategoryAudit).Warn(format, args...)
}

// AuditError logs error to the audit category
func AuditError(format string, args ...interface{}) {
	Get(CategoryAudit).Error(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// Resources logs to the resources category
func Resources(format string, args ...interface{}) {
	Get(CategoryResources).Info(format, args...)
}

// ResourcesDebug logs debug to the resources category
func ResourcesDebug(format string, args ...interface{}) {
	Get(CategoryResources).Debug(format, args...)
}

// ResourcesWarn logs warning to the resources category
func ResourcesWarn(format string, args ...interface{}) {
	Get(CategoryResources).Warn(format, args...)
}

// ResourcesError logs error to the resources category
func ResourcesError(format string, args ...interface{}) {
	Get(CategoryResources).Error(format, args...)
}

// Guidance logs to the guidance category
func Guidance(format string, args ...interface{}) {
	Get(CategoryGuidance).Info(format, args...)
}

// GuidanceDebug logs debug to the guidance category
func GuidanceDebug(format string, args ...interface{}) {
	Get(CategoryGuidance).Debug(format, args...)
}

// GuidanceWarn logs warning to the guidance category
func GuidanceWarn(format string, args ...interface{}) {
	Get(CategoryGuidance).Warn(format, args...)
}

// Events logs to the events category
func Events(format string, args ...interface{}) {
	Get(CategoryEvents).Info(format, args...)
}

// EventsDebug logs debug to the events category
func EventsDebug(format string, args ...interface{}) {
	Get(CategoryEvents).Debug(format, args...)
}

// Usage logs to the usage category
func Usage(format string, args ...interface{}) {
	Get(CategoryUsage).Info(format, args...)
}

// UsageDebug logs debug to the usage category
func UsageDebug(format string, args ...interface{}) {
	Get(CategoryUsage).Debug(format, args...)
}

// UsageWarn logs warning to the usage category
func UsageWarn(format string, args ...interface{}) {
	Get(CategoryUsage).Warn(format, args...)
}

// UsageError logs error to the usage category
func UsageError(format string, args ...interface{}) {
	Get(CategoryUsage).Error(format, args...)
}

// =============================================================================
// THOUGHT-SCOPED TRACING
// =============================================================================

// ThoughtLogger provides thought-scoped logging with a correlation ID so a
// single thought's trip through the pipeline can be grepped out of the logs.
type ThoughtLogger struct {
	logger    *Logger
	thoughtID string
	fields    map[string]interface{}
}

// WithThoughtID creates a thought-scoped logger.
func WithThoughtID(category Category, thoughtID string) *ThoughtLogger {
	return &ThoughtLogger{
		logger:    Get(category),
		thoughtID: thoughtID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the thought logger
func (t *ThoughtLogger) WithField(key string, value interface{}) *ThoughtLogger {
	t.fields[key] = value
	return t
}

func (t *ThoughtLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(t.fields) > 0 {
		return fmt.Sprintf("[thought:%s] %s | %v", t.thoughtID, msg, t.fields)
	}
	return fmt.Sprintf("[thought:%s] %s", t.thoughtID, msg)
}

func (t *ThoughtLogger) Debug(format string, args ...interface{}) {
	if t.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	t.logger.logger.Printf("[DEBUG] %s", t.formatMsg(format, args...))
}

func (t *ThoughtLogger) Info(format string, args ...interface{}) {
	if t.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	t.logger.logger.Printf("[INFO] %s", t.formatMsg(format, args...))
}

func (t *ThoughtLogger) Warn(format string, args ...interface{}) {
	if t.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	t.logger.logger.Printf("[WARN] %s", t.formatMsg(format, args...))
}

func (t *ThoughtLogger) Error(format string, args ...interface{}) {
	if t.logger.logger == nil {
		return
	}
	t.logger.logger.Printf("[ERROR] %s", t.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
