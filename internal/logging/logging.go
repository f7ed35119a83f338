// Package logging provides category-based file logging for the engine.
// Each category writes to logs/<date>_<category>.log through a zap core;
// when logging is not initialized every call is a cheap no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem log stream.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryStore        Category = "store"
	CategoryContract     Category = "contract"
	CategoryPlan         Category = "plan"
	CategoryReadiness    Category = "readiness"
	CategoryScheduler    Category = "scheduler"
	CategoryExecutor     Category = "executor"
	CategoryGate         Category = "gate"
	CategoryRewrite      Category = "rewrite"
	CategoryDeliver      Category = "deliver"
	CategoryObserve      Category = "observe"
	CategoryOrchestrator Category = "orchestrator"
	CategoryLLM          Category = "llm"
	CategorySkill        Category = "skill"
	CategoryInputs       Category = "inputs"
)

var (
	mu      sync.RWMutex
	logsDir string
	level   zapcore.Level = zapcore.InfoLevel
	loggers               = map[Category]*zap.SugaredLogger{}
	nop                   = zap.NewNop().Sugar()
)

// Initialize points the loggers at dir and sets the minimum level.
// Call once at startup; before Initialize all loggers are no-ops.
func Initialize(dir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	logsDir = dir
	if debug {
		level = zapcore.DebugLevel
	} else {
		level = zapcore.InfoLevel
	}
	loggers = map[Category]*zap.SugaredLogger{}
	return nil
}

// Get returns the logger for a category, creating its file on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()
	if dir == "" {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), cat)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] open %s: %v\n", name, err)
		loggers[cat] = nop
		return nop
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level)
	l := zap.New(core).Sugar().With("category", string(cat))
	loggers[cat] = l
	return l
}

// Close flushes and drops every open logger.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	loggers = map[Category]*zap.SugaredLogger{}
	logsDir = ""
}

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation for a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.cat).Debugw("operation complete", "op", t.op, "elapsed", elapsed.String())
	return elapsed
}
