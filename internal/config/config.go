// Package config carries the workspace layout and the runtime tuning knobs
// for the workflow engine. The runtime config is loaded once from
// runtime_config.json and cached; tests call Reset between cases.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Guardrails bound a single orchestrator run.
type Guardrails struct {
	MaxRunIterations      int `json:"max_run_iterations"`
	MaxPlanRuntimeSeconds int `json:"max_plan_runtime_seconds"`
	MaxLLMCallsPerRun     int `json:"max_llm_calls_per_run"`
	MaxLLMCallsPerTask    int `json:"max_llm_calls_per_task"`
	MaxPromptChars        int `json:"max_prompt_chars"`
	MaxResponseChars      int `json:"max_response_chars"`
}

// Runtime is the engine tuning configuration. Zero values are replaced by
// defaults on load so a partial runtime_config.json is fine.
type Runtime struct {
	MaxPlanAttempts          int        `json:"max_plan_attempts"`
	MaxReviewAttemptsPerPlan int        `json:"max_review_attempts_per_plan"`
	PlanReviewPassScore      int        `json:"plan_review_pass_score"`
	MaxTaskAttempts          int        `json:"max_task_attempts"`
	MaxCheckAttemptsV2       int        `json:"max_check_attempts_v2"`
	OneShotThresholdDays     float64    `json:"one_shot_threshold_person_days"`
	MaxDecompositionDepth    int        `json:"max_decomposition_depth"`
	ExecutorBatchSize        int        `json:"executor_batch_size"`
	CheckBatchSize           int        `json:"check_batch_size"`
	SkillTimeoutSeconds      int        `json:"skill_timeout_seconds"`
	MaxSkillRetries          int        `json:"max_skill_retries"`
	Guardrails               Guardrails `json:"guardrails"`
}

// DefaultRuntime returns the built-in defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		MaxPlanAttempts:          3,
		MaxReviewAttemptsPerPlan: 2,
		PlanReviewPassScore:      90,
		MaxTaskAttempts:          3,
		MaxCheckAttemptsV2:       3,
		OneShotThresholdDays:     10,
		MaxDecompositionDepth:    5,
		ExecutorBatchSize:        2,
		CheckBatchSize:           2,
		SkillTimeoutSeconds:      120,
		MaxSkillRetries:          3,
		Guardrails: Guardrails{
			MaxRunIterations:      200,
			MaxPlanRuntimeSeconds: 2 * 60 * 60,
			MaxLLMCallsPerRun:     50,
			MaxLLMCallsPerTask:    10,
			MaxPromptChars:        120000,
			MaxResponseChars:      200000,
		},
	}
}

var (
	runtimeMu     sync.Mutex
	cachedRuntime *Runtime
)

// LoadRuntime reads runtime_config.json from path, overlaying defaults.
// The result is cached; subsequent calls return the cached value until
// Reset. A missing file yields pure defaults.
func LoadRuntime(path string) (Runtime, error) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if cachedRuntime != nil {
		return *cachedRuntime, nil
	}
	rt := DefaultRuntime()
	data, err := os.ReadFile(path)
	if err == nil {
		if jerr := json.Unmarshal(data, &rt); jerr != nil {
			return rt, fmt.Errorf("parse %s: %w", path, jerr)
		}
		fillRuntimeDefaults(&rt)
	} else if !os.IsNotExist(err) {
		return rt, fmt.Errorf("read %s: %w", path, err)
	}
	cachedRuntime = &rt
	return rt, nil
}

// Reset clears the cached runtime config. Tests use it for isolation.
func Reset() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	cachedRuntime = nil
}

func fillRuntimeDefaults(rt *Runtime) {
	def := DefaultRuntime()
	if rt.MaxPlanAttempts <= 0 {
		rt.MaxPlanAttempts = def.MaxPlanAttempts
	}
	if rt.MaxReviewAttemptsPerPlan <= 0 {
		rt.MaxReviewAttemptsPerPlan = def.MaxReviewAttemptsPerPlan
	}
	if rt.PlanReviewPassScore <= 0 {
		rt.PlanReviewPassScore = def.PlanReviewPassScore
	}
	if rt.MaxTaskAttempts <= 0 {
		rt.MaxTaskAttempts = def.MaxTaskAttempts
	}
	if rt.MaxCheckAttemptsV2 <= 0 {
		rt.MaxCheckAttemptsV2 = def.MaxCheckAttemptsV2
	}
	if rt.OneShotThresholdDays <= 0 {
		rt.OneShotThresholdDays = def.OneShotThresholdDays
	}
	if rt.MaxDecompositionDepth <= 0 {
		rt.MaxDecompositionDepth = def.MaxDecompositionDepth
	}
	if rt.ExecutorBatchSize <= 0 {
		rt.ExecutorBatchSize = def.ExecutorBatchSize
	}
	if rt.CheckBatchSize <= 0 {
		rt.CheckBatchSize = def.CheckBatchSize
	}
	if rt.SkillTimeoutSeconds <= 0 {
		rt.SkillTimeoutSeconds = def.SkillTimeoutSeconds
	}
	if rt.MaxSkillRetries <= 0 {
		rt.MaxSkillRetries = def.MaxSkillRetries
	}
	g, dg := &rt.Guardrails, def.Guardrails
	if g.MaxRunIterations <= 0 {
		g.MaxRunIterations = dg.MaxRunIterations
	}
	if g.MaxPlanRuntimeSeconds <= 0 {
		g.MaxPlanRuntimeSeconds = dg.MaxPlanRuntimeSeconds
	}
	if g.MaxLLMCallsPerRun <= 0 {
		g.MaxLLMCallsPerRun = dg.MaxLLMCallsPerRun
	}
	if g.MaxLLMCallsPerTask <= 0 {
		g.MaxLLMCallsPerTask = dg.MaxLLMCallsPerTask
	}
	if g.MaxPromptChars <= 0 {
		g.MaxPromptChars = dg.MaxPromptChars
	}
	if g.MaxResponseChars <= 0 {
		g.MaxResponseChars = dg.MaxResponseChars
	}
}

// Workspace is the on-disk layout rooted at a project directory.
type Workspace struct {
	Root string
}

// NewWorkspace returns the layout rooted at root.
func NewWorkspace(root string) Workspace { return Workspace{Root: root} }

func (w Workspace) StateDir() string  { return filepath.Join(w.Root, "state") }
func (w Workspace) DBPath() string    { return filepath.Join(w.StateDir(), "state.db") }
func (w Workspace) TasksDir() string  { return filepath.Join(w.Root, "tasks") }
func (w Workspace) PlanPath() string  { return filepath.Join(w.TasksDir(), "plan.json") }
func (w Workspace) LogsDir() string   { return filepath.Join(w.Root, "logs") }
func (w Workspace) InputsDir() string { return filepath.Join(w.Root, "workspace", "inputs") }
func (w Workspace) BaselineInputsDir() string {
	return filepath.Join(w.Root, "workspace", "baseline_inputs")
}
func (w Workspace) ArtifactsDir() string    { return filepath.Join(w.Root, "workspace", "artifacts") }
func (w Workspace) ReviewsDir() string      { return filepath.Join(w.Root, "workspace", "reviews") }
func (w Workspace) RequiredDocsDir() string { return filepath.Join(w.Root, "workspace", "required_docs") }
func (w Workspace) DeliverablesDir() string { return filepath.Join(w.Root, "workspace", "deliverables") }
func (w Workspace) SkillsRegistryPath() string {
	return filepath.Join(w.Root, "skills", "registry.yaml")
}
func (w Workspace) RuntimeConfigPath() string { return filepath.Join(w.Root, "runtime_config.json") }
func (w Workspace) SnapshotsDir() string      { return filepath.Join(w.StateDir(), "snapshots") }

// TaskArtifactsDir is the per-task artifact folder.
func (w Workspace) TaskArtifactsDir(taskID string) string {
	return filepath.Join(w.ArtifactsDir(), taskID)
}

// RequiredDocsPath is the per-task required-docs markdown sidecar.
func (w Workspace) RequiredDocsPath(taskID string) string {
	return filepath.Join(w.RequiredDocsDir(), taskID+".md")
}

// PlanDeliverablesDir is the per-plan export folder.
func (w Workspace) PlanDeliverablesDir(planID string) string {
	return filepath.Join(w.DeliverablesDir(), planID)
}

// EnsureDirs creates the writable workspace directories.
func (w Workspace) EnsureDirs() error {
	dirs := []string{
		w.StateDir(), w.TasksDir(), w.LogsDir(),
		w.InputsDir(), w.BaselineInputsDir(),
		w.ArtifactsDir(), w.ReviewsDir(), w.RequiredDocsDir(), w.DeliverablesDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
