package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// Input is one runtime skill input.
type Input struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ArtifactRef points at a file a skill produced.
type ArtifactRef struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Format string `json:"format"`
}

// Evidence is a structured fact a skill observed.
type Evidence struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

// Result is what a skill invocation produced.
type Result struct {
	Status    string         `json:"status"`
	Artifacts []ArtifactRef  `json:"artifacts"`
	Evidences []Evidence     `json:"evidences"`
	ErrorCode model.ErrorCode `json:"error_code,omitempty"`
	ErrorMsg  string         `json:"error_message,omitempty"`
	Cached    bool           `json:"cached"`
	RunID     string         `json:"run_id,omitempty"`
}

// Run statuses recorded in skill_runs.
const (
	StatusOK     = "OK"
	StatusFailed = "FAILED"
)

// Call is everything an implementation receives.
type Call struct {
	PlanID    string
	TaskID    string
	Inputs    []Input
	Params    map[string]any
	Workspace config.Workspace
}

// Func is a skill implementation. Failures are reported through the
// Result, not an error return, so the runner can record them uniformly.
type Func func(ctx context.Context, call Call) Result

// Runner executes registered skills with timeout, idempotency caching
// and run telemetry.
type Runner struct {
	store    *store.Store
	registry *Registry
	impls    map[string]Func
	ws       config.Workspace
	timeout  time.Duration
	retries  int
}

// NewRunner binds a registry to the store and workspace. Built-in
// implementations are pre-registered; RegisterImpl adds more.
func NewRunner(st *store.Store, reg *Registry, ws config.Workspace, rt config.Runtime) *Runner {
	r := &Runner{
		store:    st,
		registry: reg,
		impls:    map[string]Func{},
		ws:       ws,
		timeout:  time.Duration(rt.SkillTimeoutSeconds) * time.Second,
		retries:  rt.MaxSkillRetries,
	}
	registerBuiltins(r)
	return r
}

// RegisterImpl binds an implementation name to a function. The name
// matches the registry's implementation field.
func (r *Runner) RegisterImpl(name string, fn Func) {
	r.impls[name] = fn
}

// idempotencyKey derives the cache key per the declared strategy.
func idempotencyKey(def Def, inputs []Input, paramsJSON string) string {
	if def.Idempotency.Strategy == IdemDisabled {
		return ""
	}
	hashes := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.SHA256 != "" {
			hashes = append(hashes, in.SHA256)
		}
	}
	sort.Strings(hashes)
	parts := append([]string{def.Name}, hashes...)
	if def.Idempotency.Strategy == IdemInputHashesPlusParams {
		parts = append(parts, paramsJSON)
	}
	return util.HashParts(parts...)
}

func failed(code model.ErrorCode, msg string) Result {
	return Result{Status: StatusFailed, Artifacts: []ArtifactRef{}, Evidences: []Evidence{}, ErrorCode: code, ErrorMsg: msg}
}

// Run executes one skill call. Unknown skills and declaration
// violations fail as SKILL_BAD_INPUT; a cache hit short-circuits
// without touching the implementation.
func (r *Runner) Run(ctx context.Context, planID, taskID, skillName string, inputs []Input, params map[string]any) Result {
	log := logging.Get(logging.CategorySkill)

	def, ok := r.registry.Get(skillName)
	if !ok {
		return failed(model.ErrSkillBadInput, fmt.Sprintf("unknown skill: %s", skillName))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := r.registry.ValidateCall(def, inputs, params); err != nil {
		return failed(model.ErrSkillBadInput, err.Error())
	}

	paramsJSON := util.CanonicalJSON(params)
	key := idempotencyKey(def, inputs, paramsJSON)

	if def.Idempotency.Cache && key != "" {
		if cached, err := r.store.CachedSkillRun(skillName, key); err == nil && cached != nil {
			log.Infow("skill cache hit", "skill", skillName, "run_id", cached.RunID)
			res := Result{Status: StatusOK, Cached: true, RunID: cached.RunID}
			_ = unmarshalOutput(cached.OutputJSON, &res)
			return res
		}
	}

	impl, ok := r.impls[def.Implementation]
	if !ok {
		return failed(model.ErrSkillFailed, fmt.Sprintf("implementation not registered: %s", def.Implementation))
	}

	startedAt := util.NowISO()
	res := r.execute(ctx, impl, Call{
		PlanID: planID, TaskID: taskID, Inputs: inputs, Params: params, Workspace: r.ws,
	})
	finishedAt := util.NowISO()

	if res.Status == StatusOK {
		for _, art := range res.Artifacts {
			if art.Path == "" {
				continue
			}
			a := &model.Artifact{
				TaskID: taskID,
				Name:   orDefault(art.Name, skillName),
				Path:   art.Path,
				Format: orDefault(art.Format, "txt"),
				SHA256: art.SHA256,
			}
			if err := r.store.InsertArtifact(a); err != nil {
				log.Warnw("skill artifact persistence failed", "skill", skillName, "path", art.Path, "error", err)
				_ = r.store.RecordError(taskID, planID, model.ErrSkillFailed,
					"skill artifact persistence failed",
					map[string]any{"skill": skillName, "path": art.Path, "cause": err.Error()})
			}
		}
	}

	run := &store.SkillRun{
		SkillName:      skillName,
		TaskID:         taskID,
		IdempotencyKey: key,
		ParamsJSON:     paramsJSON,
		InputsJSON:     util.CanonicalJSON(inputs),
		OutputJSON:     util.CanonicalJSON(res),
		Status:         res.Status,
		ErrorCode:      string(res.ErrorCode),
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
	}
	if err := r.store.InsertSkillRun(run); err != nil {
		log.Warnw("skill run telemetry failed", "skill", skillName, "error", err)
	}
	res.RunID = run.RunID

	_ = r.store.AppendEvent(&model.Event{
		TaskID:    taskID,
		PlanID:    planID,
		EventType: model.EventSkillRun,
		Payload: map[string]any{
			"skill_run_id": run.RunID,
			"skill_name":   skillName,
			"status":       res.Status,
		},
	})
	return res
}

// execute runs the implementation under the configured timeout. A
// timeout abandons the goroutine and reports SKILL_TIMEOUT.
func (r *Runner) execute(ctx context.Context, impl Func, call Call) Result {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- failed(model.ErrSkillFailed, fmt.Sprintf("skill panicked: %v", rec))
			}
		}()
		done <- impl(runCtx, call)
	}()

	select {
	case res := <-done:
		if res.Artifacts == nil {
			res.Artifacts = []ArtifactRef{}
		}
		if res.Evidences == nil {
			res.Evidences = []Evidence{}
		}
		if res.Status != StatusOK && res.Status != StatusFailed {
			res.Status = StatusFailed
			if res.ErrorCode == "" {
				res.ErrorCode = model.ErrSkillFailed
			}
		}
		return res
	case <-runCtx.Done():
		return failed(model.ErrSkillTimeout, fmt.Sprintf("skill timed out after %s", timeout))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// unmarshalOutput restores a cached run's artifacts and evidences onto
// res without clobbering its status fields.
func unmarshalOutput(outputJSON string, res *Result) error {
	if outputJSON == "" {
		return nil
	}
	var stored Result
	if err := json.Unmarshal([]byte(outputJSON), &stored); err != nil {
		return err
	}
	res.Artifacts = stored.Artifacts
	res.Evidences = stored.Evidences
	if res.Artifacts == nil {
		res.Artifacts = []ArtifactRef{}
	}
	if res.Evidences == nil {
		res.Evidences = []Evidence{}
	}
	return nil
}
