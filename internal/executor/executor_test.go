package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/llm"
	"taskloom/internal/model"
	"taskloom/internal/prompt"
	"taskloom/internal/scheduler"
	"taskloom/internal/skill"
	"taskloom/internal/store"
)

const taskActionMark = `"contract": "TASK_ACTION"`

const artifactResponse = `{
  "schema_version": "task_action_v1", "result_type": "ARTIFACT",
  "artifact": {"name": "report", "format": "md", "content": "# Market report\n\nFindings.\n"}
}`

const noopResponse = `{"schema_version": "task_action_v1", "result_type": "NOOP"}`

const needsInputResponse = `{
  "schema_version": "task_action_v1", "result_type": "NEEDS_INPUT",
  "needs_input": {
    "reason": "cannot size the market without last year's numbers",
    "required_docs": [
      {"name": "budget_sheet", "description": "Last year's budget", "accepted_types": ["csv", "xlsx"]}
    ]
  }
}`

const extractRegistry = `skills:
  - name: text_extract
    implementation: "builtin:text_extract"
    idempotency:
      strategy: DISABLED
      cache: false
    inputs:
      - kind: FILE
        required: false
`

type execEnv struct {
	store     *store.Store
	ws        config.Workspace
	transport *llm.ScriptedTransport
	runner    *skill.Runner
	exec      *Executor
	planID    string
}

func newExecEnv(t *testing.T, rt config.Runtime, registryYAML string) *execEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := config.NewWorkspace(t.TempDir())
	require.NoError(t, ws.EnsureDirs())
	if registryYAML != "" {
		require.NoError(t, os.MkdirAll(filepath.Dir(ws.SkillsRegistryPath()), 0o755))
		require.NoError(t, os.WriteFile(ws.SkillsRegistryPath(), []byte(registryYAML), 0o644))
	}
	reg, err := skill.LoadRegistry(ws.SkillsRegistryPath())
	require.NoError(t, err)
	runner := skill.NewRunner(st, reg, ws, rt)

	prompts, err := prompt.Load(ws, st)
	require.NoError(t, err)

	tr := llm.NewScriptedTransport()
	env := &execEnv{
		store:     st,
		ws:        ws,
		transport: tr,
		runner:    runner,
		planID:    uuid.NewString(),
		exec: &Executor{
			Store:    st,
			LLM:      llm.NewClient(tr, st, rt),
			Prompts:  prompts,
			Skills:   runner,
			Registry: reg,
			Sched:    scheduler.New(st, rt),
			Runtime:  rt,
			WS:       ws,
		},
	}
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: env.planID, Title: "exec test plan"}))
	return env
}

func (e *execEnv) readyAction(t *testing.T, title string) string {
	t.Helper()
	n := &model.TaskNode{
		PlanID:       e.planID,
		NodeType:     model.NodeAction,
		Title:        title,
		Status:       model.StatusReady,
		ActiveBranch: true,
	}
	require.NoError(t, e.store.InsertTask(n))
	return n.TaskID
}

func TestExecutorWritesArtifact(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), "")
	taskID := env.readyAction(t, "write report")
	env.transport.On(taskActionMark, artifactResponse)

	worked, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	assert.Equal(t, 1, worked)

	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyToCheck, task.Status)
	require.NotEmpty(t, task.ActiveArtifactID)

	art, err := env.store.GetArtifact(task.ActiveArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "md", art.Format)
	assert.Equal(t, 1, art.Version)
	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Market report")
}

func TestExecutorNeedsInputRegistersRequirement(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), "")
	taskID := env.readyAction(t, "size the market")
	env.transport.On(taskActionMark, needsInputResponse)

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)

	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, task.Status)
	assert.Equal(t, model.WaitingInput, task.BlockedReason)

	reqs, err := env.store.ListRequirements(taskID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "budget_sheet", reqs[0].Name)
	assert.True(t, reqs[0].Required)
	assert.Equal(t, model.SourceUser, reqs[0].Source)
	assert.Equal(t, []string{"csv", "xlsx"}, reqs[0].AllowedTypes)

	_, err = os.Stat(env.ws.RequiredDocsPath(taskID))
	assert.NoError(t, err, "required docs file written for the user")

	// Declaring the same need twice does not duplicate the requirement.
	require.NoError(t, env.store.SetStatus(taskID, model.StatusReady, ""))
	env.transport.On(taskActionMark, needsInputResponse)
	_, err = env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	reqs, err = env.store.ListRequirements(taskID)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestExecutorNoopAwaitsReview(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), "")
	taskID := env.readyAction(t, "nothing to produce")
	env.transport.On(taskActionMark, noopResponse)

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)

	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyToCheck, task.Status, "completion is the gate's call, not the executor's")
}

func TestExecutorFailsAfterAttemptBudget(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MaxTaskAttempts = 2
	env := newExecEnv(t, rt, "")
	taskID := env.readyAction(t, "doomed task")
	env.transport.Enqueue("not json", "still not json")

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, task.Status, "first failure re-arms the task")
	assert.Equal(t, 1, task.AttemptCount)

	_, err = env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	task, err = env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)

	counters, err := env.store.ErrorCounters(taskID)
	require.NoError(t, err)
	assert.Equal(t, 2, counters[model.ErrLLMUnparseable])
	assert.Equal(t, 1, counters[model.ErrMaxAttemptsExceeded])
}

func TestExecutorBlocksOnInputConflict(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), "")
	taskID := env.readyAction(t, "conflicted task")
	req := &model.InputRequirement{TaskID: taskID, Name: "figures", Required: true}
	require.NoError(t, env.store.InsertRequirement(req))
	require.NoError(t, env.store.BindEvidence(&model.Evidence{
		RequirementID: req.RequirementID, TaskID: taskID, Path: "inputs/figures_final.csv",
	}))
	require.NoError(t, env.store.BindEvidence(&model.Evidence{
		RequirementID: req.RequirementID, TaskID: taskID, Path: "inputs/final_v2.csv",
	}))

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)

	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, task.Status)
	assert.Equal(t, model.WaitingInput, task.BlockedReason)
	assert.Empty(t, env.transport.Requests(), "no model call for an ambiguous input set")

	counters, err := env.store.ErrorCounters(taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters[model.ErrInputConflict])
}

func TestExecutorParksOnSkillFailureThenEscalates(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MaxSkillRetries = 2
	env := newExecEnv(t, rt, extractRegistry)
	// The extraction backend is down for this test.
	env.runner.RegisterImpl("builtin:text_extract", func(context.Context, skill.Call) skill.Result {
		return skill.Result{Status: skill.StatusFailed, ErrorCode: model.ErrSkillFailed, ErrorMsg: "extract backend down"}
	})

	taskID := env.readyAction(t, "summarize notes")
	req := &model.InputRequirement{TaskID: taskID, Name: "notes", Required: true}
	require.NoError(t, env.store.InsertRequirement(req))
	notes := filepath.Join(env.ws.InputsDir(), "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("meeting notes"), 0o644))
	require.NoError(t, env.store.BindEvidence(&model.Evidence{
		RequirementID: req.RequirementID, TaskID: taskID, Path: notes,
	}))

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, task.Status)
	assert.Equal(t, model.WaitingSkill, task.BlockedReason, "first failure is transient")

	// The next round re-arms the task, and the second failure exhausts
	// the retry budget.
	_, err = env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)
	task, err = env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, task.Status)
	assert.Equal(t, model.WaitingExternal, task.BlockedReason)
	assert.Empty(t, env.transport.Requests())
}

func TestExecutorSkipsUnsupportedExtractFormats(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), extractRegistry)
	taskID := env.readyAction(t, "process archive")
	req := &model.InputRequirement{TaskID: taskID, Name: "archive", Required: true}
	require.NoError(t, env.store.InsertRequirement(req))
	archive := filepath.Join(env.ws.InputsDir(), "data.zip")
	require.NoError(t, os.WriteFile(archive, []byte{0x50, 0x4b}, 0o644))
	require.NoError(t, env.store.BindEvidence(&model.Evidence{
		RequirementID: req.RequirementID, TaskID: taskID, Path: archive,
	}))
	env.transport.On(taskActionMark, artifactResponse)

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)

	task, err := env.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyToCheck, task.Status, "bad-input extraction is skipped, not blocking")
}

func TestExecutorRevisionCarriesReviewFeedback(t *testing.T) {
	env := newExecEnv(t, config.DefaultRuntime(), "")
	n := &model.TaskNode{
		PlanID:       env.planID,
		NodeType:     model.NodeAction,
		Title:        "revise report",
		Status:       model.StatusToBeModify,
		ActiveBranch: true,
	}
	require.NoError(t, env.store.InsertTask(n))

	art := &model.Artifact{TaskID: n.TaskID, Name: "report", Path: "report.md", Format: "md", SHA256: "v1"}
	require.NoError(t, env.store.InsertArtifact(art))
	require.NoError(t, env.store.InsertReview(&model.Review{
		ReviewTargetTaskID: n.TaskID,
		ReviewedArtifactID: art.ArtifactID,
		Reviewer:           "reviewer",
		TotalScore:         65,
		Verdict:            model.VerdictRejected,
		Summary:            "structure is weak",
		Suggestions: []map[string]any{
			{"priority": "HIGH", "change": "Add a sources section"},
		},
	}))
	env.transport.On(taskActionMark, artifactResponse)

	_, err := env.exec.RunRound(context.Background(), env.planID)
	require.NoError(t, err)

	reqs := env.transport.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0], "structure is weak")
	assert.Contains(t, reqs[0], "[HIGH] Add a sources section")
}

func TestPickEvidence(t *testing.T) {
	mk := func(path string) *model.Evidence { return &model.Evidence{Path: path} }

	best, conflict := pickEvidence([]*model.Evidence{mk("a/draft.md"), mk("a/report_final.md")})
	require.False(t, conflict)
	assert.Equal(t, "a/report_final.md", best.Path)

	_, conflict = pickEvidence([]*model.Evidence{mk("a/final_v1.md"), mk("a/final_v2.md")})
	assert.True(t, conflict)
}
