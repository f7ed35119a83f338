package observe

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/workspace"
)

type observeEnv struct {
	store    *store.Store
	ws       config.Workspace
	reporter *Reporter
	planID   string
}

func newObserveEnv(t *testing.T) *observeEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := config.NewWorkspace(t.TempDir())
	env := &observeEnv{
		store:    st,
		ws:       ws,
		reporter: &Reporter{Store: st, WS: ws},
		planID:   uuid.NewString(),
	}
	require.NoError(t, st.UpsertPlan(&model.Plan{
		PlanID: env.planID, Title: "observed plan", Owner: "user", Priority: model.PriorityHigh,
	}))
	return env
}

func (e *observeEnv) task(t *testing.T, nt model.NodeType, status model.Status, title string) *model.TaskNode {
	t.Helper()
	n := &model.TaskNode{
		PlanID: e.planID, NodeType: nt, Title: title,
		Status: status, ActiveBranch: true, EstimatedPersonDays: 1,
	}
	require.NoError(t, e.store.InsertTask(n))
	return n
}

func TestBuildStatusCountsAndBlocked(t *testing.T) {
	env := newObserveEnv(t)
	env.task(t, model.NodeAction, model.StatusDone, "done task")
	env.task(t, model.NodeAction, model.StatusReady, "ready task")
	blocked := env.task(t, model.NodeAction, model.StatusPending, "blocked task")
	require.NoError(t, env.store.SetStatus(blocked.TaskID, model.StatusBlocked, model.WaitingInput))
	require.NoError(t, env.store.RecordError(blocked.TaskID, env.planID, model.ErrInputMissing,
		"needs the budget sheet", map[string]any{"hint": "drop the file under inputs/"}))
	require.NoError(t, workspace.WriteRequiredDocs(env.ws, blocked, []workspace.MissingInput{
		{Name: "budget_sheet", Kind: model.ReqFile, MinCount: 1},
	}))

	// Inactive branches stay out of the numbers.
	ghost := env.task(t, model.NodeAction, model.StatusFailed, "abandoned branch")
	require.NoError(t, env.store.SetActiveBranch(ghost.TaskID, false))

	st, err := env.reporter.BuildStatus(env.planID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Done)
	assert.Equal(t, 1, st.Counts[string(model.StatusReady)])
	assert.Equal(t, 1, st.Counts[string(model.StatusBlocked)])
	assert.Zero(t, st.Counts[string(model.StatusFailed)])

	require.Len(t, st.Blocked, 1)
	entry := st.Blocked[0]
	assert.Equal(t, blocked.TaskID, entry.TaskID)
	assert.Equal(t, string(model.WaitingInput), entry.Reason)
	assert.Equal(t, env.ws.RequiredDocsPath(blocked.TaskID), entry.RequiredDocs)
	assert.Equal(t, "drop the file under inputs/", entry.Hint)
	assert.NotEmpty(t, st.RecentErrors)
}

func TestStatusMarkdown(t *testing.T) {
	env := newObserveEnv(t)
	env.task(t, model.NodeAction, model.StatusDone, "done task")
	env.task(t, model.NodeAction, model.StatusReady, "ready task")

	st, err := env.reporter.BuildStatus(env.planID)
	require.NoError(t, err)
	md := st.Markdown()
	assert.Contains(t, md, "# Plan: observed plan")
	assert.Contains(t, md, "1/2 tasks done")
	assert.Contains(t, md, "- DONE: 1")
	assert.Contains(t, md, "- READY: 1")
}

func TestDoctorHealthyPlan(t *testing.T) {
	env := newObserveEnv(t)
	root := env.task(t, model.NodeGoal, model.StatusPending, "root")
	require.NoError(t, env.store.SetPlanRoot(env.planID, root.TaskID))

	findings, err := env.reporter.Doctor(env.planID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDoctorFindsGraphDefects(t *testing.T) {
	env := newObserveEnv(t)
	// No root recorded on the plan.
	action := env.task(t, model.NodeAction, model.StatusPending, "unsized")
	require.NoError(t, env.store.SetEstimatedPersonDays(action.TaskID, 0))
	check := env.task(t, model.NodeCheck, model.StatusReady, "unbound check")
	require.NoError(t, env.store.InsertEdge(&model.TaskEdge{
		PlanID: env.planID, FromTaskID: action.TaskID, ToTaskID: check.TaskID,
		EdgeType: model.EdgeAlternative,
	}))

	findings, err := env.reporter.Doctor(env.planID)
	require.NoError(t, err)

	codes := map[string]int{}
	for _, f := range findings {
		codes[f.Code]++
	}
	assert.Equal(t, 1, codes["MISSING_ROOT"])
	assert.Equal(t, 1, codes["CHECK_UNBOUND"])
	assert.Equal(t, 1, codes["MISSING_ESTIMATE"])
	assert.Equal(t, 1, codes["ALTERNATIVE_WITHOUT_GROUP"])
}

func TestSnapshotDumpsPlanState(t *testing.T) {
	env := newObserveEnv(t)
	root := env.task(t, model.NodeGoal, model.StatusPending, "root")
	require.NoError(t, env.store.SetPlanRoot(env.planID, root.TaskID))
	env.task(t, model.NodeAction, model.StatusReady, "work")

	path, err := env.reporter.Snapshot(env.planID)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap, "plan")
	assert.Contains(t, snap, "tasks")
	assert.Contains(t, snap, "edges")
	assert.Contains(t, snap, "events")
}
