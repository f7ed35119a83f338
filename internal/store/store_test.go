package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedPlan(t *testing.T, st *Store) *model.Plan {
	t.Helper()
	p := &model.Plan{
		PlanID:     uuid.NewString(),
		Title:      "test plan",
		Owner:      "executor",
		RootTaskID: uuid.NewString(),
	}
	require.NoError(t, st.UpsertPlan(p))
	return p
}

func seedTask(t *testing.T, st *Store, planID string, nt model.NodeType, status model.Status) *model.TaskNode {
	t.Helper()
	n := &model.TaskNode{
		PlanID:       planID,
		NodeType:     nt,
		Title:        "task " + uuid.NewString()[:8],
		Status:       status,
		ActiveBranch: true,
	}
	require.NoError(t, st.InsertTask(n))
	return n
}

func TestPlanLifecycle(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)

	got, err := st.GetPlan(p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, p.Title, got.Title)

	latest, err := st.LatestPlan()
	require.NoError(t, err)
	assert.Equal(t, p.PlanID, latest.PlanID)

	require.NoError(t, st.DeletePlan(p.PlanID))
	_, err = st.GetPlan(p.PlanID)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestSupersededPlanKeepsRowsButLosesLatest(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	require.NoError(t, st.AppendEvent(&model.Event{
		PlanID: p.PlanID, EventType: model.EventError,
		Payload: map[string]any{"error_code": "CONTRACT_MISMATCH"},
	}))

	require.NoError(t, st.SetPlanStatus(p.PlanID, model.PlanStatusSuperseded))

	got, err := st.GetPlan(p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusSuperseded, got.Status)

	_, err = st.LatestPlan()
	assert.ErrorIs(t, err, ErrPlanNotFound)

	events, err := st.ListEvents(p.PlanID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, events, "history survives the supersede")

	assert.ErrorIs(t, st.SetPlanStatus(uuid.NewString(), model.PlanStatusSuperseded), ErrPlanNotFound)
}

func TestDeletePlanCascades(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)

	require.NoError(t, st.DeletePlan(p.PlanID))
	_, err := st.GetTask(n.TaskID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestInsertTaskDefaults(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := &model.TaskNode{PlanID: p.PlanID, NodeType: model.NodeAction, Title: "defaulted"}
	require.NoError(t, st.InsertTask(n))

	got, err := st.GetTask(n.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, model.OwnerExecutor, got.Owner)
	assert.NotEmpty(t, got.TaskID)
}

func TestSetStatusEmitsEventOnceOnly(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusPending)

	require.NoError(t, st.SetStatus(n.TaskID, model.StatusReady, ""))
	// Same status again is a no-op and must not duplicate the event.
	require.NoError(t, st.SetStatus(n.TaskID, model.StatusReady, ""))

	events, err := st.ListTaskEvents(n.TaskID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStatusChanged, events[0].EventType)
	assert.Equal(t, "PENDING", events[0].Payload["from"])
	assert.Equal(t, "READY", events[0].Payload["to"])
}

func TestSetStatusClearsBlockedReason(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)

	require.NoError(t, st.SetStatus(n.TaskID, model.StatusBlocked, model.WaitingInput))
	got, err := st.GetTask(n.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.WaitingInput, got.BlockedReason)

	require.NoError(t, st.SetStatus(n.TaskID, model.StatusReady, ""))
	got, err = st.GetTask(n.TaskID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedReason)
}

func TestTryLockCheckIsExclusive(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeCheck, model.StatusReady)

	ok, err := st.TryLockCheck(n.TaskID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim sees IN_PROGRESS and loses.
	ok, err = st.TryLockCheck(n.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementAndResetAttempts(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)

	for want := 1; want <= 3; want++ {
		got, err := st.IncrementAttempts(n.TaskID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, st.ResetAttempts(n.TaskID))
	task, err := st.GetTask(n.TaskID)
	require.NoError(t, err)
	assert.Zero(t, task.AttemptCount)
}

func TestExecutorBatchOrdersRevisionsFirst(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)

	ready := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)
	revision := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusToBeModify)
	seedTask(t, st, p.PlanID, model.NodeCheck, model.StatusReady) // not an ACTION
	inactive := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)
	require.NoError(t, st.SetActiveBranch(inactive.TaskID, false))

	batch, err := st.ExecutorBatch(p.PlanID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, revision.TaskID, batch[0].TaskID)
	assert.Equal(t, ready.TaskID, batch[1].TaskID)
}

func TestCheckBatchRequiresCandidateArtifact(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	action := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReadyToCheck)
	check := seedTask(t, st, p.PlanID, model.NodeCheck, model.StatusReady)
	require.NoError(t, st.SetReviewTarget(check.TaskID, action.TaskID))

	batch, err := st.CheckBatch(p.PlanID, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "no candidate artifact yet")

	art := &model.Artifact{TaskID: action.TaskID, Name: "report", Path: "x.md", Format: "md"}
	require.NoError(t, st.InsertArtifact(art))
	require.NoError(t, st.SetActiveArtifact(action.TaskID, art.ArtifactID))

	batch, err = st.CheckBatch(p.PlanID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, check.TaskID, batch[0].TaskID)
}

func TestArtifactVersionsIncrement(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)

	first := &model.Artifact{TaskID: n.TaskID, Name: "r", Path: "a.md", Format: "md"}
	second := &model.Artifact{TaskID: n.TaskID, Name: "r", Path: "b.md", Format: "md"}
	require.NoError(t, st.InsertArtifact(first))
	require.NoError(t, st.InsertArtifact(second))
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	list, err := st.ListArtifacts(n.TaskID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Version, "newest first")
}

func TestReviewIdempotencyKeyLookup(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	action := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReadyToCheck)
	check := seedTask(t, st, p.PlanID, model.NodeCheck, model.StatusReady)

	miss, err := st.ReviewByIdempotencyKey("nope")
	require.NoError(t, err)
	assert.Nil(t, miss)

	r := &model.Review{
		CheckTaskID:        check.TaskID,
		ReviewTargetTaskID: action.TaskID,
		ReviewedArtifactID: uuid.NewString(),
		Reviewer:           "reviewer",
		TotalScore:         93,
		Verdict:            model.VerdictApproved,
		Summary:            "solid",
		IdempotencyKey:     "key-1",
	}
	require.NoError(t, st.InsertReview(r))

	hit, err := st.ReviewByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 93, hit.TotalScore)

	latest, err := st.LatestReviewForTarget(action.TaskID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, r.ReviewedArtifactID, latest.ReviewedArtifactID)
}

func TestRecordErrorAndCounters(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusReady)

	require.NoError(t, st.RecordError(n.TaskID, p.PlanID, model.ErrSkillFailed, "convert failed", map[string]any{"skill": "pdf"}))
	require.NoError(t, st.RecordError(n.TaskID, p.PlanID, model.ErrSkillFailed, "convert failed again", nil))

	counters, err := st.ErrorCounters(n.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, counters[model.ErrSkillFailed])

	events, err := st.ListErrorEvents(p.PlanID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "SKILL_FAILED", events[0].Payload["error_code"])
}

func TestRequirementsAndEvidence(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)
	n := seedTask(t, st, p.PlanID, model.NodeAction, model.StatusPending)

	req := &model.InputRequirement{
		TaskID: n.TaskID, Name: "sales_data", Kind: model.ReqFile,
		Required: true, MinCount: 1, Source: model.SourceUser,
	}
	require.NoError(t, st.InsertRequirement(req))

	ev := &model.Evidence{
		RequirementID: req.RequirementID, TaskID: n.TaskID,
		Path: "inputs/sales.csv", SHA256: "abc", Source: model.SourceUser,
	}
	require.NoError(t, st.BindEvidence(ev))

	count, err := st.EvidenceCount(req.RequirementID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, st.RemoveEvidenceByPath("inputs/sales.csv"))
	count, err = st.EvidenceCount(req.RequirementID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegisterPromptDeduplicatesByHash(t *testing.T) {
	st := newTestStore(t)

	v1, err := st.RegisterPrompt("task_action", "do the work")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	same, err := st.RegisterPrompt("task_action", "do the work")
	require.NoError(t, err)
	assert.Equal(t, v1.PromptID, same.PromptID)

	v2, err := st.RegisterPrompt("task_action", "do the work, carefully")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	names, err := st.ListPromptNames()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"task_action": 2}, names)
}

func TestCachedSkillRun(t *testing.T) {
	st := newTestStore(t)

	miss, err := st.CachedSkillRun("text_extract", "k1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, st.InsertSkillRun(&SkillRun{
		SkillName: "text_extract", IdempotencyKey: "k1",
		OutputJSON: `{"snippet":"hello"}`, Status: "OK",
	}))
	require.NoError(t, st.InsertSkillRun(&SkillRun{
		SkillName: "text_extract", IdempotencyKey: "k2",
		Status: "FAILED", ErrorCode: "SKILL_FAILED",
	}))

	hit, err := st.CachedSkillRun("text_extract", "k1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, `{"snippet":"hello"}`, hit.OutputJSON)

	failed, err := st.CachedSkillRun("text_extract", "k2")
	require.NoError(t, err)
	assert.Nil(t, failed, "failed runs are not cache hits")
}

func TestCountLLMCalls(t *testing.T) {
	st := newTestStore(t)
	p := seedPlan(t, st)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertLLMCall(&model.LLMCall{
			PlanID: p.PlanID, Role: model.OwnerExecutor, Contract: "TASK_ACTION",
			Provider: "scripted", RawText: "{}",
		}))
	}
	n, err := st.CountLLMCalls(p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
