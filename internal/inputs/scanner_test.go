package inputs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

type scanEnv struct {
	store   *store.Store
	ws      config.Workspace
	scanner *Scanner
	planID  string
	taskID  string
}

func newScanEnv(t *testing.T) *scanEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := config.NewWorkspace(t.TempDir())
	require.NoError(t, ws.EnsureDirs())

	env := &scanEnv{store: st, ws: ws, scanner: NewScanner(st, ws), planID: uuid.NewString()}
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: env.planID, Title: "scan test plan"}))
	task := &model.TaskNode{PlanID: env.planID, NodeType: model.NodeAction, Title: "needs input", ActiveBranch: true}
	require.NoError(t, st.InsertTask(task))
	env.taskID = task.TaskID
	return env
}

func (e *scanEnv) requirement(t *testing.T, name string, types []string, keywords ...string) *model.InputRequirement {
	t.Helper()
	req := &model.InputRequirement{
		TaskID:       e.taskID,
		Name:         name,
		Kind:         model.ReqFile,
		Required:     true,
		AllowedTypes: types,
		Source:       model.SourceUser,
	}
	if len(keywords) > 0 {
		kws := make([]any, 0, len(keywords))
		for _, k := range keywords {
			kws = append(kws, k)
		}
		req.Validation = map[string]any{"filename_keywords": kws}
	}
	require.NoError(t, e.store.InsertRequirement(req))
	return req
}

func (e *scanEnv) dropFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(e.ws.InputsDir(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScanBindsDirectoryMappedFile(t *testing.T) {
	env := newScanEnv(t)
	req := env.requirement(t, "sales_figures", []string{"csv"})
	path := env.dropFile(t, "sales_figures/q3.csv", "month,revenue\n")

	bound, err := env.scanner.ScanAndBind(context.Background(), env.planID)
	require.NoError(t, err)
	assert.Equal(t, 1, bound)

	evs, err := env.store.ListEvidence(req.RequirementID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, path, evs[0].Path)
	assert.NotEmpty(t, evs[0].SHA256)

	// A second scan of the unchanged file binds nothing new.
	bound, err = env.scanner.ScanAndBind(context.Background(), env.planID)
	require.NoError(t, err)
	assert.Zero(t, bound)
}

func TestScanIgnoresDisallowedExtensions(t *testing.T) {
	env := newScanEnv(t)
	req := env.requirement(t, "sales_figures", []string{"csv"})
	env.dropFile(t, "sales_figures/notes.docx", "binary-ish")

	bound, err := env.scanner.ScanAndBind(context.Background(), env.planID)
	require.NoError(t, err)
	assert.Zero(t, bound)

	n, err := env.store.EvidenceCount(req.RequirementID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanTieEmitsConflictInsteadOfBinding(t *testing.T) {
	env := newScanEnv(t)
	a := env.requirement(t, "alpha_report", []string{"md"}, "report", "q3")
	b := env.requirement(t, "beta_report", []string{"md"}, "report", "q3")
	env.dropFile(t, "misc/q3_report.md", "# Q3")

	bound, err := env.scanner.ScanAndBind(context.Background(), env.planID)
	require.NoError(t, err)
	assert.Zero(t, bound)

	for _, req := range []*model.InputRequirement{a, b} {
		n, err := env.store.EvidenceCount(req.RequirementID)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	events, err := env.store.ListEvents(env.planID, 50)
	require.NoError(t, err)
	conflict := false
	for _, ev := range events {
		if ev.EventType == "EVIDENCE_CONFLICT" {
			conflict = true
			assert.Equal(t, string(model.ErrInputConflict), ev.Payload["error_code"])
		}
	}
	assert.True(t, conflict)
}

func TestDetectRemovedDropsEvidence(t *testing.T) {
	env := newScanEnv(t)
	req := env.requirement(t, "sales_figures", []string{"csv"})
	path := env.dropFile(t, "sales_figures/q3.csv", "month,revenue\n")

	_, err := env.scanner.ScanAndBind(context.Background(), env.planID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	removed, err := env.scanner.DetectRemoved(env.planID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := env.store.EvidenceCount(req.RequirementID)
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := env.store.ListEvents(env.planID, 50)
	require.NoError(t, err)
	seen := false
	for _, ev := range events {
		if ev.EventType == model.EventFileRemoved {
			seen = true
			assert.Equal(t, path, ev.Payload["path"])
		}
	}
	assert.True(t, seen)
}
