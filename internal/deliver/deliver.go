// Package deliver assembles a plan's final deliverables: it picks the
// artifact that best represents the finished work and exports every
// approved artifact with a manifest into the deliverables folder.
package deliver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// ErrNothingApproved means no DONE task carries an approved artifact.
var ErrNothingApproved = errors.New("no approved artifact to deliver")

// Options tune an export.
type Options struct {
	// IncludeCandidates also exports unapproved artifact versions.
	IncludeCandidates bool
}

// ManifestEntry is one exported artifact in manifest.json.
type ManifestEntry struct {
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	Artifact  string `json:"artifact_id"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	Version   int    `json:"version"`
	SHA256    string `json:"sha256"`
	Path      string `json:"path"`
	Approved  bool   `json:"approved"`
	Final     bool   `json:"final"`
}

// Exporter writes a plan's deliverables to disk.
type Exporter struct {
	Store *store.Store
	WS    config.Workspace
}

type candidate struct {
	task *model.TaskNode
	art  *model.Artifact
}

// deliverSpec is what the root goal declared the final deliverable
// should look like.
type deliverSpec struct {
	filename string
	format   string
}

func (s deliverSpec) declared() bool { return s.filename != "" || s.format != "" }

// PickFinal chooses the artifact that best represents the plan's
// outcome among approved artifacts of finished actions. The root
// goal's deliverable spec decides first; keyword heuristics only score
// when no spec was declared. Newest approval breaks ties, and when
// nothing scores the newest approved artifact wins.
func (e *Exporter) PickFinal(planID string) (*model.Artifact, error) {
	cands, err := e.approvedCandidates(planID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, ErrNothingApproved
	}
	spec := e.rootSpec(planID)

	best := cands[0]
	bestScore := scoreCandidate(best, spec)
	for _, c := range cands[1:] {
		s := scoreCandidate(c, spec)
		switch {
		case s > bestScore:
			best, bestScore = c, s
		case s == bestScore && c.art.CreatedAt.After(best.art.CreatedAt):
			best = c
		}
	}
	if bestScore > 0 {
		return best.art, nil
	}

	// Nothing scored: fall back to the newest approved artifact.
	newest := cands[0]
	for _, c := range cands[1:] {
		if c.art.CreatedAt.After(newest.art.CreatedAt) {
			newest = c
		}
	}
	return newest.art, nil
}

// rootSpec reads the declared final deliverable off the plan's root
// goal. A plan without one falls back to keyword scoring.
func (e *Exporter) rootSpec(planID string) deliverSpec {
	plan, err := e.Store.GetPlan(planID)
	if err != nil || plan.RootTaskID == "" {
		return deliverSpec{}
	}
	root, err := e.Store.GetTask(plan.RootTaskID)
	if err != nil {
		return deliverSpec{}
	}
	var spec deliverSpec
	if v, ok := root.DeliverableSpec["filename"].(string); ok {
		spec.filename = strings.TrimSpace(v)
	}
	if v, ok := root.DeliverableSpec["format"].(string); ok {
		spec.format = strings.ToLower(strings.TrimSpace(v))
	}
	return spec
}

func scoreCandidate(c candidate, spec deliverSpec) int {
	if spec.declared() {
		score := specMatch(c.art, spec)
		if finalish(c) {
			score += 2
		}
		return score
	}

	score := 0
	name := strings.ToLower(c.art.Name)
	if strings.Contains(name, "final") {
		score += 10
	}
	if strings.Contains(name, "combined") || strings.Contains(name, "deliverable") || strings.Contains(name, "summary") {
		score += 10
	}
	if c.art.Format == "md" || c.art.Format == "html" {
		score += 3
	}
	if finalish(c) {
		score += 2
	}
	return score
}

// specMatch grades an artifact against the declared deliverable: a
// filename hit dominates, a bare format hit barely counts.
func specMatch(art *model.Artifact, spec deliverSpec) int {
	nameHit := spec.filename != "" &&
		(strings.EqualFold(filepath.Base(art.Path), spec.filename) || strings.EqualFold(art.Name, spec.filename))
	formatHit := spec.format != "" && strings.EqualFold(art.Format, spec.format)
	switch {
	case nameHit && (spec.format == "" || formatHit):
		return 10
	case nameHit:
		return 5
	case formatHit:
		return 3
	}
	return 0
}

func finalish(c candidate) bool {
	if c.task.HasTag("final") || c.task.HasTag("deliverable") {
		return true
	}
	return strings.Contains(strings.ToLower(c.task.Title), "final") ||
		strings.Contains(strings.ToLower(c.art.Name), "final")
}

func (e *Exporter) approvedCandidates(planID string) ([]candidate, error) {
	tasks, err := e.Store.ListTasks(planID)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, t := range tasks {
		if t.NodeType != model.NodeAction || t.Status != model.StatusDone || t.ApprovedArtifactID == "" {
			continue
		}
		art, err := e.Store.GetArtifact(t.ApprovedArtifactID)
		if err != nil {
			continue
		}
		out = append(out, candidate{task: t, art: art})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].task.TaskID < out[j].task.TaskID })
	return out, nil
}

// Export copies the plan's artifacts into deliverables/<plan_id>/ and
// writes manifest.json, plan_meta.json and final.json. Fails when no
// artifact was ever approved.
func (e *Exporter) Export(planID string, opts Options) (string, error) {
	log := logging.Get(logging.CategoryDeliver)

	plan, err := e.Store.GetPlan(planID)
	if err != nil {
		return "", err
	}
	final, err := e.PickFinal(planID)
	if err != nil {
		return "", err
	}

	root := e.WS.PlanDeliverablesDir(planID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}

	tasks, err := e.Store.ListTasks(planID)
	if err != nil {
		return "", err
	}
	var manifest []ManifestEntry
	for _, t := range tasks {
		if t.NodeType != model.NodeAction {
			continue
		}
		arts, err := e.Store.ListArtifacts(t.TaskID)
		if err != nil {
			return "", err
		}
		for _, a := range arts {
			approved := a.ArtifactID == t.ApprovedArtifactID
			if !approved && !opts.IncludeCandidates {
				continue
			}
			dst := filepath.Join(root, "artifacts", util.Slugify(t.Title), filepath.Base(a.Path))
			if err := copyFile(a.Path, dst); err != nil {
				log.Warnw("artifact copy failed", "artifact_id", a.ArtifactID, "error", err)
				continue
			}
			rel, _ := filepath.Rel(root, dst)
			manifest = append(manifest, ManifestEntry{
				TaskID:    t.TaskID,
				TaskTitle: t.Title,
				Artifact:  a.ArtifactID,
				Name:      a.Name,
				Format:    a.Format,
				Version:   a.Version,
				SHA256:    a.SHA256,
				Path:      rel,
				Approved:  approved,
				Final:     a.ArtifactID == final.ArtifactID,
			})
		}
	}

	if err := writeJSON(filepath.Join(root, "manifest.json"), map[string]any{
		"plan_id":   planID,
		"exported":  util.NowISO(),
		"artifacts": manifest,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(root, "plan_meta.json"), map[string]any{
		"plan_id":      plan.PlanID,
		"title":        plan.Title,
		"owner":        plan.Owner,
		"root_task_id": plan.RootTaskID,
		"deadline":     plan.Deadline,
		"priority":     string(plan.Priority),
		"created_at":   plan.CreatedAt,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(root, "final.json"), map[string]any{
		"artifact_id": final.ArtifactID,
		"task_id":     final.TaskID,
		"name":        final.Name,
		"format":      final.Format,
		"version":     final.Version,
		"sha256":      final.SHA256,
	}); err != nil {
		return "", err
	}

	log.Infow("deliverables exported", "plan_id", planID, "artifacts", len(manifest), "final", final.ArtifactID)
	return root, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
