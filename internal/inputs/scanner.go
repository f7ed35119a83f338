// Package inputs binds workspace files to declared input requirements.
// Each orchestrator iteration rescans inputs/ and baseline_inputs/,
// scores files against requirements and records evidence rows; removed
// files are detected through the input_files scan cache.
package inputs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

// Baseline scan caps keep fixture-heavy workspaces from stalling the
// loop.
const (
	baselineMaxFiles      = 5000
	baselineMaxTotalBytes = 500 << 20
	bindThreshold         = 60
	hashWorkers           = 8
)

// Scanner scans input directories for a plan.
type Scanner struct {
	store *store.Store
	ws    config.Workspace
}

// NewScanner returns a scanner over the workspace's input directories.
func NewScanner(st *store.Store, ws config.Workspace) *Scanner {
	return &Scanner{store: st, ws: ws}
}

type scannedFile struct {
	path     string
	size     int64
	mtime    string
	sha      string
	baseline bool
	dir      string
}

// ScanAndBind walks inputs/ and baseline_inputs/, refreshes the scan
// cache and binds matching files as evidence. Returns the number of
// evidence rows added.
func (s *Scanner) ScanAndBind(ctx context.Context, planID string) (int, error) {
	log := logging.Get(logging.CategoryInputs)

	reqs, err := s.store.ListPlanRequirements(planID)
	if err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	allowedExts := allowedExtensions(reqs)

	cache := map[string]*store.InputFile{}
	if tracked, err := s.store.ListTrackedInputFiles(); err == nil {
		for _, f := range tracked {
			cache[f.Path] = f
		}
	}

	var files []scannedFile
	for _, dir := range []string{s.ws.InputsDir(), s.ws.BaselineInputsDir()} {
		collected, skipped := collectFiles(dir, allowedExts)
		files = append(files, collected...)
		if skipped > 0 {
			log.Warnw("baseline inputs truncated", "dir", dir, "kept", len(collected), "skipped", skipped)
			_ = s.store.AppendEvent(&model.Event{
				PlanID:    planID,
				EventType: "BASELINE_INPUTS_SKIPPED",
				Payload: map[string]any{
					"baseline_dir":  dir,
					"kept_files":    len(collected),
					"skipped_files": skipped,
				},
			})
		}
	}

	if err := s.hashFiles(ctx, files, cache); err != nil {
		return 0, err
	}

	bound := 0
	for i := range files {
		f := &files[i]
		if f.sha == "" {
			continue
		}
		_ = s.store.UpsertInputFile(&store.InputFile{
			Path: f.path, SHA256: f.sha, Size: f.size, MTime: f.mtime,
		})

		type candidate struct {
			score   int
			req     *model.InputRequirement
			reasons []string
		}
		var candidates []candidate
		for _, req := range reqs {
			score, reasons := scoreMatch(req, f.path, f.dir, f.baseline)
			if score >= bindThreshold {
				candidates = append(candidates, candidate{score, req, reasons})
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })

		top := candidates[0].score
		var tied []candidate
		for _, c := range candidates {
			if c.score == top {
				tied = append(tied, c)
			}
		}
		if len(tied) > 1 {
			names := make([]any, 0, len(tied))
			for _, t := range tied {
				names = append(names, map[string]any{
					"requirement_id": t.req.RequirementID, "name": t.req.Name,
				})
			}
			_ = s.store.AppendEvent(&model.Event{
				PlanID:    planID,
				TaskID:    tied[0].req.TaskID,
				EventType: "EVIDENCE_CONFLICT",
				Payload: map[string]any{
					"error_code":        string(model.ErrInputConflict),
					"file":              f.path,
					"sha256":            f.sha,
					"score":             top,
					"tied_requirements": names,
					"suggestion":        "Place the file under workspace/inputs/<requirement_name>/ to disambiguate.",
				},
			})
			continue
		}

		limit := len(candidates)
		if limit > 2 {
			limit = 2
		}
		for _, c := range candidates[:limit] {
			if alreadyBound(s.store, c.req.RequirementID, f.path) {
				continue
			}
			ev := &model.Evidence{
				RequirementID: c.req.RequirementID,
				TaskID:        c.req.TaskID,
				Path:          f.path,
				SHA256:        f.sha,
			}
			if err := s.store.BindEvidence(ev); err != nil {
				log.Warnw("evidence bind failed", "path", f.path, "error", err)
				continue
			}
			_ = s.store.AppendEvent(&model.Event{
				PlanID:    planID,
				TaskID:    c.req.TaskID,
				EventType: model.EventEvidenceBound,
				Payload: map[string]any{
					"requirement_id":   c.req.RequirementID,
					"requirement_name": c.req.Name,
					"file":             f.path,
					"sha256":           f.sha,
					"match_score":      c.score,
					"match_reasons":    c.reasons,
				},
			})
			bound++
		}
	}
	return bound, nil
}

// hashFiles fills in sha256 for every scanned file, reusing the cache
// for entries whose size and mtime are unchanged.
func (s *Scanner) hashFiles(ctx context.Context, files []scannedFile, cache map[string]*store.InputFile) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	var mu sync.Mutex
	for i := range files {
		f := &files[i]
		if prev, ok := cache[f.path]; ok && prev.MTime == f.mtime && prev.Size == f.size && prev.SHA256 != "" {
			f.sha = prev.SHA256
			continue
		}
		g.Go(func() error {
			sha, err := hashFile(f.path)
			if err != nil {
				return nil
			}
			mu.Lock()
			f.sha = sha
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// DetectRemoved marks tracked files that vanished from disk, drops
// their evidence rows and emits FILE_REMOVED.
func (s *Scanner) DetectRemoved(planID string) (int, error) {
	tracked, err := s.store.ListTrackedInputFiles()
	if err != nil {
		return 0, err
	}
	scopes := []string{s.ws.InputsDir(), s.ws.BaselineInputsDir()}
	removed := 0
	for _, f := range tracked {
		if !underAny(f.Path, scopes) {
			continue
		}
		if _, err := os.Stat(f.Path); err == nil {
			continue
		}
		if err := s.store.MarkInputFileRemoved(f.Path); err != nil {
			return removed, err
		}
		_ = s.store.RemoveEvidenceByPath(f.Path)
		_ = s.store.AppendEvent(&model.Event{
			PlanID:    planID,
			EventType: model.EventFileRemoved,
			Payload:   map[string]any{"path": f.Path, "sha256": f.SHA256},
		})
		removed++
	}
	return removed, nil
}

func collectFiles(dir string, allowedExts map[string]bool) ([]scannedFile, int) {
	baseline := strings.EqualFold(filepath.Base(dir), "baseline_inputs")
	var out []scannedFile
	var totalBytes int64
	skipped := 0

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if len(allowedExts) > 0 && ext != "" && !allowedExts[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if baseline {
			if len(out) >= baselineMaxFiles || totalBytes+info.Size() > baselineMaxTotalBytes {
				skipped++
				return nil
			}
			totalBytes += info.Size()
		}
		out = append(out, scannedFile{
			path:     path,
			size:     info.Size(),
			mtime:    info.ModTime().UTC().Format(time.RFC3339),
			baseline: baseline,
			dir:      dir,
		})
		return nil
	})
	return out, skipped
}

// scoreMatch scores a file against a requirement. A directory named
// after the requirement is the strongest signal; filename matching is
// enabled only for baseline fixtures.
func scoreMatch(req *model.InputRequirement, path, inputsDir string, baseline bool) (int, []string) {
	score := 0
	var reasons []string

	if rel, err := filepath.Rel(inputsDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) > 1 && strings.EqualFold(parts[0], req.Name) {
			score += 100
			reasons = append(reasons, "dir_map:+100")
		}
	}

	filename := strings.ToLower(filepath.Base(path))
	if baseline && req.Name != "" && strings.Contains(filename, strings.ToLower(req.Name)) {
		score += 70
		reasons = append(reasons, "name_in_filename:+70")
	}

	if kws, ok := req.Validation["filename_keywords"].([]any); ok {
		hits := 0
		for _, kw := range kws {
			s, ok := kw.(string)
			if ok && s != "" && strings.Contains(filename, strings.ToLower(s)) {
				hits++
				score += 40
			}
		}
		if hits > 0 {
			if max := 100 + 80 + 10 + 10; score > max {
				score = max
			}
			reasons = append(reasons, "filename_keywords:"+strconv.Itoa(hits))
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, t := range req.AllowedTypes {
		if ext != "" && strings.EqualFold(strings.TrimPrefix(t, "."), ext) {
			score += 10
			reasons = append(reasons, "type:+10")
			break
		}
	}

	if req.Source == model.SourceUser {
		score += 10
		reasons = append(reasons, "source_user:+10")
	}
	return score, reasons
}

func allowedExtensions(reqs []*model.InputRequirement) map[string]bool {
	out := map[string]bool{}
	for _, r := range reqs {
		for _, t := range r.AllowedTypes {
			t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
			if t != "" {
				out[t] = true
			}
		}
	}
	return out
}

func alreadyBound(st *store.Store, requirementID, path string) bool {
	evs, err := st.ListEvidence(requirementID)
	if err != nil {
		return false
	}
	for _, ev := range evs {
		if ev.Path == path {
			return true
		}
	}
	return false
}

func underAny(path string, dirs []string) bool {
	for _, d := range dirs {
		rel, err := filepath.Rel(d, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

