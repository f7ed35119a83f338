package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/util"
)

// ---- skill runs ----

// SkillRun is one recorded skill invocation.
type SkillRun struct {
	RunID          string
	SkillName      string
	TaskID         string
	IdempotencyKey string
	ParamsJSON     string
	InputsJSON     string
	OutputJSON     string
	Status         string
	ErrorCode      string
	StartedAt      string
	FinishedAt     string
}

// InsertSkillRun records one skill invocation.
func (s *Store) InsertSkillRun(r *SkillRun) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.StartedAt == "" {
		r.StartedAt = util.NowISO()
	}
	_, err := s.db.Exec(`INSERT INTO skill_runs
		(run_id, skill_name, task_id, idempotency_key, params_json, inputs_json,
		 output_json, status, error_code, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.SkillName, nullable(r.TaskID), nullable(r.IdempotencyKey),
		nullable(r.ParamsJSON), nullable(r.InputsJSON), nullable(r.OutputJSON),
		r.Status, nullable(r.ErrorCode), r.StartedAt, nullable(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert skill run %s: %w", r.SkillName, err)
	}
	return nil
}

// CachedSkillRun returns the latest successful run for a skill and
// idempotency key, or nil.
func (s *Store) CachedSkillRun(skillName, idempotencyKey string) (*SkillRun, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT run_id, skill_name, task_id, idempotency_key, params_json,
		inputs_json, output_json, status, error_code, started_at, finished_at
		FROM skill_runs
		WHERE skill_name = ? AND idempotency_key = ? AND status = 'OK'
		ORDER BY started_at DESC LIMIT 1`, skillName, idempotencyKey)
	var (
		r                                            SkillRun
		taskID, key, params, inputs, output          sql.NullString
		errCode, finished                            sql.NullString
	)
	err := row.Scan(&r.RunID, &r.SkillName, &taskID, &key, &params, &inputs,
		&output, &r.Status, &errCode, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached skill run: %w", err)
	}
	r.TaskID = taskID.String
	r.IdempotencyKey = key.String
	r.ParamsJSON = params.String
	r.InputsJSON = inputs.String
	r.OutputJSON = output.String
	r.ErrorCode = errCode.String
	r.FinishedAt = finished.String
	return &r, nil
}

// ---- prompt store ----

// Prompt is one versioned prompt text.
type Prompt struct {
	PromptID  string
	Name      string
	Version   int
	Content   string
	SHA256    string
	CreatedAt string
}

// RegisterPrompt stores content under name, allocating the next version
// when the content hash is new. Re-registering identical content returns
// the existing row.
func (s *Store) RegisterPrompt(name, content string) (*Prompt, error) {
	sha := util.SHA256Hex([]byte(content))
	existing, err := s.promptByHash(name, sha)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	var maxV sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM prompts WHERE name = ?`, name).Scan(&maxV); err != nil {
		return nil, fmt.Errorf("prompt version for %s: %w", name, err)
	}
	p := &Prompt{
		PromptID:  uuid.NewString(),
		Name:      name,
		Version:   int(maxV.Int64) + 1,
		Content:   content,
		SHA256:    sha,
		CreatedAt: util.NowISO(),
	}
	_, err = s.db.Exec(`INSERT INTO prompts (prompt_id, name, version, content, sha256, created_at)
		VALUES (?,?,?,?,?,?)`,
		p.PromptID, p.Name, p.Version, p.Content, p.SHA256, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register prompt %s: %w", name, err)
	}
	return p, nil
}

// LatestPrompt returns the newest version of a named prompt, or nil.
func (s *Store) LatestPrompt(name string) (*Prompt, error) {
	row := s.db.QueryRow(`SELECT prompt_id, name, version, content, sha256, created_at
		FROM prompts WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	return scanPrompt(row)
}

// ListPromptNames returns the distinct prompt names with their newest
// version numbers.
func (s *Store) ListPromptNames() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT name, MAX(version) FROM prompts GROUP BY name ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var v int
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

func (s *Store) promptByHash(name, sha string) (*Prompt, error) {
	row := s.db.QueryRow(`SELECT prompt_id, name, version, content, sha256, created_at
		FROM prompts WHERE name = ? AND sha256 = ? ORDER BY version DESC LIMIT 1`, name, sha)
	return scanPrompt(row)
}

func scanPrompt(row *sql.Row) (*Prompt, error) {
	var p Prompt
	err := row.Scan(&p.PromptID, &p.Name, &p.Version, &p.Content, &p.SHA256, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	return &p, nil
}

// ---- input file tracking ----

// InputFile is the scan cache row for one workspace input file.
type InputFile struct {
	Path      string
	SHA256    string
	Size      int64
	MTime     string
	FirstSeen string
	LastSeen  string
	Removed   bool
}

// UpsertInputFile refreshes the scan cache entry for a path.
func (s *Store) UpsertInputFile(f *InputFile) error {
	now := util.NowISO()
	_, err := s.db.Exec(`INSERT INTO input_files (path, sha256, size, mtime, first_seen, last_seen, removed)
		VALUES (?,?,?,?,?,?,0)
		ON CONFLICT(path) DO UPDATE SET
			sha256 = excluded.sha256,
			size = excluded.size,
			mtime = excluded.mtime,
			last_seen = excluded.last_seen,
			removed = 0`,
		f.Path, nullable(f.SHA256), f.Size, nullable(f.MTime), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert input file %s: %w", f.Path, err)
	}
	return nil
}

// ListTrackedInputFiles returns live (not removed) cache rows.
func (s *Store) ListTrackedInputFiles() ([]*InputFile, error) {
	rows, err := s.db.Query(`SELECT path, sha256, size, mtime, first_seen, last_seen, removed
		FROM input_files WHERE removed = 0 ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list input files: %w", err)
	}
	defer rows.Close()
	var out []*InputFile
	for rows.Next() {
		var (
			f            InputFile
			sha, mtime   sql.NullString
			removed      int
		)
		if err := rows.Scan(&f.Path, &sha, &f.Size, &mtime, &f.FirstSeen, &f.LastSeen, &removed); err != nil {
			return nil, err
		}
		f.SHA256 = sha.String
		f.MTime = mtime.String
		f.Removed = removed != 0
		out = append(out, &f)
	}
	return out, rows.Err()
}

// MarkInputFileRemoved flags a tracked path as gone from disk.
func (s *Store) MarkInputFileRemoved(path string) error {
	_, err := s.db.Exec(`UPDATE input_files SET removed = 1, last_seen = ? WHERE path = ?`,
		util.NowISO(), path)
	if err != nil {
		return fmt.Errorf("mark input removed %s: %w", path, err)
	}
	return nil
}

// ---- approvals ----

// InsertApproval records a human approval note for a plan or task.
func (s *Store) InsertApproval(planID, taskID, approvedBy, note string) error {
	_, err := s.db.Exec(`INSERT INTO approvals (approval_id, plan_id, task_id, approved_by, note, created_at)
		VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), planID, nullable(taskID), nullable(approvedBy), nullable(note), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}
