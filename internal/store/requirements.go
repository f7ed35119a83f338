package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// InsertRequirement declares an input requirement for a task.
func (s *Store) InsertRequirement(r *model.InputRequirement) error {
	return s.insertRequirementExec(s.db, r)
}

// InsertRequirementTx is InsertRequirement inside a transaction.
func (s *Store) InsertRequirementTx(tx *sql.Tx, r *model.InputRequirement) error {
	return s.insertRequirementExec(tx, r)
}

func (s *Store) insertRequirementExec(ex execer, r *model.InputRequirement) error {
	if r.RequirementID == "" {
		r.RequirementID = uuid.NewString()
	}
	if r.Kind == "" {
		r.Kind = model.ReqFile
	}
	if r.Source == "" {
		r.Source = model.SourceAny
	}
	if r.MinCount <= 0 {
		r.MinCount = 1
	}
	allowed := r.AllowedTypes
	if allowed == nil {
		allowed = []string{}
	}
	allowedJSON, _ := json.Marshal(allowed)
	_, err := ex.Exec(`INSERT INTO input_requirements
		(requirement_id, task_id, name, kind, required, min_count, allowed_types_json, source, validation_json)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.RequirementID, r.TaskID, r.Name, string(r.Kind), boolToInt(r.Required),
		r.MinCount, string(allowedJSON), string(r.Source), marshalOrNil(nilIfEmptyMap(r.Validation)),
	)
	if err != nil {
		return fmt.Errorf("insert requirement %s: %w", r.Name, err)
	}
	return nil
}

// ListRequirements returns a task's declared input requirements.
func (s *Store) ListRequirements(taskID string) ([]*model.InputRequirement, error) {
	rows, err := s.db.Query(`SELECT requirement_id, task_id, name, kind, required, min_count,
		allowed_types_json, source, validation_json
		FROM input_requirements WHERE task_id = ? ORDER BY name`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	var out []*model.InputRequirement
	for rows.Next() {
		var (
			r                      model.InputRequirement
			required               int
			allowedJSON            string
			validation             sql.NullString
		)
		if err := rows.Scan(&r.RequirementID, &r.TaskID, &r.Name, &r.Kind, &required,
			&r.MinCount, &allowedJSON, &r.Source, &validation); err != nil {
			return nil, err
		}
		r.Required = required != 0
		_ = json.Unmarshal([]byte(allowedJSON), &r.AllowedTypes)
		if validation.Valid {
			_ = json.Unmarshal([]byte(validation.String), &r.Validation)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListPlanRequirements returns every requirement declared by a plan's
// tasks.
func (s *Store) ListPlanRequirements(planID string) ([]*model.InputRequirement, error) {
	rows, err := s.db.Query(`SELECT r.requirement_id, r.task_id, r.name, r.kind, r.required,
		r.min_count, r.allowed_types_json, r.source, r.validation_json
		FROM input_requirements r
		JOIN task_nodes n ON n.task_id = r.task_id
		WHERE n.plan_id = ? ORDER BY r.name`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan requirements: %w", err)
	}
	defer rows.Close()
	var out []*model.InputRequirement
	for rows.Next() {
		var (
			r           model.InputRequirement
			required    int
			allowedJSON string
			validation  sql.NullString
		)
		if err := rows.Scan(&r.RequirementID, &r.TaskID, &r.Name, &r.Kind, &required,
			&r.MinCount, &allowedJSON, &r.Source, &validation); err != nil {
			return nil, err
		}
		r.Required = required != 0
		_ = json.Unmarshal([]byte(allowedJSON), &r.AllowedTypes)
		if validation.Valid {
			_ = json.Unmarshal([]byte(validation.String), &r.Validation)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// BindEvidence records a file satisfying a requirement. Duplicate paths
// for the same requirement are ignored.
func (s *Store) BindEvidence(ev *model.Evidence) error {
	if ev.EvidenceID == "" {
		ev.EvidenceID = uuid.NewString()
	}
	if ev.Source == "" {
		ev.Source = model.SourceUser
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM evidences WHERE requirement_id = ? AND path = ?`,
		ev.RequirementID, ev.Path,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO evidences (evidence_id, requirement_id, task_id, path, sha256, source, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		ev.EvidenceID, ev.RequirementID, ev.TaskID, ev.Path,
		nullable(ev.SHA256), string(ev.Source), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("bind evidence %s: %w", ev.Path, err)
	}
	return nil
}

// ListEvidence returns the evidence bound to a requirement.
func (s *Store) ListEvidence(requirementID string) ([]*model.Evidence, error) {
	rows, err := s.db.Query(`SELECT evidence_id, requirement_id, task_id, path, sha256, source, created_at
		FROM evidences WHERE requirement_id = ? ORDER BY created_at`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()
	var out []*model.Evidence
	for rows.Next() {
		var (
			ev        model.Evidence
			sha       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.EvidenceID, &ev.RequirementID, &ev.TaskID, &ev.Path, &sha, &ev.Source, &createdAt); err != nil {
			return nil, err
		}
		ev.SHA256 = sha.String
		ev.CreatedAt = util.ParseISO(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// EvidenceCount returns how many evidence rows satisfy a requirement.
func (s *Store) EvidenceCount(requirementID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM evidences WHERE requirement_id = ?`, requirementID).Scan(&n)
	return n, err
}

// RemoveEvidenceByPath deletes evidence rows pointing at a removed file.
func (s *Store) RemoveEvidenceByPath(path string) error {
	_, err := s.db.Exec(`DELETE FROM evidences WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("remove evidence %s: %w", path, err)
	}
	return nil
}
