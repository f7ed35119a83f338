package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// ErrArtifactNotFound is returned when an artifact id does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// InsertArtifact records a new artifact version for a task. Version is
// allocated as one past the task's current maximum.
func (s *Store) InsertArtifact(a *model.Artifact) error {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	if a.Version <= 0 {
		var maxV sql.NullInt64
		if err := s.db.QueryRow(
			`SELECT MAX(version) FROM artifacts WHERE task_id = ?`, a.TaskID,
		).Scan(&maxV); err != nil {
			return fmt.Errorf("artifact version for %s: %w", a.TaskID, err)
		}
		a.Version = int(maxV.Int64) + 1
	}
	_, err := s.db.Exec(`INSERT INTO artifacts (artifact_id, task_id, name, path, format, version, sha256, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ArtifactID, a.TaskID, a.Name, a.Path, a.Format, a.Version,
		nullable(a.SHA256), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.ArtifactID, err)
	}
	return nil
}

// GetArtifact loads one artifact.
func (s *Store) GetArtifact(artifactID string) (*model.Artifact, error) {
	row := s.db.QueryRow(`SELECT artifact_id, task_id, name, path, format, version, sha256, created_at
		FROM artifacts WHERE artifact_id = ?`, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}
	return a, err
}

// ListArtifacts returns a task's artifact versions, newest first.
func (s *Store) ListArtifacts(taskID string) ([]*model.Artifact, error) {
	rows, err := s.db.Query(`SELECT artifact_id, task_id, name, path, format, version, sha256, created_at
		FROM artifacts WHERE task_id = ? ORDER BY version DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(r rowScanner) (*model.Artifact, error) {
	var (
		a         model.Artifact
		sha       sql.NullString
		createdAt string
	)
	err := r.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &a.Format, &a.Version, &sha, &createdAt)
	if err != nil {
		return nil, err
	}
	a.SHA256 = sha.String
	a.CreatedAt = util.ParseISO(createdAt)
	return &a, nil
}
