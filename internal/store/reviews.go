package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// InsertReview persists a reviewer verdict. The idempotency key is minted
// from (check_task_id, reviewed_artifact_id) when absent.
func (s *Store) InsertReview(r *model.Review) error {
	if r.ReviewID == "" {
		r.ReviewID = uuid.NewString()
	}
	if r.Reviewer == "" {
		r.Reviewer = string(model.OwnerReviewer)
	}
	if r.IdempotencyKey == "" && r.CheckTaskID != "" && r.ReviewedArtifactID != "" {
		r.IdempotencyKey = util.HashParts(r.CheckTaskID, r.ReviewedArtifactID)
	}
	_, err := s.db.Exec(`INSERT INTO reviews
		(review_id, check_task_id, review_target_task_id, reviewed_artifact_id, reviewer,
		 total_score, verdict, breakdown_json, suggestions_json, summary,
		 acceptance_results_json, idempotency_key, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ReviewID, nullable(r.CheckTaskID), nullable(r.ReviewTargetTaskID),
		nullable(r.ReviewedArtifactID), r.Reviewer, r.TotalScore, string(r.Verdict),
		marshalOrNil(nilIfEmptySlice(r.Breakdown)), marshalOrNil(nilIfEmptySlice(r.Suggestions)),
		nullable(r.Summary), marshalOrNil(nilIfEmptySlice(r.AcceptanceResults)),
		nullable(r.IdempotencyKey), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("insert review %s: %w", r.ReviewID, err)
	}
	return nil
}

// ReviewByIdempotencyKey returns the review stored under key, or nil.
func (s *Store) ReviewByIdempotencyKey(key string) (*model.Review, error) {
	reviews, err := s.queryReviews(`WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return nil, nil
	}
	return reviews[0], nil
}

// ReviewsForCheck returns reviews recorded by a CHECK node, newest first.
func (s *Store) ReviewsForCheck(checkTaskID string) ([]*model.Review, error) {
	return s.queryReviews(`WHERE check_task_id = ?`, checkTaskID)
}

// LatestReviewForTarget returns the most recent review of an ACTION.
func (s *Store) LatestReviewForTarget(targetTaskID string) (*model.Review, error) {
	reviews, err := s.queryReviews(`WHERE review_target_task_id = ?`, targetTaskID)
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return nil, nil
	}
	return reviews[0], nil
}

func (s *Store) queryReviews(where string, args ...any) ([]*model.Review, error) {
	rows, err := s.db.Query(`SELECT review_id, check_task_id, review_target_task_id,
		reviewed_artifact_id, reviewer, total_score, verdict, breakdown_json,
		suggestions_json, summary, acceptance_results_json, idempotency_key, created_at
		FROM reviews `+where+` ORDER BY created_at DESC, review_id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	var out []*model.Review
	for rows.Next() {
		var (
			r                                      model.Review
			check, target, artifact, summary, key  sql.NullString
			breakdown, suggestions, acceptance     sql.NullString
			createdAt                              string
		)
		if err := rows.Scan(&r.ReviewID, &check, &target, &artifact, &r.Reviewer,
			&r.TotalScore, &r.Verdict, &breakdown, &suggestions, &summary,
			&acceptance, &key, &createdAt); err != nil {
			return nil, err
		}
		r.CheckTaskID = check.String
		r.ReviewTargetTaskID = target.String
		r.ReviewedArtifactID = artifact.String
		r.Summary = summary.String
		r.IdempotencyKey = key.String
		if breakdown.Valid {
			_ = json.Unmarshal([]byte(breakdown.String), &r.Breakdown)
		}
		if suggestions.Valid {
			_ = json.Unmarshal([]byte(suggestions.String), &r.Suggestions)
		}
		if acceptance.Valid {
			_ = json.Unmarshal([]byte(acceptance.String), &r.AcceptanceResults)
		}
		r.CreatedAt = util.ParseISO(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
