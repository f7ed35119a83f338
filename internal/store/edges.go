package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
)

// InsertEdge writes one graph edge.
func (s *Store) InsertEdge(e *model.TaskEdge) error {
	return s.insertEdgeExec(s.db, e)
}

// InsertEdgeTx writes one graph edge inside a transaction.
func (s *Store) InsertEdgeTx(tx *sql.Tx, e *model.TaskEdge) error {
	return s.insertEdgeExec(tx, e)
}

func (s *Store) insertEdgeExec(ex execer, e *model.TaskEdge) error {
	if e.EdgeID == "" {
		e.EdgeID = uuid.NewString()
	}
	_, err := ex.Exec(`INSERT INTO task_edges (edge_id, plan_id, from_task_id, to_task_id, edge_type, and_or, group_id)
		VALUES (?,?,?,?,?,?,?)`,
		e.EdgeID, e.PlanID, e.FromTaskID, e.ToTaskID, string(e.EdgeType),
		nullable(string(e.AndOr)), nullable(e.GroupID),
	)
	if err != nil {
		return fmt.Errorf("insert edge %s->%s: %w", e.FromTaskID, e.ToTaskID, err)
	}
	return nil
}

// ListEdges returns every edge of a plan.
func (s *Store) ListEdges(planID string) ([]*model.TaskEdge, error) {
	rows, err := s.db.Query(
		`SELECT edge_id, plan_id, from_task_id, to_task_id, edge_type, and_or, group_id
		 FROM task_edges WHERE plan_id = ? ORDER BY edge_id`, planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	var out []*model.TaskEdge
	for rows.Next() {
		var (
			e               model.TaskEdge
			andOr, groupID  sql.NullString
		)
		if err := rows.Scan(&e.EdgeID, &e.PlanID, &e.FromTaskID, &e.ToTaskID, &e.EdgeType, &andOr, &groupID); err != nil {
			return nil, err
		}
		e.AndOr = model.AndOr(andOr.String)
		e.GroupID = groupID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEdge removes one edge.
func (s *Store) DeleteEdge(edgeID string) error {
	_, err := s.db.Exec(`DELETE FROM task_edges WHERE edge_id = ?`, edgeID)
	if err != nil {
		return fmt.Errorf("delete edge %s: %w", edgeID, err)
	}
	return nil
}
