package repo

import (
	"context"
	"database/sql"

	"reviewline/internal/domain"
)

// Expert assignment statuses as stored.
const (
	AssignmentAssigned   = "assigned"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentWithdrawn  = "withdrawn"
)

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.ExpertAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO expert_assignments(id,proposal_id,reviewer_id,status,report_ref,assigned_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProposalID, a.ReviewerID, a.Status, nullableStringPtr(a.ReportRef), a.AssignedAt, a.UpdatedAt)
	return err
}

// GetActiveAssignment returns the reviewer's assignment that is still
// assigned or in progress. Withdrawn and completed rows do not count. A
// non-nil tx makes the read see the transaction's own uncommitted writes;
// callers holding a write lock must pass their tx or the read deadlocks on
// a second connection.
func (r Repo) GetActiveAssignment(ctx context.Context, tx *sql.Tx, proposalID, reviewerID string) (domain.ExpertAssignment, error) {
	queryRow := r.DB.QueryRowContext
	if tx != nil {
		queryRow = tx.QueryRowContext
	}
	row := queryRow(ctx, `SELECT id,proposal_id,reviewer_id,status,report_ref,assigned_at,updated_at
FROM expert_assignments WHERE proposal_id=? AND reviewer_id=? AND status IN (?,?) LIMIT 1`,
		proposalID, reviewerID, AssignmentAssigned, AssignmentInProgress)
	return scanAssignment(row.Scan)
}

// SetAssignmentStatus moves one assignment row forward, guarded on its
// current status so two reviewers never contend and a stale caller matches
// zero rows. Returns ErrNotFound when nothing matched.
func (r Repo) SetAssignmentStatus(ctx context.Context, tx *sql.Tx, proposalID, reviewerID, status string, reportRef *string, updatedAt string, allowedFrom ...string) error {
	query := `UPDATE expert_assignments SET status=?, updated_at=?`
	args := []any{status, updatedAt}
	if reportRef != nil {
		query += `, report_ref=?`
		args = append(args, *reportRef)
	}
	query += ` WHERE proposal_id=? AND reviewer_id=? AND status IN (`
	args = append(args, proposalID, reviewerID)
	for i, from := range allowedFrom {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, from)
	}
	query += ")"
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssignments(ctx context.Context, proposalID string) ([]domain.ExpertAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,reviewer_id,status,report_ref,assigned_at,updated_at
FROM expert_assignments WHERE proposal_id=? ORDER BY assigned_at ASC, id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExpertAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAssignment(scan func(dest ...any) error) (domain.ExpertAssignment, error) {
	var a domain.ExpertAssignment
	var ref sql.NullString
	err := scan(&a.ID, &a.ProposalID, &a.ReviewerID, &a.Status, &ref, &a.AssignedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if ref.Valid {
		a.ReportRef = &ref.String
	}
	return a, nil
}
