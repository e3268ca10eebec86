package repo

import (
	"context"
	"database/sql"

	"reviewline/internal/domain"
)

func (r Repo) InsertClarification(ctx context.Context, tx *sql.Tx, c domain.ClarificationRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clarifications(id,proposal_id,requested_by,question,response,requested_at,responded_at,round_number)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.ProposalID, c.RequestedBy, c.Question, nullableStringPtr(c.Response), c.RequestedAt, nullableStringPtr(c.RespondedAt), c.RoundNumber)
	return err
}

// OpenClarification returns the single unanswered request for a proposal, or
// ErrNotFound when every round is closed.
func (r Repo) OpenClarification(ctx context.Context, proposalID string) (domain.ClarificationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,proposal_id,requested_by,question,response,requested_at,responded_at,round_number
FROM clarifications WHERE proposal_id=? AND responded_at IS NULL LIMIT 1`, proposalID)
	return scanClarification(row.Scan)
}

// CloseClarification records the response on the open round.
func (r Repo) CloseClarification(ctx context.Context, tx *sql.Tx, id, response, respondedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE clarifications SET response=?, responded_at=? WHERE id=? AND responded_at IS NULL`, response, respondedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountClarificationRounds(ctx context.Context, proposalID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM clarifications WHERE proposal_id=?`, proposalID).Scan(&n)
	return n, err
}

func (r Repo) ListClarifications(ctx context.Context, proposalID string) ([]domain.ClarificationRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,requested_by,question,response,requested_at,responded_at,round_number
FROM clarifications WHERE proposal_id=? ORDER BY round_number ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClarificationRequest
	for rows.Next() {
		c, err := scanClarification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanClarification(scan func(dest ...any) error) (domain.ClarificationRequest, error) {
	var c domain.ClarificationRequest
	var response, respondedAt sql.NullString
	err := scan(&c.ID, &c.ProposalID, &c.RequestedBy, &c.Question, &response, &c.RequestedAt, &respondedAt, &c.RoundNumber)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if response.Valid {
		c.Response = &response.String
	}
	if respondedAt.Valid {
		c.RespondedAt = &respondedAt.String
	}
	return c, nil
}
