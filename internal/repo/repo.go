package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap write matched
	// zero rows because the proposal's version moved underneath the caller.
	ErrVersionConflict = errors.New("version conflict")
)

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,title,investigator_id,status,version,expert_review_skipped,resubmission_of,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.InvestigatorID, p.Status, p.Version, boolInt(p.ExpertReviewSkipped), nullableStringPtr(p.ResubmissionOf), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var skipped int
	var resubmission sql.NullString
	err := scan(&p.ID, &p.Title, &p.InvestigatorID, &p.Status, &p.Version, &skipped, &resubmission, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ExpertReviewSkipped = skipped != 0
	if resubmission.Valid {
		p.ResubmissionOf = &resubmission.String
	}
	return p, nil
}

const proposalColumns = `id,title,investigator_id,status,version,expert_review_skipped,resubmission_of,created_at,updated_at`

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

// UpdateProposalCAS writes status, skip flag and timestamps iff the stored
// version still equals expectedVersion, bumping the version in the same
// statement. Status and version live in one row so the swap is atomic.
func (r Repo) UpdateProposalCAS(ctx context.Context, tx *sql.Tx, p domain.Proposal, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, version=version+1, expert_review_skipped=?, updated_at=? WHERE id=? AND version=?`,
		p.Status, boolInt(p.ExpertReviewSkipped), p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type ProposalFilters struct {
	Status          string
	InvestigatorID  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.InvestigatorID != "" {
		clauses = append(clauses, "investigator_id=?")
		args = append(args, f.InvestigatorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListTimeline returns the full audit trail for a proposal in append order.
func (r Repo) ListTimeline(ctx context.Context, proposalID string) ([]domain.TimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,status,kind,actor_id,actor_roles,note,ts FROM timeline_entries WHERE proposal_id=? ORDER BY id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

// TimelineAfter returns timeline entries with IDs greater than the cursor in
// ascending order, across all proposals. Used by the webhook dispatcher.
func (r Repo) TimelineAfter(ctx context.Context, limit int, cursor int64) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,status,kind,actor_id,actor_roles,note,ts FROM timeline_entries WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

// LatestTimelineID returns the most recent timeline entry ID.
func (r Repo) LatestTimelineID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline_entries`).Scan(&id)
	return id, err
}

func collectTimeline(rows *sql.Rows) ([]domain.TimelineEntry, error) {
	var res []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var roles, note sql.NullString
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.Status, &e.Kind, &e.ActorID, &roles, &note, &e.TS); err != nil {
			return nil, err
		}
		if roles.Valid && roles.String != "" {
			_ = json.Unmarshal([]byte(roles.String), &e.ActorRoles)
		}
		if note.Valid {
			e.Note = note.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
