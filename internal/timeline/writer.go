package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry kinds. Status entries mark lifecycle transitions and drive milestone
// counts; note entries record clarification round trips and panel actions
// without implying forward progress.
const (
	KindStatus = "status"
	KindNote   = "note"
)

// Writer appends immutable timeline entries inside the caller's transaction.
// Rows are never updated or deleted; the table is the canonical audit trail.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, proposalID, status, kind, actorID string, actorRoles []string, note string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var rolesJSON any
	if len(actorRoles) > 0 {
		data, err := json.Marshal(actorRoles)
		if err != nil {
			return fmt.Errorf("marshal actor roles: %w", err)
		}
		rolesJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO timeline_entries(proposal_id,status,kind,actor_id,actor_roles,note,ts) VALUES (?,?,?,?,?,?,?)`,
		proposalID, status, kind, actorID, rolesJSON, nullable(note), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
