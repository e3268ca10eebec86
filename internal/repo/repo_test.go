package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func insertProposal(t *testing.T, r repo.Repo, conn *sql.DB, id string) domain.Proposal {
	t.Helper()
	ctx := context.Background()
	p := domain.Proposal{
		ID:             id,
		Title:          "title " + id,
		InvestigatorID: "inv-1",
		Status:         "draft",
		Version:        1,
		CreatedAt:      "2026-03-01T00:00:00Z",
		UpdatedAt:      "2026-03-01T00:00:00Z",
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertProposal(ctx, tx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return p
}

func TestUpdateProposalCAS(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	p := insertProposal(t, r, conn, "p1")

	p.Status = "ai_evaluation_pending"
	tx, _ := conn.Begin()
	if err := r.UpdateProposalCAS(ctx, tx, p, 1); err != nil {
		t.Fatalf("cas: %v", err)
	}
	tx.Commit()

	got, err := r.GetProposal(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Status != "ai_evaluation_pending" {
		t.Fatalf("after cas: %s v%d", got.Status, got.Version)
	}

	// Retrying with the consumed version must match zero rows.
	tx, _ = conn.Begin()
	err = r.UpdateProposalCAS(ctx, tx, p, 1)
	tx.Rollback()
	if err != repo.ErrVersionConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestOnlyOneOpenClarificationRound(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	insertProposal(t, r, conn, "p1")

	open := domain.ClarificationRequest{
		ID: "c1", ProposalID: "p1", RequestedBy: "cmpdi-1",
		Question: "q1", RequestedAt: "2026-03-01T00:00:00Z", RoundNumber: 1,
	}
	tx, _ := conn.Begin()
	if err := r.InsertClarification(ctx, tx, open); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx.Commit()

	// The partial unique index rejects a second unanswered round.
	second := open
	second.ID = "c2"
	second.RoundNumber = 2
	tx, _ = conn.Begin()
	err := r.InsertClarification(ctx, tx, second)
	tx.Rollback()
	if err == nil {
		t.Fatalf("second open round must violate the unique index")
	}

	tx, _ = conn.Begin()
	if err := r.CloseClarification(ctx, tx, "c1", "a1", "2026-03-02T00:00:00Z"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.InsertClarification(ctx, tx, second); err != nil {
		t.Fatalf("insert after close: %v", err)
	}
	tx.Commit()

	n, err := r.CountClarificationRounds(ctx, "p1")
	if err != nil || n != 2 {
		t.Fatalf("rounds = %d, %v", n, err)
	}
	c, err := r.OpenClarification(ctx, "p1")
	if err != nil || c.ID != "c2" {
		t.Fatalf("open round = %+v, %v", c, err)
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	secret := "rvl_live_0123456789"
	key := domain.APIKey{
		ID:        "k1",
		ActorID:   "inv-1",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: "2026-03-01T00:00:00Z",
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil || got.ActorID != "inv-1" {
		t.Fatalf("lookup: %+v, %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); err != repo.ErrNotFound {
		t.Fatalf("wrong key should be not found, got %v", err)
	}

	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); err != repo.ErrNotFound {
		t.Fatalf("deleted key should be not found, got %v", err)
	}
}

func TestRoleGrants(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	if err := r.GrantRole(ctx, "carol", "cmpdi"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Granting twice is a no-op, not an error.
	if err := r.GrantRole(ctx, "carol", "cmpdi"); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if err := r.GrantRole(ctx, "carol", "tssrc"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	roles, err := r.ActorRoles(ctx, "carol")
	if err != nil || len(roles) != 2 {
		t.Fatalf("roles = %v, %v", roles, err)
	}

	if err := r.RevokeRole(ctx, "carol", "cmpdi"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	roles, err = r.ActorRoles(ctx, "carol")
	if err != nil || len(roles) != 1 || roles[0] != "tssrc" {
		t.Fatalf("roles after revoke = %v, %v", roles, err)
	}
}

func TestTimelineAfterPagesInInsertOrder(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	insertProposal(t, r, conn, "p1")

	for i := 0; i < 5; i++ {
		_, err := conn.ExecContext(ctx, `INSERT INTO timeline_entries(proposal_id,status,kind,actor_id,actor_roles,note,ts)
VALUES ('p1','draft','note','inv-1','[]','','2026-03-01T00:00:00Z')`)
		if err != nil {
			t.Fatalf("seed entry %d: %v", i, err)
		}
	}

	latest, err := r.LatestTimelineID(ctx)
	if err != nil || latest == 0 {
		t.Fatalf("latest = %d, %v", latest, err)
	}

	var cursor int64
	var total int
	for {
		entries, err := r.TimelineAfter(ctx, 2, cursor)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if e.ID <= cursor {
				t.Fatalf("entry %d out of order after cursor %d", e.ID, cursor)
			}
			cursor = e.ID
		}
		total += len(entries)
	}
	if total != 5 {
		t.Fatalf("paged %d entries, want 5", total)
	}
	if cursor != latest {
		t.Fatalf("final cursor %d != latest %d", cursor, latest)
	}
}
