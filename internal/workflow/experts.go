package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/repo"
)

// ExpertManager tracks the optional CMPDI expert panel for a proposal. The
// stage is satisfied only when every non-withdrawn assignment has reported
// ("N of N", not "first expert wins") or when CMPDI explicitly skipped the
// stage with no assignments outstanding.
type ExpertManager struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (m ExpertManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Assign creates a new assignment for reviewerID. The caller holds the
// transaction and is responsible for stage checks on the proposal itself.
func (m ExpertManager) Assign(ctx context.Context, tx *sql.Tx, proposalID, reviewerID string) (domain.ExpertAssignment, error) {
	if _, err := m.Repo.GetActiveAssignment(ctx, tx, proposalID, reviewerID); err == nil {
		return domain.ExpertAssignment{}, DuplicateAssignmentError{ProposalID: proposalID, ReviewerID: reviewerID}
	} else if err != repo.ErrNotFound {
		return domain.ExpertAssignment{}, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	a := domain.ExpertAssignment{
		ID:         uuid.New().String(),
		ProposalID: proposalID,
		ReviewerID: reviewerID,
		Status:     repo.AssignmentAssigned,
		AssignedAt: now,
		UpdatedAt:  now,
	}
	if err := m.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.ExpertAssignment{}, err
	}
	return a, nil
}

// Start moves the reviewer's assignment to in_progress.
func (m ExpertManager) Start(ctx context.Context, tx *sql.Tx, proposalID, reviewerID string) error {
	now := m.now().UTC().Format(time.RFC3339)
	err := m.Repo.SetAssignmentStatus(ctx, tx, proposalID, reviewerID, repo.AssignmentInProgress, nil, now, repo.AssignmentAssigned)
	if err == repo.ErrNotFound {
		return UnknownAssignmentError{ProposalID: proposalID, ReviewerID: reviewerID}
	}
	return err
}

// RecordReport completes the reviewer's assignment with a report reference.
// The update is guarded on the assignment row alone, so two reviewers
// reporting concurrently never conflict.
func (m ExpertManager) RecordReport(ctx context.Context, tx *sql.Tx, proposalID, reviewerID, reportRef string) error {
	now := m.now().UTC().Format(time.RFC3339)
	err := m.Repo.SetAssignmentStatus(ctx, tx, proposalID, reviewerID, repo.AssignmentCompleted, &reportRef, now,
		repo.AssignmentAssigned, repo.AssignmentInProgress)
	if err == repo.ErrNotFound {
		return UnknownAssignmentError{ProposalID: proposalID, ReviewerID: reviewerID}
	}
	return err
}

// Withdraw supersedes the reviewer's active assignment. The record stays in
// place, it just stops counting toward stage satisfaction.
func (m ExpertManager) Withdraw(ctx context.Context, tx *sql.Tx, proposalID, reviewerID string) error {
	now := m.now().UTC().Format(time.RFC3339)
	err := m.Repo.SetAssignmentStatus(ctx, tx, proposalID, reviewerID, repo.AssignmentWithdrawn, nil, now,
		repo.AssignmentAssigned, repo.AssignmentInProgress)
	if err == repo.ErrNotFound {
		return UnknownAssignmentError{ProposalID: proposalID, ReviewerID: reviewerID}
	}
	return err
}

// StageSatisfied reports whether the expert stage blocks acceptance. Pending
// counts the non-withdrawn assignments still missing a report. A skipped
// stage is always satisfied; an untouched stage (no assignments, no skip) is
// not.
func (m ExpertManager) StageSatisfied(ctx context.Context, p domain.Proposal) (bool, int, error) {
	if p.ExpertReviewSkipped {
		return true, 0, nil
	}
	assignments, err := m.Repo.ListAssignments(ctx, p.ID)
	if err != nil {
		return false, 0, err
	}
	live, pending := 0, 0
	for _, a := range assignments {
		if a.Status == repo.AssignmentWithdrawn {
			continue
		}
		live++
		if a.Status != repo.AssignmentCompleted {
			pending++
		}
	}
	if live == 0 {
		return false, 0, nil
	}
	return pending == 0, pending, nil
}

// LiveAssignments counts assignments that have not been withdrawn.
func (m ExpertManager) LiveAssignments(ctx context.Context, proposalID string) (int, error) {
	assignments, err := m.Repo.ListAssignments(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assignments {
		if a.Status != repo.AssignmentWithdrawn {
			n++
		}
	}
	return n, nil
}
