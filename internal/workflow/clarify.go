package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/repo"
)

// ClarificationManager runs the committee/investigator question loop. A
// round never changes the proposal's status; the open request itself is what
// flags the proposal as "clarification pending", which keeps the status enum
// from doubling into *_WAITING_CLARIFICATION variants.
type ClarificationManager struct {
	Repo repo.Repo
	Now  func() time.Time
	// Rounds is the ceiling on rounds per proposal; zero means the
	// default of 3.
	Rounds int
}

const DefaultClarificationRounds = 3

func (m ClarificationManager) limit() int {
	if m.Rounds > 0 {
		return m.Rounds
	}
	return DefaultClarificationRounds
}

func (m ClarificationManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Request opens a new round. Fails while a previous round is unanswered or
// once the ceiling is reached.
func (m ClarificationManager) Request(ctx context.Context, tx *sql.Tx, proposalID, requestedBy, question string) (domain.ClarificationRequest, error) {
	if open, err := m.Repo.OpenClarification(ctx, proposalID); err == nil {
		return domain.ClarificationRequest{}, ClarificationAlreadyOpenError{ProposalID: proposalID, Round: open.RoundNumber}
	} else if err != repo.ErrNotFound {
		return domain.ClarificationRequest{}, err
	}
	rounds, err := m.Repo.CountClarificationRounds(ctx, proposalID)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	if rounds >= m.limit() {
		return domain.ClarificationRequest{}, RoundLimitExceededError{ProposalID: proposalID, Limit: m.limit()}
	}
	c := domain.ClarificationRequest{
		ID:          uuid.New().String(),
		ProposalID:  proposalID,
		RequestedBy: requestedBy,
		Question:    question,
		RequestedAt: m.now().UTC().Format(time.RFC3339),
		RoundNumber: rounds + 1,
	}
	if err := m.Repo.InsertClarification(ctx, tx, c); err != nil {
		return domain.ClarificationRequest{}, err
	}
	return c, nil
}

// Respond closes the open round with the investigator's answer. Returns
// repo.ErrNotFound when no round is open.
func (m ClarificationManager) Respond(ctx context.Context, tx *sql.Tx, proposalID, response string) (domain.ClarificationRequest, error) {
	open, err := m.Repo.OpenClarification(ctx, proposalID)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	respondedAt := m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.CloseClarification(ctx, tx, open.ID, response, respondedAt); err != nil {
		return domain.ClarificationRequest{}, err
	}
	open.Response = &response
	open.RespondedAt = &respondedAt
	return open, nil
}

// Open returns the unanswered round, or repo.ErrNotFound.
func (m ClarificationManager) Open(ctx context.Context, proposalID string) (domain.ClarificationRequest, error) {
	return m.Repo.OpenClarification(ctx, proposalID)
}
