package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/repo"
	"reviewline/internal/timeline"
)

// CurrentVersion asks the engine to act on whatever version the proposal is
// at, with a bounded internal retry on races. API callers that carry a
// version from an earlier read pass it instead, and a mismatch fails fast.
const CurrentVersion int64 = -1

// DefaultTransitionRetries bounds the internal retry of the optimistic write.
const DefaultTransitionRetries = 3

// AIScreenerActorID is the synthetic actor recorded for screener verdicts.
const AIScreenerActorID = "ai-screener"

// ErrResubmissionSourceNotRejected rejects a resubmission that references a
// proposal still in flight or already accepted.
var ErrResubmissionSourceNotRejected = errors.New("resubmission may only reference a rejected proposal")

// Actor is the authenticated identity applying an operation.
type Actor struct {
	ID    string
	Roles []string
}

// Engine orchestrates the review workflow: it resolves edges through the
// guard, enforces the expert and clarification gates, and persists every
// status change as one compare-and-swap write plus a timeline append in a
// single transaction.
type Engine struct {
	DB             *sql.DB
	Repo           repo.Repo
	Timeline       timeline.Writer
	Guard          Guard
	Experts        ExpertManager
	Clarifications ClarificationManager
	Retries        int
	Now            func() time.Time

	// writeMu serializes write transactions. sqlite allows one writer at
	// a time anyway; taking the lock up front turns in-process races into
	// clean version conflicts instead of driver lock errors.
	writeMu sync.Mutex
}

// New wires an Engine over an open database. cfg may be nil; workflow
// tunables then take their defaults.
func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Timeline: timeline.Writer{DB: db},
		Retries:  DefaultTransitionRetries,
	}
	e.Experts = ExpertManager{Repo: e.Repo}
	e.Clarifications = ClarificationManager{Repo: e.Repo}
	if cfg != nil {
		if cfg.Workflow.TransitionRetries > 0 {
			e.Retries = cfg.Workflow.TransitionRetries
		}
		if cfg.Workflow.ClarificationRounds > 0 {
			e.Clarifications.Rounds = cfg.Workflow.ClarificationRounds
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) retries() int {
	if e.Retries > 0 {
		return e.Retries
	}
	return DefaultTransitionRetries
}

// CreateProposalOptions carries the fields for a new draft.
type CreateProposalOptions struct {
	Title          string
	InvestigatorID string
	// ResubmissionOf references a rejected proposal this draft supersedes.
	// The new proposal is an independent aggregate; the old one is never
	// mutated.
	ResubmissionOf string
	Actor          Actor
}

// CreateProposal inserts a new draft and its first timeline entry.
func (e *Engine) CreateProposal(ctx context.Context, opts CreateProposalOptions) (domain.Proposal, error) {
	if opts.Title == "" {
		return domain.Proposal{}, fmt.Errorf("title is required")
	}
	if opts.InvestigatorID == "" {
		return domain.Proposal{}, fmt.Errorf("investigator_id is required")
	}
	var resubmission *string
	if opts.ResubmissionOf != "" {
		prior, err := e.Repo.GetProposal(ctx, opts.ResubmissionOf)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Proposal{}, fmt.Errorf("resubmission_of %s: %w", opts.ResubmissionOf, repo.ErrNotFound)
			}
			return domain.Proposal{}, err
		}
		if s, err := ParseStatus(prior.Status); err != nil || !Rejected(s) {
			return domain.Proposal{}, fmt.Errorf("proposal %s has status %s: %w", prior.ID, prior.Status, ErrResubmissionSourceNotRejected)
		}
		resubmission = &prior.ID
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Proposal{
		ID:             uuid.New().String(),
		Title:          opts.Title,
		InvestigatorID: opts.InvestigatorID,
		Status:         string(StatusDraft),
		Version:        1,
		ResubmissionOf: resubmission,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	note := ""
	if resubmission != nil {
		note = "resubmission of " + *resubmission
	}
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindStatus, opts.Actor.ID, opts.Actor.Roles, note); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// TransitionOptions parameterizes ApplyTransition.
type TransitionOptions struct {
	ProposalID string
	Actor      Actor
	Kind       Kind
	// Target disambiguates edges when more than one of the kind exists.
	// Empty lets the engine resolve it; out of cmpdi_review an advance
	// goes to the expert stage when live assignments exist and to
	// cmpdi_accepted otherwise.
	Target Status
	// ExpectedVersion is the optimistic lock from the caller's last read.
	// CurrentVersion (-1) means "whatever it is now", retried internally.
	ExpectedVersion int64
	Note            string
}

// ApplyTransition fires an advance or reject edge. The write path is
// all-or-nothing: guard, gates, compare-and-swap status write and timeline
// append happen under one transaction, and a lost race either fails fast
// (explicit version) or retries from a fresh read.
func (e *Engine) ApplyTransition(ctx context.Context, opts TransitionOptions) (domain.Proposal, error) {
	if opts.Kind != KindAdvance && opts.Kind != KindReject {
		return domain.Proposal{}, IllegalTransitionError{Target: opts.Target, Kind: opts.Kind}
	}
	var lastConflict error
	for attempt := 0; attempt < e.retries(); attempt++ {
		p, err := e.applyTransitionOnce(ctx, opts)
		if err == repo.ErrVersionConflict {
			if opts.ExpectedVersion != CurrentVersion {
				return domain.Proposal{}, e.staleError(ctx, opts.ProposalID, opts.ExpectedVersion)
			}
			lastConflict = err
			continue
		}
		return p, err
	}
	if lastConflict != nil {
		return domain.Proposal{}, e.staleError(ctx, opts.ProposalID, opts.ExpectedVersion)
	}
	return domain.Proposal{}, repo.ErrVersionConflict
}

func (e *Engine) staleError(ctx context.Context, proposalID string, expected int64) error {
	current, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return StaleStateConflictError{ProposalID: proposalID, ExpectedVersion: expected}
	}
	return StaleStateConflictError{ProposalID: proposalID, ExpectedVersion: expected, CurrentVersion: current.Version}
}

func (e *Engine) applyTransitionOnce(ctx context.Context, opts TransitionOptions) (domain.Proposal, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if opts.ExpectedVersion != CurrentVersion && opts.ExpectedVersion != p.Version {
		return domain.Proposal{}, StaleStateConflictError{ProposalID: p.ID, ExpectedVersion: opts.ExpectedVersion, CurrentVersion: p.Version}
	}
	from, err := ParseStatus(p.Status)
	if err != nil {
		return domain.Proposal{}, err
	}

	target := opts.Target
	if target == "" && opts.Kind == KindAdvance && from == StatusCMPDIReview {
		live, err := e.Experts.LiveAssignments(ctx, p.ID)
		if err != nil {
			return domain.Proposal{}, err
		}
		if live > 0 {
			target = StatusCMPDIExpertReview
		} else {
			target = StatusCMPDIAccepted
		}
	}
	tr, err := e.Guard.Resolve(from, target, opts.Kind)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Guard.Authorize(opts.Actor.Roles, from, tr); err != nil {
		return domain.Proposal{}, err
	}

	if opts.Kind == KindAdvance {
		if open, err := e.Clarifications.Open(ctx, p.ID); err == nil {
			return domain.Proposal{}, OpenClarificationBlocksAdvanceError{ProposalID: p.ID, Round: open.RoundNumber}
		} else if err != repo.ErrNotFound {
			return domain.Proposal{}, err
		}
		if err := e.checkExpertGate(ctx, p, from, tr.Target); err != nil {
			return domain.Proposal{}, err
		}
	}

	p.Status = string(tr.Target)
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProposalCAS(ctx, tx, p, p.Version); err != nil {
		return domain.Proposal{}, err
	}
	p.Version++
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindStatus, opts.Actor.ID, opts.Actor.Roles, opts.Note); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// checkExpertGate blocks acceptance out of the CMPDI stages while assigned
// experts have outstanding reports, and blocks entering the expert stage
// before any assignment exists.
func (e *Engine) checkExpertGate(ctx context.Context, p domain.Proposal, from, target Status) error {
	switch target {
	case StatusCMPDIExpertReview:
		live, err := e.Experts.LiveAssignments(ctx, p.ID)
		if err != nil {
			return err
		}
		if live == 0 {
			return IllegalTransitionError{From: from, Target: target, Kind: KindAdvance}
		}
	case StatusCMPDIAccepted:
		// Acceptance requires an explicit decision on the expert stage:
		// every live assignment reported, or a recorded skip. A panel
		// never convened and never skipped blocks too, so the audit
		// trail always says which of the two happened.
		ok, pending, err := e.Experts.StageSatisfied(ctx, p)
		if err != nil {
			return err
		}
		if !ok {
			return ExpertStageIncompleteError{ProposalID: p.ID, Pending: pending}
		}
	}
	return nil
}

// RecordAIVerdict applies the external screener's verdict, advancing to
// CMPDI review on a pass and terminally rejecting otherwise. The write is
// attributed to the synthetic screener actor with the system role.
func (e *Engine) RecordAIVerdict(ctx context.Context, proposalID string, verdict domain.AIVerdict) (domain.Proposal, error) {
	kind := KindReject
	if verdict.Passed {
		kind = KindAdvance
	}
	return e.ApplyTransition(ctx, TransitionOptions{
		ProposalID:      proposalID,
		Actor:           Actor{ID: AIScreenerActorID, Roles: []string{RoleSystem}},
		Kind:            kind,
		ExpectedVersion: CurrentVersion,
		Note:            verdict.Notes,
	})
}

// expertRosterOpen reports whether an existing panel may still be reshaped.
// Fresh assignments are narrower: only cmpdi_review, before the stage is
// entered.
func expertRosterOpen(s Status) bool {
	return s == StatusCMPDIReview || s == StatusCMPDIExpertReview
}

// AssignExpert adds a reviewer to the proposal's panel. Only legal in
// cmpdi_review with no skip recorded; once the expert stage is underway the
// roster changes only through reassignment.
func (e *Engine) AssignExpert(ctx context.Context, proposalID string, actor Actor, reviewerID string) (domain.ExpertAssignment, error) {
	if reviewerID == "" {
		return domain.ExpertAssignment{}, fmt.Errorf("reviewer_id is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	defer tx.Rollback()

	p, from, err := e.loadForPanel(ctx, tx, proposalID, actor)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	if from != StatusCMPDIReview || p.ExpertReviewSkipped {
		return domain.ExpertAssignment{}, IllegalTransitionError{From: from, Target: StatusCMPDIExpertReview, Kind: KindAdvance}
	}
	a, err := e.Experts.Assign(ctx, tx, p.ID, reviewerID)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, "expert assigned: "+reviewerID); err != nil {
		return domain.ExpertAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExpertAssignment{}, err
	}
	return a, nil
}

// ReassignExpert withdraws one reviewer and assigns another in a single
// transaction so the panel is never observed half-swapped.
func (e *Engine) ReassignExpert(ctx context.Context, proposalID string, actor Actor, fromReviewer, toReviewer string) (domain.ExpertAssignment, error) {
	if toReviewer == "" {
		return domain.ExpertAssignment{}, fmt.Errorf("reviewer_id is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	defer tx.Rollback()

	p, from, err := e.loadForPanel(ctx, tx, proposalID, actor)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	if !expertRosterOpen(from) || p.ExpertReviewSkipped {
		return domain.ExpertAssignment{}, IllegalTransitionError{From: from, Target: StatusCMPDIExpertReview, Kind: KindAdvance}
	}
	if err := e.Experts.Withdraw(ctx, tx, p.ID, fromReviewer); err != nil {
		return domain.ExpertAssignment{}, err
	}
	a, err := e.Experts.Assign(ctx, tx, p.ID, toReviewer)
	if err != nil {
		return domain.ExpertAssignment{}, err
	}
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, "expert reassigned: "+fromReviewer+" -> "+toReviewer); err != nil {
		return domain.ExpertAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExpertAssignment{}, err
	}
	return a, nil
}

// StartExpertReview marks the reviewer's own assignment in progress.
func (e *Engine) StartExpertReview(ctx context.Context, proposalID string, actor Actor) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Experts.Start(ctx, tx, proposalID, actor.ID); err != nil {
		return err
	}
	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, "expert review started"); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordExpertReport completes the reviewer's assignment with a report
// reference. The guarded update touches only the reviewer's own row, so
// panel members reporting concurrently never race each other.
func (e *Engine) RecordExpertReport(ctx context.Context, proposalID string, actor Actor, reportRef string) error {
	if reportRef == "" {
		return fmt.Errorf("report_ref is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Experts.RecordReport(ctx, tx, proposalID, actor.ID, reportRef); err != nil {
		return err
	}
	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, "expert report recorded: "+reportRef); err != nil {
		return err
	}
	return tx.Commit()
}

// SkipExpertStage records CMPDI's irreversible decision not to convene a
// panel. Only legal in cmpdi_review with no live assignments; the flag is
// persisted through the same compare-and-swap write as a status change so
// concurrent assigns lose cleanly.
func (e *Engine) SkipExpertStage(ctx context.Context, proposalID string, actor Actor, expectedVersion int64) (domain.Proposal, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, from, err := e.loadForPanel(ctx, tx, proposalID, actor)
	if err != nil {
		return domain.Proposal{}, err
	}
	if expectedVersion != CurrentVersion && expectedVersion != p.Version {
		return domain.Proposal{}, StaleStateConflictError{ProposalID: p.ID, ExpectedVersion: expectedVersion, CurrentVersion: p.Version}
	}
	if from != StatusCMPDIReview || p.ExpertReviewSkipped {
		return domain.Proposal{}, IllegalTransitionError{From: from, Target: StatusCMPDIReview, Kind: KindAdvance}
	}
	live, err := e.Experts.LiveAssignments(ctx, p.ID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if live > 0 {
		return domain.Proposal{}, ExpertStageIncompleteError{ProposalID: p.ID, Pending: live}
	}
	p.ExpertReviewSkipped = true
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProposalCAS(ctx, tx, p, p.Version); err != nil {
		if err == repo.ErrVersionConflict {
			return domain.Proposal{}, e.staleError(ctx, p.ID, expectedVersion)
		}
		return domain.Proposal{}, err
	}
	p.Version++
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, "expert stage skipped"); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// loadForPanel reads the proposal and authorizes the actor for CMPDI panel
// management.
func (e *Engine) loadForPanel(ctx context.Context, tx *sql.Tx, proposalID string, actor Actor) (domain.Proposal, Status, error) {
	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, "", err
	}
	from, err := ParseStatus(p.Status)
	if err != nil {
		return domain.Proposal{}, "", err
	}
	if !hasRole(actor.Roles, RoleCMPDI) && !hasRole(actor.Roles, RoleAdmin) {
		return domain.Proposal{}, "", UnauthorizedError{Required: RoleCMPDI, Roles: actor.Roles}
	}
	return p, from, nil
}

// RequestClarification opens a question round toward the investigator. The
// proposal's status and version are untouched; the open round itself is the
// signal that blocks forward progress.
func (e *Engine) RequestClarification(ctx context.Context, proposalID string, actor Actor, question string) (domain.ClarificationRequest, error) {
	if question == "" {
		return domain.ClarificationRequest{}, fmt.Errorf("question is required")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	from, err := ParseStatus(p.Status)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	tr, err := e.Guard.Resolve(from, from, KindRequestClarification)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	if err := e.Guard.Authorize(actor.Roles, from, tr); err != nil {
		return domain.ClarificationRequest{}, err
	}
	c, err := e.Clarifications.Request(ctx, tx, p.ID, actor.ID, question)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	note := fmt.Sprintf("clarification round %d requested: %s", c.RoundNumber, question)
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, note); err != nil {
		return domain.ClarificationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ClarificationRequest{}, err
	}
	return c, nil
}

// RespondClarification closes the open round with the investigator's answer.
func (e *Engine) RespondClarification(ctx context.Context, proposalID string, actor Actor, response string) (domain.ClarificationRequest, error) {
	if response == "" {
		return domain.ClarificationRequest{}, fmt.Errorf("response is required")
	}
	if !hasRole(actor.Roles, RoleInvestigator) && !hasRole(actor.Roles, RoleAdmin) {
		return domain.ClarificationRequest{}, UnauthorizedError{Required: RoleInvestigator, Roles: actor.Roles}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	c, err := e.Clarifications.Respond(ctx, tx, p.ID, response)
	if err != nil {
		return domain.ClarificationRequest{}, err
	}
	note := fmt.Sprintf("clarification round %d answered", c.RoundNumber)
	if err := e.Timeline.Append(ctx, tx, p.ID, p.Status, timeline.KindNote, actor.ID, actor.Roles, note); err != nil {
		return domain.ClarificationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ClarificationRequest{}, err
	}
	return c, nil
}

// ProposalView is the aggregate read model: the proposal plus everything
// derived from it.
type ProposalView struct {
	Proposal       domain.Proposal
	Timeline       []domain.TimelineEntry
	Assignments    []domain.ExpertAssignment
	Clarifications []domain.ClarificationRequest
	Milestones     Milestones
}

// GetProposalView assembles the full read model for one proposal.
func (e *Engine) GetProposalView(ctx context.Context, proposalID string) (ProposalView, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	entries, err := e.Repo.ListTimeline(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	assignments, err := e.Repo.ListAssignments(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	clarifications, err := e.Repo.ListClarifications(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	live := 0
	for _, a := range assignments {
		if a.Status != repo.AssignmentWithdrawn {
			live++
		}
	}
	return ProposalView{
		Proposal:       p,
		Timeline:       entries,
		Assignments:    assignments,
		Clarifications: clarifications,
		Milestones:     ComputeMilestones(p, entries, live > 0),
	}, nil
}
