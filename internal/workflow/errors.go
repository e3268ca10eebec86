package workflow

import "fmt"

// Error kinds form the stable wire vocabulary; the server maps them onto
// HTTP statuses without string matching.
const (
	KindIllegalTransition              = "illegal_transition"
	KindUnauthorized                   = "unauthorized"
	KindStaleStateConflict             = "stale_state_conflict"
	KindExpertStageIncomplete          = "expert_stage_incomplete"
	KindOpenClarificationBlocksAdvance = "open_clarification_blocks_advance"
	KindDuplicateAssignment            = "duplicate_assignment"
	KindUnknownAssignment              = "unknown_assignment"
	KindClarificationAlreadyOpen       = "clarification_already_open"
	KindRoundLimitExceeded             = "round_limit_exceeded"
)

// IllegalTransitionError means the requested edge does not exist for the
// proposal's current status.
type IllegalTransitionError struct {
	From   Status
	Target Status
	Kind   Kind
}

func (e IllegalTransitionError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("no %s transition from %s to %s", e.Kind, e.From, e.Target)
	}
	return fmt.Sprintf("no %s transition from %s", e.Kind, e.From)
}

func (e IllegalTransitionError) ErrorKind() string { return KindIllegalTransition }

// UnauthorizedError means none of the actor's roles may fire the edge.
type UnauthorizedError struct {
	Required string
	Roles    []string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("role %s required, actor has %v", e.Required, e.Roles)
}

func (e UnauthorizedError) ErrorKind() string { return KindUnauthorized }

// StaleStateConflictError means the caller's expected version lost a race.
type StaleStateConflictError struct {
	ProposalID      string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e StaleStateConflictError) Error() string {
	return fmt.Sprintf("proposal %s is at version %d, caller expected %d", e.ProposalID, e.CurrentVersion, e.ExpectedVersion)
}

func (e StaleStateConflictError) ErrorKind() string { return KindStaleStateConflict }

// ExpertStageIncompleteError blocks acceptance until the expert stage is
// decided: every assignment reported, or an explicit skip recorded. Pending
// is zero when no panel was ever convened.
type ExpertStageIncompleteError struct {
	ProposalID string
	Pending    int
}

func (e ExpertStageIncompleteError) Error() string {
	if e.Pending == 0 {
		return fmt.Sprintf("expert stage not decided for proposal %s: assign a panel or record a skip", e.ProposalID)
	}
	return fmt.Sprintf("expert stage not satisfied for proposal %s: %d assignment(s) pending", e.ProposalID, e.Pending)
}

func (e ExpertStageIncompleteError) ErrorKind() string { return KindExpertStageIncomplete }

// OpenClarificationBlocksAdvanceError blocks forward progress (never
// rejection) while a clarification round is unanswered.
type OpenClarificationBlocksAdvanceError struct {
	ProposalID string
	Round      int
}

func (e OpenClarificationBlocksAdvanceError) Error() string {
	return fmt.Sprintf("clarification round %d on proposal %s is still open", e.Round, e.ProposalID)
}

func (e OpenClarificationBlocksAdvanceError) ErrorKind() string {
	return KindOpenClarificationBlocksAdvance
}

type DuplicateAssignmentError struct {
	ProposalID string
	ReviewerID string
}

func (e DuplicateAssignmentError) Error() string {
	return fmt.Sprintf("reviewer %s already holds an active assignment on proposal %s", e.ReviewerID, e.ProposalID)
}

func (e DuplicateAssignmentError) ErrorKind() string { return KindDuplicateAssignment }

type UnknownAssignmentError struct {
	ProposalID string
	ReviewerID string
}

func (e UnknownAssignmentError) Error() string {
	return fmt.Sprintf("no active assignment for reviewer %s on proposal %s", e.ReviewerID, e.ProposalID)
}

func (e UnknownAssignmentError) ErrorKind() string { return KindUnknownAssignment }

type ClarificationAlreadyOpenError struct {
	ProposalID string
	Round      int
}

func (e ClarificationAlreadyOpenError) Error() string {
	return fmt.Sprintf("clarification round %d on proposal %s awaits a response", e.Round, e.ProposalID)
}

func (e ClarificationAlreadyOpenError) ErrorKind() string { return KindClarificationAlreadyOpen }

type RoundLimitExceededError struct {
	ProposalID string
	Limit      int
}

func (e RoundLimitExceededError) Error() string {
	return fmt.Sprintf("clarification round limit %d reached on proposal %s", e.Limit, e.ProposalID)
}

func (e RoundLimitExceededError) ErrorKind() string { return KindRoundLimitExceeded }

// Kinder is implemented by every workflow error; ErrKind extracts the wire
// kind for arbitrary errors.
type Kinder interface {
	ErrorKind() string
}
