package domain

// Proposal is the aggregate root for one grant proposal's review lifecycle.
// Status and Version are updated together in a single compare-and-swap write;
// Version is the optimistic lock every mutating call must present.
type Proposal struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	InvestigatorID      string  `json:"investigator_id"`
	Status              string  `json:"status"`
	Version             int64   `json:"version"`
	ExpertReviewSkipped bool    `json:"expert_review_skipped"`
	ResubmissionOf      *string `json:"resubmission_of,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// TimelineEntry is one immutable row of the audit trail. Kind is "status"
// for lifecycle transitions and "note" for clarification round trips and
// other non-progress annotations.
type TimelineEntry struct {
	ID         int64    `json:"id"`
	ProposalID string   `json:"proposal_id"`
	Status     string   `json:"status"`
	Kind       string   `json:"kind" enum:"status,note"`
	ActorID    string   `json:"actor_id"`
	ActorRoles []string `json:"actor_roles,omitempty"`
	Note       string   `json:"note,omitempty"`
	TS         string   `json:"ts" format:"date-time"`
}

// ExpertAssignment tracks one reviewer's engagement on one proposal.
// Assignments are superseded by reassignment (status withdrawn), never
// deleted.
type ExpertAssignment struct {
	ID         string  `json:"id"`
	ProposalID string  `json:"proposal_id"`
	ReviewerID string  `json:"reviewer_id"`
	Status     string  `json:"status" enum:"assigned,in_progress,completed,withdrawn"`
	ReportRef  *string `json:"report_ref,omitempty"`
	AssignedAt string  `json:"assigned_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// ClarificationRequest is one round of the committee/investigator
// clarification loop. At most one row per proposal has RespondedAt unset.
type ClarificationRequest struct {
	ID          string  `json:"id"`
	ProposalID  string  `json:"proposal_id"`
	RequestedBy string  `json:"requested_by"`
	Question    string  `json:"question"`
	Response    *string `json:"response,omitempty"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	RoundNumber int     `json:"round_number"`
}

// AIVerdict is the black-box pre-screening result consumed from the external
// screener.
type AIVerdict struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleGrant binds a persistent role to an actor, merged with token roles at
// request time.
type RoleGrant struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
