package workflow

import "fmt"

// Status is the closed set of proposal lifecycle states. Ordering of the
// forward path is DRAFT → AI_EVALUATION_PENDING → CMPDI_REVIEW →
// [CMPDI_EXPERT_REVIEW] → CMPDI_ACCEPTED → TSSRC_REVIEW → TSSRC_ACCEPTED →
// SSRC_REVIEW → SSRC_ACCEPTED, with a terminal rejection branch at every
// screening stage.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusAIEvaluationPending Status = "ai_evaluation_pending"
	StatusAIRejected          Status = "ai_rejected"
	StatusCMPDIReview         Status = "cmpdi_review"
	StatusCMPDIExpertReview   Status = "cmpdi_expert_review"
	StatusCMPDIAccepted       Status = "cmpdi_accepted"
	StatusCMPDIRejected       Status = "cmpdi_rejected"
	StatusTSSRCReview         Status = "tssrc_review"
	StatusTSSRCAccepted       Status = "tssrc_accepted"
	StatusTSSRCRejected       Status = "tssrc_rejected"
	StatusSSRCReview          Status = "ssrc_review"
	StatusSSRCAccepted        Status = "ssrc_accepted"
	StatusSSRCRejected        Status = "ssrc_rejected"
)

// Kind classifies a transition edge.
type Kind string

const (
	KindAdvance              Kind = "advance"
	KindReject               Kind = "reject"
	KindRequestClarification Kind = "request_clarification"
)

// Actor roles. RoleAdmin matches every edge; RoleSystem is reserved for the
// AI screener callback and is never minted into client tokens.
const (
	RoleInvestigator = "investigator"
	RoleCMPDI        = "cmpdi"
	RoleTSSRC        = "tssrc"
	RoleSSRC         = "ssrc"
	RoleExpert       = "expert"
	RoleSystem       = "system"
	RoleAdmin        = "admin"
)

// Transition is one legal edge out of a status.
type Transition struct {
	Target       Status
	RequiredRole string
	Kind         Kind
}

// ParseStatus validates a raw status string against the closed set.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusDraft, StatusAIEvaluationPending, StatusAIRejected,
		StatusCMPDIReview, StatusCMPDIExpertReview, StatusCMPDIAccepted, StatusCMPDIRejected,
		StatusTSSRCReview, StatusTSSRCAccepted, StatusTSSRCRejected,
		StatusSSRCReview, StatusSSRCAccepted, StatusSSRCRejected:
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Transitions returns the legal edge set out of a status. An empty result
// marks a terminal state. This is the only place the stage graph is defined;
// every other component consults it instead of re-encoding edges.
func Transitions(from Status) []Transition {
	switch from {
	case StatusDraft:
		return []Transition{
			{Target: StatusAIEvaluationPending, RequiredRole: RoleInvestigator, Kind: KindAdvance},
		}
	case StatusAIEvaluationPending:
		return []Transition{
			{Target: StatusCMPDIReview, RequiredRole: RoleSystem, Kind: KindAdvance},
			{Target: StatusAIRejected, RequiredRole: RoleSystem, Kind: KindReject},
		}
	case StatusCMPDIReview:
		return []Transition{
			{Target: StatusCMPDIExpertReview, RequiredRole: RoleCMPDI, Kind: KindAdvance},
			{Target: StatusCMPDIAccepted, RequiredRole: RoleCMPDI, Kind: KindAdvance},
			{Target: StatusCMPDIRejected, RequiredRole: RoleCMPDI, Kind: KindReject},
			{Target: StatusCMPDIReview, RequiredRole: RoleCMPDI, Kind: KindRequestClarification},
		}
	case StatusCMPDIExpertReview:
		return []Transition{
			{Target: StatusCMPDIAccepted, RequiredRole: RoleCMPDI, Kind: KindAdvance},
			{Target: StatusCMPDIRejected, RequiredRole: RoleCMPDI, Kind: KindReject},
			{Target: StatusCMPDIExpertReview, RequiredRole: RoleCMPDI, Kind: KindRequestClarification},
		}
	case StatusCMPDIAccepted:
		return []Transition{
			{Target: StatusTSSRCReview, RequiredRole: RoleTSSRC, Kind: KindAdvance},
		}
	case StatusTSSRCReview:
		return []Transition{
			{Target: StatusTSSRCAccepted, RequiredRole: RoleTSSRC, Kind: KindAdvance},
			{Target: StatusTSSRCRejected, RequiredRole: RoleTSSRC, Kind: KindReject},
			{Target: StatusTSSRCReview, RequiredRole: RoleTSSRC, Kind: KindRequestClarification},
		}
	case StatusTSSRCAccepted:
		return []Transition{
			{Target: StatusSSRCReview, RequiredRole: RoleSSRC, Kind: KindAdvance},
		}
	case StatusSSRCReview:
		return []Transition{
			{Target: StatusSSRCAccepted, RequiredRole: RoleSSRC, Kind: KindAdvance},
			{Target: StatusSSRCRejected, RequiredRole: RoleSSRC, Kind: KindReject},
			{Target: StatusSSRCReview, RequiredRole: RoleSSRC, Kind: KindRequestClarification},
		}
	case StatusAIRejected, StatusCMPDIRejected, StatusTSSRCRejected, StatusSSRCRejected, StatusSSRCAccepted:
		return nil
	}
	return nil
}

// Terminal reports whether no edge leaves the status.
func Terminal(s Status) bool {
	return len(Transitions(s)) == 0
}

// Rejected reports whether the status is one of the terminal rejections.
// Only rejected proposals may be referenced by a resubmission.
func Rejected(s Status) bool {
	switch s {
	case StatusAIRejected, StatusCMPDIRejected, StatusTSSRCRejected, StatusSSRCRejected:
		return true
	}
	return false
}
