package server

import (
	"reviewline/internal/domain"
	"reviewline/internal/workflow"
)

// Request payloads

type CreateProposalRequest struct {
	Title string `json:"title"`
	// InvestigatorID defaults to the authenticated actor; only admins may
	// submit on behalf of someone else.
	InvestigatorID *string `json:"investigator_id,omitempty"`
	ResubmissionOf *string `json:"resubmission_of,omitempty"`
}

type TransitionRequest struct {
	Kind   string `json:"kind" enum:"advance,reject"`
	Target string `json:"target,omitempty"`
	// ExpectedVersion is the version from the caller's last read. Omitted
	// means "current", with internal retry on races.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	Note            string `json:"note,omitempty"`
}

type AIVerdictRequest struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

type AssignExpertRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

type ReassignExpertRequest struct {
	FromReviewerID string `json:"from_reviewer_id"`
	ReviewerID     string `json:"reviewer_id"`
}

type ExpertReportRequest struct {
	ReportRef string `json:"report_ref"`
}

type SkipExpertStageRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type ClarificationRequestBody struct {
	Question string `json:"question"`
}

type ClarificationResponseBody struct {
	Response string `json:"response"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"investigator,cmpdi,tssrc,ssrc,expert,admin"`
}

// Response payloads

type ProposalResponse struct {
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

type TimelineEntryResponse struct {
	ID         int64    `json:"id"`
	Status     string   `json:"status"`
	Kind       string   `json:"kind" enum:"status,note"`
	ActorID    string   `json:"actor_id"`
	ActorRoles []string `json:"actor_roles,omitempty"`
	Note       string   `json:"note,omitempty"`
	TS         string   `json:"ts" format:"date-time"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	ReviewerID string  `json:"reviewer_id"`
	Status     string  `json:"status" enum:"assigned,in_progress,completed,withdrawn"`
	ReportRef  *string `json:"report_ref,omitempty"`
	AssignedAt string  `json:"assigned_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type ClarificationResponse struct {
	ID          string  `json:"id"`
	RequestedBy string  `json:"requested_by"`
	Question    string  `json:"question"`
	Response    *string `json:"response,omitempty"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	RoundNumber int     `json:"round_number"`
}

type MilestoneStageResponse struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

type TrackResponse struct {
	ProposalID string                   `json:"proposal_id"`
	Status     string                   `json:"status"`
	Completed  int                      `json:"completed"`
	Total      int                      `json:"total"`
	Stages     []MilestoneStageResponse `json:"stages"`
	Timeline   []TimelineEntryResponse  `json:"timeline"`
}

type ProposalDetailResponse struct {
	ProposalResponse
	Timeline       []TimelineEntryResponse `json:"timeline"`
	Assignments    []AssignmentResponse    `json:"assignments,omitempty"`
	Clarifications []ClarificationResponse `json:"clarifications,omitempty"`
}

type ProposalListResponse struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type RoleGrantResponse struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:                  p.ID,
		Title:               p.Title,
		InvestigatorID:      p.InvestigatorID,
		Status:              p.Status,
		Version:             p.Version,
		ExpertReviewSkipped: p.ExpertReviewSkipped,
		ResubmissionOf:      p.ResubmissionOf,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func mapTimeline(items []domain.TimelineEntry) []TimelineEntryResponse {
	res := make([]TimelineEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, TimelineEntryResponse{
			ID:         e.ID,
			Status:     e.Status,
			Kind:       e.Kind,
			ActorID:    e.ActorID,
			ActorRoles: e.ActorRoles,
			Note:       e.Note,
			TS:         e.TS,
		})
	}
	return res
}

func assignmentResponse(a domain.ExpertAssignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		ReviewerID: a.ReviewerID,
		Status:     a.Status,
		ReportRef:  a.ReportRef,
		AssignedAt: a.AssignedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func mapAssignments(items []domain.ExpertAssignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func clarificationResponse(c domain.ClarificationRequest) ClarificationResponse {
	return ClarificationResponse{
		ID:          c.ID,
		RequestedBy: c.RequestedBy,
		Question:    c.Question,
		Response:    c.Response,
		RequestedAt: c.RequestedAt,
		RespondedAt: c.RespondedAt,
		RoundNumber: c.RoundNumber,
	}
}

func mapClarifications(items []domain.ClarificationRequest) []ClarificationResponse {
	res := make([]ClarificationResponse, 0, len(items))
	for _, c := range items {
		res = append(res, clarificationResponse(c))
	}
	return res
}

func mapStages(items []workflow.MilestoneStage) []MilestoneStageResponse {
	res := make([]MilestoneStageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, MilestoneStageResponse{Name: s.Name, Completed: s.Completed})
	}
	return res
}
