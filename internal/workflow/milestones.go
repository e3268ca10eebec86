package workflow

import "reviewline/internal/domain"

// MilestoneStage is one rung of the "track" view.
type MilestoneStage struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Milestones is the derived progress view computed once here so no dashboard
// re-implements workflow knowledge. Total is 6 when the expert stage is in
// play (an assignment exists or the stage was entered) and 5 otherwise,
// including once a skip is recorded.
type Milestones struct {
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	Stages    []MilestoneStage `json:"stages"`
}

// ComputeMilestones derives progress from the timeline alone; the timeline
// holds every status ever entered, so membership checks are sufficient.
// hasAssignments reports whether any non-withdrawn expert assignment exists.
func ComputeMilestones(p domain.Proposal, timeline []domain.TimelineEntry, hasAssignments bool) Milestones {
	seen := map[Status]bool{}
	for _, e := range timeline {
		if e.Kind != "status" {
			continue
		}
		if s, err := ParseStatus(e.Status); err == nil {
			seen[s] = true
		}
	}

	expertInPlay := !p.ExpertReviewSkipped && (hasAssignments || seen[StatusCMPDIExpertReview])
	cmpdiDecided := seen[StatusCMPDIAccepted] || seen[StatusCMPDIRejected]

	stages := []MilestoneStage{
		{Name: "submission", Completed: seen[StatusAIEvaluationPending]},
		{Name: "ai_screening", Completed: seen[StatusCMPDIReview] || seen[StatusAIRejected]},
		{Name: "cmpdi_review", Completed: cmpdiDecided},
	}
	if expertInPlay {
		stages = append(stages, MilestoneStage{
			Name:      "expert_review",
			Completed: seen[StatusCMPDIExpertReview] && cmpdiDecided,
		})
	}
	stages = append(stages,
		MilestoneStage{Name: "tssrc_review", Completed: seen[StatusTSSRCAccepted] || seen[StatusTSSRCRejected]},
		MilestoneStage{Name: "ssrc_review", Completed: seen[StatusSSRCAccepted] || seen[StatusSSRCRejected]},
	)

	m := Milestones{Total: len(stages), Stages: stages}
	for _, s := range stages {
		if s.Completed {
			m.Completed++
		}
	}
	return m
}
