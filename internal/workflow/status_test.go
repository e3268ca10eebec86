package workflow_test

import (
	"errors"
	"testing"

	"reviewline/internal/workflow"
)

func TestTransitionsGraph(t *testing.T) {
	cases := []struct {
		from    workflow.Status
		targets []workflow.Status
	}{
		{workflow.StatusDraft, []workflow.Status{workflow.StatusAIEvaluationPending}},
		{workflow.StatusAIEvaluationPending, []workflow.Status{workflow.StatusCMPDIReview, workflow.StatusAIRejected}},
		{workflow.StatusCMPDIReview, []workflow.Status{
			workflow.StatusCMPDIExpertReview, workflow.StatusCMPDIAccepted,
			workflow.StatusCMPDIRejected, workflow.StatusCMPDIReview,
		}},
		{workflow.StatusCMPDIExpertReview, []workflow.Status{
			workflow.StatusCMPDIAccepted, workflow.StatusCMPDIRejected, workflow.StatusCMPDIExpertReview,
		}},
		{workflow.StatusCMPDIAccepted, []workflow.Status{workflow.StatusTSSRCReview}},
		{workflow.StatusTSSRCReview, []workflow.Status{
			workflow.StatusTSSRCAccepted, workflow.StatusTSSRCRejected, workflow.StatusTSSRCReview,
		}},
		{workflow.StatusTSSRCAccepted, []workflow.Status{workflow.StatusSSRCReview}},
		{workflow.StatusSSRCReview, []workflow.Status{
			workflow.StatusSSRCAccepted, workflow.StatusSSRCRejected, workflow.StatusSSRCReview,
		}},
		{workflow.StatusAIRejected, nil},
		{workflow.StatusCMPDIRejected, nil},
		{workflow.StatusTSSRCRejected, nil},
		{workflow.StatusSSRCRejected, nil},
		{workflow.StatusSSRCAccepted, nil},
	}
	for _, tc := range cases {
		edges := workflow.Transitions(tc.from)
		if len(edges) != len(tc.targets) {
			t.Fatalf("%s: %d edges, want %d", tc.from, len(edges), len(tc.targets))
		}
		for i, edge := range edges {
			if edge.Target != tc.targets[i] {
				t.Fatalf("%s edge %d targets %s, want %s", tc.from, i, edge.Target, tc.targets[i])
			}
		}
		if workflow.Terminal(tc.from) != (len(tc.targets) == 0) {
			t.Fatalf("%s: terminal mismatch", tc.from)
		}
	}
}

func TestRejectedStatuses(t *testing.T) {
	rejected := map[workflow.Status]bool{
		workflow.StatusAIRejected:    true,
		workflow.StatusCMPDIRejected: true,
		workflow.StatusTSSRCRejected: true,
		workflow.StatusSSRCRejected:  true,
	}
	all := []workflow.Status{
		workflow.StatusDraft, workflow.StatusAIEvaluationPending, workflow.StatusAIRejected,
		workflow.StatusCMPDIReview, workflow.StatusCMPDIExpertReview, workflow.StatusCMPDIAccepted,
		workflow.StatusCMPDIRejected, workflow.StatusTSSRCReview, workflow.StatusTSSRCAccepted,
		workflow.StatusTSSRCRejected, workflow.StatusSSRCReview, workflow.StatusSSRCAccepted,
		workflow.StatusSSRCRejected,
	}
	for _, s := range all {
		if workflow.Rejected(s) != rejected[s] {
			t.Fatalf("Rejected(%s) = %v", s, !rejected[s])
		}
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := workflow.ParseStatus("cmpdi_review"); err != nil {
		t.Fatalf("valid status rejected: %v", err)
	}
	if _, err := workflow.ParseStatus("cmpdi"); err == nil {
		t.Fatalf("partial status accepted")
	}
	if _, err := workflow.ParseStatus(""); err == nil {
		t.Fatalf("empty status accepted")
	}
}

func TestGuardResolve(t *testing.T) {
	var g workflow.Guard

	tr, err := g.Resolve(workflow.StatusTSSRCReview, "", workflow.KindReject)
	if err != nil || tr.Target != workflow.StatusTSSRCRejected {
		t.Fatalf("reject resolve = %+v, %v", tr, err)
	}

	tr, err = g.Resolve(workflow.StatusCMPDIReview, workflow.StatusCMPDIAccepted, workflow.KindAdvance)
	if err != nil || tr.Target != workflow.StatusCMPDIAccepted {
		t.Fatalf("targeted resolve = %+v, %v", tr, err)
	}

	_, err = g.Resolve(workflow.StatusDraft, workflow.StatusSSRCAccepted, workflow.KindAdvance)
	var illegal workflow.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestGuardAuthorize(t *testing.T) {
	var g workflow.Guard
	tr := workflow.Transition{Target: workflow.StatusTSSRCAccepted, RequiredRole: workflow.RoleTSSRC, Kind: workflow.KindAdvance}

	if err := g.Authorize([]string{workflow.RoleTSSRC}, workflow.StatusTSSRCReview, tr); err != nil {
		t.Fatalf("holder denied: %v", err)
	}
	if err := g.Authorize([]string{workflow.RoleAdmin}, workflow.StatusTSSRCReview, tr); err != nil {
		t.Fatalf("admin denied: %v", err)
	}
	err := g.Authorize([]string{workflow.RoleCMPDI, workflow.RoleExpert}, workflow.StatusTSSRCReview, tr)
	var unauthorized workflow.UnauthorizedError
	if !errors.As(err, &unauthorized) || unauthorized.Required != workflow.RoleTSSRC {
		t.Fatalf("expected unauthorized for tssrc, got %v", err)
	}
}
