package reviewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client. BaseURL carries the full
// API prefix, version segment included (for example
// "https://portal.example/v0"); request paths are appended verbatim.
type Client struct {
	BaseURL        string
	APIKey         string
	BearerToken    string
	ScreenerSecret string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	InvestigatorID      string  `json:"investigator_id"`
	Status              string  `json:"status"`
	Version             int64   `json:"version"`
	ExpertReviewSkipped bool    `json:"expert_review_skipped"`
	ResubmissionOf      *string `json:"resubmission_of,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

// TimelineEntry is one audit trail row.
type TimelineEntry struct {
	ID         int64    `json:"id"`
	Status     string   `json:"status"`
	Kind       string   `json:"kind"`
	ActorID    string   `json:"actor_id"`
	ActorRoles []string `json:"actor_roles,omitempty"`
	Note       string   `json:"note,omitempty"`
	TS         string   `json:"ts"`
}

// Assignment is one expert engagement.
type Assignment struct {
	ID         string  `json:"id"`
	ReviewerID string  `json:"reviewer_id"`
	Status     string  `json:"status"`
	ReportRef  *string `json:"report_ref,omitempty"`
	AssignedAt string  `json:"assigned_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Clarification is one question/answer round.
type Clarification struct {
	ID          string  `json:"id"`
	RequestedBy string  `json:"requested_by"`
	Question    string  `json:"question"`
	Response    *string `json:"response,omitempty"`
	RequestedAt string  `json:"requested_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
	RoundNumber int     `json:"round_number"`
}

// MilestoneStage is one rung of the track view.
type MilestoneStage struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Track is the milestone progress view.
type Track struct {
	ProposalID string           `json:"proposal_id"`
	Status     string           `json:"status"`
	Completed  int              `json:"completed"`
	Total      int              `json:"total"`
	Stages     []MilestoneStage `json:"stages"`
	Timeline   []TimelineEntry  `json:"timeline"`
}

// ProposalPage wraps paginated proposal listings.
type ProposalPage struct {
	Items      []Proposal `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProposal creates a draft proposal.
func (c *Client) CreateProposal(ctx context.Context, title, resubmissionOf string) (Proposal, error) {
	body := map[string]any{"title": title}
	if resubmissionOf != "" {
		body["resubmission_of"] = resubmissionOf
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", nil, body, &resp)
	return resp, err
}

// GetProposal fetches a proposal by id.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, c.proposalPath(id, ""), nil, nil, &resp)
	return resp, err
}

// ListProposals returns a page of proposals.
func (c *Client) ListProposals(ctx context.Context, status string, limit int, cursor string) (ProposalPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "proposals"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp ProposalPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Track returns milestone progress for a proposal.
func (c *Client) Track(ctx context.Context, id string) (Track, error) {
	var resp Track
	err := c.do(ctx, http.MethodGet, c.proposalPath(id, "track"), nil, nil, &resp)
	return resp, err
}

// Transition fires an advance or reject edge. expectedVersion < 0 means
// "current version" with server-side retry.
func (c *Client) Transition(ctx context.Context, id, kind, target string, expectedVersion int64, note string) (Proposal, error) {
	body := map[string]any{"kind": kind}
	if target != "" {
		body["target"] = target
	}
	if expectedVersion >= 0 {
		body["expected_version"] = expectedVersion
	}
	if note != "" {
		body["note"] = note
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "transitions"), nil, body, &resp)
	return resp, err
}

// RecordAIVerdict submits the screener verdict. The client's ScreenerSecret
// authenticates the call instead of the bearer token or API key.
func (c *Client) RecordAIVerdict(ctx context.Context, id string, passed bool, notes string) (Proposal, error) {
	body := map[string]any{"passed": passed, "notes": notes}
	headers := map[string]string{"X-Screener-Secret": c.ScreenerSecret}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "ai-verdict"), headers, body, &resp)
	return resp, err
}

// AssignExpert adds a reviewer to the proposal's panel.
func (c *Client) AssignExpert(ctx context.Context, id, reviewerID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "experts"), nil, map[string]any{"reviewer_id": reviewerID}, &resp)
	return resp, err
}

// ListExperts returns the proposal's assignments.
func (c *Client) ListExperts(ctx context.Context, id string) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, c.proposalPath(id, "experts"), nil, nil, &resp)
	return resp, err
}

// StartExpertReview marks the caller's assignment in progress.
func (c *Client) StartExpertReview(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.proposalPath(id, "experts/start"), nil, nil, nil)
}

// RecordExpertReport completes the caller's assignment.
func (c *Client) RecordExpertReport(ctx context.Context, id, reportRef string) error {
	return c.do(ctx, http.MethodPost, c.proposalPath(id, "experts/report"), nil, map[string]any{"report_ref": reportRef}, nil)
}

// SkipExpertStage records the irreversible skip decision.
func (c *Client) SkipExpertStage(ctx context.Context, id string, expectedVersion int64) (Proposal, error) {
	body := map[string]any{}
	if expectedVersion >= 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "experts/skip"), nil, body, &resp)
	return resp, err
}

// RequestClarification opens a question round.
func (c *Client) RequestClarification(ctx context.Context, id, question string) (Clarification, error) {
	var resp Clarification
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "clarifications"), nil, map[string]any{"question": question}, &resp)
	return resp, err
}

// RespondClarification answers the open round.
func (c *Client) RespondClarification(ctx context.Context, id, response string) (Clarification, error) {
	var resp Clarification
	err := c.do(ctx, http.MethodPost, c.proposalPath(id, "clarifications/respond"), nil, map[string]any{"response": response}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) proposalPath(id, suffix string) string {
	p := fmt.Sprintf("proposals/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
