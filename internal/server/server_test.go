package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/migrate"
	"reviewline/internal/workflow"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testScreenerSecret = "test-screener-secret"
)

type testServer struct {
	URL    string
	Engine *workflow.Engine
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := workflow.New(conn, nil)

	portal := config.Default("test-portal")
	portal.Screener.Secret = testScreenerSecret

	handler, err := New(Config{
		Engine: eng,
		Portal: portal,
		Auth:   AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, ts testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, raw
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func decodeError(t *testing.T, raw []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", raw, err)
	}
	return env
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, raw := doJSON(t, ts, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", res.StatusCode, raw)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	res, raw := doJSON(t, ts, http.MethodGet, "/v0/proposals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "unauthorized" {
		t.Fatalf("error_kind = %q, want unauthorized", env.ErrorKind)
	}
}

func TestBadTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	res, raw := doJSON(t, ts, http.MethodGet, "/v0/proposals", nil, bearer("not-a-token"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "invalid_credentials" {
		t.Fatalf("error_kind = %q, want invalid_credentials", env.ErrorKind)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)
	cmpdiToken := signToken(t, "cmpdi-1", workflow.RoleCMPDI)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/proposals",
		map[string]any{"title": "Underground gasification pilot"}, bearer(invToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", res.StatusCode, raw)
	}
	var created struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "draft" || created.Version != 1 {
		t.Fatalf("created %s v%d", created.Status, created.Version)
	}
	base := "/v0/proposals/" + created.ID

	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance"}, bearer(invToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d: %s", res.StatusCode, raw)
	}

	// The screener callback carries its own secret, no bearer token.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/ai-verdict",
		map[string]any{"passed": true}, map[string]string{"X-Screener-Secret": testScreenerSecret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ai-verdict = %d: %s", res.StatusCode, raw)
	}
	var afterAI struct {
		Status  string `json:"status"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(raw, &afterAI); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if afterAI.Status != "cmpdi_review" {
		t.Fatalf("status after verdict = %s", afterAI.Status)
	}

	// The investigator holds no committee role.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(invToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized advance = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "unauthorized" {
		t.Fatalf("error_kind = %q, want unauthorized", env.ErrorKind)
	}

	// No panel for this one: the committee records the skip before accepting.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts/skip", map[string]any{}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skip = %d: %s", res.StatusCode, raw)
	}

	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cmpdi advance = %d: %s", res.StatusCode, raw)
	}

	// Replaying with the pre-decision version must surface the conflict.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "reject", "expected_version": afterAI.Version}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale transition = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "stale_state_conflict" {
		t.Fatalf("error_kind = %q, want stale_state_conflict", env.ErrorKind)
	}

	// No edge from cmpdi_accepted back to draft.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "draft"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "illegal_transition" {
		t.Fatalf("error_kind = %q, want illegal_transition", env.ErrorKind)
	}

	res, raw = doJSON(t, ts, http.MethodGet, base+"/track", nil, bearer(invToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("track = %d: %s", res.StatusCode, raw)
	}
	var track struct {
		Completed int `json:"completed"`
		Total     int `json:"total"`
		Stages    []struct {
			Name      string `json:"name"`
			Completed bool   `json:"completed"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(raw, &track); err != nil {
		t.Fatalf("decode track: %v", err)
	}
	if track.Total != 5 || track.Completed != 3 {
		t.Fatalf("track = %d/%d, want 3/5", track.Completed, track.Total)
	}
}

func TestScreenerSecretEnforced(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/proposals",
		map[string]any{"title": "Mine water treatment"}, bearer(invToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", res.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	doJSON(t, ts, http.MethodPost, "/v0/proposals/"+created.ID+"/transitions",
		map[string]any{"kind": "advance"}, bearer(invToken))

	res, raw = doJSON(t, ts, http.MethodPost, "/v0/proposals/"+created.ID+"/ai-verdict",
		map[string]any{"passed": true}, map[string]string{"X-Screener-Secret": "wrong"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong secret = %d: %s", res.StatusCode, raw)
	}
}

func TestRoleGrantsMergeIntoTokenPrincipal(t *testing.T) {
	ts := newTestServer(t)
	adminToken := signToken(t, "admin-1", workflow.RoleAdmin)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/roles",
		map[string]any{"actor_id": "carol", "role": workflow.RoleCMPDI}, bearer(adminToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant = %d: %s", res.StatusCode, raw)
	}

	// carol's token carries no roles claim; the grant supplies it.
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)
	carolToken := signToken(t, "carol")

	res, raw = doJSON(t, ts, http.MethodPost, "/v0/proposals",
		map[string]any{"title": "Ventilation modelling"}, bearer(invToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", res.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := "/v0/proposals/" + created.ID
	doJSON(t, ts, http.MethodPost, base+"/transitions", map[string]any{"kind": "advance"}, bearer(invToken))
	doJSON(t, ts, http.MethodPost, base+"/ai-verdict", map[string]any{"passed": true},
		map[string]string{"X-Screener-Secret": testScreenerSecret})

	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts/skip", map[string]any{}, bearer(carolToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("granted-role skip = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(carolToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("granted-role advance = %d: %s", res.StatusCode, raw)
	}
}

func TestRoleEndpointsAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/roles",
		map[string]any{"actor_id": "mallory", "role": workflow.RoleAdmin}, bearer(invToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("grant by non-admin = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodGet, "/v0/roles", nil, bearer(invToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("list by non-admin = %d: %s", res.StatusCode, raw)
	}
}

func TestExpertFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)
	cmpdiToken := signToken(t, "cmpdi-1", workflow.RoleCMPDI)
	expertToken := signToken(t, "exp-1", workflow.RoleExpert)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/proposals",
		map[string]any{"title": "Longwall automation"}, bearer(invToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", res.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := "/v0/proposals/" + created.ID
	doJSON(t, ts, http.MethodPost, base+"/transitions", map[string]any{"kind": "advance"}, bearer(invToken))
	doJSON(t, ts, http.MethodPost, base+"/ai-verdict", map[string]any{"passed": true},
		map[string]string{"X-Screener-Secret": testScreenerSecret})

	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts",
		map[string]any{"reviewer_id": "exp-1"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign = %d: %s", res.StatusCode, raw)
	}

	// Blocked until the report lands.
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter expert review = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("premature accept = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "expert_stage_incomplete" {
		t.Fatalf("error_kind = %q, want expert_stage_incomplete", env.ErrorKind)
	}

	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts/start", nil, bearer(expertToken))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("start = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts/report",
		map[string]any{"report_ref": "reports/exp-1.pdf"}, bearer(expertToken))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("report = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept = %d: %s", res.StatusCode, raw)
	}
}

func TestClarificationFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)
	cmpdiToken := signToken(t, "cmpdi-1", workflow.RoleCMPDI)

	res, raw := doJSON(t, ts, http.MethodPost, "/v0/proposals",
		map[string]any{"title": "Dust suppression survey"}, bearer(invToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", res.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := "/v0/proposals/" + created.ID
	doJSON(t, ts, http.MethodPost, base+"/transitions", map[string]any{"kind": "advance"}, bearer(invToken))
	doJSON(t, ts, http.MethodPost, base+"/ai-verdict", map[string]any{"passed": true},
		map[string]string{"X-Screener-Secret": testScreenerSecret})
	res, raw = doJSON(t, ts, http.MethodPost, base+"/experts/skip", map[string]any{}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skip = %d: %s", res.StatusCode, raw)
	}

	res, raw = doJSON(t, ts, http.MethodPost, base+"/clarifications",
		map[string]any{"question": "Sampling plan?"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request = %d: %s", res.StatusCode, raw)
	}

	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("blocked advance = %d: %s", res.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.ErrorKind != "open_clarification_blocks_advance" {
		t.Fatalf("error_kind = %q, want open_clarification_blocks_advance", env.ErrorKind)
	}

	res, raw = doJSON(t, ts, http.MethodPost, base+"/clarifications/respond",
		map[string]any{"response": "Quarterly sampling at six sites."}, bearer(invToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("respond = %d: %s", res.StatusCode, raw)
	}
	res, raw = doJSON(t, ts, http.MethodPost, base+"/transitions",
		map[string]any{"kind": "advance", "target": "cmpdi_accepted"}, bearer(cmpdiToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance after respond = %d: %s", res.StatusCode, raw)
	}

	res, raw = doJSON(t, ts, http.MethodGet, base+"/clarifications", nil, bearer(invToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list = %d: %s", res.StatusCode, raw)
	}
	var rounds []struct {
		RoundNumber int     `json:"round_number"`
		Response    *string `json:"response"`
	}
	if err := json.Unmarshal(raw, &rounds); err != nil {
		t.Fatalf("decode rounds: %v", err)
	}
	if len(rounds) != 1 || rounds[0].Response == nil {
		t.Fatalf("unexpected rounds %s", raw)
	}
}

func TestMeReportsPrincipal(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "inv-1", workflow.RoleInvestigator)
	res, raw := doJSON(t, ts, http.MethodGet, "/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me = %d: %s", res.StatusCode, raw)
	}
	var me struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
		Source  string   `json:"source"`
	}
	if err := json.Unmarshal(raw, &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.ActorID != "inv-1" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestListProposalsPagination(t *testing.T) {
	ts := newTestServer(t)
	invToken := signToken(t, "inv-1", workflow.RoleInvestigator)

	for i := 0; i < 3; i++ {
		res, raw := doJSON(t, ts, http.MethodPost, "/v0/proposals",
			map[string]any{"title": fmt.Sprintf("Proposal %d", i)}, bearer(invToken))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d = %d: %s", i, res.StatusCode, raw)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		path := "/v0/proposals?limit=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		res, raw := doJSON(t, ts, http.MethodGet, path, nil, bearer(invToken))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list = %d: %s", res.StatusCode, raw)
		}
		var page struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
			NextCursor string `json:"next_cursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			t.Fatalf("decode page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("duplicate item %s across pages", item.ID)
			}
			seen[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("paged %d proposals, want 3", len(seen))
	}
}
