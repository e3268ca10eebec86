package reviewlinesdk

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/migrate"
	"reviewline/internal/server"
	"reviewline/internal/workflow"
)

const (
	testJWTSecret      = "sdk-test-jwt-secret"
	testScreenerSecret = "sdk-test-screener-secret"
)

func startTestAPI(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	portal := config.Default("sdk-test")
	portal.Screener.Secret = testScreenerSecret
	handler, err := server.New(server.Config{
		Engine: workflow.New(conn, nil),
		Portal: portal,
		Auth:   server.AuthConfig{JWTSecret: testJWTSecret},
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
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return "http://" + ln.Addr().String() + "/v0"
}

func mintToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestClientLifecycle(t *testing.T) {
	baseURL := startTestAPI(t)
	ctx := context.Background()

	inv := New(baseURL)
	inv.BearerToken = mintToken(t, "inv-1", workflow.RoleInvestigator)
	committee := New(baseURL)
	committee.BearerToken = mintToken(t, "cmpdi-1", workflow.RoleCMPDI)
	screener := New(baseURL)
	screener.ScreenerSecret = testScreenerSecret

	p, err := inv.CreateProposal(ctx, "Subsidence monitoring network", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != "draft" || p.Version != 1 {
		t.Fatalf("created %s v%d", p.Status, p.Version)
	}

	if _, err := inv.Transition(ctx, p.ID, "advance", "", -1, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p, err = screener.RecordAIVerdict(ctx, p.ID, true, "clean")
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if p.Status != "cmpdi_review" {
		t.Fatalf("status = %s", p.Status)
	}

	if _, err := committee.AssignExpert(ctx, p.ID, "exp-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	assignments, err := committee.ListExperts(ctx, p.ID)
	if err != nil || len(assignments) != 1 || assignments[0].ReviewerID != "exp-1" {
		t.Fatalf("experts = %+v, %v", assignments, err)
	}

	expert := New(baseURL)
	expert.BearerToken = mintToken(t, "exp-1", workflow.RoleExpert)
	if _, err := committee.Transition(ctx, p.ID, "advance", "", -1, ""); err != nil {
		t.Fatalf("enter expert review: %v", err)
	}
	if err := expert.StartExpertReview(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := expert.RecordExpertReport(ctx, p.ID, "reports/exp-1.pdf"); err != nil {
		t.Fatalf("report: %v", err)
	}

	p, err = committee.Transition(ctx, p.ID, "advance", "cmpdi_accepted", -1, "panel satisfied")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.Status != "cmpdi_accepted" {
		t.Fatalf("status = %s", p.Status)
	}

	track, err := inv.Track(ctx, p.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if track.Total != 6 || track.Completed != 4 {
		t.Fatalf("track = %d/%d, want 4/6", track.Completed, track.Total)
	}
	if len(track.Timeline) == 0 {
		t.Fatalf("track timeline empty")
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	baseURL := startTestAPI(t)
	ctx := context.Background()

	c := New(baseURL)
	c.BearerToken = mintToken(t, "inv-1", workflow.RoleInvestigator)

	p, err := c.CreateProposal(ctx, "Bad transitions", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = c.Transition(ctx, p.ID, "advance", "ssrc_accepted", -1, "")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", apiErr.StatusCode)
	}

	anon := New(baseURL)
	_, err = anon.GetProposal(ctx, p.ID)
	apiErr, ok = err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}
