package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lookout/internal/auth"
	"lookout/internal/db"
	"lookout/internal/probe"
	"lookout/internal/registry"
	"lookout/internal/shell"
	"lookout/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, *db.Repository, *auth.Service) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(repo, 0, logger)
	broker := telemetry.NewBroker(repo, reg, time.Second, logger)
	scheduler := probe.NewScheduler(repo, reg, 24*time.Hour, time.Second, logger)
	vault := shell.NewVault(repo)
	authSvc := auth.NewService(repo, time.Hour)
	srv := NewServer(repo, reg, broker, scheduler, vault, shell.SSHDialer{}, authSvc, nil,
		nil, time.Second, logger)
	return srv, repo, authSvc
}

func TestCreateCredentialEndpoint(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	handler := srv.Routes()
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credentials",
		strings.NewReader(`{"hostname":"web1","username":"deploy","secret":"hunter2"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}

	cred, err := repo.GetCredential(ctx, "web1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Username != "deploy" || cred.Secret != "hunter2" {
		t.Fatalf("stored credential = %+v", cred)
	}
}

func TestCreateCredentialValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Routes()

	// unknown host
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credentials",
		strings.NewReader(`{"hostname":"ghost","username":"deploy","secret":"x"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown host status = %d, want 404", rec.Code)
	}

	// missing fields
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/credentials",
		strings.NewReader(`{"hostname":"web1"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", rec.Code)
	}
}

// Once an administrative secret exists the credential endpoints demand a
// token; before that the gate stays open for bootstrap.
func TestCreateCredentialRequiresTokenAfterSecretSet(t *testing.T) {
	srv, repo, authSvc := newTestServer(t)
	handler := srv.Routes()
	ctx := context.Background()
	if err := repo.CreateHost(ctx, "web1", 0); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if err := authSvc.SetSecret(ctx, "correct horse"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	body := `{"hostname":"web1","username":"deploy","secret":"hunter2"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/credentials", strings.NewReader(body))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tokenless status = %d, want 401", rec.Code)
	}

	token, err := authSvc.Login(ctx, "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/credentials", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authed status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
}
