package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/resqlink/resqlink/internal/config"
	"github.com/resqlink/resqlink/internal/platform/auth"
	"github.com/resqlink/resqlink/internal/platform/db"
	"github.com/resqlink/resqlink/internal/platform/middleware"
	"github.com/resqlink/resqlink/internal/platform/telemetry"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:            env,
		CORSOrigins:    []string{"http://localhost:3000"},
		AuthSigningKey: "test-signing-key",
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := map[string][]string{
		"serve":   nil,
		"migrate": {"up", "status"},
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, cmd, err)
		}
		for _, sub := range subs {
			child, _, err := root.Find([]string{name, sub})
			if err != nil || child.Name() != sub {
				t.Fatalf("expected %s %s command", name, sub)
			}
			if f := child.Flags().Lookup("dir"); f == nil || f.DefValue != "./migrations" {
				t.Errorf("expected --dir flag on %s %s", name, sub)
			}
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		e := newEcho(testConfig(env), zerolog.Nop(), telemetry.NewProvider("test"))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", env, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
			t.Errorf("%s: unexpected body %s", env, rec.Body.String())
		}
		if rec.Header().Get(echo.HeaderXRequestID) == "" {
			t.Errorf("%s: expected request id header", env)
		}
	}
}

func TestMetricsArePublic(t *testing.T) {
	e := newEcho(testConfig("production"), zerolog.Nop(), telemetry.NewProvider("test"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Errorf("expected health request counted:\n%s", rec.Body.String())
	}
}

func TestProductionRequiresToken(t *testing.T) {
	e := newEcho(testConfig("production"), zerolog.Nop(), telemetry.NewProvider("test"))
	e.GET("/api/v1/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDevelopmentTrustsDevHeaders(t *testing.T) {
	e := newEcho(testConfig("development"), zerolog.Nop(), telemetry.NewProvider("test"))
	admin := e.Group("/api/v1", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected default dev identity to be admin, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("X-Dev-Role", auth.RolePatient)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for patient, got %d", rec.Code)
	}
}

func TestRateLimitConfig(t *testing.T) {
	cfg := testConfig("production")
	if got := rateLimitConfig(cfg); got != middleware.DefaultRateLimitConfig() {
		t.Errorf("expected defaults when rps unset, got %+v", got)
	}

	cfg.RateLimitRPS = 5
	cfg.RateLimitBurst = 10
	got := rateLimitConfig(cfg)
	if got.RequestsPerSecond != 5 || got.BurstSize != 10 {
		t.Errorf("unexpected config %+v", got)
	}
}

func TestWriteStatus(t *testing.T) {
	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "fleet", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "emergency"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %q", buf.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2026-03-01 12:00:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") || !strings.Contains(lines[3], "emergency") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := testConfig("production")
	cfg.DatabaseURL = "postgres://localhost/resqlink"
	cfg.DBMaxConns = 10
	pc := poolConfig(cfg)
	if pc.URL != cfg.DatabaseURL || pc.MaxConns != 10 || pc.ConnectAttempts != 5 {
		t.Errorf("unexpected pool config %+v", pc)
	}
}
