package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/symptomlog/api/internal/config"
	"github.com/symptomlog/api/internal/domain/consult"
	"github.com/symptomlog/api/internal/domain/patient"
	"github.com/symptomlog/api/internal/platform/auth"
	"github.com/symptomlog/api/internal/platform/db"
	"github.com/symptomlog/api/internal/platform/websocket"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		RequestTimeout: 5 * time.Second,
		BodyLimit:      "64K",
		EndToken:       "<END_REPORT>",
	}
}

func testServer(pinger db.Pinger) *httptest.Server {
	svc := patient.NewService(nil, nil)
	e := newServer(testConfig(), zerolog.Nop(), serverDeps{
		patients: svc,
		verifier: auth.DevVerifier{},
		sessions: consult.NewMemoryStore(&consult.Builder{Logger: zerolog.Nop()}, 0),
		records:  svc,
		hub:      websocket.NewHub(zerolog.Nop()),
		pinger:   pinger,
	})
	return httptest.NewServer(e)
}

func TestNewServer_Routes(t *testing.T) {
	svc := patient.NewService(nil, nil)
	e := newServer(testConfig(), zerolog.Nop(), serverDeps{
		patients: svc,
		verifier: auth.DevVerifier{},
		sessions: consult.NewMemoryStore(&consult.Builder{}, 0),
		records:  svc,
		hub:      websocket.NewHub(zerolog.Nop()),
		pinger:   fakePinger{},
	})

	registered := map[string]bool{}
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"GET /ws",
		"GET /api/response/:patient_id",
		"POST /api/save_summary/:patient_id",
		"GET /api/doctor_report/:patient_id",
		"GET /api/doctor_report/:patient_id/pdf",
		"POST /api/reset/:patient_id",
		"GET /api/has_history/:patient_id",
		"GET /api/get_history/:patient_id",
		"GET /api/is_existing_patient/:email",
		"GET /api/patient/:patient_id",
		"PATCH /api/patient/:patient_id",
		"POST /api/auth/google",
		"POST /api/auth/complete_signup",
	} {
		if !registered[want] {
			t.Errorf("route %s not registered", want)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(fakePinger{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected request id header")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Error("expected security headers")
	}
}

func TestHealthDB_Down(t *testing.T) {
	srv := testServer(fakePinger{err: errors.New("connection refused")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/db")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAPI_RejectsBadPatientID(t *testing.T) {
	srv := testServer(fakePinger{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/response/not-a-uuid?prompt=hi")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNewVerifier(t *testing.T) {
	cfg := testConfig()
	if _, ok := newVerifier(cfg, zerolog.Nop()).(auth.DevVerifier); !ok {
		t.Error("expected DevVerifier in development without a client id")
	}

	cfg.GoogleClientID = "client.apps.googleusercontent.com"
	if _, ok := newVerifier(cfg, zerolog.Nop()).(*auth.GoogleVerifier); !ok {
		t.Error("expected GoogleVerifier when a client id is set")
	}

	cfg.GoogleClientID = ""
	cfg.Env = "production"
	if _, ok := newVerifier(cfg, zerolog.Nop()).(auth.DevVerifier); ok {
		t.Error("DevVerifier must never be used outside development")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger("production", &buf)
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_patients.sql", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "002_symptoms.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "2024-05-01 10:00:00") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}
