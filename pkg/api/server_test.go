package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dicomsim/dicomsim/internal/metrics"
	"github.com/dicomsim/dicomsim/internal/patients"
	"github.com/dicomsim/dicomsim/internal/registry"
	"github.com/dicomsim/dicomsim/internal/status"
	"github.com/dicomsim/dicomsim/pkg/health"
)

type fixture struct {
	server  *Server
	reg     *registry.Registry
	log     *patients.Log
	tracker *health.Tracker
}

func newFixture(t *testing.T, statusCfg status.Config, metricsEnabled bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(registry.DefaultConfig(), logger)
	log := patients.NewLog(200)
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("dicom")
	tracker.RegisterComponent("api")

	collector, err := metrics.NewCollector(metrics.Config{Enabled: metricsEnabled})
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}
	svc := status.NewService(statusCfg, reg, log, tracker, collector, logger)

	server := NewServer(DefaultServerConfig(), svc, tracker, collector, logger)
	return &fixture{server: server, reg: reg, log: log, tracker: tracker}
}

func doGet(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, status.Config{DicomHost: "0.0.0.0", DicomPort: 4790, AETitle: "ORTHANC"}, false)
	f.tracker.MarkUp("dicom")

	peer := &registry.Peer{Host: "10.0.0.5", Port: 51000, HasPort: true}
	f.reg.OpenSession(peer, 1)
	f.reg.RefineIdentity(1, peer, "MODA1", "MODA_1.0", "1.2.826.0.1.3680043.9.7435")

	rec := doGet(t, f.server.Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var payload struct {
		Active int `json:"dicom_active_connections"`
		Total  int `json:"dicom_total_connections"`
		Dicom  struct {
			AETitle string `json:"ae_title"`
			Online  bool   `json:"online"`
		} `json:"dicom"`
		Clients []struct {
			IP      string `json:"ip"`
			AETitle string `json:"ae_title"`
		} `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status payload: %v", err)
	}
	if payload.Active != 1 || payload.Total != 1 {
		t.Errorf("unexpected counters: active=%d total=%d", payload.Active, payload.Total)
	}
	if !payload.Dicom.Online || payload.Dicom.AETitle != "ORTHANC" {
		t.Errorf("unexpected dicom listener info: %+v", payload.Dicom)
	}
	if len(payload.Clients) != 1 || payload.Clients[0].IP != "10.0.0.5" || payload.Clients[0].AETitle != "MODA1" {
		t.Errorf("unexpected clients: %+v", payload.Clients)
	}
}

func TestPatientsEndpoint(t *testing.T) {
	f := newFixture(t, status.Config{}, false)
	for _, id := range []string{"1000001", "1000002", "1000001"} {
		f.log.Append(patients.Record{ReceivedAt: time.Now().UTC(), PatientID: id, Modality: "CT"})
	}

	rec := doGet(t, f.server.Handler(), "/api/patients?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Total           int                      `json:"total"`
		UniquePatients  int                      `json:"unique_patients"`
		ReturnedRecords int                      `json:"returned_records"`
		Records         []map[string]interface{} `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode patients payload: %v", err)
	}
	if payload.Total != 3 || payload.UniquePatients != 2 {
		t.Errorf("unexpected totals: %+v", payload)
	}
	if payload.ReturnedRecords != 2 || len(payload.Records) != 2 {
		t.Errorf("limit not applied: %+v", payload)
	}
}

func TestPatientsDefaultReturnsAll(t *testing.T) {
	f := newFixture(t, status.Config{}, false)
	for _, id := range []string{"1000001", "1000002", "1000003"} {
		f.log.Append(patients.Record{ReceivedAt: time.Now().UTC(), PatientID: id, Modality: "MR"})
	}

	for _, target := range []string{"/api/patients", "/api/patients?limit=-1"} {
		rec := doGet(t, f.server.Handler(), target)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", target, rec.Code)
		}

		var payload struct {
			Total           int                      `json:"total"`
			ReturnedRecords int                      `json:"returned_records"`
			Records         []map[string]interface{} `json:"records"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s: failed to decode patients payload: %v", target, err)
		}
		if payload.ReturnedRecords != payload.Total {
			t.Errorf("%s: expected all %d records without a limit, got %d", target, payload.Total, payload.ReturnedRecords)
		}
		if len(payload.Records) != 3 {
			t.Errorf("%s: expected 3 records, got %d", target, len(payload.Records))
		}
	}
}

func TestPatientsBadLimit(t *testing.T) {
	f := newFixture(t, status.Config{}, false)

	rec := doGet(t, f.server.Handler(), "/api/patients?limit=abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-integer limit, got %d", rec.Code)
	}
}

func TestLogsEndpointJSONAndText(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "dicomsim.log")
	content := "first line\nsecond line\nthird line\n"
	if err := os.WriteFile(logFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, status.Config{LogFile: logFile, TailMaxLines: 2000}, false)

	rec := doGet(t, f.server.Handler(), "/api/logs?lines=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Lines []string `json:"lines"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode logs payload: %v", err)
	}
	if payload.Count != 2 || payload.Lines[1] != "third line" {
		t.Errorf("unexpected tail: %+v", payload)
	}

	rec = doGet(t, f.server.Handler(), "/api/logs?lines=2&format=text")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	if got := rec.Body.String(); got != "second line\nthird line\n" {
		t.Errorf("unexpected text tail: %q", got)
	}
}

func TestLogsBadLines(t *testing.T) {
	f := newFixture(t, status.Config{}, false)
	rec := doGet(t, f.server.Handler(), "/api/logs?lines=-5")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative lines, got %d", rec.Code)
	}
}

func TestHealthzReflectsComponentState(t *testing.T) {
	f := newFixture(t, status.Config{}, false)

	// Both components down.
	rec := doGet(t, f.server.Handler(), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with all components down, got %d", rec.Code)
	}

	f.tracker.MarkUp("dicom")
	f.tracker.MarkUp("api")
	rec = doGet(t, f.server.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with components up, got %d", rec.Code)
	}

	var payload struct {
		Status      string `json:"status"`
		DicomOnline bool   `json:"dicom_online"`
		APIOnline   bool   `json:"api_online"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode healthz payload: %v", err)
	}
	if payload.Status != "healthy" || !payload.DicomOnline || !payload.APIOnline {
		t.Errorf("unexpected healthz payload: %+v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, status.Config{}, true)

	rec := doGet(t, f.server.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Disabled collector registers no route.
	f = newFixture(t, status.Config{}, false)
	rec = doGet(t, f.server.Handler(), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics enabled, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, status.Config{}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, status.Config{}, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("unexpected CORS origin %q", origin)
	}
}
