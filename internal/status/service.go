// Package status assembles the serialization-ready payloads served by the
// HTTP API: the full status document, patient queries, and the log tail.
// It reads the registry through its snapshot operation only, so no encoding
// or file I/O ever happens under the registry lock.
package status

import (
	"bufio"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"github.com/dicomsim/dicomsim/internal/metrics"
	"github.com/dicomsim/dicomsim/internal/patients"
	"github.com/dicomsim/dicomsim/internal/registry"
	"github.com/dicomsim/dicomsim/pkg/health"
)

// Listener identifies one of the service's network endpoints in the
// status document.
type Listener struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	AETitle string `json:"ae_title,omitempty"`
	Online  bool   `json:"online"`
}

// Payload is the full status document.
type Payload struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Dicom         Listener  `json:"dicom"`
	API           Listener  `json:"api"`

	ActiveConnections        int                           `json:"dicom_active_connections"`
	TotalConnections         int                           `json:"dicom_total_connections"`
	MaxConcurrentConnections int                           `json:"dicom_max_concurrent_connections"`
	KnownClientCount         int                           `json:"known_client_count"`
	ActiveClientCount        int                           `json:"active_client_count"`
	Clients                  []registry.ClientSnapshot     `json:"clients"`
	ConnectionHistory        []registry.ConnectionSnapshot `json:"connection_history"`

	PatientsReceived int `json:"patients_received"`
	UniquePatients   int `json:"unique_patients"`
	RetainedRecords  int `json:"retained_records"`
}

// PatientsPayload is the response of the patient query.
type PatientsPayload struct {
	Total           int               `json:"total"`
	UniquePatients  int               `json:"unique_patients"`
	ReturnedRecords int               `json:"returned_records"`
	Records         []patients.Record `json:"records"`
}

// Config carries the status service's fixed facts and bounds.
type Config struct {
	DicomHost    string
	DicomPort    int
	AETitle      string
	APIHost      string
	APIPort      int
	LogFile      string
	TailMaxLines int
}

// Service builds status payloads. Construct once at service start and share
// across API handlers.
type Service struct {
	cfg       Config
	registry  *registry.Registry
	patients  *patients.Log
	health    *health.Tracker
	metrics   *metrics.Collector
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time
}

// NewService creates the status service. collector may be nil.
func NewService(cfg Config, reg *registry.Registry, log *patients.Log, tracker *health.Tracker, collector *metrics.Collector, logger *slog.Logger) *Service {
	if cfg.TailMaxLines <= 0 {
		cfg.TailMaxLines = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		registry:  reg,
		patients:  log,
		health:    tracker,
		metrics:   collector,
		logger:    logger.With("component", "status"),
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// BuildPayload assembles the full status document. Client ordering is
// deterministic: active sessions desc, then total sessions desc, then
// address asc. Sorting happens on the snapshot copy, after the registry
// lock is released.
func (s *Service) BuildPayload() *Payload {
	now := s.now().UTC()
	snapStart := time.Now()
	snap := s.registry.Snapshot()
	if s.metrics != nil {
		s.metrics.ObserveSnapshotDuration(time.Since(snapStart).Seconds())
	}

	sort.Slice(snap.Clients, func(i, j int) bool {
		a, b := snap.Clients[i], snap.Clients[j]
		if a.ActiveSessions != b.ActiveSessions {
			return a.ActiveSessions > b.ActiveSessions
		}
		if a.TotalSessions != b.TotalSessions {
			return a.TotalSessions > b.TotalSessions
		}
		return a.Address < b.Address
	})

	total, unique := s.patients.Totals()
	uptime := now.Sub(s.startedAt).Seconds()

	return &Payload{
		Timestamp:     now,
		UptimeSeconds: math.Round(uptime*100) / 100,
		Dicom: Listener{
			Host:    s.cfg.DicomHost,
			Port:    s.cfg.DicomPort,
			AETitle: s.cfg.AETitle,
			Online:  s.health.IsOnline("dicom"),
		},
		API: Listener{
			Host:   s.cfg.APIHost,
			Port:   s.cfg.APIPort,
			Online: s.health.IsOnline("api"),
		},
		ActiveConnections:        snap.ActiveConnections,
		TotalConnections:         snap.TotalConnections,
		MaxConcurrentConnections: snap.MaxConcurrentConnections,
		KnownClientCount:         snap.KnownClientCount,
		ActiveClientCount:        snap.ActiveClientCount,
		Clients:                  snap.Clients,
		ConnectionHistory:        snap.ConnectionHistory,
		PatientsReceived:         total,
		UniquePatients:           unique,
		RetainedRecords:          s.patients.Retained(),
	}
}

// Patients returns at most limit recent patient records plus running totals.
// An absent or negative limit returns everything retained.
func (s *Service) Patients(limit int) *PatientsPayload {
	records := s.patients.List(limit)
	total, unique := s.patients.Totals()
	return &PatientsPayload{
		Total:           total,
		UniquePatients:  unique,
		ReturnedRecords: len(records),
		Records:         records,
	}
}

// Tail returns up to maxLines lines from the end of the log file, oldest
// first. An unreadable or unconfigured log file yields an empty slice; the
// failure is logged, never propagated.
func (s *Service) Tail(maxLines int) []string {
	if maxLines <= 0 || maxLines > s.cfg.TailMaxLines {
		maxLines = s.cfg.TailMaxLines
	}
	if s.cfg.LogFile == "" {
		return []string{}
	}

	f, err := os.Open(s.cfg.LogFile)
	if err != nil {
		s.logger.Error("log file unreadable", "path", s.cfg.LogFile, "error", err)
		return []string{}
	}
	defer f.Close()

	// Ring over the scanner keeps memory bounded by maxLines rather than
	// the file size.
	ring := make([]string, 0, maxLines)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == maxLines {
			copy(ring, ring[1:])
			ring = ring[:maxLines-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("log file read failed", "path", s.cfg.LogFile, "error", err)
		return []string{}
	}
	return ring
}
