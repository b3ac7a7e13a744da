package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Dicom     DicomConfig     `yaml:"dicom"`
	API       APIConfig       `yaml:"api"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// DicomConfig represents the simulated DICOM listener settings
type DicomConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AETitle string `yaml:"ae_title"`
}

// APIConfig represents the status API server settings
type APIConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// HistoryConfig bounds the in-memory session and patient retention
type HistoryConfig struct {
	RecentSessionsPerClient int           `yaml:"recent_sessions_per_client"`
	ConnectionSnapshots     int           `yaml:"connection_snapshots"`
	PatientRecords          int           `yaml:"patient_records"`
	SnapshotMinInterval     time.Duration `yaml:"snapshot_min_interval"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level             string        `yaml:"level"`
	File              string        `yaml:"file"`
	TailDefaultLines  int           `yaml:"tail_default_lines"`
	TailMaxLines      int           `yaml:"tail_max_lines"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// SimulatorConfig represents the synthetic modality traffic generator settings
type SimulatorConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Workers               int           `yaml:"workers"`
	AssociationInterval   time.Duration `yaml:"association_interval"`
	ObjectsPerAssociation int           `yaml:"objects_per_association"`
	AETitle               string        `yaml:"ae_title"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Dicom: DicomConfig{
			Host:    "0.0.0.0",
			Port:    4790,
			AETitle: "ORTHANC",
		},
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         8081,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
		},
		History: HistoryConfig{
			RecentSessionsPerClient: 50,
			ConnectionSnapshots:     720,
			PatientRecords:          200,
			SnapshotMinInterval:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:             "INFO",
			File:              "",
			TailDefaultLines:  200,
			TailMaxLines:      2000,
			HeartbeatInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "dicomsim",
			Path:      "/metrics",
		},
		Simulator: SimulatorConfig{
			Enabled:               false,
			Workers:               4,
			AssociationInterval:   2 * time.Second,
			ObjectsPerAssociation: 3,
			AETitle:               "SIMCLIENT",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DICOMSIM_DICOM_HOST"); val != "" {
		c.Dicom.Host = val
	}
	if val := os.Getenv("DICOMSIM_DICOM_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Dicom.Port = port
		}
	}
	if val := os.Getenv("DICOMSIM_AE_TITLE"); val != "" {
		c.Dicom.AETitle = val
	}

	if val := os.Getenv("DICOMSIM_API_HOST"); val != "" {
		c.API.Host = val
	}
	if val := os.Getenv("DICOMSIM_API_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.API.Port = port
		}
	}

	if val := os.Getenv("DICOMSIM_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("DICOMSIM_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("DICOMSIM_HEARTBEAT_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Logging.HeartbeatInterval = duration
		}
	}

	if val := os.Getenv("DICOMSIM_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DICOMSIM_SIMULATOR_ENABLED"); val != "" {
		c.Simulator.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DICOMSIM_SIMULATOR_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Simulator.Workers = workers
		}
	}

	return nil
}

// Validate checks the configuration for invalid or inconsistent values
func (c *Configuration) Validate() error {
	if c.Dicom.Port <= 0 || c.Dicom.Port > 65535 {
		return fmt.Errorf("dicom port must be between 1 and 65535, got %d", c.Dicom.Port)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.Dicom.AETitle == "" {
		return fmt.Errorf("dicom ae_title must not be empty")
	}
	// DICOM PS3.8: AE titles are at most 16 characters
	if len(c.Dicom.AETitle) > 16 {
		return fmt.Errorf("dicom ae_title must be at most 16 characters, got %d", len(c.Dicom.AETitle))
	}

	if c.History.RecentSessionsPerClient <= 0 {
		return fmt.Errorf("recent_sessions_per_client must be positive, got %d", c.History.RecentSessionsPerClient)
	}
	if c.History.ConnectionSnapshots <= 0 {
		return fmt.Errorf("connection_snapshots must be positive, got %d", c.History.ConnectionSnapshots)
	}
	if c.History.PatientRecords <= 0 {
		return fmt.Errorf("patient_records must be positive, got %d", c.History.PatientRecords)
	}
	if c.History.SnapshotMinInterval < 0 {
		return fmt.Errorf("snapshot_min_interval must not be negative, got %v", c.History.SnapshotMinInterval)
	}

	if c.Logging.TailDefaultLines <= 0 {
		return fmt.Errorf("tail_default_lines must be positive, got %d", c.Logging.TailDefaultLines)
	}
	if c.Logging.TailMaxLines < c.Logging.TailDefaultLines {
		return fmt.Errorf("tail_max_lines (%d) must not be less than tail_default_lines (%d)",
			c.Logging.TailMaxLines, c.Logging.TailDefaultLines)
	}
	if c.Logging.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat_interval must be at least 1s, got %v", c.Logging.HeartbeatInterval)
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("log level must be one of DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level)
	}

	if c.Simulator.Enabled {
		if c.Simulator.Workers <= 0 {
			return fmt.Errorf("simulator workers must be positive, got %d", c.Simulator.Workers)
		}
		if c.Simulator.ObjectsPerAssociation < 0 {
			return fmt.Errorf("objects_per_association must not be negative, got %d", c.Simulator.ObjectsPerAssociation)
		}
	}

	return nil
}

// DicomAddress returns the listen address for the DICOM endpoint
func (c *Configuration) DicomAddress() string {
	return fmt.Sprintf("%s:%d", c.Dicom.Host, c.Dicom.Port)
}

// APIAddress returns the listen address for the status API
func (c *Configuration) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
