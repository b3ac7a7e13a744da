// Package patients keeps a bounded in-memory log of received DICOM object
// metadata plus running totals. It is guarded by its own mutex so store
// traffic never contends with the session registry.
package patients

import (
	"sync"
	"time"
)

// UnknownValue is the placeholder used when a dataset attribute is absent.
const UnknownValue = "Unknown"

// Record describes one received object.
type Record struct {
	ReceivedAt        time.Time `json:"received_at"`
	PatientName       string    `json:"patient_name"`
	PatientID         string    `json:"patient_id"`
	Modality          string    `json:"modality"`
	BodyPart          string    `json:"body_part"`
	StudyDescription  string    `json:"study_description"`
	SeriesDescription string    `json:"series_description"`
	AccessionNumber   string    `json:"accession_number"`
	StudyInstanceUID  string    `json:"study_instance_uid"`
	SeriesInstanceUID string    `json:"series_instance_uid"`
	SOPInstanceUID    string    `json:"sop_instance_uid"`
	StudyDate         string    `json:"study_date"`
	StudyTime         string    `json:"study_time"`
	InstitutionName   string    `json:"institution_name"`
}

// Log is the bounded patient-record store.
type Log struct {
	mu       sync.Mutex
	capacity int

	records       []Record // newest first
	totalReceived int
	uniqueIDs     map[string]struct{}
}

// NewLog creates a patient log holding at most capacity records.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 200
	}
	return &Log{
		capacity:  capacity,
		uniqueIDs: make(map[string]struct{}),
	}
}

// Append records a received object, evicting the oldest entry when full.
// Patient IDs that are empty or the "Unknown" placeholder never count as
// unique patients.
func (l *Log) Append(record Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalReceived++
	if record.PatientID != "" && record.PatientID != UnknownValue {
		l.uniqueIDs[record.PatientID] = struct{}{}
	}

	l.records = append([]Record{record}, l.records...)
	if len(l.records) > l.capacity {
		l.records = l.records[:l.capacity]
	}
}

// List returns at most limit most-recent records, newest first. A negative
// limit returns everything retained.
func (l *Log) List(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := len(l.records)
	if limit >= 0 && limit < count {
		count = limit
	}
	out := make([]Record, count)
	copy(out, l.records[:count])
	return out
}

// Totals returns the lifetime received count and the distinct patient count.
func (l *Log) Totals() (total, unique int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalReceived, len(l.uniqueIDs)
}

// Retained returns how many records the log currently holds.
func (l *Log) Retained() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
