package dicom

import (
	"log/slog"
	"time"

	"github.com/dicomsim/dicomsim/internal/metrics"
	"github.com/dicomsim/dicomsim/internal/patients"
	"github.com/dicomsim/dicomsim/internal/registry"
	simerrors "github.com/dicomsim/dicomsim/pkg/errors"
)

// Adapter normalizes protocol-library lifecycle callbacks into registry
// mutations. Events for different peers arrive on independent goroutines
// with no cross-peer ordering; within one connection the collaborator
// guarantees open, accepted, zero or more stores, close.
type Adapter struct {
	registry *registry.Registry
	patients *patients.Log
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter wires the event adapter to its sinks. metrics may be a
// disabled collector but must not be nil.
func NewAdapter(reg *registry.Registry, log *patients.Log, collector *metrics.Collector, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		registry: reg,
		patients: log,
		metrics:  collector,
		logger:   logger.With("component", "adapter"),
		now:      time.Now,
	}
}

// OnConnectionOpen handles a newly accepted transport connection.
func (a *Adapter) OnConnectionOpen(ev ConnectionOpened) {
	defer a.recoverEvent("onConnectionOpen")

	peer := toPeer(ev.Peer)
	sessionID := a.registry.OpenSession(peer, ev.Assoc)
	a.metrics.AssociationOpened()
	_, _, maxConcurrent := a.registry.Counters()
	a.metrics.UpdateMaxConcurrent(maxConcurrent)

	if peer != nil {
		a.logger.Info("accepted association", "peer", peer.Key(), "session", sessionID)
	} else {
		a.logger.Info("accepted association", "session", sessionID)
	}
}

// OnAssociationAccepted handles completed association negotiation,
// refining the session's client identity with the announced values.
func (a *Adapter) OnAssociationAccepted(ev AssociationAccepted) {
	defer a.recoverEvent("onAssociationAccepted")

	peer := toPeer(ev.Peer)
	aeTitle := decodeIdentity(ev.CallingAETitle)
	implVersion := decodeIdentity(ev.ImplementationVersion)
	implClassUID := decodeIdentity(ev.ImplementationClassUID)

	a.registry.RefineIdentity(ev.Assoc, peer, aeTitle, implVersion, implClassUID)

	if aeTitle != "" {
		a.logger.Info("association identified", "peer", peer.Key(), "ae_title", aeTitle, "impl", implVersion)
	}
}

// OnConnectionClose handles the end of a transport connection.
func (a *Adapter) OnConnectionClose(ev ConnectionClosed) {
	defer a.recoverEvent("onConnectionClose")

	peer := toPeer(ev.Peer)
	matched, decremented := a.registry.CloseSession(ev.Assoc, peer)
	a.metrics.AssociationClosed(matched, decremented)

	a.logger.Info("closed association", "peer", peer.Key(), "matched", matched)
}

// OnObjectStored records a received C-STORE dataset and acknowledges it.
// Recording never rejects an object; a panic while decoding one event is
// recovered and still acknowledged as success.
func (a *Adapter) OnObjectStored(ev ObjectStored) uint16 {
	defer a.recoverEvent("onObjectStored")

	attr := func(keyword, fallback string) string {
		if value, ok := ev.Attributes[keyword]; ok && value != "" {
			return value
		}
		return fallback
	}

	record := patients.Record{
		ReceivedAt:        a.now().UTC(),
		PatientName:       attr("PatientName", patients.UnknownValue),
		PatientID:         attr("PatientID", patients.UnknownValue),
		Modality:          attr("Modality", patients.UnknownValue),
		BodyPart:          attr("BodyPartExamined", patients.UnknownValue),
		StudyDescription:  attr("StudyDescription", ""),
		SeriesDescription: attr("SeriesDescription", ""),
		AccessionNumber:   attr("AccessionNumber", ""),
		StudyInstanceUID:  attr("StudyInstanceUID", ""),
		SeriesInstanceUID: attr("SeriesInstanceUID", ""),
		SOPInstanceUID:    attr("SOPInstanceUID", "<unknown>"),
		StudyDate:         attr("StudyDate", ""),
		StudyTime:         attr("StudyTime", ""),
		InstitutionName:   attr("InstitutionName", ""),
	}

	a.patients.Append(record)
	a.metrics.ObjectReceived(record.Modality)

	a.logger.Info("received object",
		"sop_instance_uid", record.SOPInstanceUID,
		"patient_id", record.PatientID,
		"modality", record.Modality,
		"body_part", record.BodyPart)

	return StatusSuccess
}

// recoverEvent keeps one bad event from tearing down the listening service
// or aborting unrelated sessions.
func (a *Adapter) recoverEvent(event string) {
	if cause := recover(); cause != nil {
		err := simerrors.NewError(simerrors.ErrCodeEventRecovered, "event handler panicked").
			WithComponent("adapter").
			WithOperation(event).
			WithContext("panic", panicMessage(cause))
		a.logger.Error("recovered event handler panic", "event", event, "error", err.String())
		a.metrics.EventRecovered(event)
	}
}

func panicMessage(cause any) string {
	if err, ok := cause.(error); ok {
		return err.Error()
	}
	if text, ok := cause.(string); ok {
		return text
	}
	return "non-string panic value"
}
