package dicom

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Synthetic modality vocabulary for generated studies.
var (
	simModalities = []string{"CT", "MR", "CR", "US", "XA"}
	simBodyParts  = []string{"HEAD", "CHEST", "ABDOMEN", "KNEE", "SPINE", "PELVIS", "FOOT"}
	simFirstNames = []string{"JAMES", "MARY", "JOHN", "PATRICIA", "ROBERT", "JENNIFER", "MICHAEL", "LINDA"}
	simLastNames  = []string{"SMITH", "JOHNSON", "WILLIAMS", "BROWN", "JONES", "GARCIA", "MILLER", "DAVIS"}
)

const (
	simImplementationClassUID = "1.2.826.0.1.3680043.9.7435"
	simImplementationVersion  = "SIMCLIENT_1.0"
	simUIDPrefix              = "1.2.826.0.1.3680043.2.1125."
	simInstitution            = "SIM HOSPITAL"
)

// SimulatorConfig controls the synthetic traffic generator.
type SimulatorConfig struct {
	Workers               int
	AssociationInterval   time.Duration
	ObjectsPerAssociation int
	AETitle               string
}

// Simulator drives the adapter with generated association traffic so the
// status API has data to show without real modalities on the network. Each
// worker plays one modality on its own synthetic address.
type Simulator struct {
	cfg     SimulatorConfig
	adapter *Adapter
	logger  *slog.Logger

	assocSeq atomic.Uint64
	wg       sync.WaitGroup
}

// NewSimulator creates a traffic generator bound to the adapter.
func NewSimulator(cfg SimulatorConfig, adapter *Adapter, logger *slog.Logger) *Simulator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AssociationInterval <= 0 {
		cfg.AssociationInterval = 2 * time.Second
	}
	if cfg.ObjectsPerAssociation <= 0 {
		cfg.ObjectsPerAssociation = 1
	}
	if cfg.AETitle == "" {
		cfg.AETitle = "SIMCLIENT"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		cfg:     cfg,
		adapter: adapter,
		logger:  logger.With("component", "simulator"),
	}
}

// Start launches the worker goroutines. They stop when ctx is canceled;
// Wait blocks until all of them have drained.
func (s *Simulator) Start(ctx context.Context) {
	s.logger.Info("starting synthetic modalities",
		"workers", s.cfg.Workers,
		"interval", s.cfg.AssociationInterval,
		"objects_per_association", s.cfg.ObjectsPerAssociation)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}
}

// Wait blocks until every worker has finished its current association.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

func (s *Simulator) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	// Each worker gets a stable synthetic address so the registry builds
	// distinct per-client aggregates.
	peer := &Address{Host: fmt.Sprintf("10.99.0.%d", id+1)}

	ticker := time.NewTicker(s.cfg.AssociationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAssociation(rng, peer, id)
		}
	}
}

// runAssociation plays one complete open-store-close cycle.
func (s *Simulator) runAssociation(rng *rand.Rand, peer *Address, worker int) {
	assoc := s.assocSeq.Add(1)
	port := 49152 + rng.Intn(16000)
	addr := &Address{Host: peer.Host, Port: port, HasPort: true}

	s.adapter.OnConnectionOpen(ConnectionOpened{Peer: addr, Assoc: assoc})
	s.adapter.OnAssociationAccepted(AssociationAccepted{
		Assoc:                  assoc,
		Peer:                   addr,
		CallingAETitle:         []byte(fmt.Sprintf("%s%d", s.cfg.AETitle, worker+1)),
		ImplementationVersion:  []byte(simImplementationVersion),
		ImplementationClassUID: []byte(simImplementationClassUID),
	})

	for i := 0; i < s.cfg.ObjectsPerAssociation; i++ {
		s.adapter.OnObjectStored(ObjectStored{
			Assoc:      assoc,
			Attributes: s.generateObject(rng),
		})
	}

	s.adapter.OnConnectionClose(ConnectionClosed{Peer: addr, Assoc: assoc})
}

// generateObject builds the attribute set for one synthetic dataset.
func (s *Simulator) generateObject(rng *rand.Rand) map[string]string {
	modality := simModalities[rng.Intn(len(simModalities))]
	bodyPart := simBodyParts[rng.Intn(len(simBodyParts))]
	first := simFirstNames[rng.Intn(len(simFirstNames))]
	last := simLastNames[rng.Intn(len(simLastNames))]
	now := time.Now().UTC()

	return map[string]string{
		"PatientName":       last + "^" + first,
		"PatientID":         fmt.Sprintf("%07d", rng.Intn(10000000)),
		"Modality":          modality,
		"BodyPartExamined":  bodyPart,
		"StudyDescription":  modality + " " + bodyPart,
		"SeriesDescription": modality + " " + bodyPart + " SERIES",
		"AccessionNumber":   fmt.Sprintf("ACC%08d", rng.Intn(100000000)),
		"StudyInstanceUID":  simUIDPrefix + uuid.NewString(),
		"SeriesInstanceUID": simUIDPrefix + uuid.NewString(),
		"SOPInstanceUID":    simUIDPrefix + uuid.NewString(),
		"StudyDate":         now.Format("20060102"),
		"StudyTime":         now.Format("150405"),
		"InstitutionName":   simInstitution,
	}
}
