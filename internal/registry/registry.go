// Package registry tracks DICOM association sessions: live and historical
// connection counters, per-client aggregates, and a bounded connection
// timeline. All mutation happens under one mutex so concurrent lifecycle
// events from independent associations never observe partial state.
package registry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config bounds the registry's in-memory retention.
type Config struct {
	// RecentSessionsPerClient caps each client's session history.
	RecentSessionsPerClient int

	// ConnectionSnapshots caps the connection-history timeline.
	ConnectionSnapshots int

	// SnapshotMinInterval throttles non-forced timeline appends.
	SnapshotMinInterval time.Duration

	// Clock overrides time.Now, used by tests to drive the throttle.
	Clock func() time.Time
}

// DefaultConfig returns the capacities used by the production service.
func DefaultConfig() Config {
	return Config{
		RecentSessionsPerClient: 50,
		ConnectionSnapshots:     720,
		SnapshotMinInterval:     5 * time.Second,
	}
}

// Registry is the concurrency-safe session store. Construct once at service
// start with New and share the handle; the zero value is not usable.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	activeConnections int
	totalConnections  int
	maxConcurrent     int

	clients map[string]*client

	// Correlation state. Every open session has exactly one entry in
	// either assocSessions or one peer FIFO, never both.
	sessionClients map[string]string         // session id -> client key
	sessionRecords map[string]*SessionRecord // session id -> open record
	assocSessions  map[uint64]string         // association handle -> session id
	peerSessions   map[string][]string       // peer key -> FIFO of session ids

	history          []ConnectionSnapshot
	lastSnapshotTime time.Time
}

// New creates a session registry with the given bounds.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.RecentSessionsPerClient <= 0 {
		cfg.RecentSessionsPerClient = 50
	}
	if cfg.ConnectionSnapshots <= 0 {
		cfg.ConnectionSnapshots = 720
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:            cfg,
		now:            cfg.Clock,
		logger:         logger.With("component", "registry"),
		clients:        make(map[string]*client),
		sessionClients: make(map[string]string),
		sessionRecords: make(map[string]*SessionRecord),
		assocSessions:  make(map[uint64]string),
		peerSessions:   make(map[string][]string),
	}
}

// OpenSession records a new connection and returns its session id. The peer
// may be nil when the transport has not resolved an address yet; assocID may
// be zero when the collaborator cannot supply an association handle.
func (r *Registry) OpenSession(peer *Peer, assocID uint64) string {
	now := r.now().UTC()
	sessionID := "session-" + uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeConnections++
	r.totalConnections++
	if r.activeConnections > r.maxConcurrent {
		r.maxConcurrent = r.activeConnections
	}

	c := r.ensureClientLocked(peer.ClientKey(), peer, now)
	c.totalSessions++
	c.activeSessions++
	c.lastSeen = now

	record := &SessionRecord{
		ID:        sessionID,
		StartedAt: now,
	}
	if peer != nil && peer.HasPort {
		port := peer.Port
		record.RemotePort = &port
		c.lastRemotePort = &port
	}
	r.prependSessionLocked(c, record)

	r.sessionClients[sessionID] = c.key
	r.sessionRecords[sessionID] = record
	// Exclusive correlation: handle if available, else the peer FIFO.
	if assocID != 0 {
		r.assocSessions[assocID] = sessionID
	} else if peerKey := peer.Key(); peerKey != "" {
		r.peerSessions[peerKey] = append(r.peerSessions[peerKey], sessionID)
	}

	r.appendSnapshotLocked(true)
	return sessionID
}

// RefineIdentity applies the identity announced during association
// negotiation to the session's client, reconciling the client key when the
// resolved address differs from the provisional one.
func (r *Registry) RefineIdentity(assocID uint64, peer *Peer, aeTitle, implVersion, implClassUID string) {
	now := r.now().UTC()
	newKey := peer.ClientKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.assocSessions[assocID]
	if !ok {
		sessionID = r.newestPeerSessionLocked(peer.Key())
	}

	var c *client
	if sessionID != "" {
		if oldKey, ok := r.sessionClients[sessionID]; ok && oldKey != newKey {
			r.reconcileKeyLocked(oldKey, newKey, sessionID, now)
		}
		c = r.clients[r.sessionClients[sessionID]]
	}
	if c == nil {
		c = r.ensureClientLocked(newKey, peer, now)
	}

	if peer != nil && peer.Host != "" {
		c.address = peer.Host
	}
	c.noteIdentity(aeTitle, implVersion, implClassUID)
	if peer != nil && peer.HasPort {
		port := peer.Port
		c.lastRemotePort = &port
		if sessionID != "" {
			if record, ok := r.sessionRecords[sessionID]; ok {
				record.RemotePort = &port
			}
		}
	}
	c.lastSeen = now

	r.appendSnapshotLocked(false)
}

// CloseSession finalizes the session correlated with the association handle,
// falling back to the oldest queued session for the peer. Closing a session
// the registry never saw is a logged no-op; counters are clamped at zero.
// It reports whether a session was matched and finalized, and whether the
// global active counter actually decremented.
func (r *Registry) CloseSession(assocID uint64, peer *Peer) (matched, decremented bool) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeConnections > 0 {
		r.activeConnections--
		decremented = true
	}

	sessionID := r.releaseSessionLocked(assocID, peer.Key())
	if sessionID == "" {
		r.logger.Info("close event without a matching session",
			"peer", peer.Key(), "assoc", assocID)
		r.appendSnapshotLocked(true)
		return false, decremented
	}

	clientKey := r.sessionClients[sessionID]
	delete(r.sessionClients, sessionID)
	record := r.sessionRecords[sessionID]
	delete(r.sessionRecords, sessionID)

	if c, ok := r.clients[clientKey]; ok {
		if c.activeSessions > 0 {
			c.activeSessions--
		}
		c.lastSeen = now
	}
	if record != nil {
		ended := now
		record.EndedAt = &ended
		duration := now.Sub(record.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		duration = math.Round(duration*100) / 100
		record.DurationSeconds = &duration
	}

	r.appendSnapshotLocked(true)
	return true, decremented
}

// Snapshot returns a deep, consistent copy of the registry state. The copy
// is assembled entirely under the lock; callers serialize it afterwards.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appendSnapshotLocked(false)

	snap := &Snapshot{
		ActiveConnections:        r.activeConnections,
		TotalConnections:         r.totalConnections,
		MaxConcurrentConnections: r.maxConcurrent,
		Clients:                  make([]ClientSnapshot, 0, len(r.clients)),
		ConnectionHistory:        make([]ConnectionSnapshot, len(r.history)),
	}
	copy(snap.ConnectionHistory, r.history)

	for _, c := range r.clients {
		snap.Clients = append(snap.Clients, c.snapshot())
		if c.activeSessions > 0 {
			snap.ActiveClientCount++
		}
	}
	snap.KnownClientCount = len(snap.Clients)
	return snap
}

// Counters returns the live connection counters without building a full
// snapshot. Used by the heartbeat log line and the metrics gauges.
func (r *Registry) Counters() (active, total, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeConnections, r.totalConnections, r.maxConcurrent
}

// reconcileKeyLocked moves the session's client data from oldKey to newKey.
// When newKey already owns a record the moving session's counters and
// history entry migrate into it; otherwise the old record is re-keyed in
// place. All correlation entries still naming oldKey are repointed.
func (r *Registry) reconcileKeyLocked(oldKey, newKey, sessionID string, now time.Time) {
	old, ok := r.clients[oldKey]
	if !ok {
		r.sessionClients[sessionID] = newKey
		return
	}

	if existing, ok := r.clients[newKey]; ok {
		// Merge: the moving session's deltas transfer to the record that
		// arrived first under the resolved address.
		if old.totalSessions > 0 {
			old.totalSessions--
		}
		if old.activeSessions > 0 {
			old.activeSessions--
		}
		existing.totalSessions++
		existing.activeSessions++
		if existing.firstSeen.After(old.firstSeen) && !old.firstSeen.IsZero() {
			existing.firstSeen = old.firstSeen
		}
		existing.lastSeen = now

		if record := r.removeSessionRecordLocked(old, sessionID); record != nil {
			r.prependSessionLocked(existing, record)
		}
		r.sessionClients[sessionID] = newKey

		if old.totalSessions == 0 {
			delete(r.clients, oldKey)
		}
		r.logger.Debug("merged client record", "from", oldKey, "into", newKey)
		return
	}

	// Re-key in place: move the map entry and repoint every session that
	// was attributed to the provisional key.
	delete(r.clients, oldKey)
	old.key = newKey
	r.clients[newKey] = old
	for sid, key := range r.sessionClients {
		if key == oldKey {
			r.sessionClients[sid] = newKey
		}
	}
	r.logger.Debug("re-keyed client record", "from", oldKey, "to", newKey)
}

// releaseSessionLocked resolves and removes the correlation entry for a
// closing session: the association handle when known, otherwise the oldest
// queued session for the peer.
func (r *Registry) releaseSessionLocked(assocID uint64, peerKey string) string {
	if assocID != 0 {
		if sessionID, ok := r.assocSessions[assocID]; ok {
			delete(r.assocSessions, assocID)
			return sessionID
		}
	}
	if peerKey != "" {
		queue := r.peerSessions[peerKey]
		if len(queue) > 0 {
			sessionID := queue[0]
			if len(queue) == 1 {
				delete(r.peerSessions, peerKey)
			} else {
				r.peerSessions[peerKey] = queue[1:]
			}
			return sessionID
		}
	}
	return ""
}

// newestPeerSessionLocked returns the most recently opened session still
// queued for the peer, for refinement events that carry no handle.
func (r *Registry) newestPeerSessionLocked(peerKey string) string {
	if peerKey == "" {
		return ""
	}
	queue := r.peerSessions[peerKey]
	if len(queue) == 0 {
		return ""
	}
	return queue[len(queue)-1]
}

func (r *Registry) ensureClientLocked(key string, peer *Peer, now time.Time) *client {
	if c, ok := r.clients[key]; ok {
		return c
	}
	address := key
	if peer != nil && peer.Host != "" {
		address = peer.Host
	}
	c := &client{
		key:               key,
		address:           address,
		aeTitle:           "UNKNOWN",
		knownAETitles:     make(map[string]struct{}),
		knownImplVersions: make(map[string]struct{}),
		knownImplUIDs:     make(map[string]struct{}),
		firstSeen:         now,
		lastSeen:          now,
	}
	r.clients[key] = c
	return c
}

func (r *Registry) prependSessionLocked(c *client, record *SessionRecord) {
	c.recentSessions = append([]*SessionRecord{record}, c.recentSessions...)
	if len(c.recentSessions) > r.cfg.RecentSessionsPerClient {
		c.recentSessions = c.recentSessions[:r.cfg.RecentSessionsPerClient]
	}
}

func (r *Registry) removeSessionRecordLocked(c *client, sessionID string) *SessionRecord {
	for i, record := range c.recentSessions {
		if record.ID == sessionID {
			c.recentSessions = append(c.recentSessions[:i], c.recentSessions[i+1:]...)
			return record
		}
	}
	return nil
}

// appendSnapshotLocked appends a connection-history entry, dropping
// non-forced appends that arrive within the throttle window.
func (r *Registry) appendSnapshotLocked(force bool) {
	now := r.now()
	if !force && now.Sub(r.lastSnapshotTime) < r.cfg.SnapshotMinInterval {
		return
	}
	r.history = append(r.history, ConnectionSnapshot{
		Timestamp: now.UTC(),
		Active:    r.activeConnections,
		Total:     r.totalConnections,
		Max:       r.maxConcurrent,
	})
	if len(r.history) > r.cfg.ConnectionSnapshots {
		r.history = r.history[len(r.history)-r.cfg.ConnectionSnapshots:]
	}
	r.lastSnapshotTime = now
}
