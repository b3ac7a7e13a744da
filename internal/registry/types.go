package registry

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// UnknownClientKey is the provisional key used for sessions whose peer
// address has not been resolved yet.
const UnknownClientKey = "unknown"

// Peer identifies the remote endpoint of a connection as far as it is known.
type Peer struct {
	Host string
	Port int
	// HasPort distinguishes "port 0" from "port unknown"
	HasPort bool
}

// Key returns the correlation key for the transport peer (host:port), or ""
// when no peer information is available.
func (p *Peer) Key() string {
	if p == nil || p.Host == "" {
		return ""
	}
	if !p.HasPort {
		return p.Host
	}
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// ClientKey returns the registry key the peer's client record is stored
// under: the bare host, or UnknownClientKey when unresolved.
func (p *Peer) ClientKey() string {
	if p == nil || p.Host == "" {
		return UnknownClientKey
	}
	return p.Host
}

// SessionRecord describes one open-to-close association lifecycle.
type SessionRecord struct {
	ID              string     `json:"session_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	RemotePort      *int       `json:"remote_port"`
}

// copyRecord returns a value copy with fresh pointers.
func (r *SessionRecord) copyRecord() SessionRecord {
	out := SessionRecord{
		ID:        r.ID,
		StartedAt: r.StartedAt,
	}
	if r.EndedAt != nil {
		ended := *r.EndedAt
		out.EndedAt = &ended
	}
	if r.DurationSeconds != nil {
		duration := *r.DurationSeconds
		out.DurationSeconds = &duration
	}
	if r.RemotePort != nil {
		port := *r.RemotePort
		out.RemotePort = &port
	}
	return out
}

// ConnectionSnapshot is an immutable point-in-time view of the connection
// counters, retained in the bounded connection history.
type ConnectionSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Active    int       `json:"active"`
	Total     int       `json:"total"`
	Max       int       `json:"max"`
}

// client is the mutable per-peer aggregate. It lives for the remainder of
// the process once created; only its recent-session history is bounded.
type client struct {
	key     string
	address string

	aeTitle      string
	implVersion  string
	implClassUID string

	knownAETitles     map[string]struct{}
	knownImplVersions map[string]struct{}
	knownImplUIDs     map[string]struct{}

	firstSeen time.Time
	lastSeen  time.Time

	totalSessions  int
	activeSessions int
	lastRemotePort *int

	// newest first, capacity cfg.RecentSessionsPerClient
	recentSessions []*SessionRecord
}

// noteIdentity records declared identity strings, keeping both the
// last-seen value and the historical set. Empty and sentinel values are
// ignored rather than treated as errors.
func (c *client) noteIdentity(aeTitle, implVersion, implClassUID string) {
	if normalized := normalizeIdentity(aeTitle); normalized != "" && !isUnknownSentinel(normalized) {
		c.aeTitle = normalized
		c.knownAETitles[normalized] = struct{}{}
	}
	if normalized := normalizeIdentity(implVersion); normalized != "" {
		c.implVersion = normalized
		c.knownImplVersions[normalized] = struct{}{}
	}
	if normalized := normalizeIdentity(implClassUID); normalized != "" {
		c.implClassUID = normalized
		c.knownImplUIDs[normalized] = struct{}{}
	}
}

// ClientSnapshot is the immutable external view of one client aggregate.
type ClientSnapshot struct {
	Address                      string          `json:"ip"`
	AETitle                      string          `json:"ae_title"`
	ImplementationVersion        string          `json:"implementation_version,omitempty"`
	ImplementationClassUID       string          `json:"implementation_class_uid,omitempty"`
	FirstSeen                    time.Time       `json:"first_seen"`
	LastSeen                     time.Time       `json:"last_seen"`
	TotalSessions                int             `json:"total_sessions"`
	ActiveSessions               int             `json:"active_sessions"`
	LastRemotePort               *int            `json:"last_remote_port"`
	RecentSessions               []SessionRecord `json:"recent_sessions"`
	KnownAETitles                []string        `json:"known_ae_titles"`
	KnownImplementationVersions  []string        `json:"known_implementation_versions"`
	KnownImplementationClassUIDs []string        `json:"known_implementation_class_uids"`
}

// Snapshot is a deep, consistent copy of the registry state taken at one
// instant under the registry lock.
type Snapshot struct {
	ActiveConnections        int                  `json:"dicom_active_connections"`
	TotalConnections         int                  `json:"dicom_total_connections"`
	MaxConcurrentConnections int                  `json:"dicom_max_concurrent_connections"`
	Clients                  []ClientSnapshot     `json:"clients"`
	KnownClientCount         int                  `json:"known_client_count"`
	ActiveClientCount        int                  `json:"active_client_count"`
	ConnectionHistory        []ConnectionSnapshot `json:"connection_history"`
}

func (c *client) snapshot() ClientSnapshot {
	out := ClientSnapshot{
		Address:                      c.address,
		AETitle:                      c.aeTitle,
		ImplementationVersion:        c.implVersion,
		ImplementationClassUID:       c.implClassUID,
		FirstSeen:                    c.firstSeen,
		LastSeen:                     c.lastSeen,
		TotalSessions:                c.totalSessions,
		ActiveSessions:               c.activeSessions,
		RecentSessions:               make([]SessionRecord, 0, len(c.recentSessions)),
		KnownAETitles:                sortedKeys(c.knownAETitles),
		KnownImplementationVersions:  sortedKeys(c.knownImplVersions),
		KnownImplementationClassUIDs: sortedKeys(c.knownImplUIDs),
	}
	if c.lastRemotePort != nil {
		port := *c.lastRemotePort
		out.LastRemotePort = &port
	}
	for _, record := range c.recentSessions {
		out.RecentSessions = append(out.RecentSessions, record.copyRecord())
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeIdentity(value string) string {
	return strings.TrimSpace(value)
}

func isUnknownSentinel(value string) bool {
	return strings.EqualFold(value, "unknown")
}
