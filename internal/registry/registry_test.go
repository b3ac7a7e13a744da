package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(DefaultConfig(), nil)
}

func peerAt(host string, port int) *Peer {
	return &Peer{Host: host, Port: port, HasPort: true}
}

func TestOpenAndCloseSingleSession(t *testing.T) {
	r := newTestRegistry(t)

	sessionID := r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	require.NotEmpty(t, sessionID)

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.ActiveConnections)
	assert.Equal(t, 1, snap.TotalConnections)
	assert.Equal(t, 1, snap.MaxConcurrentConnections)
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, "10.0.0.7", snap.Clients[0].Address)
	assert.Equal(t, 1, snap.Clients[0].ActiveSessions)
	assert.Equal(t, 1, snap.Clients[0].TotalSessions)

	r.CloseSession(1, peerAt("10.0.0.7", 51000))

	snap = r.Snapshot()
	assert.Equal(t, 0, snap.ActiveConnections)
	assert.Equal(t, 1, snap.TotalConnections)
	assert.Equal(t, 1, snap.MaxConcurrentConnections)
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, 0, snap.Clients[0].ActiveSessions)
	require.Len(t, snap.Clients[0].RecentSessions, 1)
	record := snap.Clients[0].RecentSessions[0]
	require.NotNil(t, record.EndedAt)
	require.NotNil(t, record.DurationSeconds)
	assert.GreaterOrEqual(t, *record.DurationSeconds, 0.0)
}

func TestTwoSessionsSameResolvedAddress(t *testing.T) {
	r := newTestRegistry(t)

	first := r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	second := r.OpenSession(peerAt("10.0.0.7", 51001), 2)
	assert.NotEqual(t, first, second)

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, 2, snap.Clients[0].ActiveSessions)
	assert.Equal(t, 2, snap.Clients[0].TotalSessions)
	assert.Equal(t, 2, snap.ActiveConnections)
	assert.Equal(t, 2, snap.MaxConcurrentConnections)
}

func TestReconcileUnknownToResolved(t *testing.T) {
	r := newTestRegistry(t)

	r.OpenSession(nil, 1)
	r.RefineIdentity(1, peerAt("10.0.0.5", 51000), "MODA1", "MODA_1.0", "1.2.826.0.1.3680043.9.7435")

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 1)
	c := snap.Clients[0]
	assert.Equal(t, "10.0.0.5", c.Address)
	assert.Equal(t, "MODA1", c.AETitle)
	assert.Equal(t, 1, c.TotalSessions)
	assert.Equal(t, 1, c.ActiveSessions)
	assert.Contains(t, c.KnownAETitles, "MODA1")
	assert.Contains(t, c.KnownImplementationVersions, "MODA_1.0")

	// Refining twice to the same resolved address is a no-op.
	r.RefineIdentity(1, peerAt("10.0.0.5", 51000), "MODA1", "", "")
	snap = r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, 1, snap.Clients[0].TotalSessions)
	assert.Equal(t, 1, snap.Clients[0].ActiveSessions)
}

func TestReconcileMergesIntoExistingClient(t *testing.T) {
	r := newTestRegistry(t)

	// A fully-resolved session from the peer arrives first.
	r.OpenSession(peerAt("10.0.0.5", 51000), 1)
	// A second connection opens before its address resolves.
	r.OpenSession(nil, 2)

	snap := r.Snapshot()
	assert.Len(t, snap.Clients, 2)

	// Refinement resolves the provisional session to the same address.
	r.RefineIdentity(2, peerAt("10.0.0.5", 51001), "MODA1", "", "")

	snap = r.Snapshot()
	require.Len(t, snap.Clients, 1, "unknown record should be absorbed")
	c := snap.Clients[0]
	assert.Equal(t, "10.0.0.5", c.Address)
	assert.Equal(t, 2, c.TotalSessions)
	assert.Equal(t, 2, c.ActiveSessions)
	assert.Len(t, c.RecentSessions, 2)

	// Both sessions close cleanly against the merged record.
	r.CloseSession(1, peerAt("10.0.0.5", 51000))
	r.CloseSession(2, peerAt("10.0.0.5", 51001))

	snap = r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, 0, snap.Clients[0].ActiveSessions)
	assert.Equal(t, 0, snap.ActiveConnections)
}

func TestReconcileKeepsOldClientWithRemainingSessions(t *testing.T) {
	r := newTestRegistry(t)

	// Two provisional sessions under "unknown".
	r.OpenSession(nil, 1)
	r.OpenSession(nil, 2)
	// One session already resolved at the target address.
	r.OpenSession(peerAt("10.0.0.9", 51000), 3)

	// Only the first provisional session resolves.
	r.RefineIdentity(1, peerAt("10.0.0.9", 51002), "", "", "")

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 2)
	for _, c := range snap.Clients {
		switch c.Address {
		case "10.0.0.9":
			assert.Equal(t, 2, c.TotalSessions)
			assert.Equal(t, 2, c.ActiveSessions)
		case UnknownClientKey:
			assert.Equal(t, 1, c.TotalSessions)
			assert.Equal(t, 1, c.ActiveSessions)
		default:
			t.Fatalf("unexpected client %q", c.Address)
		}
	}
}

func TestCloseWithoutMatchingSession(t *testing.T) {
	r := newTestRegistry(t)

	r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	before := r.Snapshot()

	// A close for a handle the registry never saw.
	r.CloseSession(99, peerAt("172.16.0.1", 40000))

	after := r.Snapshot()
	assert.Equal(t, before.TotalConnections, after.TotalConnections)
	assert.Equal(t, 0, after.ActiveConnections, "global active absorbs the stray close")
	require.Len(t, after.Clients, 1)
	assert.Equal(t, 1, after.Clients[0].ActiveSessions, "unrelated client untouched")

	// Draining further closes never goes negative.
	r.CloseSession(98, nil)
	r.CloseSession(97, nil)
	final := r.Snapshot()
	assert.Equal(t, 0, final.ActiveConnections)
}

func TestCloseSessionReportsMatchAndDecrement(t *testing.T) {
	r := newTestRegistry(t)

	r.OpenSession(peerAt("10.0.0.7", 51000), 1)

	// A stray close still decrements the clamped global counter.
	matched, decremented := r.CloseSession(99, peerAt("172.16.0.1", 40000))
	assert.False(t, matched)
	assert.True(t, decremented)

	// With the counter already at zero, the real close matches but
	// cannot decrement further.
	matched, decremented = r.CloseSession(1, peerAt("10.0.0.7", 51000))
	assert.True(t, matched)
	assert.False(t, decremented)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.ActiveConnections)
}

func TestCloseFallsBackToPeerQueue(t *testing.T) {
	r := newTestRegistry(t)

	// Opened without an association handle: correlated via the peer FIFO.
	r.OpenSession(peerAt("10.0.0.7", 51000), 0)
	r.OpenSession(peerAt("10.0.0.7", 51000), 0)

	r.CloseSession(0, peerAt("10.0.0.7", 51000))

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, 1, snap.Clients[0].ActiveSessions)
	assert.Equal(t, 2, snap.Clients[0].TotalSessions)

	r.CloseSession(0, peerAt("10.0.0.7", 51000))
	snap = r.Snapshot()
	assert.Equal(t, 0, snap.Clients[0].ActiveSessions)
}

func TestRecentSessionsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentSessionsPerClient = 5
	r := New(cfg, nil)

	for i := 0; i < 20; i++ {
		assoc := uint64(i + 1)
		r.OpenSession(peerAt("10.0.0.7", 51000+i), assoc)
		r.CloseSession(assoc, peerAt("10.0.0.7", 51000+i))
	}

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Len(t, snap.Clients[0].RecentSessions, 5)
	assert.Equal(t, 20, snap.Clients[0].TotalSessions)
}

func TestConnectionHistoryCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionSnapshots = 10
	r := New(cfg, nil)

	for i := 0; i < 30; i++ {
		assoc := uint64(i + 1)
		r.OpenSession(peerAt("10.0.0.7", 51000), assoc)
		r.CloseSession(assoc, peerAt("10.0.0.7", 51000))
	}

	snap := r.Snapshot()
	assert.LessOrEqual(t, len(snap.ConnectionHistory), 10)
}

func TestSnapshotThrottle(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return current }
	r := New(cfg, nil)

	// A forced entry always lands.
	r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	base := len(r.Snapshot().ConnectionHistory)

	// Two non-forced appends (via Snapshot) inside the window add nothing.
	current = current.Add(time.Second)
	r.Snapshot()
	current = current.Add(time.Second)
	after := len(r.Snapshot().ConnectionHistory)
	assert.Equal(t, base, after)

	// Outside the window a non-forced append produces exactly one entry.
	current = current.Add(6 * time.Second)
	after = len(r.Snapshot().ConnectionHistory)
	assert.Equal(t, base+1, after)

	// A forced append ignores the throttle entirely.
	r.OpenSession(peerAt("10.0.0.7", 51001), 2)
	assert.Equal(t, after+1, len(r.Snapshot().ConnectionHistory))
}

func TestMaxConcurrentTracksTrueMaximum(t *testing.T) {
	r := newTestRegistry(t)

	expectedMax := 0
	active := 0
	step := func(open bool, assoc uint64) {
		if open {
			r.OpenSession(peerAt("10.0.0.7", 51000), assoc)
			active++
			if active > expectedMax {
				expectedMax = active
			}
		} else {
			r.CloseSession(assoc, peerAt("10.0.0.7", 51000))
			active--
		}
		snap := r.Snapshot()
		assert.Equal(t, active, snap.ActiveConnections)
		assert.Equal(t, expectedMax, snap.MaxConcurrentConnections)
	}

	step(true, 1)
	step(true, 2)
	step(false, 1)
	step(true, 3)
	step(true, 4)
	step(true, 5)
	step(false, 2)
	step(false, 3)
	step(false, 4)
	step(false, 5)
}

func TestConcurrentOpenClose(t *testing.T) {
	r := newTestRegistry(t)

	const workers = 16
	const sessionsPerWorker = 50

	var assocCounter uint64
	var wg sync.WaitGroup
	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			host := hosts[worker%len(hosts)]
			for i := 0; i < sessionsPerWorker; i++ {
				assoc := atomic.AddUint64(&assocCounter, 1)
				r.OpenSession(peerAt(host, 50000+worker), assoc)
				r.RefineIdentity(assoc, peerAt(host, 50000+worker), "LOADGEN", "LOADGEN_1.0", "")
				r.CloseSession(assoc, peerAt(host, 50000+worker))
			}
		}(w)
	}

	// A reader hammers snapshots while writers run.
	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			if snap.ActiveConnections < 0 {
				t.Error("active connections went negative")
				return
			}
			for _, c := range snap.Clients {
				if c.ActiveSessions < 0 {
					t.Errorf("client %s active sessions went negative", c.Address)
					return
				}
				if c.ActiveSessions > c.TotalSessions {
					t.Errorf("client %s active %d exceeds total %d", c.Address, c.ActiveSessions, c.TotalSessions)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerWG.Wait()

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.ActiveConnections)
	assert.Equal(t, workers*sessionsPerWorker, snap.TotalConnections)
	assert.LessOrEqual(t, snap.MaxConcurrentConnections, workers)
	require.Len(t, snap.Clients, len(hosts))
	totalAttributed := 0
	for _, c := range snap.Clients {
		assert.Equal(t, 0, c.ActiveSessions)
		totalAttributed += c.TotalSessions
	}
	assert.Equal(t, workers*sessionsPerWorker, totalAttributed)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := newTestRegistry(t)

	r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	snap := r.Snapshot()

	// Mutating the snapshot must not leak into the registry.
	snap.Clients[0].AETitle = "TAMPERED"
	snap.Clients[0].RecentSessions[0].StartedAt = time.Time{}
	if snap.Clients[0].LastRemotePort != nil {
		*snap.Clients[0].LastRemotePort = 1
	}

	fresh := r.Snapshot()
	assert.NotEqual(t, "TAMPERED", fresh.Clients[0].AETitle)
	assert.False(t, fresh.Clients[0].RecentSessions[0].StartedAt.IsZero())
	require.NotNil(t, fresh.Clients[0].LastRemotePort)
	assert.Equal(t, 51000, *fresh.Clients[0].LastRemotePort)
}

func TestIdentitySentinelsIgnored(t *testing.T) {
	r := newTestRegistry(t)

	r.OpenSession(peerAt("10.0.0.7", 51000), 1)
	r.RefineIdentity(1, peerAt("10.0.0.7", 51000), "  UNKNOWN ", "", "")

	snap := r.Snapshot()
	require.Len(t, snap.Clients, 1)
	assert.Equal(t, "UNKNOWN", snap.Clients[0].AETitle, "default placeholder retained")
	assert.Empty(t, snap.Clients[0].KnownAETitles, "sentinel never enters the historical set")
}
