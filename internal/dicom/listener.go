package dicom

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	simerrors "github.com/dicomsim/dicomsim/pkg/errors"
	"github.com/dicomsim/dicomsim/pkg/health"
)

// Listener accepts transport connections on the DICOM port and raises open
// and close events for each one. Association negotiation and dataset
// decoding belong to the protocol-library collaborator; the listener only
// tracks connection lifecycles, so accepted traffic shows up in the
// registry even without a full protocol stack behind it.
type Listener struct {
	address string
	adapter *Adapter
	tracker *health.Tracker
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewListener creates a connection listener bound to the adapter.
func NewListener(address string, adapter *Adapter, tracker *health.Tracker, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		address: address,
		adapter: adapter,
		tracker: tracker,
		logger:  logger.With("component", "listener"),
	}
}

// Start binds the listen socket and serves until ctx is canceled. It blocks;
// run it on its own goroutine.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		if l.tracker != nil {
			l.tracker.MarkDown("dicom", err)
		}
		return simerrors.WrapError(err, simerrors.ErrCodeListenFailed, "failed to bind DICOM listener").
			WithComponent("listener").
			WithContext("address", l.address)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	if l.tracker != nil {
		l.tracker.MarkUp("dicom")
	}
	l.logger.Info("DICOM listener started", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			if l.tracker != nil {
				l.tracker.RecordError("dicom", err)
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}
		if l.tracker != nil {
			l.tracker.RecordSuccess("dicom")
		}

		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

// Addr returns the bound listen address, or "" before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Close stops accepting and releases the socket. In-flight connections
// drain on their own goroutines.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		_ = l.listener.Close()
		l.listener = nil
		if l.tracker != nil {
			l.tracker.MarkDown("dicom", nil)
		}
	}
}

// serveConn raises the open event, drains the connection until the peer
// hangs up, then raises the close event.
func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	peer := remoteAddress(conn)
	l.adapter.OnConnectionOpen(ConnectionOpened{Peer: peer})

	_, err := io.Copy(io.Discard, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("connection read ended", "error", err)
	}

	l.adapter.OnConnectionClose(ConnectionClosed{Peer: peer})
}

func remoteAddress(conn net.Conn) *Address {
	addr := conn.RemoteAddr()
	if addr == nil {
		return nil
	}
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return &Address{Host: addr.String()}
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return &Address{Host: host}
	}
	return &Address{Host: host, Port: port, HasPort: true}
}
