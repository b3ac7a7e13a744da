// Package dicom bridges the protocol-library collaborator and the session
// registry. It defines the closed set of association lifecycle events, the
// adapter that turns them into registry mutations, and a synthetic modality
// that generates store traffic for demonstrations and load tests.
package dicom

import (
	"strings"

	"github.com/dicomsim/dicomsim/internal/registry"
)

// StatusSuccess is the DICOM C-STORE success status returned for every
// recorded object. The simulator never rejects an object based on registry
// state.
const StatusSuccess uint16 = 0x0000

// Address is the peer endpoint as reported by the transport. Some lifecycle
// events fire before the address is resolved, in which case the pointer to
// it is nil.
type Address struct {
	Host string
	Port int
	// HasPort distinguishes "port 0" from "port not reported"
	HasPort bool
}

// ConnectionOpened fires when a TCP connection is accepted, before any
// association negotiation. Assoc is zero when the transport cannot supply
// an association handle this early.
type ConnectionOpened struct {
	Peer  *Address
	Assoc uint64
}

// AssociationAccepted fires once negotiation completes. Identity fields
// arrive as raw bytes straight off the wire and may hold invalid encodings.
type AssociationAccepted struct {
	Assoc                  uint64
	Peer                   *Address
	CallingAETitle         []byte
	ImplementationVersion  []byte
	ImplementationClassUID []byte
}

// ConnectionClosed fires when the transport connection ends, whether the
// association was released cleanly or aborted.
type ConnectionClosed struct {
	Peer  *Address
	Assoc uint64
}

// ObjectStored fires for each received C-STORE dataset. Attributes are
// keyed by DICOM keyword; absent keywords simply have no entry.
type ObjectStored struct {
	Assoc      uint64
	Attributes map[string]string
}

// decodeIdentity turns a raw identity byte string into a usable value.
// Invalid encodings and surrounding whitespace degrade to the empty string
// rather than failing the event.
func decodeIdentity(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
}

// toPeer converts a transport address into the registry's peer form.
func toPeer(addr *Address) *registry.Peer {
	if addr == nil {
		return nil
	}
	host := strings.TrimSpace(addr.Host)
	if host == "" {
		return nil
	}
	return &registry.Peer{Host: host, Port: addr.Port, HasPort: addr.HasPort}
}
