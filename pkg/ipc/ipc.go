// Package ipc provides the local stream transport that pkg/sdclient and
// pkg/sdserver build the service-discovery protocol engine on top of: one
// long-lived client connection per process plus a server that accepts many.
//
// Every callback (OnConnected, OnMessage, OnDisconnected, OnAccept) runs on
// a single goroutine owned by the Client or Server (the "reactor thread",
// pkg/reactor): callers may invoke Client/Server methods from any goroutine,
// but never see two callbacks run concurrently for the same instance, and
// never see a callback run while a Close call is unwinding the last lock
// held around it.
package ipc

import (
	"net"
	"time"
)

// CloseCause distinguishes an orderly shutdown from a lost connection for
// logging, metrics, and the protocol engine's offer-withdrawal suppression
// (SdServer silently drops provided entries on Shutdown rather than
// broadcasting StopOfferService for each).
type CloseCause int

const (
	// CauseDefault is never reported on a real close; it exists only as the
	// zero value.
	CauseDefault CloseCause = iota
	// CauseShutdown means Close was called deliberately, locally.
	CauseShutdown
	// CauseAbnormalClose means the transport failed: a read or write error,
	// or the peer closing its end first.
	CauseAbnormalClose
	// CauseClientNotRegistered means the server tore the connection down
	// itself because the peer violated the protocol (for example by sending
	// something other than Init first, or a second Init).
	CauseClientNotRegistered
)

func (c CloseCause) String() string {
	switch c {
	case CauseShutdown:
		return "shutdown"
	case CauseAbnormalClose:
		return "abnormal_close"
	case CauseClientNotRegistered:
		return "client_not_registered"
	default:
		return "default"
	}
}

// Dialer opens one new transport connection. Production callers pass a func
// wrapping net.Dial against a "unixpacket" (SOCK_SEQPACKET) address, which is
// the one standard local-socket type that preserves message boundaries
// without an added length prefix; tests pass one backed by net.Pipe, whose
// rendezvous semantics preserve boundaries too as long as each Write is read
// with a single buffer sized at least MaxMessageSize before the next Write.
type Dialer func() (net.Conn, error)

// DefaultMaxMessageSize is the MaxMessageSize used when none is configured.
// MaxMessageSize bounds every frame exchanged over the transport; it must be
// at least as large as the largest encoded wire message.
const DefaultMaxMessageSize = 64

// DefaultRetryInterval is how long a Client waits after a failed connection
// attempt, or after losing an established one, before retrying.
const DefaultRetryInterval = 2 * time.Second

// DefaultSendTimeout bounds how long SendSync blocks trying to hand a
// message to the OS socket buffer before reporting back-pressure.
const DefaultSendTimeout = 250 * time.Millisecond
