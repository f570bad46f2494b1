package ipc

import (
	"net"
	"testing"

	"golang.org/x/net/nettest"
)

// TestPipeTransportConformance runs the standard net.Conn conformance suite
// against net.Pipe, the transport the Client tests in this package dial
// through (the Server tests use TCP loopback). Client and Server only assume ordinary net.Conn semantics (a Read
// sees exactly what a matching Write sent, Close unblocks a pending Read),
// so this pins that assumption against golang.org/x/net/nettest's reference
// checks rather than against our own receive-loop behavior.
func TestPipeTransportConformance(t *testing.T) {
	nettest.TestConn(t, func() (c1, c2 net.Conn, stop func(), err error) {
		c1, c2 = net.Pipe()
		return c1, c2, func() { c1.Close(); c2.Close() }, nil
	})
}
