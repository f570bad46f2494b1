//go:build !linux

package ipc

import "net"

// peerCredentials has no portable implementation outside Linux's
// SO_PEERCRED; other platforms get an always-unknown Credentials.
func peerCredentials(conn net.Conn) Credentials {
	return Credentials{}
}
