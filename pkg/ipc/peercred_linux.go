//go:build linux

package ipc

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConner is implemented by *net.UnixConn (net.Pipe's conn does not
// implement it, so a peer on a pipe gets a zero Credentials).
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// peerCredentials reads SO_PEERCRED off conn when it is backed by a Unix
// domain socket file descriptor, so OnAccept and connection logging can
// record which process and user actually dialed in.
func peerCredentials(conn net.Conn) Credentials {
	sc, ok := conn.(syscallConner)
	if !ok {
		return Credentials{}
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return Credentials{}
	}

	var cred *unix.Ucred
	var cerr error
	ctlErr := rc.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil || cerr != nil || cred == nil {
		return Credentials{}
	}
	return Credentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid, Known: true}
}
