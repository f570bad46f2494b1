package ipc

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/ipcsd/pkg/reactor"
	"github.com/r2northstar/ipcsd/pkg/sderr"
	"github.com/r2northstar/ipcsd/pkg/sdlog"
	"github.com/r2northstar/ipcsd/pkg/sdmetrics"
)

// ConnectionHandle identifies one accepted connection for the lifetime of
// that connection. It is only ever compared, never dereferenced.
type ConnectionHandle uint64

// ServerOptions configures a Server. OnAccept, OnMessage, and OnDisconnected
// run on the Server's reactor goroutine, same discipline as Client's
// callbacks.
type ServerOptions struct {
	MaxMessageSize int

	// OnAccept is called once a connection's framing is ready to receive
	// messages. Returning false refuses the connection (it is closed
	// immediately, no OnDisconnected follows).
	OnAccept func(h ConnectionHandle, peer Credentials) bool
	OnMessage func(h ConnectionHandle, msg []byte)
	OnDisconnected func(h ConnectionHandle, cause CloseCause)

	Logger  zerolog.Logger
	Metrics *sdmetrics.Metrics
}

func (o *ServerOptions) setDefaults() {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Metrics == nil {
		o.Metrics = sdmetrics.Shared()
	}
}

// Credentials is whatever peer identity the transport could establish at
// accept time (SO_PEERCRED on a Unix socket), for logging and for the
// protocol engine's acceptance decision. A zero-value Credentials means the
// transport did not support peer credentials (e.g. net.Pipe in tests).
type Credentials struct {
	PID int32
	UID uint32
	GID uint32

	// Known is false when the transport did not yield credentials at all.
	Known bool
}

type serverConn struct {
	handle ConnectionHandle
	conn   net.Conn
	creds  Credentials
	cid    string
	gen    uint64
}

// Server accepts connections on a net.Listener and runs the same
// reactor-serialized receive/send discipline as Client, fanned out over
// however many connections are live at once.
type Server struct {
	opts ServerOptions
	r    *reactor.Reactor

	mu        sync.Mutex
	ln        net.Listener
	closing   bool
	conns     map[ConnectionHandle]*serverConn
	nextHandle uint64

	inFlight atomic.Int32
	doneCh   chan struct{}
}

// NewServer creates a Server. Call Serve to start accepting.
func NewServer(opts ServerOptions) *Server {
	opts.setDefaults()
	s := &Server{
		opts:  opts,
		r:     reactor.New(),
		conns: make(map[ConnectionHandle]*serverConn),
	}
	go s.r.Run()
	return s
}

// Serve accepts connections from ln until Close is called or ln.Accept
// returns a permanent error. It blocks the calling goroutine — run it in its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.doneCh = make(chan struct{})
	s.mu.Unlock()
	defer close(s.doneCh)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.handleAccept(conn)
	}
}

func (s *Server) handleAccept(conn net.Conn) {
	creds := peerCredentials(conn)
	cid := sdlog.NewCorrelationID()

	s.mu.Lock()
	s.nextHandle++
	handle := ConnectionHandle(s.nextHandle)
	sc := &serverConn{handle: handle, conn: conn, creds: creds, cid: cid, gen: s.nextHandle}
	s.mu.Unlock()

	le := s.opts.Logger.Debug().Uint64("conn", uint64(handle)).Str("cid", cid)
	if creds.Known {
		le = le.Int32("pid", creds.PID).Uint32("uid", creds.UID)
	}
	le.Msg("connection accepted")

	s.opts.Metrics.ConnectionAccepted()

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Add(-1)
		s.r.Post(func() { s.onAccepted(sc) })
	}()
}

func (s *Server) onAccepted(sc *serverConn) {
	if s.opts.OnAccept != nil && !s.opts.OnAccept(sc.handle, sc.creds) {
		s.opts.Logger.Debug().Uint64("conn", uint64(sc.handle)).Str("cid", sc.cid).Msg("connection refused by OnAccept")
		sc.conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[sc.handle] = sc
	s.mu.Unlock()

	s.armReceive(sc)
}

func (s *Server) armReceive(sc *serverConn) {
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Add(-1)
		buf := make([]byte, s.opts.MaxMessageSize)
		for {
			n, err := sc.conn.Read(buf)
			if err != nil {
				s.r.Post(func() { s.closeConn(sc, CauseAbnormalClose) })
				return
			}
			if n == 0 {
				continue
			}
			msg := buf[:n]
			done := make(chan struct{})
			posted := s.r.Post(func() {
				if s.opts.OnMessage != nil {
					s.opts.OnMessage(sc.handle, msg)
				}
				close(done)
			})
			if !posted {
				return
			}
			<-done
		}
	}()
}

func (s *Server) closeConn(sc *serverConn, cause CloseCause) {
	s.mu.Lock()
	cur, ok := s.conns[sc.handle]
	if !ok || cur != sc {
		s.mu.Unlock()
		return
	}
	delete(s.conns, sc.handle)
	s.mu.Unlock()

	sc.conn.Close()
	s.opts.Logger.Debug().Uint64("conn", uint64(sc.handle)).Str("cid", sc.cid).Str("cause", cause.String()).Msg("connection closed")
	s.opts.Metrics.ConnectionClosed(sdmetrics.CloseCause(cause))
	if s.opts.OnDisconnected != nil {
		s.opts.OnDisconnected(sc.handle, cause)
	}
}

// SendSync writes msg to the connection identified by h. It returns
// sderr.ErrNoSuchConnection if h is unknown (already closed), or the same
// errors as Client.SendSync otherwise.
func (s *Server) SendSync(h ConnectionHandle, msg []byte) error {
	if len(msg) > s.opts.MaxMessageSize {
		return sderr.ErrMessageSizeMaximum
	}
	s.mu.Lock()
	sc, ok := s.conns[h]
	s.mu.Unlock()
	if !ok {
		return sderr.ErrNoSuchConnection
	}

	sc.conn.SetWriteDeadline(time.Now().Add(DefaultSendTimeout))
	defer sc.conn.SetWriteDeadline(time.Time{})
	_, err := sc.conn.Write(msg)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.opts.Metrics.SendBufferFull()
			return sderr.ErrSendBufferFull
		}
		// Posted without waiting: SendSync is called from SdServer handlers
		// that already run on this reactor goroutine; waiting here would
		// deadlock against the only goroutine that drains the post.
		s.r.Post(func() { s.closeConn(sc, CauseAbnormalClose) })
		return sderr.ErrDisconnected
	}
	return nil
}

// CloseConnection closes one connection by handle, reporting cause to
// OnDisconnected. Closing an already-closed or unknown handle is a no-op.
// It schedules the close on the reactor and returns without waiting — same
// reentrancy reasoning as SendSync's error path.
func (s *Server) CloseConnection(h ConnectionHandle, cause CloseCause) {
	s.mu.Lock()
	sc, ok := s.conns[h]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.r.Post(func() { s.closeConn(sc, cause) })
}

// RunSync runs fn on the reactor goroutine and blocks until it returns. It
// is for callers outside the reactor (an HTTP debug handler reading live
// registries, for instance) — calling it from within a callback already
// running on this Server's own reactor goroutine deadlocks, same as waiting
// on SendSync/CloseConnection would.
func (s *Server) RunSync(fn func()) {
	done := make(chan struct{})
	if s.r.Post(func() { fn(); close(done) }) {
		<-done
	}
}

// Connections returns the currently live connection handles.
func (s *Server) Connections() []ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionHandle, 0, len(s.conns))
	for h := range s.conns {
		out = append(out, h)
	}
	return out
}

// IsInUse reports whether any accept, read, or in-flight callback is still
// outstanding.
func (s *Server) IsInUse() bool {
	return s.inFlight.Load() > 0
}

// Close stops accepting new connections, closes every live connection with
// CauseShutdown, and stops the reactor. It blocks until Serve's Accept loop
// has returned.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.ln
	done := s.doneCh
	handles := make([]ConnectionHandle, 0, len(s.conns))
	for h := range s.conns {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, h := range handles {
		s.CloseConnection(h, CauseShutdown)
	}
	// Posted after every closeConn above, so by FIFO ordering it only runs
	// once all of them have (CloseConnection no longer waits on its own).
	barrier := make(chan struct{})
	if s.r.Post(func() { close(barrier) }) {
		<-barrier
	}

	if done != nil {
		<-done
	}
	s.r.Stop()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
