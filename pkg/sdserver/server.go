// Package sdserver implements the broker daemon's protocol engine: it
// validates each connection's use of the wire protocol, maintains the
// central per-plane registries, and fans out offers to matching
// subscribers. It has no user-facing API — its entire job is reacting to
// IpcServer callbacks, which already serialize everything onto one reactor
// goroutine, so Server holds no lock of its own.
package sdserver

import (
	"github.com/rs/zerolog"

	"github.com/r2northstar/ipcsd/pkg/ident"
	"github.com/r2northstar/ipcsd/pkg/ipc"
	"github.com/r2northstar/ipcsd/pkg/registry"
	"github.com/r2northstar/ipcsd/pkg/sdmetrics"
	"github.com/r2northstar/ipcsd/pkg/sdmodel"
	"github.com/r2northstar/ipcsd/pkg/wire"
)

type providedEntry struct {
	state       sdmodel.ProvidedState
	addr        wire.UnicastAddress
	lastClient  ipc.ConnectionHandle
}

type requiredEntry struct {
	requiringClients map[ipc.ConnectionHandle]struct{}
}

type plane struct {
	provided *registry.Registry[ident.Provided, ident.Required, *providedEntry]
	required *registry.Registry[ident.Required, ident.Provided, *requiredEntry]
}

func newPlane() *plane {
	return &plane{
		provided: registry.New[ident.Provided, ident.Required, *providedEntry](func(p ident.Provided, r ident.Required) bool { return r.Matches(p) }),
		required: registry.New[ident.Required, ident.Provided, *requiredEntry](func(r ident.Required, p ident.Provided) bool { return r.Matches(p) }),
	}
}

type clientEntry struct {
	registered bool
	binding    wire.BindingType
	provided   map[ident.Provided]struct{}
	required   map[ident.Required]struct{}
}

// Options configures a Server.
type Options struct {
	Logger  zerolog.Logger
	Metrics *sdmetrics.Metrics
}

// Server is the daemon-side protocol engine, driven by an *ipc.Server.
type Server struct {
	ipc     *ipc.Server
	logger  zerolog.Logger
	metrics *sdmetrics.Metrics

	clients map[ipc.ConnectionHandle]*clientEntry
	planes  map[wire.BindingType]*plane
}

// New creates a Server wired to the callbacks of srv. srv must not have had
// Serve called on it yet.
func New(srv *ipc.Server, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = sdmetrics.Shared()
	}
	s := &Server{
		ipc:     srv,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clients: make(map[ipc.ConnectionHandle]*clientEntry),
		planes: map[wire.BindingType]*plane{
			wire.BindingIpc:      newPlane(),
			wire.BindingZeroCopy: newPlane(),
		},
	}
	return s
}

// HandleAccept is wired as the ipc.Server's OnAccept hook.
func (s *Server) HandleAccept(h ipc.ConnectionHandle, peer ipc.Credentials) bool {
	le := s.logger.Debug().Uint64("conn", uint64(h))
	if peer.Known {
		le = le.Int32("pid", peer.PID).Uint32("uid", peer.UID)
	}
	le.Msg("connection accepted, awaiting Init")
	return true
}

// HandleMessage is wired as the ipc.Server's OnMessage hook.
func (s *Server) HandleMessage(h ipc.ConnectionHandle, msg []byte) {
	wire.Dispatch(msg, serverVisitor{s: s, h: h})
}

// HandleDisconnected is wired as the ipc.Server's OnDisconnected hook.
func (s *Server) HandleDisconnected(h ipc.ConnectionHandle, cause ipc.CloseCause) {
	ce, ok := s.clients[h]
	if !ok {
		return
	}
	delete(s.clients, h)

	pl := s.planes[ce.binding]
	suppressFanOut := cause == ipc.CauseShutdown

	for id := range ce.provided {
		e, ok := pl.provided.Find(id)
		if !ok || e.state != sdmodel.Provided {
			continue
		}
		e.state = sdmodel.NotProvided
		if !suppressFanOut {
			s.fanOutStopOffer(pl, id, e.addr)
		}
	}
	for id := range ce.required {
		if re, ok := pl.required.Find(id); ok {
			delete(re.requiringClients, h)
		}
	}
}

func (s *Server) fanOutOffer(pl *plane, id ident.Provided, addr wire.UnicastAddress) {
	msg := wire.OfferServiceMessage{ID: id.ID(), Addr: addr}
	encoded := msg.Encode()
	matches := pl.required.Match(id)
	s.metrics.FanOut(len(matches))
	for _, req := range matches {
		re, _ := pl.required.Find(req)
		for subscriber := range re.requiringClients {
			if err := s.ipc.SendSync(subscriber, encoded); err != nil {
				s.logger.Debug().Uint64("conn", uint64(subscriber)).Err(err).Msg("offer fan-out send failed")
			}
		}
	}
}

func (s *Server) fanOutStopOffer(pl *plane, id ident.Provided, addr wire.UnicastAddress) {
	msg := wire.StopOfferServiceMessage{ID: id.ID(), Addr: addr}
	encoded := msg.Encode()
	matches := pl.required.Match(id)
	s.metrics.FanOut(len(matches))
	for _, req := range matches {
		re, _ := pl.required.Find(req)
		for subscriber := range re.requiringClients {
			if err := s.ipc.SendSync(subscriber, encoded); err != nil {
				s.logger.Debug().Uint64("conn", uint64(subscriber)).Err(err).Msg("stop-offer fan-out send failed")
			}
		}
	}
}

type serverVisitor struct {
	s *Server
	h ipc.ConnectionHandle
}

func (v serverVisitor) OnInit(m wire.InitMessage, err error) {
	s, h := v.s, v.h
	if ce, ok := s.clients[h]; ok {
		_ = ce
		s.metrics.ProtocolViolation(sdmetrics.ViolationAlreadyRegistered)
		s.drop(h, "duplicate Init")
		return
	}
	if err != nil || m.Version != wire.ProtocolVersion {
		s.metrics.ProtocolViolation(sdmetrics.ViolationBadInit)
		s.drop(h, "malformed or version-mismatched Init")
		return
	}
	s.clients[h] = &clientEntry{
		registered: true,
		binding:    m.BindingType,
		provided:   make(map[ident.Provided]struct{}),
		required:   make(map[ident.Required]struct{}),
	}
	s.logger.Debug().Uint64("conn", uint64(h)).Str("binding", m.BindingType.String()).Msg("client registered")
}

func (v serverVisitor) requireRegistered() (*clientEntry, bool) {
	ce, ok := v.s.clients[v.h]
	if !ok {
		v.s.metrics.ProtocolViolation(sdmetrics.ViolationUnexpectedMessage)
		v.s.drop(v.h, "message before Init")
		return nil, false
	}
	return ce, true
}

func (v serverVisitor) OnOfferService(m wire.OfferServiceMessage, err error) {
	ce, ok := v.requireRegistered()
	if !ok {
		return
	}
	if err != nil {
		v.s.metrics.ProtocolViolation(sdmetrics.ViolationCorrupted)
		v.s.drop(v.h, "corrupted OfferService")
		return
	}
	s := v.s
	pl := s.planes[ce.binding]
	id := ident.NewProvided(m.ID)

	if e, existed := pl.provided.Find(id); existed && e.state == sdmodel.Provided {
		s.drop(v.h, "OfferService conflicts with an existing provider")
		return
	}
	pl.provided.Insert(id, &providedEntry{state: sdmodel.Provided, addr: m.Addr, lastClient: v.h})
	ce.provided[id] = struct{}{}
	s.fanOutOffer(pl, id, m.Addr)
}

func (v serverVisitor) OnStopOfferService(m wire.StopOfferServiceMessage, err error) {
	ce, ok := v.requireRegistered()
	if !ok {
		return
	}
	if err != nil {
		v.s.metrics.ProtocolViolation(sdmetrics.ViolationCorrupted)
		v.s.drop(v.h, "corrupted StopOfferService")
		return
	}
	s := v.s
	pl := s.planes[ce.binding]
	id := ident.NewProvided(m.ID)

	e, ok := pl.provided.Find(id)
	if !ok {
		// kNeverProvided: the redesigned behavior drops the client for
		// uniformity with every other non-success outcome here, rather than
		// silently accepting it (see the design notes on this ambiguity).
		s.drop(v.h, "StopOfferService for a never-offered identifier")
		return
	}
	if e.state != sdmodel.Provided || e.lastClient != v.h || e.addr != m.Addr {
		s.drop(v.h, "StopOfferService does not match the recorded offer")
		return
	}
	e.state = sdmodel.NotProvided
	delete(ce.provided, id)
	s.fanOutStopOffer(pl, id, m.Addr)
}

func (v serverVisitor) OnListenService(m wire.ListenServiceMessage, err error) {
	ce, ok := v.requireRegistered()
	if !ok {
		return
	}
	if err != nil {
		v.s.metrics.ProtocolViolation(sdmetrics.ViolationCorrupted)
		v.s.drop(v.h, "corrupted ListenService")
		return
	}
	s := v.s
	pl := s.planes[ce.binding]
	id := ident.NewRequired(m.ID)

	re, existed := pl.required.Find(id)
	if !existed {
		re = &requiredEntry{requiringClients: make(map[ipc.ConnectionHandle]struct{})}
		pl.required.Insert(id, re)
	}
	if _, already := re.requiringClients[v.h]; already {
		s.drop(v.h, "duplicate ListenService")
		return
	}
	re.requiringClients[v.h] = struct{}{}
	ce.required[id] = struct{}{}

	for _, e := range pl.provided.MatchAndGet(id) {
		if e.Value.state == sdmodel.Provided {
			msg := wire.OfferServiceMessage{ID: e.Key.ID(), Addr: e.Value.addr}
			if err := s.ipc.SendSync(v.h, msg.Encode()); err != nil {
				s.logger.Debug().Uint64("conn", uint64(v.h)).Err(err).Msg("listen-service synthesized offer send failed")
			}
		}
	}
}

func (v serverVisitor) OnStopListenService(m wire.StopListenServiceMessage, err error) {
	ce, ok := v.requireRegistered()
	if !ok {
		return
	}
	if err != nil {
		v.s.metrics.ProtocolViolation(sdmetrics.ViolationCorrupted)
		v.s.drop(v.h, "corrupted StopListenService")
		return
	}
	s := v.s
	pl := s.planes[ce.binding]
	id := ident.NewRequired(m.ID)

	re, existed := pl.required.Find(id)
	if !existed {
		s.drop(v.h, "StopListenService for a never-required identifier")
		return
	}
	if _, member := re.requiringClients[v.h]; !member {
		s.drop(v.h, "StopListenService without a matching ListenService")
		return
	}
	delete(re.requiringClients, v.h)
	delete(ce.required, id)
}

func (v serverVisitor) OnUnknown(error) {
	v.s.metrics.ProtocolViolation(sdmetrics.ViolationCorrupted)
	v.s.drop(v.h, "corrupted or unrecognized message")
}

// ClientSnapshot describes one connected, registered client for
// introspection purposes.
type ClientSnapshot struct {
	Handle   uint64   `json:"handle"`
	Binding  string   `json:"binding"`
	Provided []string `json:"provided"`
	Required []string `json:"required"`
}

// ProvidedSnapshot describes one entry of a plane's provided registry.
type ProvidedSnapshot struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Addr  string `json:"addr,omitempty"`
}

// RequiredSnapshot describes one entry of a plane's required registry.
type RequiredSnapshot struct {
	ID          string `json:"id"`
	Subscribers int    `json:"subscribers"`
}

// PlaneSnapshot is one binding plane's registries.
type PlaneSnapshot struct {
	Provided []ProvidedSnapshot `json:"provided"`
	Required []RequiredSnapshot `json:"required"`
}

// Snapshot is a point-in-time read of the daemon's client and plane
// registries, for the /debug/sd introspection endpoint.
type Snapshot struct {
	Clients []ClientSnapshot         `json:"clients"`
	Planes  map[string]PlaneSnapshot `json:"planes"`
}

// Snapshot reads every registry under the reactor goroutine via
// ipc.Server.RunSync, so the result is a consistent point-in-time view. It
// is safe to call from any goroutine outside the reactor — an HTTP handler,
// for instance — but must never be called from within one of Server's own
// callbacks.
func (s *Server) Snapshot() Snapshot {
	var snap Snapshot
	s.ipc.RunSync(func() {
		for h, ce := range s.clients {
			cs := ClientSnapshot{Handle: uint64(h), Binding: ce.binding.String()}
			for id := range ce.provided {
				cs.Provided = append(cs.Provided, id.String())
			}
			for id := range ce.required {
				cs.Required = append(cs.Required, id.String())
			}
			snap.Clients = append(snap.Clients, cs)
		}

		snap.Planes = make(map[string]PlaneSnapshot, len(s.planes))
		for binding, pl := range s.planes {
			var ps PlaneSnapshot
			pl.provided.Range(func(id ident.Provided, e *providedEntry) bool {
				ps.Provided = append(ps.Provided, ProvidedSnapshot{
					ID:    id.String(),
					State: e.state.String(),
					Addr:  e.addr.String(),
				})
				return true
			})
			pl.required.Range(func(id ident.Required, e *requiredEntry) bool {
				ps.Required = append(ps.Required, RequiredSnapshot{
					ID:          id.String(),
					Subscribers: len(e.requiringClients),
				})
				return true
			})
			snap.Planes[binding.String()] = ps
		}
	})
	return snap
}

func (s *Server) drop(h ipc.ConnectionHandle, reason string) {
	s.logger.Warn().Uint64("conn", uint64(h)).Str("reason", reason).Msg("dropping client for protocol violation")
	s.ipc.CloseConnection(h, ipc.CauseClientNotRegistered)
}
