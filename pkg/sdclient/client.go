// Package sdclient implements the per-process service-discovery library: it
// embeds an IPC client connection to the broker daemon, mirrors the
// participant's own offers and subscriptions in local registries, and fans
// out listen callbacks as matching providers come and go.
package sdclient

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/ipcsd/pkg/ident"
	"github.com/r2northstar/ipcsd/pkg/ipc"
	"github.com/r2northstar/ipcsd/pkg/registry"
	"github.com/r2northstar/ipcsd/pkg/sderr"
	"github.com/r2northstar/ipcsd/pkg/sdmetrics"
	"github.com/r2northstar/ipcsd/pkg/sdmodel"
	"github.com/r2northstar/ipcsd/pkg/wire"
)

type providedEntry struct {
	state sdmodel.ProvidedState
	addr  wire.UnicastAddress
}

type requiredEntry struct {
	state    sdmodel.RequiredState
	callback sdmodel.ListenCallback
}

// Options configures a Client.
type Options struct {
	MaxMessageSize int
	RetryInterval  time.Duration
	SendTimeout    time.Duration

	Logger  zerolog.Logger
	Metrics *sdmetrics.Metrics
}

// Client is the participant-facing service-discovery handle, scoped to one
// BindingType. All exported
// methods are safe to call from any goroutine; callbacks registered via
// ListenService run on the client's internal reactor goroutine, except the
// immediate firings for already-known providers, which run on the goroutine
// that called ListenService.
type Client struct {
	binding wire.BindingType
	ipc     *ipc.Client
	logger  zerolog.Logger
	metrics *sdmetrics.Metrics

	mu         sync.RWMutex
	registered bool

	localProvided  *registry.Registry[ident.Provided, ident.Required, *providedEntry]
	remoteProvided *registry.Registry[ident.Provided, ident.Required, *providedEntry]
	required       *registry.Registry[ident.Required, ident.Provided, *requiredEntry]
}

func providedMatchesRequired(p ident.Provided, r ident.Required) bool { return r.Matches(p) }

// New creates a Client bound to one plane, dialing connections to the
// broker via dial. Call Connect to start the connect/retry loop.
func New(dial ipc.Dialer, binding wire.BindingType, opts Options) *Client {
	if opts.Metrics == nil {
		opts.Metrics = sdmetrics.Shared()
	}
	c := &Client{
		binding:        binding,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		localProvided:  registry.New[ident.Provided, ident.Required, *providedEntry](providedMatchesRequired),
		remoteProvided: registry.New[ident.Provided, ident.Required, *providedEntry](providedMatchesRequired),
		required:       registry.New[ident.Required, ident.Provided, *requiredEntry](func(r ident.Required, p ident.Provided) bool { return r.Matches(p) }),
	}
	c.ipc = ipc.NewClient(dial, ipc.ClientOptions{
		MaxMessageSize: opts.MaxMessageSize,
		RetryInterval:  opts.RetryInterval,
		SendTimeout:    opts.SendTimeout,
		OnConnected:    c.onConnected,
		OnMessage:      c.onMessage,
		OnDisconnected: c.onDisconnected,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	return c
}

// Connect starts the underlying transport's connect/retry loop.
func (c *Client) Connect() { c.ipc.Connect() }

// Close tears the client down. See ipc.Client.Close for the exact in-flight
// callback tolerance guarantees.
func (c *Client) Close() { c.ipc.Close() }

// IsInUse reports whether any asynchronous operation is still outstanding.
func (c *Client) IsInUse() bool { return c.ipc.IsInUse() }

// IsConnected reports whether the underlying transport is currently up.
func (c *Client) IsConnected() bool { return c.ipc.IsConnected() }

// OfferService advertises a concrete service instance at addr.
func (c *Client) OfferService(id ident.Provided, addr wire.UnicastAddress) error {
	c.mu.Lock()
	if re, ok := c.remoteProvided.Find(id); ok && re.state == sdmodel.Provided {
		c.mu.Unlock()
		return sderr.ErrProvidedDifferentClient
	}
	if e, ok := c.localProvided.Find(id); ok {
		if e.state == sdmodel.Provided {
			if e.addr != addr {
				c.mu.Unlock()
				return sderr.ErrProvidedDifferentEndpoint
			}
			c.mu.Unlock()
			return sderr.ErrAlreadyProvided
		}
	}
	c.localProvided.Insert(id, &providedEntry{state: sdmodel.Provided, addr: addr})
	registered := c.registered
	c.mu.Unlock()

	if registered {
		msg := wire.OfferServiceMessage{ID: id.ID(), Addr: addr}
		if err := c.ipc.SendSync(msg.Encode()); err != nil {
			c.logger.Debug().Err(err).Msg("offer service: send failed, daemon will learn at reconnect")
		}
	}
	return nil
}

// StopOfferService retracts a previously offered service instance.
func (c *Client) StopOfferService(id ident.Provided, addr wire.UnicastAddress) error {
	c.mu.Lock()
	e, ok := c.localProvided.Find(id)
	if !ok {
		c.mu.Unlock()
		return sderr.ErrNeverProvided
	}
	if e.state != sdmodel.Provided {
		c.mu.Unlock()
		return sderr.ErrNotProvided
	}
	if e.addr != addr {
		c.mu.Unlock()
		return sderr.ErrProvidedDifferentEndpoint
	}
	e.state = sdmodel.NotProvided
	registered := c.registered
	c.mu.Unlock()

	if registered {
		msg := wire.StopOfferServiceMessage{ID: id.ID(), Addr: addr}
		if err := c.ipc.SendSync(msg.Encode()); err != nil {
			c.logger.Debug().Err(err).Msg("stop offer service: send failed, daemon will learn at reconnect")
		}
	}
	return nil
}

// ListenService subscribes to a (possibly wildcarded) required identifier.
// If cb is non-nil and the client is currently Registered, cb fires
// synchronously-from-here once per already-known matching provider in
// either provided registry, so the caller learns already-known state
// without waiting on a round trip.
func (c *Client) ListenService(id ident.Required, cb sdmodel.ListenCallback) error {
	c.mu.Lock()
	if e, ok := c.required.Find(id); ok && e.state == sdmodel.Required {
		c.mu.Unlock()
		return sderr.ErrAlreadyRequired
	}
	c.required.Insert(id, &requiredEntry{state: sdmodel.Required, callback: cb})
	registered := c.registered

	var fires []func()
	if cb != nil && registered {
		for _, e := range c.localProvided.MatchAndGet(id) {
			if e.Value.state == sdmodel.Provided {
				prov, addr := e.Key, e.Value.addr
				fires = append(fires, func() { cb(id, prov, addr, sdmodel.Provided) })
			}
		}
		for _, e := range c.remoteProvided.MatchAndGet(id) {
			if e.Value.state == sdmodel.Provided {
				prov, addr := e.Key, e.Value.addr
				fires = append(fires, func() { cb(id, prov, addr, sdmodel.Provided) })
			}
		}
	}
	c.mu.Unlock()

	for _, fire := range fires {
		fire()
	}

	if registered {
		msg := wire.ListenServiceMessage{ID: id.ID()}
		if err := c.ipc.SendSync(msg.Encode()); err != nil {
			c.logger.Debug().Err(err).Msg("listen service: send failed, daemon will learn at reconnect")
		}
	}
	return nil
}

// StopListenService cancels a prior ListenService.
func (c *Client) StopListenService(id ident.Required) error {
	c.mu.Lock()
	e, ok := c.required.Find(id)
	if !ok {
		c.mu.Unlock()
		return sderr.ErrNeverRequired
	}
	if e.state != sdmodel.Required {
		c.mu.Unlock()
		return sderr.ErrNotRequired
	}
	e.state = sdmodel.NotRequired
	registered := c.registered
	c.mu.Unlock()

	if registered {
		msg := wire.StopListenServiceMessage{ID: id.ID()}
		if err := c.ipc.SendSync(msg.Encode()); err != nil {
			c.logger.Debug().Err(err).Msg("stop listen service: send failed, daemon will learn at reconnect")
		}
	}
	return nil
}

// PollRequired synchronously returns the endpoints of every currently-known
// provider matching required.
func (c *Client) PollRequired(id ident.Required) ([]wire.UnicastAddress, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.required.Find(id)
	if !ok {
		return nil, sderr.ErrNeverRequired
	}
	if e.state != sdmodel.Required {
		return nil, sderr.ErrNotRequired
	}

	var out []wire.UnicastAddress
	for _, e := range c.localProvided.MatchAndGet(id) {
		if e.Value.state == sdmodel.Provided {
			out = append(out, e.Value.addr)
		}
	}
	for _, e := range c.remoteProvided.MatchAndGet(id) {
		if e.Value.state == sdmodel.Provided {
			out = append(out, e.Value.addr)
		}
	}
	return out, nil
}

// PollProvided synchronously returns the endpoint of a specific provided
// identifier, if this client's own offer of it is currently active.
func (c *Client) PollProvided(id ident.Provided) (wire.UnicastAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.localProvided.Find(id)
	if !ok || e.state != sdmodel.Provided {
		return wire.UnicastAddress{}, false
	}
	return e.addr, true
}

func (c *Client) onConnected() {
	c.mu.Lock()
	c.registered = true

	var offers []wire.OfferServiceMessage
	c.localProvided.Range(func(k ident.Provided, v *providedEntry) bool {
		if v.state == sdmodel.Provided {
			offers = append(offers, wire.OfferServiceMessage{ID: k.ID(), Addr: v.addr})
		}
		return true
	})
	var listens []wire.ListenServiceMessage
	c.required.Range(func(k ident.Required, v *requiredEntry) bool {
		if v.state == sdmodel.Required {
			listens = append(listens, wire.ListenServiceMessage{ID: k.ID()})
		}
		return true
	})
	c.mu.Unlock()

	init := wire.InitMessage{Version: wire.ProtocolVersion, BindingType: c.binding}
	if err := c.ipc.SendSync(init.Encode()); err != nil {
		c.logger.Debug().Err(err).Msg("init send failed, will retry after reconnect")
		return
	}
	for _, m := range offers {
		c.ipc.SendSync(m.Encode())
	}
	for _, m := range listens {
		c.ipc.SendSync(m.Encode())
	}
}

func (c *Client) onDisconnected(ipc.CloseCause) {
	type firing struct {
		req  ident.Required
		prov ident.Provided
		addr wire.UnicastAddress
		cb   sdmodel.ListenCallback
	}
	var fires []firing

	c.mu.Lock()
	c.registered = false
	c.remoteProvided.Range(func(k ident.Provided, v *providedEntry) bool {
		if v.state != sdmodel.Provided {
			return true
		}
		for _, e := range c.required.MatchAndGet(k) {
			if e.Value.state == sdmodel.Required && e.Value.callback != nil {
				fires = append(fires, firing{req: e.Key, prov: k, addr: v.addr, cb: e.Value.callback})
			}
		}
		return true
	})
	c.remoteProvided.Clear()
	c.mu.Unlock()

	for _, f := range fires {
		f.cb(f.req, f.prov, f.addr, sdmodel.NotProvided)
	}
}

func (c *Client) onMessage(msg []byte) {
	wire.Dispatch(msg, clientVisitor{c})
}

// clientVisitor adapts Client to wire.Visitor. The daemon only ever sends
// OfferService/StopOfferService; anything else is a protocol violation.
type clientVisitor struct{ c *Client }

func (v clientVisitor) OnInit(wire.InitMessage, error) { v.c.protocolViolation("unexpected Init from daemon") }

func (v clientVisitor) OnListenService(wire.ListenServiceMessage, error) {
	v.c.protocolViolation("unexpected ListenService from daemon")
}

func (v clientVisitor) OnStopListenService(wire.StopListenServiceMessage, error) {
	v.c.protocolViolation("unexpected StopListenService from daemon")
}

func (v clientVisitor) OnUnknown(error) { v.c.protocolViolation("corrupted or unknown message") }

func (v clientVisitor) OnOfferService(m wire.OfferServiceMessage, err error) {
	if err != nil {
		v.c.protocolViolation("corrupted OfferService")
		return
	}
	v.c.inboundOffer(m)
}

func (v clientVisitor) OnStopOfferService(m wire.StopOfferServiceMessage, err error) {
	if err != nil {
		v.c.protocolViolation("corrupted StopOfferService")
		return
	}
	v.c.inboundStopOffer(m)
}

func (c *Client) protocolViolation(reason string) {
	c.logger.Warn().Str("reason", reason).Msg("daemon violated protocol, reconnecting")
	c.metrics.ProtocolViolation(sdmetrics.ViolationUnexpectedMessage)
	c.ipc.Disconnect(ipc.CauseAbnormalClose)
}

func (c *Client) inboundOffer(m wire.OfferServiceMessage) {
	prov := ident.NewProvided(m.ID)

	c.mu.Lock()
	active := activeRequiredMatches(c.required, prov)
	if len(active) == 0 {
		c.mu.Unlock()
		return // kNeverRequired, not a protocol error
	}
	if _, ok := c.localProvided.Find(prov); ok {
		c.mu.Unlock()
		return // self-echo of our own offer
	}
	if e, ok := c.remoteProvided.Find(prov); ok && e.state == sdmodel.Provided && e.addr == m.Addr {
		c.mu.Unlock()
		return // no-op: same state, same address
	}
	c.remoteProvided.Insert(prov, &providedEntry{state: sdmodel.Provided, addr: m.Addr})

	var fires []sdmodel.ListenCallback
	var reqs []ident.Required
	for _, e := range active {
		if e.Value.callback != nil {
			fires = append(fires, e.Value.callback)
			reqs = append(reqs, e.Key)
		}
	}
	c.mu.Unlock()

	for i, cb := range fires {
		cb(reqs[i], prov, m.Addr, sdmodel.Provided)
	}
}

// activeRequiredMatches returns the required-registry entries matching prov
// that are currently in state Required (the identifier may have an entry in
// NotRequired state too, retained for diagnosability, which must not count).
func activeRequiredMatches(r *registry.Registry[ident.Required, ident.Provided, *requiredEntry], prov ident.Provided) []registry.Entry[ident.Required, *requiredEntry] {
	var out []registry.Entry[ident.Required, *requiredEntry]
	for _, e := range r.MatchAndGet(prov) {
		if e.Value.state == sdmodel.Required {
			out = append(out, e)
		}
	}
	return out
}

func (c *Client) inboundStopOffer(m wire.StopOfferServiceMessage) {
	prov := ident.NewProvided(m.ID)

	c.mu.Lock()
	e, ok := c.remoteProvided.Find(prov)
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.addr != m.Addr {
		c.mu.Unlock()
		c.protocolViolation("StopOfferService address mismatch")
		return
	}
	e.state = sdmodel.NotProvided

	var fires []sdmodel.ListenCallback
	var reqs []ident.Required
	for _, me := range activeRequiredMatches(c.required, prov) {
		if me.Value.callback != nil {
			fires = append(fires, me.Value.callback)
			reqs = append(reqs, me.Key)
		}
	}
	c.mu.Unlock()

	for i, cb := range fires {
		cb(reqs[i], prov, m.Addr, sdmodel.NotProvided)
	}
}
