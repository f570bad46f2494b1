package ipc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/ipcsd/pkg/reactor"
	"github.com/r2northstar/ipcsd/pkg/sderr"
	"github.com/r2northstar/ipcsd/pkg/sdmetrics"
)

// ClientState is the connection lifecycle state of a Client.
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientConnectRetry
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientConnectRetry:
		return "connect_retry"
	default:
		return "disconnected"
	}
}

// ClientOptions configures a Client. OnConnected, OnMessage, and
// OnDisconnected all run on the Client's reactor goroutine; none may block
// for long or wait on that reactor. SendSync, Disconnect, and Close may be
// called from inside them: none of the three waits on the reactor it is
// itself running on.
type ClientOptions struct {
	MaxMessageSize int
	RetryInterval  time.Duration
	SendTimeout    time.Duration

	OnConnected    func()
	OnMessage      func(msg []byte)
	OnDisconnected func(cause CloseCause)

	Logger  zerolog.Logger
	Metrics *sdmetrics.Metrics
}

func (o *ClientOptions) setDefaults() {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Metrics == nil {
		o.Metrics = sdmetrics.Shared()
	}
}

// Client is one persistent logical connection to a Server, reconnecting on
// its own whenever the underlying transport drops. Every exported method is
// safe to call from any goroutine.
type Client struct {
	dial Dialer
	opts ClientOptions
	r    *reactor.Reactor

	mu         sync.Mutex
	state      ClientState
	conn       net.Conn
	generation uint64
	retryTimer *time.Timer
	closed     bool

	sendMu sync.Mutex

	inFlight atomic.Int32
}

// NewClient creates a Client that dials connections via dial. The client
// starts Disconnected; call Connect to begin the retry loop.
func NewClient(dial Dialer, opts ClientOptions) *Client {
	opts.setDefaults()
	c := &Client{
		dial: dial,
		opts: opts,
		r:    reactor.New(),
	}
	go c.r.Run()
	return c
}

// Connect starts the asynchronous connect/retry loop if the client is
// currently Disconnected. Calling it again while already connecting,
// connected, or retrying is a harmless no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != ClientDisconnected || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = ClientConnecting
	c.mu.Unlock()
	c.attemptConnect()
}

func (c *Client) attemptConnect() {
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Add(-1)
		conn, err := c.dial()
		c.r.Post(func() { c.onConnectResult(conn, err) })
	}()
}

func (c *Client) onConnectResult(conn net.Conn, err error) {
	c.mu.Lock()
	if c.state != ClientConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = ClientConnectRetry
		c.mu.Unlock()
		c.opts.Metrics.ConnectAttempt(false)
		c.opts.Logger.Debug().Err(err).Msg("connect attempt failed, will retry")
		c.armRetryTimerLocked2()
		return
	}

	c.conn = conn
	c.generation++
	gen := c.generation
	c.state = ClientConnected
	c.mu.Unlock()

	c.opts.Metrics.ConnectAttempt(true)
	c.armReceive(gen, conn)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}
}

func (c *Client) armRetryTimerLocked() {
	c.retryTimer = c.r.AfterFunc(c.opts.RetryInterval, func() {
		c.mu.Lock()
		if c.state != ClientConnectRetry {
			c.mu.Unlock()
			return
		}
		c.state = ClientConnecting
		c.mu.Unlock()
		c.opts.Metrics.Reconnect()
		c.attemptConnect()
	})
}

// armReceive starts the dedicated read-loop goroutine for one connection
// generation. Each read's result is handed to the reactor and the loop
// blocks until that callback has run, so the shared read buffer is never
// reused while OnMessage still holds a view into it.
func (c *Client) armReceive(gen uint64, conn net.Conn) {
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Add(-1)
		buf := make([]byte, c.opts.MaxMessageSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				c.r.Post(func() { c.handleTransportError(gen, CauseAbnormalClose) })
				return
			}
			if n == 0 {
				continue
			}
			msg := buf[:n]
			done := make(chan struct{})
			posted := c.r.Post(func() {
				if c.opts.OnMessage != nil {
					c.opts.OnMessage(msg)
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

// Disconnect forces the current connection closed and re-enters the retry
// loop, as if the transport itself had failed. Unlike Close, the client
// keeps running and will reconnect on its own. This is how a layer above
// (the protocol engine) reacts to a peer violating the protocol: tear down
// the connection without tearing down the Client.
func (c *Client) Disconnect(cause CloseCause) {
	c.mu.Lock()
	gen := c.generation
	connected := c.state == ClientConnected
	c.mu.Unlock()
	if !connected {
		return
	}
	// Fire-and-forget: the protocol engine calls Disconnect from handlers
	// that already run on this reactor goroutine, so waiting here would
	// deadlock against the very goroutine that would service the wait.
	c.r.Post(func() { c.handleTransportError(gen, cause) })
}

func (c *Client) handleTransportError(gen uint64, cause CloseCause) {
	c.mu.Lock()
	if c.generation != gen || c.state != ClientConnected {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = ClientConnectRetry
	c.mu.Unlock()

	c.opts.Metrics.ConnectionClosed(sdmetrics.CloseCause(cause))
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(cause)
	}
	c.armRetryTimerLocked2()
}

// armRetryTimerLocked2 mirrors armRetryTimerLocked but is called without the
// mutex already held (handleTransportError has released it before invoking
// callbacks, per the lock-release-before-callback discipline).
func (c *Client) armRetryTimerLocked2() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnectRetry {
		return
	}
	c.armRetryTimerLocked()
}

// SendSync sends msg on the current connection, blocking the calling
// goroutine for at most SendTimeout. It returns sderr.ErrMessageSizeMaximum
// if msg exceeds the configured maximum, sderr.ErrDisconnected if there is no
// live connection (including one that failed exactly during this call), or
// sderr.ErrSendBufferFull if the OS socket buffer did not drain within
// SendTimeout — a blocking net.Conn has no direct "try write" primitive, so
// a short write deadline stands in for one.
func (c *Client) SendSync(msg []byte) error {
	if len(msg) > c.opts.MaxMessageSize {
		return sderr.ErrMessageSizeMaximum
	}

	c.mu.Lock()
	if c.state != ClientConnected {
		c.mu.Unlock()
		return sderr.ErrDisconnected
	}
	conn := c.conn
	gen := c.generation
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.opts.SendTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(msg)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.opts.Metrics.SendBufferFull()
			return sderr.ErrSendBufferFull
		}
		// Posted without waiting: SendSync may itself be called from a
		// handler already running on the reactor goroutine (the protocol
		// engine's on_connected/on_message replay path), and that goroutine
		// is the only one that will ever drain this Post.
		c.r.Post(func() { c.handleTransportError(gen, CauseAbnormalClose) })
		return sderr.ErrDisconnected
	}
	return nil
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ClientConnected
}

// IsInUse reports whether any asynchronous operation (a dial, a read, an
// in-flight callback) is still outstanding. Callers that need to free
// resources referenced by OnMessage/OnConnected/OnDisconnected must Close
// the client and then poll IsInUse down to false before doing so.
func (c *Client) IsInUse() bool {
	return c.inFlight.Load() > 0
}

// Close tears the client down: any live connection is closed, the retry
// timer is stopped, and no further callback is invoked once Close returns —
// though a read or dial already in flight may still finish its goroutine
// before observing the close (see IsInUse).
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = ClientDisconnected
	c.generation++
	timer := c.retryTimer
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.r.Stop()
}
