package sdclient

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/r2northstar/ipcsd/pkg/ident"
	"github.com/r2northstar/ipcsd/pkg/ipc"
	"github.com/r2northstar/ipcsd/pkg/sderr"
	"github.com/r2northstar/ipcsd/pkg/sdmodel"
	"github.com/r2northstar/ipcsd/pkg/wire"
)

// fakeDaemon is a minimal stand-in broker: it records every message a
// connecting client sends, and lets the test push arbitrary bytes back to a
// specific connection, without implementing the actual SdServer protocol
// engine. This isolates Client's behavior from SdServer's.
type fakeDaemon struct {
	srv *ipc.Server

	mu    sync.Mutex
	conns map[ipc.ConnectionHandle]struct{}
	recv  map[ipc.ConnectionHandle][][]byte
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, net.Listener) {
	t.Helper()
	d := &fakeDaemon{conns: map[ipc.ConnectionHandle]struct{}{}, recv: map[ipc.ConnectionHandle][][]byte{}}
	d.srv = ipc.NewServer(ipc.ServerOptions{
		MaxMessageSize: wire.MaxMessageSize,
		OnAccept: func(h ipc.ConnectionHandle, _ ipc.Credentials) bool {
			d.mu.Lock()
			d.conns[h] = struct{}{}
			d.mu.Unlock()
			return true
		},
		OnMessage: func(h ipc.ConnectionHandle, msg []byte) {
			d.mu.Lock()
			d.recv[h] = append(d.recv[h], append([]byte{}, msg...))
			d.mu.Unlock()
		},
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go d.srv.Serve(ln)
	t.Cleanup(func() { d.srv.Close() })
	return d, ln
}

func (d *fakeDaemon) onlyHandle(t *testing.T) ipc.ConnectionHandle {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		d.mu.Lock()
		for h := range d.conns {
			d.mu.Unlock()
			return h
		}
		d.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("no connection accepted")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (d *fakeDaemon) messagesFrom(h ipc.ConnectionHandle, n int, timeout time.Duration) [][]byte {
	deadline := time.After(timeout)
	for {
		d.mu.Lock()
		got := d.recv[h]
		d.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			return got
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func dialTCP(addr string) ipc.Dialer {
	return func() (net.Conn, error) { return net.Dial("tcp", addr) }
}

func newTestClient(dial ipc.Dialer) *Client {
	return New(dial, wire.BindingIpc, Options{
		MaxMessageSize: wire.MaxMessageSize,
		RetryInterval:  10 * time.Millisecond,
		SendTimeout:    time.Second,
	})
}

func TestOfferServiceReplaysOnConnect(t *testing.T) {
	d, ln := newFakeDaemon(t)
	c := newTestClient(dialTCP(ln.Addr().String()))
	t.Cleanup(c.Close)

	id := ident.NewProvided(ident.ID{ServiceID: 1, InstanceID: 2, MajorVersion: 1, MinorVersion: 0})
	addr := wire.UnicastAddress{Domain: 1, Port: 100}
	if err := c.OfferService(id, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}

	req := ident.NewRequired(ident.ID{ServiceID: 7, InstanceID: ident.InstanceAll, MajorVersion: 1, MinorVersion: 0})
	if err := c.ListenService(req, nil); err != nil {
		t.Fatalf("ListenService: %v", err)
	}

	c.Connect()
	h := d.onlyHandle(t)
	msgs := d.messagesFrom(h, 3, time.Second)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 replayed messages (Init, OfferService, ListenService), got %d", len(msgs))
	}
	if wire.MessageID(msgs[0][0]) != wire.MessageInit {
		t.Fatalf("expected first message to be Init, got tag %d", msgs[0][0])
	}
}

func TestOfferServiceAlreadyProvided(t *testing.T) {
	c := newTestClient(dialTCP("127.0.0.1:1")) // never connects in this test
	t.Cleanup(c.Close)

	id := ident.NewProvided(ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0})
	addr := wire.UnicastAddress{Domain: 1, Port: 1}
	if err := c.OfferService(id, addr); err != nil {
		t.Fatalf("first OfferService: %v", err)
	}
	if err := c.OfferService(id, addr); !errors.Is(err, sderr.ErrAlreadyProvided) {
		t.Fatalf("expected ErrAlreadyProvided, got %v", err)
	}
	other := wire.UnicastAddress{Domain: 2, Port: 2}
	if err := c.OfferService(id, other); !errors.Is(err, sderr.ErrProvidedDifferentEndpoint) {
		t.Fatalf("expected ErrProvidedDifferentEndpoint for a re-offer at a different address, got %v", err)
	}
}

func TestStopOfferServiceNeverProvided(t *testing.T) {
	c := newTestClient(dialTCP("127.0.0.1:1"))
	t.Cleanup(c.Close)

	id := ident.NewProvided(ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0})
	if err := c.StopOfferService(id, wire.UnicastAddress{}); !errors.Is(err, sderr.ErrNeverProvided) {
		t.Fatalf("expected ErrNeverProvided, got %v", err)
	}
}

func TestStopOfferServiceDifferentEndpoint(t *testing.T) {
	c := newTestClient(dialTCP("127.0.0.1:1"))
	t.Cleanup(c.Close)

	id := ident.NewProvided(ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0})
	addr := wire.UnicastAddress{Domain: 1, Port: 1}
	if err := c.OfferService(id, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}
	if err := c.StopOfferService(id, wire.UnicastAddress{Domain: 9, Port: 9}); !errors.Is(err, sderr.ErrProvidedDifferentEndpoint) {
		t.Fatalf("expected ErrProvidedDifferentEndpoint, got %v", err)
	}
}

func TestListenServiceAlreadyRequired(t *testing.T) {
	c := newTestClient(dialTCP("127.0.0.1:1"))
	t.Cleanup(c.Close)

	req := ident.NewRequired(ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0})
	if err := c.ListenService(req, nil); err != nil {
		t.Fatalf("first ListenService: %v", err)
	}
	if err := c.ListenService(req, nil); !errors.Is(err, sderr.ErrAlreadyRequired) {
		t.Fatalf("expected ErrAlreadyRequired, got %v", err)
	}
}

func TestStopListenServiceNeverRequired(t *testing.T) {
	c := newTestClient(dialTCP("127.0.0.1:1"))
	t.Cleanup(c.Close)

	req := ident.NewRequired(ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0})
	if err := c.StopListenService(req); !errors.Is(err, sderr.ErrNeverRequired) {
		t.Fatalf("expected ErrNeverRequired, got %v", err)
	}
}

func TestListenServiceFiresForInboundOffer(t *testing.T) {
	_, ln := newFakeDaemon(t)
	c := newTestClient(dialTCP(ln.Addr().String()))
	t.Cleanup(c.Close)

	var mu sync.Mutex
	var fired []sdmodel.ProvidedState
	req := ident.NewRequired(ident.ID{ServiceID: 42, InstanceID: ident.InstanceAll, MajorVersion: 1, MinorVersion: 0})
	if err := c.ListenService(req, func(_ ident.Required, _ ident.Provided, _ wire.UnicastAddress, state sdmodel.ProvidedState) {
		mu.Lock()
		fired = append(fired, state)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}

	c.Connect()
	for !c.ipc.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	offer := wire.OfferServiceMessage{
		ID:   ident.ID{ServiceID: 42, InstanceID: 7, MajorVersion: 1, MinorVersion: 0},
		Addr: wire.UnicastAddress{Domain: 1, Port: 100},
	}
	c.onMessage(offer.Encode())

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != sdmodel.Provided {
		t.Fatalf("expected one Provided callback, got %v", fired)
	}
}

func TestInboundOfferSelfEchoDiscarded(t *testing.T) {
	_, ln := newFakeDaemon(t)
	c := newTestClient(dialTCP(ln.Addr().String()))
	t.Cleanup(c.Close)

	id := ident.ID{ServiceID: 1, InstanceID: 1, MajorVersion: 1, MinorVersion: 0}
	prov := ident.NewProvided(id)
	addr := wire.UnicastAddress{Domain: 1, Port: 1}
	if err := c.OfferService(prov, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}

	fireCount := 0
	req := ident.NewRequired(id)
	if err := c.ListenService(req, func(ident.Required, ident.Provided, wire.UnicastAddress, sdmodel.ProvidedState) {
		fireCount++
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}

	c.Connect()
	for !c.ipc.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	offer := wire.OfferServiceMessage{ID: id, Addr: addr}
	c.onMessage(offer.Encode())

	if fireCount != 0 {
		t.Fatalf("expected self-echo to be discarded, got %d fires", fireCount)
	}
	if _, ok := c.PollProvided(prov); !ok {
		t.Fatal("local offer should still be active")
	}
}

func TestInboundUnexpectedMessageTriggersReconnect(t *testing.T) {
	_, ln := newFakeDaemon(t)
	c := newTestClient(dialTCP(ln.Addr().String()))
	t.Cleanup(c.Close)

	c.Connect()
	for !c.ipc.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	bogus := wire.ListenServiceMessage{ID: ident.ID{ServiceID: 1}}
	c.onMessage(bogus.Encode())

	// Disconnect is asynchronous (posted to the reactor); give it a moment,
	// then expect the retry loop to bring the connection back up.
	deadline := time.After(2 * time.Second)
	sawDrop := false
	for {
		if !c.ipc.IsConnected() {
			sawDrop = true
		}
		if sawDrop && c.ipc.IsConnected() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("client never reconnected after protocol violation")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
