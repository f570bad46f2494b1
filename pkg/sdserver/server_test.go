package sdserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/r2northstar/ipcsd/pkg/ident"
	"github.com/r2northstar/ipcsd/pkg/ipc"
	"github.com/r2northstar/ipcsd/pkg/sdclient"
	"github.com/r2northstar/ipcsd/pkg/sdmodel"
	"github.com/r2northstar/ipcsd/pkg/wire"
)

// newTestBroker wires a Server to a fresh IpcServer listening on a loopback
// TCP port and returns a dialer any number of sdclient.Clients can connect
// through, plus the listener's address for callers that want to dial
// directly with net.Dial.
func newTestBroker(t *testing.T) (dial ipc.Dialer, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var s *Server
	ipcSrv := ipc.NewServer(ipc.ServerOptions{
		MaxMessageSize: wire.MaxMessageSize,
		OnAccept:       func(h ipc.ConnectionHandle, c ipc.Credentials) bool { return s.HandleAccept(h, c) },
		OnMessage:      func(h ipc.ConnectionHandle, msg []byte) { s.HandleMessage(h, msg) },
		OnDisconnected: func(h ipc.ConnectionHandle, cause ipc.CloseCause) { s.HandleDisconnected(h, cause) },
	})
	s = New(ipcSrv, Options{})
	go ipcSrv.Serve(ln)
	t.Cleanup(func() { ipcSrv.Close() })

	return func() (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }, ln.Addr().String()
}

func newConnectedTestClient(t *testing.T, dial ipc.Dialer, binding wire.BindingType) *sdclient.Client {
	t.Helper()
	c := sdclient.New(dial, binding, sdclient.Options{
		MaxMessageSize: wire.MaxMessageSize,
		RetryInterval:  10 * time.Millisecond,
		SendTimeout:    time.Second,
	})
	c.Connect()
	t.Cleanup(c.Close)
	deadline := time.After(time.Second)
	for !c.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("client never connected")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func svcID(service, instance uint32) ident.ID {
	return ident.ID{ServiceID: service, InstanceID: instance, MajorVersion: 1, MinorVersion: 0}
}

func TestOfferThenListenerSeesSynthesizedOffer(t *testing.T) {
	dial, _ := newTestBroker(t)

	provider := newConnectedTestClient(t, dial, wire.BindingIpc)
	addr := wire.UnicastAddress{Domain: 1, Port: 100}
	if err := provider.OfferService(ident.NewProvided(svcID(1, 1)), addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := provider.PollProvided(ident.NewProvided(svcID(1, 1)))
		return ok
	})

	consumer := newConnectedTestClient(t, dial, wire.BindingIpc)
	var mu sync.Mutex
	var fired []sdmodel.ProvidedState
	req := ident.NewRequired(ident.ID{ServiceID: 1, InstanceID: ident.InstanceAll, MajorVersion: 1, MinorVersion: 0})
	if err := consumer.ListenService(req, func(_ ident.Required, _ ident.Provided, _ wire.UnicastAddress, state sdmodel.ProvidedState) {
		mu.Lock()
		fired = append(fired, state)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	})
	mu.Lock()
	if fired[0] != sdmodel.Provided {
		t.Fatalf("expected Provided, got %v", fired[0])
	}
	mu.Unlock()
}

func TestStopOfferFansOutToListener(t *testing.T) {
	dial, _ := newTestBroker(t)

	provider := newConnectedTestClient(t, dial, wire.BindingIpc)
	id := ident.NewProvided(svcID(2, 1))
	addr := wire.UnicastAddress{Domain: 1, Port: 100}
	if err := provider.OfferService(id, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}

	consumer := newConnectedTestClient(t, dial, wire.BindingIpc)
	var mu sync.Mutex
	var states []sdmodel.ProvidedState
	req := ident.NewRequired(ident.ID{ServiceID: 2, InstanceID: ident.InstanceAll, MajorVersion: 1, MinorVersion: 0})
	if err := consumer.ListenService(req, func(_ ident.Required, _ ident.Provided, _ wire.UnicastAddress, state sdmodel.ProvidedState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1
	})

	if err := provider.StopOfferService(id, addr); err != nil {
		t.Fatalf("StopOfferService: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if states[1] != sdmodel.NotProvided {
		t.Fatalf("expected second state NotProvided, got %v", states[1])
	}
}

func TestProviderDisconnectWithdrawsOffer(t *testing.T) {
	dial, _ := newTestBroker(t)

	provider := newConnectedTestClient(t, dial, wire.BindingIpc)
	id := ident.NewProvided(svcID(3, 1))
	addr := wire.UnicastAddress{Domain: 1, Port: 100}
	if err := provider.OfferService(id, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}

	consumer := newConnectedTestClient(t, dial, wire.BindingIpc)
	var mu sync.Mutex
	var states []sdmodel.ProvidedState
	req := ident.NewRequired(ident.ID{ServiceID: 3, InstanceID: ident.InstanceAll, MajorVersion: 1, MinorVersion: 0})
	if err := consumer.ListenService(req, func(_ ident.Required, _ ident.Provided, _ wire.UnicastAddress, state sdmodel.ProvidedState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1
	})

	provider.Close()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if states[1] != sdmodel.NotProvided {
		t.Fatalf("expected withdrawal on disconnect, got %v", states[1])
	}
}

func TestSecondOfferOfSameIdentifierFromAnotherClientIsDropped(t *testing.T) {
	dial, _ := newTestBroker(t)

	id := ident.NewProvided(svcID(4, 1))
	addr := wire.UnicastAddress{Domain: 1, Port: 1}

	first := newConnectedTestClient(t, dial, wire.BindingIpc)
	if err := first.OfferService(id, addr); err != nil {
		t.Fatalf("OfferService: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := first.PollProvided(id)
		return ok
	})

	second := newConnectedTestClient(t, dial, wire.BindingIpc)
	otherAddr := wire.UnicastAddress{Domain: 9, Port: 9}
	if err := second.OfferService(id, otherAddr); err != nil {
		t.Fatalf("OfferService (client-local accept, daemon will reject): %v", err)
	}

	waitFor(t, time.Second, func() bool { return !second.IsConnected() })
}

// TestReOfferOfSameIdentifierFromTheSameClientIsAlsoDropped exercises the
// same-client case directly over the wire, bypassing sdclient.Client's own
// local idempotency check (which never lets a second identical OfferService
// reach the daemon in the first place): the daemon must drop any offer of an
// already-Provided identifier regardless of which connection sent it.
func TestReOfferOfSameIdentifierFromTheSameClientIsAlsoDropped(t *testing.T) {
	_, addr := newTestBroker(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	init := wire.InitMessage{Version: wire.ProtocolVersion, BindingType: wire.BindingIpc}
	if _, err := conn.Write(init.Encode()); err != nil {
		t.Fatalf("write Init: %v", err)
	}

	offer := wire.OfferServiceMessage{ID: svcID(4, 2), Addr: wire.UnicastAddress{Domain: 1, Port: 1}}
	if _, err := conn.Write(offer.Encode()); err != nil {
		t.Fatalf("write first OfferService: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the daemon record the first offer before the re-offer races it
	if _, err := conn.Write(offer.Encode()); err != nil {
		t.Fatalf("write second OfferService: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed for re-offering an already-provided identifier")
	}
}

func TestRawGarbageBeforeInitIsDropped(t *testing.T) {
	_, addr := newTestBroker(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x99, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed for sending garbage before Init")
	}
}
