package torpaste

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/criapa/torpaste/config"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/metrics"
	"github.com/criapa/torpaste/protocol"
	"github.com/criapa/torpaste/session"
)

// testProxy is a minimal SOCKS5 server that resolves hidden-service
// names through a routing table, standing in for the Tor daemon.
type testProxy struct {
	ln net.Listener

	mu     sync.Mutex
	routes map[string]string
}

func newTestProxy(t *testing.T) *testProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &testProxy{ln: ln, routes: make(map[string]string)}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *testProxy) addr() string { return p.ln.Addr().String() }

func (p *testProxy) route(host, backend string) {
	p.mu.Lock()
	p.routes[host] = backend
	p.mu.Unlock()
}

func (p *testProxy) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *testProxy) handle(conn net.Conn) {
	defer conn.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil || greeting[0] != 5 {
		return
	}
	methods := make([]byte, int(greeting[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 0}); err != nil {
		return
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	if header[1] != 1 || header[3] != 3 {
		conn.Write([]byte{5, 7, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	nameLen := make([]byte, 1)
	if _, err := io.ReadFull(conn, nameLen); err != nil {
		return
	}
	name := make([]byte, int(nameLen[0]))
	if _, err := io.ReadFull(conn, name); err != nil {
		return
	}
	port := make([]byte, 2)
	if _, err := io.ReadFull(conn, port); err != nil {
		return
	}

	p.mu.Lock()
	backend, ok := p.routes[string(name)]
	p.mu.Unlock()
	if !ok {
		conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	out, err := net.Dial("tcp", backend)
	if err != nil {
		conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer out.Close()
	if _, err := conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	go func() {
		io.Copy(out, conn)
		out.Close()
	}()
	io.Copy(conn, out)
}

func testConfig(socksAddr string) *config.Config {
	cfg := config.Default()
	cfg.Tor.SOCKSAddress = socksAddr
	cfg.Tor.ListenAddress = "127.0.0.1:0"
	cfg.Tor.AcceptRate = 100
	cfg.Tor.AcceptBurst = 100
	cfg.Protocol.HandshakeTimeoutSec = 2
	cfg.Protocol.DialTimeoutSec = 2
	cfg.Protocol.MaxReconnectAttempts = 0
	return cfg
}

func newTestCore(t *testing.T, proxy *testProxy, mutate ...func(*config.Config)) *Core {
	t.Helper()

	id, err := identity.Create()
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}
	cfg := testConfig(proxy.addr())
	for _, m := range mutate {
		m(cfg)
	}
	c, err := New(id, cfg, metrics.New())
	if err != nil {
		t.Fatalf("starting core: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	proxy.route(c.Address().String(), c.ListenAddr().String())
	return c
}

// waitEvent drains the core's events until one of the wanted kind
// arrives, skipping unrelated ones.
func waitEvent(t *testing.T, c *Core, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, timeout)
		}
	}
}

func TestConnectAndExchange(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)
	b := newTestCore(t, proxy)

	if err := a.Connect(b.Address()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ev := waitEvent(t, a, EventHandshakeCompleted, 5*time.Second)
	if !ev.Address.Equal(b.Address()) {
		t.Errorf("initiator handshake event for %s, want %s", ev.Address, b.Address())
	}
	ev = waitEvent(t, b, EventHandshakeCompleted, 5*time.Second)
	if !ev.Address.Equal(a.Address()) {
		t.Errorf("responder handshake event for %s, want %s", ev.Address, a.Address())
	}

	textID, err := a.SendText(b.Address(), "hello")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	got := waitEvent(t, b, EventMessageReceived, 5*time.Second)
	if got.Text != "hello" {
		t.Errorf("received %q, want %q", got.Text, "hello")
	}
	if got.Meta.Sequence != 0 {
		t.Errorf("first message sequence = %d, want 0", got.Meta.Sequence)
	}
	if got.Meta.ID != textID {
		t.Errorf("message ID = %s, want %s", got.Meta.ID, textID)
	}
	if got.Meta.Type != protocol.MessageText {
		t.Errorf("message type = %s, want text", got.Meta.Type)
	}
	if !got.Address.Equal(a.Address()) {
		t.Errorf("message attributed to %s, want %s", got.Address, a.Address())
	}

	if _, err := b.SendText(a.Address(), "hi back"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	reply := waitEvent(t, a, EventMessageReceived, 5*time.Second)
	if reply.Text != "hi back" || reply.Meta.Sequence != 0 {
		t.Errorf("reply = %q seq %d, want %q seq 0", reply.Text, reply.Meta.Sequence, "hi back")
	}

	fileID, err := a.SendFileMetadata(b.Address(), "notes.txt", 4096, "text/plain")
	if err != nil {
		t.Fatalf("send file metadata: %v", err)
	}
	ann := waitEvent(t, b, EventMessageReceived, 5*time.Second)
	if ann.File == nil {
		t.Fatal("file announcement carried no metadata")
	}
	if ann.File.Name != "notes.txt" || ann.File.Size != 4096 || ann.File.MimeType != "text/plain" {
		t.Errorf("file metadata = %+v", ann.File)
	}
	if ann.Meta.ID != fileID || ann.Meta.Sequence != 1 {
		t.Errorf("announcement ID %s seq %d, want %s seq 1", ann.Meta.ID, ann.Meta.Sequence, fileID)
	}

	if err := a.Disconnect(b.Address()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	lost := waitEvent(t, b, EventConnectionLost, 5*time.Second)
	if lost.Reason != ReasonClosedByPeer {
		t.Errorf("loss reason = %s, want %s", lost.Reason, ReasonClosedByPeer)
	}

	if _, err := a.SendText(b.Address(), "after"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after disconnect: %v, want ErrNotConnected", err)
	}
}

func TestSendTextNotConnected(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)

	stranger, err := identity.Create()
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}
	if _, err := a.SendText(stranger.Address(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send without session: %v, want ErrNotConnected", err)
	}
	if err := a.Disconnect(stranger.Address()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnect without session: %v, want ErrNotConnected", err)
	}
}

func TestConnectOwnAddress(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)

	if err := a.Connect(a.Address()); err == nil {
		t.Error("connecting to own address succeeded")
	}
}

func TestConnectFailureReported(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)

	unreachable, err := identity.Create()
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	if err := a.Connect(unreachable.Address()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := waitEvent(t, a, EventConnectionFailed, 5*time.Second)
	if !ev.Address.Equal(unreachable.Address()) {
		t.Errorf("failure reported for %s, want %s", ev.Address, unreachable.Address())
	}
	if ev.Reason != ReasonTransport {
		t.Errorf("failure reason = %s, want %s", ev.Reason, ReasonTransport)
	}

	// The registry entry is gone; sends see no session.
	if _, err := a.SendText(unreachable.Address(), "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after failure: %v, want ErrNotConnected", err)
	}
}

func TestPeerFailureIsolation(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)
	b := newTestCore(t, proxy)
	c := newTestCore(t, proxy)

	if err := a.Connect(b.Address()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	waitEvent(t, a, EventHandshakeCompleted, 5*time.Second)
	if err := a.Connect(c.Address()); err != nil {
		t.Fatalf("connect c: %v", err)
	}
	waitEvent(t, a, EventHandshakeCompleted, 5*time.Second)

	// Losing one peer must not disturb the other's session.
	if err := b.Disconnect(a.Address()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	lost := waitEvent(t, a, EventConnectionLost, 5*time.Second)
	if !lost.Address.Equal(b.Address()) {
		t.Errorf("loss reported for %s, want %s", lost.Address, b.Address())
	}

	if _, err := a.SendText(c.Address(), "still here"); err != nil {
		t.Fatalf("send to remaining peer: %v", err)
	}
	got := waitEvent(t, c, EventMessageReceived, 5*time.Second)
	if got.Text != "still here" {
		t.Errorf("received %q, want %q", got.Text, "still here")
	}

	if _, err := a.SendText(b.Address(), "gone"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send to lost peer: %v, want ErrNotConnected", err)
	}
}

func TestHandshakeTimeoutReported(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy, func(cfg *config.Config) {
		cfg.Protocol.HandshakeTimeoutSec = 1
	})

	// A listener that accepts and never answers the handshake.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()
	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()
	defer func() {
		heldMu.Lock()
		for _, conn := range held {
			conn.Close()
		}
		heldMu.Unlock()
	}()

	mute, err := identity.Create()
	if err != nil {
		t.Fatalf("creating identity: %v", err)
	}
	proxy.route(mute.Address().String(), silent.Addr().String())

	if err := a.Connect(mute.Address()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ev := waitEvent(t, a, EventHandshakeFailed, 5*time.Second)
	if ev.Reason != ReasonTimeout {
		t.Errorf("handshake failure reason = %s, want %s", ev.Reason, ReasonTimeout)
	}
	failed := waitEvent(t, a, EventConnectionFailed, 5*time.Second)
	if failed.Reason != ReasonTimeout {
		t.Errorf("terminal failure reason = %s, want %s", failed.Reason, ReasonTimeout)
	}
}

// sendEventually retries a text send until the peer observes it,
// riding out the window where simultaneous connections resolve.
func sendEventually(t *testing.T, from, to *Core, text string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		id, err := from.SendText(to.Address(), text)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		arrival := time.After(2 * time.Second)
	wait:
		for {
			select {
			case ev, ok := <-to.Events():
				if !ok {
					t.Fatal("event channel closed during exchange")
				}
				if ev.Kind == EventMessageReceived && ev.Meta.ID == id {
					return
				}
			case <-arrival:
				break wait
			}
		}
	}
	t.Fatalf("message %q never delivered", text)
}

func TestSimultaneousConnect(t *testing.T) {
	proxy := newTestProxy(t)
	retries := func(cfg *config.Config) { cfg.Protocol.MaxReconnectAttempts = 2 }
	a := newTestCore(t, proxy, retries)
	b := newTestCore(t, proxy, retries)

	if err := a.Connect(b.Address()); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}
	if err := b.Connect(a.Address()); err != nil {
		t.Fatalf("connect b->a: %v", err)
	}

	waitEvent(t, a, EventHandshakeCompleted, 10*time.Second)
	waitEvent(t, b, EventHandshakeCompleted, 10*time.Second)

	sendEventually(t, a, b, "ping")
	sendEventually(t, b, a, "pong")
}

func TestPeerCloseTriggersLossAndRetryBudget(t *testing.T) {
	proxy := newTestProxy(t)
	a := newTestCore(t, proxy)
	b := newTestCore(t, proxy)

	if err := a.Connect(b.Address()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, a, EventHandshakeCompleted, 5*time.Second)

	// An abrupt shutdown, not an orderly disconnect.
	b.Close()

	lost := waitEvent(t, a, EventConnectionLost, 5*time.Second)
	if lost.Reason != ReasonTransport {
		t.Errorf("loss reason = %s, want %s", lost.Reason, ReasonTransport)
	}
	// With a zero retry budget the peer is reported failed right away.
	waitEvent(t, a, EventConnectionFailed, 5*time.Second)
}

func TestKeepaliveHoldsIdleSessionOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second idle wait")
	}

	proxy := newTestProxy(t)
	short := func(cfg *config.Config) { cfg.Protocol.KeepaliveIntervalSec = 1 }
	a := newTestCore(t, proxy, short)
	b := newTestCore(t, proxy, short)

	if err := a.Connect(b.Address()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, a, EventHandshakeCompleted, 5*time.Second)
	waitEvent(t, b, EventHandshakeCompleted, 5*time.Second)

	// Past several receive-idle windows, only keepalives hold the
	// session open.
	time.Sleep(3 * time.Second)

	if _, err := a.SendText(b.Address(), "still here"); err != nil {
		t.Fatalf("send after idle period: %v", err)
	}
	got := waitEvent(t, b, EventMessageReceived, 5*time.Second)
	if got.Text != "still here" {
		t.Errorf("received %q after idle period", got.Text)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	tests := []struct {
		n    int
		base time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{12, 60 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(tt.n)
			if d < tt.base/2 || d >= tt.base/2+tt.base {
				t.Fatalf("backoffDelay(%d) = %v, want within [%v, %v)", tt.n, d, tt.base/2, tt.base/2+tt.base)
			}
		}
	}
}

func TestAddrLimiter(t *testing.T) {
	now := time.Now()
	l := newAddrLimiter(1, 2, time.Minute)

	if !l.allow("peer-a", now) || !l.allow("peer-a", now) {
		t.Fatal("burst denied")
	}
	if l.allow("peer-a", now) {
		t.Error("third immediate handshake admitted past burst")
	}
	if !l.allow("peer-b", now) {
		t.Error("unrelated key throttled")
	}
	if !l.allow("", now) {
		t.Error("empty claim throttled; validation owns that rejection")
	}
	if !l.allow("peer-a", now.Add(2*time.Second)) {
		t.Error("refill after wait denied")
	}

	var nilLimiter *addrLimiter
	if !nilLimiter.allow("anything", now) {
		t.Error("nil limiter must admit everything")
	}
}

func TestReasonMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{session.ErrHandshakeTimeout, ReasonTimeout},
		{fmt.Errorf("wrapped: %w", session.ErrHandshakeTimeout), ReasonTimeout},
		{session.ErrHandshakeMalformed, ReasonMalformed},
		{session.ErrHandshakeSpent, ReasonMalformed},
		{errors.New("dial tcp: connection refused"), ReasonTransport},
	}
	for _, tt := range tests {
		if got := reasonOf(tt.err); got != tt.want {
			t.Errorf("reasonOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
