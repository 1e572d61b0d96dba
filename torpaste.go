// Package torpaste implements the core of an anonymous peer-to-peer
// messaging protocol carried over Tor hidden services.
//
// A node is identified by a self-certifying address derived from its
// Ed25519 identity key. Peers reach each other by dialing the address
// as a hidden service through a SOCKS5 proxy; every connection runs an
// authenticated key exchange with fresh ephemeral keys and then
// carries end-to-end encrypted frames.
//
// Example:
//
//	id, err := identity.Create()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	core, err := torpaste.New(id, config.Default(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	peer, _ := address.Parse("pebble...xyz.onion")
//	core.Connect(peer)
//
//	for ev := range core.Events() {
//	    switch ev.Kind {
//	    case torpaste.EventHandshakeCompleted:
//	        core.SendText(ev.Address, "hello")
//	    case torpaste.EventMessageReceived:
//	        fmt.Printf("%s: %s\n", ev.Address, ev.Text)
//	    }
//	}
package torpaste

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/config"
	"github.com/criapa/torpaste/identity"
	"github.com/criapa/torpaste/metrics"
	"github.com/criapa/torpaste/protocol"
	"github.com/criapa/torpaste/session"
	"github.com/criapa/torpaste/transport"
)

var (
	// ErrNotConnected is returned for sends and disconnects naming an
	// address with no established session.
	ErrNotConnected = errors.New("torpaste: not connected")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("torpaste: core closed")
)

// eventBuffer bounds the outbound event channel. When the consumer
// falls this far behind, further events are dropped with a warning.
const eventBuffer = 256

// addrLimiterTTL bounds how long an idle per-address limiter entry is
// kept before eviction.
const addrLimiterTTL = 10 * time.Minute

// Core is the connection manager: it owns the peer registry, dials and
// accepts connections, runs handshakes, and moves messages between the
// consumer and established sessions. All methods are safe for
// concurrent use.
type Core struct {
	cfg *config.Config
	id  *identity.Identity
	mtr *metrics.Metrics

	addr     *address.Address
	dialer   *transport.Dialer
	listener *transport.Listener

	// peers maps canonical address strings to registry entries. The
	// map itself is guarded by mu; each entry carries its own lock so
	// unrelated peers never contend.
	mu     sync.Mutex
	peers  map[string]*peer
	closed bool

	inboundLimiter *addrLimiter

	// pending tracks inbound streams still in their handshake, so
	// Close can cut them loose instead of waiting out the window.
	pendingMu sync.Mutex
	pending   map[*transport.Conn]struct{}

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a core for the given identity. The listener is bound
// immediately when the configuration names a listen address; dialing
// happens lazily per Connect. A nil metrics value disables collection.
func New(id *identity.Identity, cfg *config.Config, mtr *metrics.Metrics) (*Core, error) {
	if id == nil {
		return nil, errors.New("torpaste: identity required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer, err := transport.NewDialer(transport.Config{
		ProxyAddress: cfg.Tor.SOCKSAddress,
		Username:     cfg.Tor.SOCKSUsername,
		Password:     cfg.Tor.SOCKSPassword,
		DialTimeout:  cfg.Protocol.DialTimeout(),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:            cfg,
		id:             id,
		mtr:            mtr,
		addr:           id.Address(),
		dialer:         dialer,
		peers:          make(map[string]*peer),
		inboundLimiter: newAddrLimiter(cfg.Tor.AcceptRate, cfg.Tor.AcceptBurst, addrLimiterTTL),
		pending:        make(map[*transport.Conn]struct{}),
		events:         make(chan Event, eventBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}

	if cfg.Tor.ListenAddress != "" {
		ln, err := transport.Listen(transport.ListenerConfig{
			Address:     cfg.Tor.ListenAddress,
			AcceptRate:  cfg.Tor.AcceptRate,
			AcceptBurst: cfg.Tor.AcceptBurst,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		c.listener = ln
		c.wg.Add(1)
		go c.acceptLoop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"address":  c.addr.String(),
		"listen":   cfg.Tor.ListenAddress,
	}).Info("Messaging core started")
	return c, nil
}

// Address returns this node's own address.
func (c *Core) Address() *address.Address {
	return c.addr
}

// ListenAddr returns the bound listener address, or nil when inbound
// connections are disabled.
func (c *Core) ListenAddr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Events returns the channel of consumer-visible transitions. The
// channel is closed by Close. The consumer must drain it promptly;
// events past the buffer are dropped, never blocked on.
func (c *Core) Events() <-chan Event {
	return c.events
}

// Connect starts maintaining a connection to the peer, dialing with
// the configured retry budget and redialing after losses. Calling it
// for an address that is already connected or connecting is a no-op
// apart from marking the peer for reconnection.
func (c *Core) Connect(addr *address.Address) error {
	if addr == nil {
		return errors.New("torpaste: nil address")
	}
	if addr.Equal(c.addr) {
		return errors.New("torpaste: cannot connect to own address")
	}

	key := addr.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := c.peers[key]; ok {
		c.mu.Unlock()
		existing.mu.Lock()
		existing.maintain = true
		existing.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"peer":     key,
		}).Debug("Peer already registered, marked for reconnection")
		return nil
	}
	p := c.newPeer(addr, true)
	c.peers[key] = p
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"peer":     key,
	}).Info("Connecting to peer")

	c.wg.Add(1)
	go c.maintainPeer(p, false)
	return nil
}

// Disconnect tears the peer's connection down: any in-flight handshake
// or send is cancelled and the session keys are wiped before the call
// returns. When a session is live, a best-effort disconnect notice is
// sent first so the peer can tell an orderly close from a failure.
func (c *Core) Disconnect(addr *address.Address) error {
	if addr == nil {
		return ErrNotConnected
	}
	key := addr.String()

	c.mu.Lock()
	p := c.peers[key]
	c.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}

	p.mu.Lock()
	p.closing = true
	l := p.link
	ac := p.attemptConn
	p.mu.Unlock()

	p.cancel()
	if ac != nil {
		ac.Close()
	}
	if l != nil {
		if err := l.send(protocol.NewDisconnect(c.addr.String())); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Disconnect",
				"peer":     key,
				"error":    err,
			}).Debug("Disconnect notice not delivered")
		}
		l.shutdown()
	}
	c.removePeer(p)

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"peer":     key,
	}).Info("Disconnected from peer")
	return nil
}

// SendText seals and sends a text message to the peer, returning the
// message ID for delivery tracking. ErrNotConnected is returned when
// no established session exists.
func (c *Core) SendText(addr *address.Address, text string) (string, error) {
	msg := protocol.NewTextMessage(c.addr.String(), text)
	if err := c.send(addr, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendFileMetadata announces a file to the peer. Only the metadata
// crosses the wire; content transfer is out of band.
func (c *Core) SendFileMetadata(addr *address.Address, name string, size uint64, mime string) (string, error) {
	msg, err := protocol.NewFileMessage(c.addr.String(), protocol.FileMetadata{
		Name:     name,
		Size:     size,
		MimeType: mime,
	})
	if err != nil {
		return "", err
	}
	if err := c.send(addr, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// send routes one message through the peer's established link.
func (c *Core) send(addr *address.Address, msg *protocol.Message) error {
	if addr == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	p := c.peers[addr.String()]
	c.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}

	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	if err := l.send(msg); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("sending to %s: %w", addr, err)
	}

	c.mtr.MessageSent()
	logrus.WithFields(logrus.Fields{
		"function":   "send",
		"peer":       addr.String(),
		"message_id": msg.ID,
		"type":       string(msg.Type),
	}).Debug("Message sent")
	return nil
}

// Close stops the listener, tears down every peer, waits for all
// goroutines, and closes the event channel. Session keys are wiped
// before Close returns. Safe to call more than once.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	c.cancel()
	if c.listener != nil {
		c.listener.Close()
	}

	c.pendingMu.Lock()
	for conn := range c.pending {
		conn.Close()
	}
	c.pendingMu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		p.closing = true
		l := p.link
		ac := p.attemptConn
		p.mu.Unlock()

		p.cancel()
		if ac != nil {
			ac.Close()
		}
		if l != nil {
			l.shutdown()
		}
	}

	c.wg.Wait()
	close(c.events)

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"address":  c.addr.String(),
	}).Info("Messaging core stopped")
	return nil
}

// newPeer builds a registry entry whose context is a child of the
// core's, so Close cancels every peer.
func (c *Core) newPeer(addr *address.Address, maintain bool) *peer {
	ctx, cancel := context.WithCancel(c.ctx)
	return &peer{
		addr:     addr,
		maintain: maintain,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// removePeer drops the entry from the registry if it is still the
// registered one. Idempotent; later registrations are left alone.
func (c *Core) removePeer(p *peer) {
	key := p.addr.String()
	c.mu.Lock()
	if c.peers[key] == p {
		delete(c.peers, key)
	}
	c.mu.Unlock()
}

// trackPending registers an inbound stream for teardown by Close. It
// refuses once shutdown has begun so no stream slips past the sweep.
func (c *Core) trackPending(conn *transport.Conn) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.pending[conn] = struct{}{}
	return true
}

func (c *Core) untrackPending(conn *transport.Conn) {
	c.pendingMu.Lock()
	delete(c.pending, conn)
	c.pendingMu.Unlock()
}

// emit delivers an event without ever blocking protocol goroutines on
// the consumer.
func (c *Core) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"kind":     string(ev.Kind),
			"peer":     ev.Address.String(),
		}).Warn("Event buffer full, dropping event")
	}
}
