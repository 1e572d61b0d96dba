package torpaste

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/criapa/torpaste/protocol"
	"github.com/criapa/torpaste/session"
	"github.com/criapa/torpaste/transport"
)

// acceptLoop turns streams forwarded by the hidden service into
// responder handshakes. Each stream gets its own goroutine so one
// slow handshake never stalls the listener.
func (c *Core) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err,
			}).Warn("Accept failed")
			continue
		}
		c.wg.Add(1)
		go c.handleInbound(conn)
	}
}

// handleInbound runs the responder side of the handshake on a fresh
// inbound stream. The sender's address is learned from the payload and
// proven by the address commitment and signature; nothing about the
// stream itself identifies the peer.
func (c *Core) handleInbound(conn *transport.Conn) {
	defer c.wg.Done()

	if !c.trackPending(conn) {
		conn.Close()
		return
	}
	defer c.untrackPending(conn)

	conn.SetReadIdleTimeout(c.cfg.Protocol.HandshakeTimeout())

	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"error":    err,
		}).Debug("Inbound stream died before handshake")
		return
	}
	if frame.Kind != protocol.FrameHandshake {
		conn.Close()
		c.mtr.HandshakeFailed(ReasonMalformed)
		logrus.WithField("function", "handleInbound").
			Warn("Rejecting inbound stream that did not open with a handshake")
		return
	}
	msg, err := protocol.DecodeMessage(frame.Payload)
	if err != nil {
		conn.Close()
		c.mtr.HandshakeFailed(ReasonMalformed)
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"error":    err,
		}).Warn("Rejecting malformed inbound handshake")
		return
	}

	// Throttle by the claimed sender before the signature work. The
	// claim is unverified, but that is exactly what a brute-force
	// attempt has to present.
	if !c.inboundLimiter.allow(msg.Sender, time.Now()) {
		conn.Close()
		c.mtr.HandshakeFailed(ReasonRateLimited)
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"claimed":  msg.Sender,
		}).Warn("Rate limiting handshakes for claimed address")
		return
	}

	hs := session.NewHandshake(c.id, c.addr, nil)
	reply, sess, err := hs.HandleMessage(msg)
	if err != nil {
		conn.Close()
		c.mtr.HandshakeFailed(reasonOf(err))
		// No event here: the claimed address never proved itself, so
		// reporting it would let anyone spoof failure noise.
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"claimed":  msg.Sender,
			"error":    err,
		}).Warn("Rejecting inbound handshake")
		return
	}
	if reply != nil {
		data, err := reply.Encode()
		if err == nil {
			err = conn.WriteFrame(protocol.FrameHandshake, data)
		}
		if err != nil {
			sess.Close()
			conn.Close()
			c.mtr.HandshakeFailed(ReasonTransport)
			logrus.WithFields(logrus.Fields{
				"function": "handleInbound",
				"peer":     sess.Peer().String(),
				"error":    err,
			}).Warn("Handshake response not delivered")
			return
		}
	}

	c.adoptInbound(sess, conn)
}

// adoptInbound decides what to do with a freshly established responder
// session: install it, close it as a duplicate, or resolve a
// simultaneous connect. When both sides dialed each other, the
// connection initiated by the lexicographically lower address
// survives. The rule evaluates the same on both ends whatever order
// the streams land in, so exactly one connection remains without a
// retry cycle.
func (c *Core) adoptInbound(sess *session.Session, conn *transport.Conn) {
	peerAddr := sess.Peer()
	key := peerAddr.String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		conn.Close()
		return
	}
	p := c.peers[key]
	if p == nil {
		p = c.newPeer(peerAddr, false)
		c.peers[key] = p
		c.mu.Unlock()
		c.installInbound(p, sess, conn, false)
		return
	}
	c.mu.Unlock()

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		sess.Close()
		conn.Close()
		return
	}

	if l := p.link; l != nil {
		// This inbound stream was initiated by the peer. It wins only
		// against a link we initiated while the peer holds the lower
		// address.
		if l.weInitiated && key < c.addr.String() {
			p.link = nil
			p.mu.Unlock()
			l.shutdown()
			logrus.WithFields(logrus.Fields{
				"function": "adoptInbound",
				"peer":     key,
			}).Debug("Simultaneous connect, replacing outbound session with inbound")
			c.installInbound(p, sess, conn, true)
			return
		}
		p.mu.Unlock()
		sess.Close()
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "adoptInbound",
			"peer":     key,
		}).Info("Closing duplicate connection for connected peer")
		return
	}

	ac := p.attemptConn
	if ac != nil && c.addr.String() < key {
		p.mu.Unlock()
		sess.Close()
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "adoptInbound",
			"peer":     key,
		}).Debug("Simultaneous connect, keeping outbound attempt")
		return
	}
	p.mu.Unlock()
	if ac != nil {
		ac.Close()
		logrus.WithFields(logrus.Fields{
			"function": "adoptInbound",
			"peer":     key,
		}).Debug("Simultaneous connect, adopting inbound session")
	}

	c.installInbound(p, sess, conn, false)
}

// installInbound wires a responder session into the registry entry.
func (c *Core) installInbound(p *peer, sess *session.Session, conn *transport.Conn, replacing bool) {
	if err := c.installLink(p, sess, conn, false, replacing); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "installInbound",
			"peer":     p.addr.String(),
		}).Debug("Inbound session lost the installation race")
	}
}

// addrLimiter applies a token bucket per claimed sender address. Keys
// are attacker-chosen strings, so idle entries are evicted on a TTL to
// bound memory.
type addrLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*addrBucket
	hits  uint64
}

type addrBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAddrLimiter returns nil when the rate or burst is not positive;
// a nil limiter admits everything.
func newAddrLimiter(rps float64, burst int, idleTTL time.Duration) *addrLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = addrLimiterTTL
	}
	return &addrLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*addrBucket),
	}
}

// allow reports whether one handshake may proceed for the key at now.
// Empty claims pass through; validation rejects them later anyway.
func (l *addrLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &addrBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}
