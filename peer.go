package torpaste

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/protocol"
	"github.com/criapa/torpaste/session"
	"github.com/criapa/torpaste/transport"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// errSuperseded aborts an outbound attempt because another link for
// the same peer established first, or the peer is shutting down.
var errSuperseded = errors.New("torpaste: attempt superseded")

// peer is one registry entry. Its lock guards only the fields below;
// the registry map has its own lock and the two are never nested.
type peer struct {
	addr *address.Address

	mu          sync.Mutex
	link        *link
	attemptConn *transport.Conn
	maintain    bool
	closing     bool

	ctx    context.Context
	cancel context.CancelFunc
}

// link is one established connection: the session crypto context plus
// the transport stream it runs over. Sealing and writing are done
// under sendMu so sequence order on the wire matches send call order.
// weInitiated records which side dialed; simultaneous-connect
// resolution keys on it.
type link struct {
	sess        *session.Session
	conn        *transport.Conn
	weInitiated bool

	sendMu   sync.Mutex
	lastSend time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(sess *session.Session, conn *transport.Conn, initiator bool) *link {
	return &link{
		sess:        sess,
		conn:        conn,
		weInitiated: initiator,
		lastSend:    time.Now(),
		done:        make(chan struct{}),
	}
}

// send seals one message and writes it. A write failure closes the
// stream so the read loop notices and runs the teardown path; seal
// failures leave the link alone.
func (l *link) send(msg *protocol.Message) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	sealed, err := l.sess.SealOutbound(msg)
	if err != nil {
		return err
	}
	if err := l.conn.WriteFrame(protocol.FrameSealed, sealed); err != nil {
		l.conn.Close()
		return err
	}
	l.lastSend = time.Now()
	return nil
}

// shutdown wipes the session keys and closes the stream. Idempotent.
func (l *link) shutdown() {
	l.closeOnce.Do(func() {
		l.sess.Close()
		l.conn.Close()
		close(l.done)
	})
}

// backoffDelay returns the n-th reconnect delay (n starting at 1):
// doubling from one second, capped, with jitter spread over half to
// one-and-a-half times the base so peers that lost each other do not
// redial in lockstep.
func backoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := backoffCap
	if n <= 7 {
		d = backoffBase << uint(n-1)
		if d > backoffCap {
			d = backoffCap
		}
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// reasonOf maps an attempt or session error to a stable reason string
// for events and metric labels.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, session.ErrHandshakeTimeout):
		return ReasonTimeout
	case errors.Is(err, session.ErrHandshakeMalformed), errors.Is(err, session.ErrHandshakeSpent):
		return ReasonMalformed
	default:
		return ReasonTransport
	}
}

// maintainPeer runs one round of connection attempts for the peer.
// An initial round tries immediately and then retries on the backoff
// schedule; a reconnect round waits before every try. When the budget
// is spent the peer is reported failed and dropped from the registry.
// On success the link's read loop takes over and this returns.
func (c *Core) maintainPeer(p *peer, reconnect bool) {
	defer c.wg.Done()

	retries := c.cfg.Protocol.MaxReconnectAttempts
	attempts := retries
	if !reconnect {
		attempts = retries + 1
	}

	lastReason := ReasonTransport
	for i := 0; i < attempts; i++ {
		wait := time.Duration(0)
		if reconnect {
			wait = backoffDelay(i + 1)
		} else if i > 0 {
			wait = backoffDelay(i)
		}
		if wait > 0 {
			c.mtr.ReconnectScheduled()
			logrus.WithFields(logrus.Fields{
				"function": "maintainPeer",
				"peer":     p.addr.String(),
				"attempt":  i + 1,
				"delay":    wait.String(),
			}).Debug("Waiting before reconnect attempt")
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return
			}
		}

		err := c.attempt(p)
		if err == nil {
			return
		}
		if errors.Is(err, errSuperseded) || p.ctx.Err() != nil {
			return
		}
		lastReason = reasonOf(err)
	}

	p.mu.Lock()
	closing := p.closing
	established := p.link != nil
	p.mu.Unlock()
	if closing || established {
		return
	}

	c.removePeer(p)
	c.emit(Event{Kind: EventConnectionFailed, Address: p.addr, Reason: lastReason})
	logrus.WithFields(logrus.Fields{
		"function": "maintainPeer",
		"peer":     p.addr.String(),
		"reason":   lastReason,
	}).Warn("Retry budget spent, giving up on peer")
}

// attempt dials the peer through the proxy, runs the initiator
// handshake, and installs the resulting link.
func (c *Core) attempt(p *peer) error {
	p.mu.Lock()
	if p.closing || p.link != nil {
		p.mu.Unlock()
		return errSuperseded
	}
	p.mu.Unlock()

	conn, err := c.dialer.Dial(p.ctx, p.addr, c.cfg.Tor.PeerPort)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"peer":     p.addr.String(),
			"error":    err,
		}).Debug("Dial failed")
		return err
	}

	// Register the stream so Disconnect and inbound adoption can abort
	// a handshake blocked in a read.
	p.mu.Lock()
	if p.closing || p.link != nil {
		p.mu.Unlock()
		conn.Close()
		return errSuperseded
	}
	p.attemptConn = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.attemptConn == conn {
			p.attemptConn = nil
		}
		p.mu.Unlock()
	}()

	sess, err := c.runInitiatorHandshake(conn, p.addr)
	if err != nil {
		conn.Close()

		p.mu.Lock()
		superseded := p.closing || p.link != nil
		p.mu.Unlock()
		if superseded || p.ctx.Err() != nil {
			return errSuperseded
		}

		reason := reasonOf(err)
		c.mtr.HandshakeFailed(reason)
		c.emit(Event{Kind: EventHandshakeFailed, Address: p.addr, Reason: reason})
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"peer":     p.addr.String(),
			"reason":   reason,
			"error":    err,
		}).Warn("Handshake failed")
		return err
	}

	return c.installLink(p, sess, conn, true, false)
}

// runInitiatorHandshake sends our offer and drives the exchange until
// a session exists or the handshake window closes. The window bounds
// the whole exchange, not each read.
func (c *Core) runInitiatorHandshake(conn *transport.Conn, peerAddr *address.Address) (*session.Session, error) {
	hs := session.NewHandshake(c.id, c.addr, peerAddr)

	offer, err := hs.Initiate()
	if err != nil {
		return nil, err
	}
	data, err := offer.Encode()
	if err != nil {
		hs.Fail(err)
		return nil, err
	}
	if err := conn.WriteFrame(protocol.FrameHandshake, data); err != nil {
		hs.Fail(err)
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Protocol.HandshakeTimeout())
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			hs.Fail(session.ErrHandshakeTimeout)
			return nil, session.ErrHandshakeTimeout
		}
		conn.SetReadIdleTimeout(remaining)

		frame, err := conn.ReadFrame()
		if err != nil {
			if transport.IsTimeout(err) {
				err = session.ErrHandshakeTimeout
			}
			hs.Fail(err)
			return nil, err
		}
		if frame.Kind != protocol.FrameHandshake {
			err := fmt.Errorf("%w: sealed frame before establishment", session.ErrHandshakeMalformed)
			hs.Fail(err)
			return nil, err
		}
		msg, err := protocol.DecodeMessage(frame.Payload)
		if err != nil {
			err = fmt.Errorf("%w: %v", session.ErrHandshakeMalformed, err)
			hs.Fail(err)
			return nil, err
		}

		reply, sess, err := hs.HandleMessage(msg)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			rdata, err := reply.Encode()
			if err == nil {
				err = conn.WriteFrame(protocol.FrameHandshake, rdata)
			}
			if err != nil {
				if sess != nil {
					sess.Close()
				}
				hs.Fail(err)
				return nil, err
			}
		}
		if sess != nil {
			return sess, nil
		}
		// Crossed offer ignored while we keep the initiator role; the
		// peer's answer to our own offer is still on its way.
	}
}

// installLink makes the session the peer's live connection and starts
// the read and keepalive loops. Exactly one link wins per peer; a
// loser is closed here and the caller sees errSuperseded. A
// replacement install keeps the consumer's view of the peer as
// connected, so no event fires for it.
func (c *Core) installLink(p *peer, sess *session.Session, conn *transport.Conn, initiator, replacing bool) error {
	p.mu.Lock()
	if p.closing || p.ctx.Err() != nil || p.link != nil {
		p.mu.Unlock()
		sess.Close()
		conn.Close()
		return errSuperseded
	}
	l := newLink(sess, conn, initiator)
	p.link = l
	p.attemptConn = nil
	p.mu.Unlock()

	conn.SetReadIdleTimeout(2 * c.cfg.Protocol.KeepaliveInterval())

	c.mtr.HandshakeCompleted()
	c.mtr.SessionOpened()
	if !replacing {
		c.emit(Event{Kind: EventHandshakeCompleted, Address: p.addr})
	}
	logrus.WithFields(logrus.Fields{
		"function":  "installLink",
		"peer":      p.addr.String(),
		"initiator": initiator,
	}).Info("Session established")

	c.wg.Add(1)
	go c.readLink(p, l)
	c.wg.Add(1)
	go c.keepaliveLoop(l)
	return nil
}

// readLink drains the link until it dies and then runs the teardown
// and reconnect policy.
func (c *Core) readLink(p *peer, l *link) {
	defer c.wg.Done()
	reason, orderly := c.readLoop(l)
	c.finishLink(p, l, reason, orderly)
}

// readLoop processes inbound frames on an established link. It returns
// the loss reason and whether the peer closed the session on purpose.
func (c *Core) readLoop(l *link) (string, bool) {
	peerStr := l.sess.Peer().String()
	threshold := c.cfg.Protocol.AuthFailureThreshold

	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			if transport.IsTimeout(err) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"peer":     peerStr,
				}).Warn("Peer idle past keepalive window")
				return ReasonIdle, false
			}
			return ReasonTransport, false
		}

		if frame.Kind != protocol.FrameSealed {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     peerStr,
			}).Debug("Dropping handshake frame on established session")
			continue
		}

		msg, err := l.sess.OpenInbound(frame.Payload)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrReplayRejected):
				c.mtr.ReplayRejectedFrame()
				continue
			case errors.Is(err, crypto.ErrAuthFailure):
				c.mtr.AuthFailure()
				n := l.sess.ConsecutiveAuthFailures()
				logrus.WithFields(logrus.Fields{
					"function":    "readLoop",
					"peer":        peerStr,
					"consecutive": n,
				}).Warn("Dropping unauthenticated frame")
				if n >= threshold {
					logrus.WithFields(logrus.Fields{
						"function": "readLoop",
						"peer":     peerStr,
					}).Error("Authentication failure threshold reached, forcing reconnect")
					return ReasonAuthFailures, false
				}
				continue
			case errors.Is(err, session.ErrSessionClosed):
				return ReasonTransport, false
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"peer":     peerStr,
					"error":    err,
				}).Warn("Dropping invalid frame")
				continue
			}
		}

		switch msg.Type {
		case protocol.MessageText:
			c.mtr.MessageReceived()
			c.emit(Event{
				Kind:    EventMessageReceived,
				Address: l.sess.Peer(),
				Text:    msg.Content,
				Meta:    metaOf(msg),
			})
		case protocol.MessageFile:
			meta, err := msg.FileMetadataContent()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"peer":     peerStr,
					"error":    err,
				}).Warn("Dropping file announcement with invalid metadata")
				continue
			}
			c.mtr.MessageReceived()
			c.emit(Event{
				Kind:    EventMessageReceived,
				Address: l.sess.Peer(),
				File:    meta,
				Meta:    metaOf(msg),
			})
		case protocol.MessageKeepAlive:
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     peerStr,
			}).Debug("Keepalive received")
		case protocol.MessageDisconnect:
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     peerStr,
			}).Info("Peer closed the session")
			return ReasonClosedByPeer, true
		default:
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     peerStr,
				"type":     string(msg.Type),
			}).Debug("Dropping message of unexpected type")
		}
	}
}

// finishLink tears the dead link down, reports the loss, and applies
// the reconnect policy: maintained peers get a fresh retry round, and
// an orderly close by the peer is honored without redialing. A link
// displaced by a replacement connection is cleaned up silently; the
// peer never stopped being connected.
func (c *Core) finishLink(p *peer, l *link, reason string, orderly bool) {
	l.shutdown()
	c.mtr.SessionClosed()

	p.mu.Lock()
	if p.link != l {
		p.mu.Unlock()
		return
	}
	p.link = nil
	closing := p.closing
	maintain := p.maintain
	p.mu.Unlock()

	if closing || c.ctx.Err() != nil {
		c.removePeer(p)
		return
	}

	c.emit(Event{Kind: EventConnectionLost, Address: p.addr, Reason: reason})
	logrus.WithFields(logrus.Fields{
		"function": "finishLink",
		"peer":     p.addr.String(),
		"reason":   reason,
	}).Info("Connection lost")

	if orderly || !maintain {
		c.removePeer(p)
		return
	}

	c.wg.Add(1)
	go c.maintainPeer(p, true)
}

// keepaliveLoop sends a sealed keepalive after every full interval of
// send-idle, so the peer's receive-idle window never closes on a live
// but quiet session.
func (c *Core) keepaliveLoop(l *link) {
	defer c.wg.Done()

	interval := c.cfg.Protocol.KeepaliveInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-timer.C:
		}

		l.sendMu.Lock()
		idle := time.Since(l.lastSend)
		l.sendMu.Unlock()
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}

		if err := l.send(protocol.NewKeepAlive(c.addr.String())); err != nil {
			// The write path already closed the stream on failure; the
			// read loop finishes the teardown.
			logrus.WithFields(logrus.Fields{
				"function": "keepaliveLoop",
				"peer":     l.sess.Peer().String(),
				"error":    err,
			}).Debug("Keepalive send failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "keepaliveLoop",
			"peer":     l.sess.Peer().String(),
		}).Debug("Keepalive sent")
		timer.Reset(interval)
	}
}
