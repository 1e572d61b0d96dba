package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrListenerClosed is returned by Accept once the listener is closed.
var ErrListenerClosed = errors.New("transport: listener closed")

// ListenerConfig configures the loopback listener that receives streams
// forwarded by the hidden service.
type ListenerConfig struct {
	// Address is the local bind address, normally 127.0.0.1:8080. The
	// hidden service forwards its virtual port here.
	Address string

	// AcceptRate and AcceptBurst bound how fast inbound streams are
	// admitted. A rate or burst at or below zero disables the limiter.
	AcceptRate  float64
	AcceptBurst int
}

// Listener accepts inbound framed streams.
type Listener struct {
	ln      net.Listener
	limiter *rate.Limiter
}

// Listen binds the local listener.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("transport: listen address required")
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", cfg.Address, err)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 && cfg.AcceptBurst > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Listen",
		"listen_addr": ln.Addr().String(),
	}).Info("Inbound listener ready")

	return &Listener{ln: ln, limiter: limiter}, nil
}

// Accept blocks for the next admitted stream. Streams arriving faster
// than the accept rate are closed without a reply.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, fmt.Errorf("transport: accept: %w", err)
		}

		if l.limiter != nil && !l.limiter.Allow() {
			logrus.WithFields(logrus.Fields{
				"function":    "Listener.Accept",
				"remote_addr": nc.RemoteAddr().String(),
			}).Warn("Rejecting inbound stream: accept rate exceeded")
			nc.Close()
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Listener.Accept",
			"remote_addr": nc.RemoteAddr().String(),
		}).Info("Inbound stream accepted")

		return NewConn(nc, Options{}), nil
	}
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener. Streams already accepted stay open.
func (l *Listener) Close() error {
	return l.ln.Close()
}
