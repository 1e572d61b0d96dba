package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/criapa/torpaste/address"
)

// Config locates the SOCKS5 proxy used for all outbound streams.
type Config struct {
	// ProxyAddress is the host:port of the SOCKS5 endpoint, normally a
	// Tor daemon on 127.0.0.1:9050.
	ProxyAddress string

	// Username and Password enable SOCKS5 authentication when the
	// proxy requires it. Leaving both empty skips authentication.
	Username string
	Password string

	// DialTimeout bounds a single connect through the proxy, circuit
	// establishment included. Zero leaves the caller's context as the
	// only bound.
	DialTimeout time.Duration
}

// Dialer opens framed streams to peer addresses through the proxy.
type Dialer struct {
	proxyAddr string
	dialer    proxy.Dialer
	timeout   time.Duration
}

// NewDialer builds a SOCKS5 dialer with optional authentication.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.ProxyAddress == "" {
		return nil, fmt.Errorf("transport: proxy address required")
	}

	var auth *proxy.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = &proxy.Auth{
			User:     cfg.Username,
			Password: cfg.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddress, auth, proxy.Direct)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewDialer",
			"proxy_addr": cfg.ProxyAddress,
			"error":      err.Error(),
		}).Error("Failed to create SOCKS5 dialer")
		return nil, fmt.Errorf("transport: creating SOCKS5 dialer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewDialer",
		"proxy_addr": cfg.ProxyAddress,
	}).Info("SOCKS5 dialer ready")

	return &Dialer{
		proxyAddr: cfg.ProxyAddress,
		dialer:    dialer,
		timeout:   cfg.DialTimeout,
	}, nil
}

// Dial connects to the peer's hidden service on the given port and
// wraps the stream for framed I/O. The hidden-service name travels to
// the proxy unresolved.
func (d *Dialer) Dial(ctx context.Context, addr *address.Address, port uint16) (*Conn, error) {
	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Dialer.Dial",
		"dest_addr":  target,
		"proxy_addr": d.proxyAddr,
	}).Debug("Dialing via proxy")

	nc, err := d.dialContext(ctx, target)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Dialer.Dial",
			"dest_addr":  target,
			"proxy_addr": d.proxyAddr,
			"error":      err.Error(),
		}).Error("Failed to dial via proxy")
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Dialer.Dial",
		"dest_addr":  target,
		"local_addr": nc.LocalAddr().String(),
	}).Info("Proxy connection established")

	return NewConn(nc, Options{}), nil
}

func (d *Dialer) dialContext(ctx context.Context, target string) (net.Conn, error) {
	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", target)
	}

	// proxy.Dialer predates contexts; run Dial on the side and abandon
	// the stream if the context fires first.
	type dialResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := d.dialer.Dial("tcp", target)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-results:
		return r.conn, r.err
	}
}
