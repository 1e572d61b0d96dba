package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/criapa/torpaste/protocol"
)

const defaultWriteTimeout = 5 * time.Second

// Options configure the deadlines a Conn applies around frame I/O.
type Options struct {
	// ReadIdleTimeout bounds how long one ReadFrame call waits for the
	// peer to produce traffic. Zero waits forever.
	ReadIdleTimeout time.Duration

	// WriteTimeout bounds each WriteFrame call. Zero selects the
	// 5-second default.
	WriteTimeout time.Duration
}

// Conn is a framed stream to one peer. WriteFrame is safe for
// concurrent use; ReadFrame must stay on a single goroutine.
type Conn struct {
	nc net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu       sync.RWMutex
	readIdle time.Duration
}

// NewConn wraps an established stream for framed I/O.
func NewConn(nc net.Conn, opts Options) *Conn {
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Conn{
		nc:           nc,
		writeTimeout: writeTimeout,
		readIdle:     opts.ReadIdleTimeout,
	}
}

// SetReadIdleTimeout adjusts the idle bound for subsequent ReadFrame
// calls. Callers tighten it while a handshake is pending and widen it
// once keep-alive traffic defines the expected cadence.
func (c *Conn) SetReadIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.readIdle = d
	c.mu.Unlock()
}

// ReadFrame blocks for the next frame. An idle peer surfaces as a
// timeout error once the idle bound elapses; IsTimeout distinguishes
// that from a broken stream.
func (c *Conn) ReadFrame() (*protocol.Frame, error) {
	c.mu.RLock()
	idle := c.readIdle
	c.mu.RUnlock()

	deadline := time.Time{}
	if idle > 0 {
		deadline = time.Now().Add(idle)
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("transport: setting read deadline: %w", err)
	}

	frame, err := protocol.ReadFrame(c.nc)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Conn.ReadFrame",
		"remote_addr": c.nc.RemoteAddr().String(),
		"frame_kind":  frame.Kind,
		"payload_len": len(frame.Payload),
	}).Debug("Frame received")

	return frame, nil
}

// WriteFrame writes one frame, serializing concurrent writers so frames
// never interleave on the stream.
func (c *Conn) WriteFrame(kind protocol.FrameKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("transport: setting write deadline: %w", err)
	}

	if err := protocol.WriteFrame(c.nc, kind, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Conn.WriteFrame",
			"remote_addr": c.nc.RemoteAddr().String(),
			"frame_kind":  kind,
			"error":       err.Error(),
		}).Error("Failed to write frame")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Conn.WriteFrame",
		"remote_addr": c.nc.RemoteAddr().String(),
		"frame_kind":  kind,
		"payload_len": len(payload),
	}).Debug("Frame sent")

	return nil
}

// Close tears down the underlying stream. In-flight reads and writes
// fail immediately.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// LocalAddr returns the local endpoint of the stream.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the remote endpoint of the stream. For inbound
// streams this is the hidden service's loopback forwarder, not the
// peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// IsTimeout reports whether err is a deadline expiry rather than a
// closed or broken stream.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
