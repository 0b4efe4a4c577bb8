// internal/transport/tcp.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-gateway/internal/config"
)

// TCPTransport talks to a device behind a TCP socket (serial servers,
// simulators)
type TCPTransport struct {
	config config.TCPConfig
	conn   net.Conn
	logger *zap.Logger
	mutex  sync.RWMutex
	stats  statsTracker
}

// NewTCP creates a TCP transport
func NewTCP(cfg config.TCPConfig, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		config: cfg,
		logger: logger.With(
			zap.String("transport", "tcp"),
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
		),
	}
}

// Open dials the device
func (tt *TCPTransport) Open(ctx context.Context) error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: tt.config.ConnectTimeout}
	if tt.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	} else {
		dialer.KeepAlive = -1
	}

	address := tt.Endpoint()
	tt.logger.Info("Opening TCP connection", zap.String("address", address))

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		tt.stats.failed()
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	tt.conn = conn
	tt.stats.opened()

	tt.logger.Info("TCP connection opened successfully")
	return nil
}

// Close closes the connection
func (tt *TCPTransport) Close() error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.conn == nil {
		return nil
	}

	err := tt.conn.Close()
	tt.conn = nil
	tt.stats.closed()
	if err != nil {
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}

	tt.logger.Info("TCP connection closed")
	return nil
}

// IsOpen returns whether the connection is open
func (tt *TCPTransport) IsOpen() bool {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()
	return tt.conn != nil
}

// Write writes data to the connection
func (tt *TCPTransport) Write(ctx context.Context, data []byte) error {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()

	if tt.conn == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tt.conn.SetWriteDeadline(deadline(ctx, tt.config.WriteTimeout))

	n, err := tt.conn.Write(data)
	if err != nil {
		tt.stats.failed()
		return fmt.Errorf("failed to write to TCP connection: %w", err)
	}

	tt.stats.wrote(n)
	return nil
}

// Read reads whatever arrives within the read timeout
func (tt *TCPTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()

	if tt.conn == nil {
		return nil, ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tt.conn.SetReadDeadline(deadline(ctx, tt.config.ReadTimeout))

	buffer := make([]byte, maxBytes)
	n, err := tt.conn.Read(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return buffer[:n], nil
		}
		tt.stats.failed()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to read from TCP connection: %w", err)
	}

	tt.stats.read(n)
	return buffer[:n], nil
}

// Kind returns the transport kind
func (tt *TCPTransport) Kind() Kind {
	return KindTCP
}

// Endpoint returns host:port
func (tt *TCPTransport) Endpoint() string {
	return net.JoinHostPort(tt.config.Host, strconv.Itoa(tt.config.Port))
}

// Stats returns transport statistics
func (tt *TCPTransport) Stats() Stats {
	return tt.stats.snapshot()
}

// deadline is the earlier of now+timeout and the context deadline. A zero
// timeout without a context deadline means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
