// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-gateway/internal/config"
)

// Kind names a transport implementation
type Kind string

const (
	KindSerial Kind = config.TransportSerial
	KindTCP    Kind = config.TransportTCP
	KindUSB    Kind = config.TransportUSB
	KindPipe   Kind = config.TransportPipe
)

var (
	ErrNotOpen = errors.New("transport: not open")
	ErrClosed  = errors.New("transport: closed by peer")
)

// Transport is a byte stream to a device.
//
// Read waits at most the transport's read timeout and returns an empty slice
// with a nil error when nothing arrived. ErrClosed means the peer went away
// and the transport must be reopened.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	Kind() Kind
	Endpoint() string
	Stats() Stats
}

// Stats provides transport-level statistics
type Stats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	Writes       int64     `json:"writes"`
	Reads        int64     `json:"reads"`
	ErrorCount   int64     `json:"error_count"`
	Opens        int64     `json:"opens"`
	LastActivity time.Time `json:"last_activity"`
	IsConnected  bool      `json:"is_connected"`
}

// statsTracker guards Stats for implementations
type statsTracker struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statsTracker) opened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Opens++
	s.stats.IsConnected = true
	s.stats.LastActivity = time.Now()
}

func (s *statsTracker) closed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.IsConnected = false
}

func (s *statsTracker) wrote(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesWritten += int64(n)
	s.stats.Writes++
	s.stats.LastActivity = time.Now()
}

func (s *statsTracker) read(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesRead += int64(n)
	s.stats.Reads++
	s.stats.LastActivity = time.Now()
}

func (s *statsTracker) failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ErrorCount++
}

func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// New creates the transport selected by cfg.Kind
func New(cfg config.TransportConfig, logger *zap.Logger) (Transport, error) {
	switch Kind(cfg.Kind) {
	case KindSerial:
		logger.Info("Creating serial transport",
			zap.String("port", cfg.Serial.Port),
			zap.Int("baud_rate", cfg.Serial.BaudRate))
		return NewSerial(cfg.Serial, logger), nil
	case KindTCP:
		logger.Info("Creating TCP transport",
			zap.String("host", cfg.TCP.Host),
			zap.Int("port", cfg.TCP.Port))
		return NewTCP(cfg.TCP, logger), nil
	case KindUSB:
		logger.Info("Creating USB transport",
			zap.String("vendor_id", cfg.USB.VendorID),
			zap.String("product_id", cfg.USB.ProductID))
		tr, err := NewUSB(cfg.USB, logger)
		if err != nil {
			return nil, err
		}
		return tr, nil
	case KindPipe:
		logger.Info("Creating pipe transport",
			zap.String("command", cfg.Pipe.Command),
			zap.Strings("args", cfg.Pipe.Args))
		return NewPipe(cfg.Pipe, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind: %s", cfg.Kind)
	}
}
