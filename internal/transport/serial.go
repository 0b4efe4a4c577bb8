// internal/transport/serial.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"device-gateway/internal/config"
)

// SerialTransport talks to a device over a serial line
type SerialTransport struct {
	config config.SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	stats  statsTracker
}

// NewSerial creates a serial transport
func NewSerial(cfg config.SerialConfig, logger *zap.Logger) *SerialTransport {
	return &SerialTransport{
		config: cfg,
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("port", cfg.Port),
		),
	}
}

// Open opens the serial port
func (st *SerialTransport) Open(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.port != nil {
		return nil
	}

	st.logger.Info("Opening serial port", zap.Int("baud_rate", st.config.BaudRate))

	port, err := serial.Open(st.config.Port, serialMode(st.config))
	if err != nil {
		st.stats.failed()
		return fmt.Errorf("failed to open serial port %s: %w", st.config.Port, err)
	}

	if err := port.SetReadTimeout(st.config.Timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	st.port = port
	st.stats.opened()

	st.logger.Info("Serial port opened successfully")
	return nil
}

func serialMode(cfg config.SerialConfig) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: serial.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch cfg.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode
}

// Close closes the serial port
func (st *SerialTransport) Close() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.port == nil {
		return nil
	}

	err := st.port.Close()
	st.port = nil
	st.stats.closed()
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	st.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the port is open
func (st *SerialTransport) IsOpen() bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.port != nil
}

// Write writes data to the serial port
func (st *SerialTransport) Write(ctx context.Context, data []byte) error {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if st.port == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := st.port.Write(data)
	if err != nil {
		st.stats.failed()
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		st.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	st.stats.wrote(n)
	return nil
}

// Read reads whatever arrives within the port's read timeout
func (st *SerialTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if st.port == nil {
		return nil, ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buffer := make([]byte, maxBytes)
	n, err := st.port.Read(buffer)
	if err != nil {
		st.stats.failed()
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}

	st.stats.read(n)
	return buffer[:n], nil
}

// Kind returns the transport kind
func (st *SerialTransport) Kind() Kind {
	return KindSerial
}

// Endpoint returns the port name
func (st *SerialTransport) Endpoint() string {
	return st.config.Port
}

// Stats returns transport statistics
func (st *SerialTransport) Stats() Stats {
	return st.stats.snapshot()
}
