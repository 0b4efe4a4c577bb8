// internal/transport/usb.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"device-gateway/internal/config"
)

// USBTransport talks to a device over a pair of USB bulk endpoints
type USBTransport struct {
	config    config.USBConfig
	vendorID  gousb.ID
	productID gousb.ID

	usbCtx   *gousb.Context
	device   *gousb.Device
	usbCfg   *gousb.Config
	intf     *gousb.Interface
	inEndpt  *gousb.InEndpoint
	outEndpt *gousb.OutEndpoint

	logger *zap.Logger
	mutex  sync.RWMutex
	stats  statsTracker
}

// NewUSB creates a USB transport. Vendor and product ids are hex, with or
// without a 0x prefix.
func NewUSB(cfg config.USBConfig, logger *zap.Logger) (*USBTransport, error) {
	vendorID, err := parseHexID(cfg.VendorID)
	if err != nil {
		return nil, fmt.Errorf("invalid vendor ID: %w", err)
	}
	productID, err := parseHexID(cfg.ProductID)
	if err != nil {
		return nil, fmt.Errorf("invalid product ID: %w", err)
	}

	return &USBTransport{
		config:    cfg,
		vendorID:  vendorID,
		productID: productID,
		logger: logger.With(
			zap.String("transport", "usb"),
			zap.String("vendor_id", cfg.VendorID),
			zap.String("product_id", cfg.ProductID),
		),
	}, nil
}

// Open claims the configured interface and its endpoints
func (ut *USBTransport) Open(ctx context.Context) error {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	if ut.device != nil {
		return nil
	}

	ut.logger.Info("Opening USB device",
		zap.Int("interface", ut.config.Interface),
		zap.Int("in_endpoint", ut.config.InEndpoint),
		zap.Int("out_endpoint", ut.config.OutEndpoint))

	usbCtx := gousb.NewContext()
	device, err := usbCtx.OpenDeviceWithVIDPID(ut.vendorID, ut.productID)
	if err != nil || device == nil {
		usbCtx.Close()
		ut.stats.failed()
		if err == nil {
			err = fmt.Errorf("device %s not found", ut.Endpoint())
		}
		return fmt.Errorf("failed to open USB device: %w", err)
	}
	if err := device.SetAutoDetach(true); err != nil {
		ut.logger.Warn("Kernel driver auto-detach unavailable", zap.Error(err))
	}

	usbCfg, err := device.Config(ut.config.Config)
	if err != nil {
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to select configuration %d: %w", ut.config.Config, err)
	}

	intf, err := usbCfg.Interface(ut.config.Interface, 0)
	if err != nil {
		usbCfg.Close()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to claim interface: %w", err)
	}

	inEndpt, err := intf.InEndpoint(ut.config.InEndpoint)
	if err == nil {
		var outEndpt *gousb.OutEndpoint
		outEndpt, err = intf.OutEndpoint(ut.config.OutEndpoint)
		ut.outEndpt = outEndpt
	}
	if err != nil {
		intf.Close()
		usbCfg.Close()
		device.Close()
		usbCtx.Close()
		ut.outEndpt = nil
		return fmt.Errorf("failed to get endpoints: %w", err)
	}

	ut.usbCtx = usbCtx
	ut.device = device
	ut.usbCfg = usbCfg
	ut.intf = intf
	ut.inEndpt = inEndpt
	ut.stats.opened()

	ut.logger.Info("USB device opened successfully")
	return nil
}

// Close releases the interface and the device
func (ut *USBTransport) Close() error {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	if ut.device == nil {
		return nil
	}

	ut.intf.Close()
	var errs []error
	if err := ut.usbCfg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := ut.device.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := ut.usbCtx.Close(); err != nil {
		errs = append(errs, err)
	}

	ut.intf, ut.usbCfg, ut.device, ut.usbCtx = nil, nil, nil, nil
	ut.inEndpt, ut.outEndpt = nil, nil
	ut.stats.closed()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close USB device: %w", err)
	}
	ut.logger.Info("USB device closed")
	return nil
}

// IsOpen returns whether the device is claimed
func (ut *USBTransport) IsOpen() bool {
	ut.mutex.RLock()
	defer ut.mutex.RUnlock()
	return ut.device != nil
}

// Write performs a bulk OUT transfer
func (ut *USBTransport) Write(ctx context.Context, data []byte) error {
	ut.mutex.RLock()
	defer ut.mutex.RUnlock()

	if ut.outEndpt == nil {
		return ErrNotOpen
	}

	n, err := ut.outEndpt.WriteContext(ctx, data)
	if err != nil {
		ut.stats.failed()
		if errors.Is(err, gousb.ErrorNoDevice) {
			return ErrClosed
		}
		return fmt.Errorf("failed to write to USB device: %w", err)
	}
	if n != len(data) {
		ut.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	ut.stats.wrote(n)
	return nil
}

// Read performs a bulk IN transfer bounded by the configured timeout
func (ut *USBTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	ut.mutex.RLock()
	defer ut.mutex.RUnlock()

	if ut.inEndpt == nil {
		return nil, ErrNotOpen
	}

	var (
		readCtx context.Context
		cancel  context.CancelFunc
	)
	if d := deadline(ctx, ut.config.Timeout); !d.IsZero() {
		readCtx, cancel = context.WithDeadline(ctx, d)
	} else {
		readCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	buffer := make([]byte, maxBytes)
	n, err := ut.inEndpt.ReadContext(readCtx, buffer)
	if err != nil {
		if ctx.Err() == nil && readCtx.Err() != nil {
			ut.stats.read(n)
			return buffer[:n], nil
		}
		ut.stats.failed()
		if errors.Is(err, gousb.ErrorNoDevice) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to read from USB device: %w", err)
	}

	ut.stats.read(n)
	return buffer[:n], nil
}

// Kind returns the transport kind
func (ut *USBTransport) Kind() Kind {
	return KindUSB
}

// Endpoint returns vid:pid
func (ut *USBTransport) Endpoint() string {
	return fmt.Sprintf("%s:%s", ut.vendorID, ut.productID)
}

// Stats returns transport statistics
func (ut *USBTransport) Stats() Stats {
	return ut.stats.snapshot()
}

// parseHexID parses hex ID string (0x1234 or 1234)
func parseHexID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hexStr)), "0x")
	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}
