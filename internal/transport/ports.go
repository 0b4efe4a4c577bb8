// internal/transport/ports.go
package transport

import (
	"fmt"
	"sort"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
)

// SerialPort describes a serial port present on the host
type SerialPort struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListSerialPorts enumerates the host's serial ports, sorted by name
func ListSerialPorts() ([]SerialPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	ports := make([]SerialPort, 0, len(details))
	for _, d := range details {
		ports = append(ports, SerialPort{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// USBDevice describes a USB device attached to the host
type USBDevice struct {
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Class     string `json:"class"`
}

// ListUSBDevices enumerates attached USB devices without opening them.
// VendorID and ProductID use the format expected by the usb transport config.
func ListUSBDevices() ([]USBDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var devices []USBDevice
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, USBDevice{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  desc.Vendor.String(),
			ProductID: desc.Product.String(),
			Class:     desc.Class.String(),
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list USB devices: %w", err)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}
