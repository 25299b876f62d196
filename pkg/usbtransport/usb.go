package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/gousb"

	"fastflash/internal/config"
	"fastflash/internal/logging"
)

// These constants form the standard USB CLEAR_FEATURE(ENDPOINT_HALT)
// control request, used to recover a stalled bulk endpoint once before
// surfacing ErrStall.
const (
	reqTypeEndpointOut = 0x02 // host-to-device, standard, endpoint recipient
	reqClearFeature    = 0x01
	featureEndpointHalt = 0x00
)

// USBEnumerator discovers and opens real Fastboot-class USB devices via
// libusb (through google/gousb), the same dependency the teacher uses for
// its own ASIC bulk transport.
type USBEnumerator struct {
	cfg *config.Config
	log *logging.Logger
	ctx *gousb.Context
}

// NewUSBEnumerator creates an enumerator backed by a fresh libusb context.
// Close must be called to release the context once enumeration/opening is
// done with it.
func NewUSBEnumerator(cfg *config.Config, log *logging.Logger) *USBEnumerator {
	if log == nil {
		log = logging.Default
	}
	return &USBEnumerator{cfg: cfg, log: log, ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (e *USBEnumerator) Close() error {
	if e.ctx == nil {
		return nil
	}
	return e.ctx.Close()
}

func (e *USBEnumerator) matchesFastbootClass(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if uint8(alt.Class) == InterfaceClass &&
					uint8(alt.SubClass) == InterfaceSubclass &&
					uint8(alt.Protocol) == InterfaceProtocol {
					return true
				}
			}
		}
	}
	return false
}

func (e *USBEnumerator) matchesVendorAllowList(vendor gousb.ID) bool {
	for _, id := range e.cfg.AllowedVendorIDs {
		if uint16(vendor) == id {
			return true
		}
	}
	return false
}

// Enumerate lists Fastboot-class devices currently attached, per spec.md
// §4.1: class/subclass/protocol match first, vendor allow-list fallback
// second.
func (e *USBEnumerator) Enumerate() ([]DeviceDescriptor, error) {
	var found []DeviceDescriptor
	devices, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return e.matchesFastbootClass(desc) || e.matchesVendorAllowList(desc.Vendor)
	})
	if err != nil {
		return nil, fmt.Errorf("usbtransport: enumerate: %w", err)
	}
	for _, d := range devices {
		serial, _ := d.SerialNumber()
		found = append(found, DeviceDescriptor{
			VendorID:  uint16(d.Desc.Vendor),
			ProductID: uint16(d.Desc.Product),
			Serial:    serial,
		})
		_ = d.Close()
	}
	return found, nil
}

// Open claims the first config/interface/endpoint-pair on d matching the
// VID/PID (and serial, if d.Serial is non-empty).
func (e *USBEnumerator) Open(d DeviceDescriptor) (Transport, error) {
	devices, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == d.VendorID && uint16(desc.Product) == d.ProductID
	})
	if err != nil {
		return nil, fmt.Errorf("usbtransport: open: %w", err)
	}

	var device *gousb.Device
	for _, candidate := range devices {
		serial, _ := candidate.SerialNumber()
		if device == nil && (d.Serial == "" || serial == d.Serial) {
			device = candidate
			continue
		}
		_ = candidate.Close()
	}
	if device == nil {
		return nil, fmt.Errorf("usbtransport: no matching device for %+v", d)
	}

	cfgNum, err := device.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := device.Config(cfgNum)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("usbtransport: claim config: %w", err)
	}

	intfNum, epIn, epOut, err := findBulkInterface(device, cfg)
	if err != nil {
		cfg.Close()
		device.Close()
		return nil, err
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	in, err := intf.InEndpoint(epIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: open IN endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(epOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		device.Close()
		return nil, fmt.Errorf("usbtransport: open OUT endpoint: %w", err)
	}

	return &usbTransport{
		log:    e.log,
		device: device,
		cfg:    cfg,
		intf:   intf,
		in:     in,
		out:    out,
		serial: d.Serial,
	}, nil
}

// findBulkInterface returns the interface number and bulk IN/OUT endpoint
// addresses of the first interface alternate setting, across all of the
// device's configurations, that has both a bulk IN and a bulk OUT
// endpoint. The interface class/subclass/protocol is not checked.
func findBulkInterface(device *gousb.Device, cfg *gousb.Config) (intfNum int, epIn, epOut int, err error) {
	desc := device.Desc
	for _, c := range desc.Configs {
		for _, intf := range c.Interfaces {
			for _, alt := range intf.AltSettings {
				var in, out int
				haveIn, haveOut := false, false
				for addr, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						in, haveIn = int(addr), true
					} else {
						out, haveOut = int(addr), true
					}
				}
				if haveIn && haveOut {
					return intf.Number, in, out, nil
				}
			}
		}
	}
	return 0, 0, 0, errors.New("usbtransport: no bulk IN/OUT endpoint pair found")
}

// usbTransport is the real Transport implementation, backed by one claimed
// gousb interface. It owns device/cfg/intf and releases all three in
// reverse acquisition order on Close, mirroring the teacher's own
// claim/release bracketing in usb_device.go.
type usbTransport struct {
	log    *logging.Logger
	device *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	serial string

	closed bool
}

func (t *usbTransport) Serial() string { return t.serial }

func (t *usbTransport) Write(ctx context.Context, b []byte) (int, error) {
	if t.closed {
		return 0, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	n, err := t.out.Write(b)
	if err != nil {
		if isStall(err) {
			if clearErr := t.clearHalt(t.out.Desc.Address); clearErr == nil {
				n2, err2 := t.out.Write(b[n:])
				if err2 == nil {
					return n + n2, nil
				}
			}
			return n, ErrStall
		}
		return n, fmt.Errorf("usbtransport: write: %w", err)
	}
	return n, nil
}

func (t *usbTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	if t.closed {
		return nil, ErrTransportClosed
	}
	buf := make([]byte, maxBytes)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if isStall(err) {
			if clearErr := t.clearHalt(t.in.Desc.Address); clearErr == nil {
				n2, err2 := t.in.ReadContext(ctx, buf)
				if err2 == nil {
					return buf[:n2], nil
				}
			}
			return nil, ErrStall
		}
		return nil, fmt.Errorf("usbtransport: read: %w", err)
	}
	return buf[:n], nil
}

func (t *usbTransport) clearHalt(addr gousb.EndpointAddress) error {
	_, err := t.device.Control(reqTypeEndpointOut, reqClearFeature, featureEndpointHalt, uint16(addr), nil)
	return err
}

func (t *usbTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.intf != nil {
		t.intf.Close()
	}
	var err error
	if t.cfg != nil {
		err = t.cfg.Close()
	}
	if t.device != nil {
		if cerr := t.device.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// isStall reports whether err looks like a USB STALL condition. gousb
// surfaces this as a libusb transfer-status error; we match on its text
// since the library does not export a typed sentinel for it.
func isStall(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "stall")
}
