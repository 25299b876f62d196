// Package usbtransport implements C1: USB enumeration and framed bulk
// transfers for Fastboot-class devices. It knows nothing about the
// Fastboot wire protocol itself (see pkg/fastboot for that) — only how to
// find a device, claim its bulk endpoints, and move bytes.
package usbtransport

import (
	"context"
	"errors"
)

// Fastboot-class USB interface descriptor, per spec.md §6.
const (
	InterfaceClass    = 0xFF
	InterfaceSubclass = 0x42
	InterfaceProtocol = 0x03
)

// Sentinel errors for the transport layer (spec.md §4.1 "Errors").
var (
	ErrTransportClosed = errors.New("usbtransport: transport closed")
	ErrTimeout         = errors.New("usbtransport: operation timed out")
	ErrStall           = errors.New("usbtransport: endpoint stalled")
	ErrDisconnected    = errors.New("usbtransport: device disconnected")
)

// DeviceDescriptor identifies a discovered Fastboot-class USB device before
// it is opened.
type DeviceDescriptor struct {
	VendorID  uint16
	ProductID uint16
	Serial    string // empty if the device reports none
}

// Transport is the bulk-transfer contract the Fastboot client is built on.
// A single Transport has exactly one logical owner and must not be used
// concurrently from more than one goroutine.
type Transport interface {
	// Write performs one or more bulk OUT transfers until all of b has been
	// sent, honoring ctx for cancellation/timeout. It returns the number of
	// bytes written even on error.
	Write(ctx context.Context, b []byte) (int, error)

	// Read performs a single bulk IN transfer of at most maxBytes, honoring
	// ctx for cancellation/timeout.
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	// Serial returns the device's serial string, or "" if none.
	Serial() string

	// Close releases the claimed interface and disposes the device
	// handle. It is safe to call more than once.
	Close() error
}

// Enumerator discovers candidate devices and opens one of them. Both the
// real (gousb-backed) and fake (in-memory) transports implement it.
type Enumerator interface {
	Enumerate() ([]DeviceDescriptor, error)
	Open(d DeviceDescriptor) (Transport, error)
}
