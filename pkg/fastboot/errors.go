package fastboot

import (
	"errors"
	"fmt"

	"fastflash/pkg/sparse"
)

// ProtocolErrorKind enumerates the ways a reply can violate the wire
// protocol (spec.md §7).
type ProtocolErrorKind int

const (
	UnknownTag ProtocolErrorKind = iota
	TruncatedReply
	BadDataLength
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case UnknownTag:
		return "unknown tag"
	case TruncatedReply:
		return "truncated reply"
	case BadDataLength:
		return "bad data length"
	default:
		return "unknown"
	}
}

// ProtocolError reports a malformed reply frame.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fastboot: protocol error (%s): %s", e.Kind, e.Detail)
}

// TransportErrorKind enumerates USB-layer faults (spec.md §7).
type TransportErrorKind int

const (
	TransportTimeout TransportErrorKind = iota
	TransportStall
	TransportDisconnected
	TransportIO
)

// TransportError wraps a usbtransport-layer failure.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fastboot: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeviceRejectedError carries a terminal FAIL response verbatim.
type DeviceRejectedError struct {
	Message string
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("fastboot: device rejected: %s", e.Message)
}

// Sentinel errors for conditions with no associated payload.
var (
	// ErrNotConnected is returned by any operation that requires a
	// claimed device when none is connected, or after a transport fault
	// has marked the session unhealthy.
	ErrNotConnected = errors.New("fastboot: not connected")

	// ErrImageTooLarge is returned when a non-sparse image exceeds
	// max-download-size; the protocol has no raw multi-part fallback.
	ErrImageTooLarge = errors.New("fastboot: image exceeds max-download-size")

	// ErrSparseChunkTooLarge is returned when a single sparse chunk,
	// expanded, would exceed max-download-size.
	ErrSparseChunkTooLarge = errors.New("fastboot: sparse chunk exceeds max-download-size")

	// ErrInvalidSparse is returned when sparse-image parsing fails.
	ErrInvalidSparse = errors.New("fastboot: invalid sparse image")

	// ErrCancelled is returned when a cancellation token fires.
	ErrCancelled = errors.New("fastboot: operation cancelled")

	// ErrOutOfMemory is returned when the host resource guard (A3)
	// refuses to allocate a DATA-phase buffer.
	ErrOutOfMemory = errors.New("fastboot: insufficient host memory for transfer buffer")
)

// wrapSparseErr maps a pkg/sparse sentinel onto its fastboot-level
// equivalent so callers can errors.Is against the fastboot package alone,
// without reaching into pkg/sparse.
func wrapSparseErr(err error) error {
	switch {
	case errors.Is(err, sparse.ErrChunkTooLarge):
		return ErrSparseChunkTooLarge
	case errors.Is(err, sparse.ErrInvalidSparse):
		return ErrInvalidSparse
	default:
		return err
	}
}
