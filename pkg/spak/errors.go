package spak

import "errors"

var (
	ErrResourceNotFound   = errors.New("spak: resource not found")
	ErrInvalidMagic       = errors.New("spak: invalid magic")
	ErrUnsupportedVersion = errors.New("spak: unsupported version")
	ErrTruncated          = errors.New("spak: truncated archive")
	ErrCorruptEntry       = errors.New("spak: decompressed size mismatch")
)
