// Package validation holds the shared request-shape checks applied at
// the server's HTTP and hub boundaries.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyValue     = errors.New("value must not be empty")
	ErrUnsafeFileName = errors.New("file name must not contain path separators")
	ErrBadSha256      = errors.New("sha256 must be 64 hex characters")
	ErrOutOfRange     = errors.New("value out of range")
)

// FileName rejects empty names and anything that is not a bare base
// name, so uploaded names can never steer paths on either side.
func FileName(name string) error {
	if name == "" {
		return ErrEmptyValue
	}
	if name != filepath.Base(name) || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrUnsafeFileName, name)
	}
	return nil
}

// Sha256Hex checks the canonical 64-character hex form, case
// insensitive.
func Sha256Hex(v string) error {
	if len(v) != 64 {
		return ErrBadSha256
	}
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return ErrBadSha256
		}
	}
	return nil
}

// IntRange checks v ∈ [lo, hi].
func IntRange(v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, lo, hi)
	}
	return nil
}

// Int64Range checks v ∈ [lo, hi].
func Int64Range(v, lo, hi int64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, lo, hi)
	}
	return nil
}
