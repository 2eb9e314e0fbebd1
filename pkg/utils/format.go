package utils

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Formats an unsigned value as 0x-prefixed lowercase hex of minimal width
func FormatHex[T constraints.Unsigned](value T) string {
	return fmt.Sprintf("0x%x", uint64(value))
}

// Formats an unsigned value as 0x-prefixed lowercase hex, zero padded to
// the full 16 digits of a 64 bit register
func FormatHexFull[T constraints.Unsigned](value T) string {
	return fmt.Sprintf("0x%016x", uint64(value))
}
