package utils

import (
	"strconv"
	"strings"
)

// Checks if pre is a prefix of str
func IsPrefixOf(pre string, str string) bool {
	return len(pre) <= len(str) && str[:len(pre)] == pre
}

// Parses an hex number, with or without the 0x prefix
func ParseHex(str string) (uint64, error) {
	str = strings.TrimPrefix(strings.TrimPrefix(str, "0x"), "0X")
	return strconv.ParseUint(str, 16, 64)
}

// Splits a "file:line" location into its two components. Returns false if
// the string has no colon or the line part is not a positive number
func SplitLocation(str string) (string, int, bool) {
	i := strings.LastIndex(str, ":")
	if i <= 0 {
		return "", 0, false
	}

	line, err := strconv.Atoi(str[i+1:])
	if err != nil || line <= 0 {
		return "", 0, false
	}

	return str[:i], line, true
}
