package models

import "strings"

// NormalizeHex lowercases and trims a 0x-prefixed hex string so addresses and
// hashes compare equal regardless of checksum casing.
func NormalizeHex(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed != "" && !strings.HasPrefix(trimmed, "0x") {
		trimmed = "0x" + trimmed
	}
	return trimmed
}
