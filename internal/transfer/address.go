package transfer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeAddress validates a peripheral identifier and returns its
// canonical form. Both MAC addresses (AA:BB:CC:DD:EE:FF, case-insensitive,
// ':' or '-' separated) and platform UUID identifiers are accepted.
func NormalizeAddress(id string) (string, error) {
	s := strings.TrimSpace(id)
	if isMAC(s) {
		return strings.ToUpper(strings.ReplaceAll(s, "-", ":")), nil
	}
	if u, err := uuid.Parse(s); err == nil && len(s) == 36 {
		return strings.ToUpper(u.String()), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDevice, id)
}

// IsMAC reports whether id is a colon-separated MAC address.
func IsMAC(id string) bool {
	return isMAC(strings.TrimSpace(id))
}

func isMAC(s string) bool {
	if len(s) != 17 {
		return false
	}
	sep := s[2]
	if sep != ':' && sep != '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != sep {
				return false
			}
			continue
		}
		if !isHex(c) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
