package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// NormalizeDevice trims whitespace, upper-cases and uses ':' as the MAC
// separator so "aa-bb-.." and "AA:BB:.." fingerprint alike.
func NormalizeDevice(id string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(id), "-", ":"))
}

// NormalizePath trims whitespace and cleans the device file path. Device
// file systems are case-sensitive, so case is kept.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// Fingerprint computes a stable hex-encoded SHA-256 over the normalized
// device and path. History lookups use it to find earlier attempts at the
// same file.
func Fingerprint(deviceID, filePath string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeDevice(deviceID)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePath(filePath)))
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum is the hex SHA-256 of a downloaded payload.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
