package linkcfg

import (
	"os"
	"strconv"
	"strings"
)

// Priority is the requested BLE connection priority.
// Values: "balanced" | "high" | "low-power".
type Priority string

const (
	PriorityBalanced Priority = "balanced"
	PriorityHigh     Priority = "high"
	PriorityLowPower Priority = "low-power"
)

// DefaultPacketSize is the SMP frame size requested from the link; it fits
// the largest ATT payload most peripherals negotiate.
const DefaultPacketSize = 498

// Options carries transport-agnostic link settings applied after open.
type Options struct {
	PreferredPacketSize int
	Priority            Priority
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{PreferredPacketSize: DefaultPacketSize, Priority: PriorityHigh}
}

// ParsePriority converts a string to a Priority with default.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityBalanced:
		return PriorityBalanced
	case PriorityLowPower, "lowpower", "low_power":
		return PriorityLowPower
	case PriorityHigh:
		fallthrough
	default:
		return PriorityHigh
	}
}

// FromEnv reads SMP_PACKET_SIZE and SMP_CONN_PRIORITY.
func FromEnv() Options {
	o := Default()
	if v := os.Getenv("SMP_PACKET_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= MinPacketSize {
			o.PreferredPacketSize = n
		}
	}
	if v := os.Getenv("SMP_CONN_PRIORITY"); v != "" {
		o.Priority = ParsePriority(v)
	}
	return o
}

// MinPacketSize is the smallest usable frame: the ATT minimum MTU minus its header.
const MinPacketSize = 20
