package cache

import (
	"fmt"
	"strings"
)

// Priority is an entry's eviction tier. Under memory pressure, lower
// priorities are evicted first; PriorityNever additionally exempts an entry
// from the absolute deadline and is evicted only when nothing else can free
// enough room.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNever
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityNever:
		return "never"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority tier name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "never":
		return PriorityNever, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", s)
	}
}
