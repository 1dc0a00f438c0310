package cluster

import (
	"fmt"
	"strings"
)

// Priority orders pending update tasks. Lower values run first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLanguid
)

var priorityNames = [...]string{"URGENT", "HIGH", "NORMAL", "LOW", "LANGUID"}

func (p Priority) String() string {
	if p < PriorityUrgent || p > PriorityLanguid {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the upper or lower case priority name.
func ParsePriority(name string) (Priority, error) {
	for i, n := range priorityNames {
		if strings.EqualFold(n, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", name)
}

// sooner reports whether p must be applied before other.
func (p Priority) sooner(other Priority) bool {
	return p < other
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityUrgent || p > PriorityLanguid {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
