package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a task row. Values are ordered: a task only ever moves
// to a strictly greater status.
type Status int

const (
	StatusCreated   Status = 1
	StatusQueued    Status = 2
	StatusRunning   Status = 3
	StatusCompleted Status = 4
	StatusFailed    Status = 5
	StatusKilledWCT Status = 6
)

// AllStatuses lists every status in code order.
var AllStatuses = []Status{
	StatusCreated, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusKilledWCT,
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusKilledWCT:
		return "killed_WCT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusCreated && s <= StatusKilledWCT
}

// Terminal reports whether no further transition is possible for the row.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilledWCT
}

// Retryable reports whether reaching s may spawn a fresh created row.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusKilledWCT
}

// InFlight reports whether the task occupies a slot on a batch queue.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusRunning
}

// ParseStatus accepts a status name (case-insensitive) or its integer code.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	for _, st := range AllStatuses {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	if code, err := strconv.Atoi(s); err == nil {
		if st := Status(code); st.Valid() {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}
