package tracker

import (
	"database/sql/driver"
	"fmt"
)

// Status represents the lifecycle state of an ingestion job as reported by the backend.
// The set is closed: pending -> running -> success|failed, terminal states never change.
type Status int

// job statuses, ordered along the state machine
const (
	StatusPending Status = iota
	StatusRunning
	StatusSuccess
	StatusFailed
)

// String returns the wire representation of the status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseStatus converts the wire representation to a Status
func ParseStatus(v string) (Status, error) {
	switch v {
	case "pending":
		return StatusPending, nil
	case "running":
		return StatusRunning, nil
	case "success":
		return StatusSuccess, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusPending, fmt.Errorf("invalid job status %q", v)
}

// Terminal reports whether no further transitions can happen from this status
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Rank orders statuses along the state machine: pending < running < terminal.
// Both terminal states share the top rank, a job can reach only one of them.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	}
	return -1
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(data []byte) error {
	parsed, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer for sql storage
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner
func (s *Status) Scan(value any) error {
	switch v := value.(type) {
	case string:
		parsed, err := ParseStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	case []byte:
		parsed, err := ParseStatus(string(v))
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	return fmt.Errorf("can't scan job status from %T", value)
}
