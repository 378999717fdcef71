package alarms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Priority is an ordinal alarm priority. Higher values are more severe;
// levels beyond High compare by their number.
type Priority int

const (
	PriorityNone Priority = 0
	PriorityLow  Priority = 1
	PriorityHigh Priority = 2
)

// String returns "None", "Low", "High" or "P<n>" for other levels.
func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "None"
	case PriorityLow:
		return "Low"
	case PriorityHigh:
		return "High"
	}
	return "P" + strconv.Itoa(int(p))
}

// MarshalJSON encodes None as null and other levels by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	if p == PriorityNone {
		return []byte("null"), nil
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts null, a level name, "P<n>" or a bare number.
func (p *Priority) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = PriorityNone
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid priority %s", data)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a level name (case-insensitive) or "P<n>".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return PriorityNone, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	if len(s) > 1 && (s[0] == 'P' || s[0] == 'p') {
		if n, err := strconv.Atoi(s[1:]); err == nil && n >= 0 {
			return Priority(n), nil
		}
	}
	return PriorityNone, fmt.Errorf("invalid priority %q", s)
}
