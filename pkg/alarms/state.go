// Package alarms tracks the health of the external alarm push transport and
// the last known active-alarm count, independently of the monitoring cache.
//
// All transitions are methods on the State value and return a new State.
package alarms

import (
	"time"

	"github.com/grovetools/tabsync/errors"
)

// StreamStatus is the connection state of the alarm push transport.
type StreamStatus string

const (
	StreamIdle         StreamStatus = "idle"
	StreamConnecting   StreamStatus = "connecting"
	StreamConnected    StreamStatus = "connected"
	StreamError        StreamStatus = "error"
	StreamDisconnected StreamStatus = "disconnected"
)

// State is the active-alarm summary plus stream health.
// StreamError is non-nil exactly when StreamStatus is StreamError.
type State struct {
	AlarmCount      int          `json:"alarmCount"`
	HighestPriority Priority     `json:"highestPriority"`
	LastUpdate      time.Time    `json:"lastUpdate"`
	StreamStatus    StreamStatus `json:"streamStatus"`
	StreamError     error        `json:"-"`
	IsFetching      bool         `json:"isFetching"`
	FetchError      error        `json:"-"`
}

// Initial returns the idle state.
func Initial() State {
	return State{StreamStatus: StreamIdle}
}

// Connecting records that the transport started connecting.
func (s State) Connecting() State {
	s.StreamStatus = StreamConnecting
	return s
}

// Connected records a live connection and clears any stream error.
func (s State) Connected() State {
	s.StreamStatus = StreamConnected
	s.StreamError = nil
	return s
}

// Failed records a transport failure. A nil err is replaced so the
// error status always carries a cause.
func (s State) Failed(err error) State {
	if err == nil {
		err = errors.StreamFailed("unknown error")
	}
	s.StreamStatus = StreamError
	s.StreamError = err
	return s
}

// Disconnected records an orderly disconnect.
func (s State) Disconnected() State {
	s.StreamStatus = StreamDisconnected
	s.StreamError = nil
	return s
}

// WithStatus applies a status reported by the transport. Moving to
// StreamError without a cause records a generic stream error.
func (s State) WithStatus(status StreamStatus, err error) State {
	switch status {
	case StreamConnecting:
		return s.Connecting()
	case StreamConnected:
		return s.Connected()
	case StreamError:
		return s.Failed(err)
	case StreamDisconnected:
		return s.Disconnected()
	default:
		s.StreamStatus = StreamIdle
		s.StreamError = nil
		return s
	}
}

// FetchStarted marks a count fetch in flight.
func (s State) FetchStarted() State {
	s.IsFetching = true
	return s
}

// FetchResolved stores a fetched count and clears the fetch error.
func (s State) FetchResolved(count int, highest Priority, at time.Time) State {
	s.AlarmCount = count
	s.HighestPriority = highest
	s.LastUpdate = at
	s.IsFetching = false
	s.FetchError = nil
	return s
}

// FetchFailed records a failed count fetch. The previous count is kept.
func (s State) FetchFailed(err error) State {
	s.IsFetching = false
	s.FetchError = err
	return s
}

// StreamUpdate applies a count pushed by the transport.
func (s State) StreamUpdate(count int, highest Priority, at time.Time) State {
	s.AlarmCount = count
	s.HighestPriority = highest
	s.LastUpdate = at
	return s
}

// StatusListener is the callback surface offered to the push transport.
type StatusListener interface {
	StreamConnecting()
	StreamConnected()
	StreamFailed(err error)
	StreamDisconnected()
	ApplyStreamUpdate(count int, highest Priority)
}
