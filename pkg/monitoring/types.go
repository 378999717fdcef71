// Package monitoring holds the per-tab cache of monitoring data (groups,
// items, alarms and values) and the controller that fills it from the API.
//
// State changes go through Reduce, which is pure. Persistence to the durable
// store happens in a Persister hook after each transition.
package monitoring

import (
	"context"
	"time"

	"github.com/grovetools/tabsync/pkg/alarms"
)

// Group is a folder of monitored items.
type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// Item is one monitored data point.
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"groupId,omitempty"`
	Unit    string `json:"unit,omitempty"`
}

// Alarm is an alarm definition attached to an item.
type Alarm struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"itemId"`
	Name          string          `json:"name"`
	AlarmPriority alarms.Priority `json:"alarmPriority"`
}

// Value is the latest reading of an item. Values are never persisted.
type Value struct {
	ItemID    string    `json:"itemId"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AlarmFilter narrows GetAlarms. The zero value matches everything.
type AlarmFilter struct {
	ItemIDs  []string
	GroupID  string
	Priority alarms.Priority
}

// Collection is one cached list plus its fetch status.
type Collection[T any] struct {
	Data    []T
	Loading bool
	Error   error
}

// BackgroundRefreshConfig drives the refresh scheduler.
type BackgroundRefreshConfig struct {
	Enabled            bool          `json:"enabled"`
	RefreshInterval    time.Duration `json:"refreshInterval"`
	DataStaleThreshold time.Duration `json:"dataStaleThreshold"`
	LastRefreshTime    time.Time     `json:"lastRefreshTime"`
}

// DefaultBackgroundRefresh returns the built-in scheduler settings.
func DefaultBackgroundRefresh() BackgroundRefreshConfig {
	return BackgroundRefreshConfig{
		Enabled:            true,
		RefreshInterval:    time.Minute,
		DataStaleThreshold: 5 * time.Minute,
	}
}

// State is the whole monitoring cache of one tab.
//
// Slices in a State are shared between snapshots and must be treated as
// read-only.
type State struct {
	Groups Collection[Group]
	Items  Collection[Item]
	Alarms Collection[Alarm]
	Values Collection[Value]

	IsDataSynced      bool
	CurrentFolderID   string
	BackgroundRefresh BackgroundRefreshConfig
	ActiveAlarms      alarms.State
}

// Initial returns the empty cache.
func Initial() State {
	return State{
		BackgroundRefresh: DefaultBackgroundRefresh(),
		ActiveAlarms:      alarms.Initial(),
	}
}

// API is the monitoring backend consumed by the controller.
type API interface {
	GetGroups(ctx context.Context) ([]Group, error)
	GetItems(ctx context.Context) ([]Item, error)
	GetAlarms(ctx context.Context, filter AlarmFilter) ([]Alarm, error)
	GetValues(ctx context.Context, itemIDs []string) ([]Value, error)
	GetActiveAlarms(ctx context.Context, itemIDs []string) ([]alarms.ActiveAlarm, error)
	GetAlarmConfigs(ctx context.Context, itemIDs []string) ([]alarms.AlarmConfig, error)
}
