package monitoring

import (
	"time"

	"github.com/grovetools/tabsync/pkg/alarms"
)

// Action is one input to Reduce.
type Action interface {
	Type() string
}

// Kind names a cached collection.
type Kind string

const (
	KindGroups Kind = "GROUPS"
	KindItems  Kind = "ITEMS"
	KindAlarms Kind = "ALARMS"
	KindValues Kind = "VALUES"
)

func (k Kind) label() string {
	switch k {
	case KindGroups:
		return "groups"
	case KindItems:
		return "items"
	case KindAlarms:
		return "alarms"
	case KindValues:
		return "values"
	}
	return string(k)
}

// Loading marks a visible fetch of one collection in flight.
type Loading struct{ Kind Kind }

func (a Loading) Type() string { return string(a.Kind) + "_LOADING" }

// Failed records a fetch error on one collection.
type Failed struct {
	Kind Kind
	Err  error
}

func (a Failed) Type() string { return string(a.Kind) + "_ERROR" }

// GroupsLoaded replaces the cached groups. A silent load leaves the
// loading and error flags alone.
type GroupsLoaded struct {
	Data   []Group
	Silent bool
}

func (GroupsLoaded) Type() string { return "GROUPS_SUCCESS" }

// ItemsLoaded replaces the cached items.
type ItemsLoaded struct {
	Data   []Item
	Silent bool
}

func (ItemsLoaded) Type() string { return "ITEMS_SUCCESS" }

// AlarmsLoaded replaces the cached alarms.
type AlarmsLoaded struct {
	Data   []Alarm
	Silent bool
}

func (AlarmsLoaded) Type() string { return "ALARMS_SUCCESS" }

// ValuesLoaded replaces the cached values.
type ValuesLoaded struct {
	Data   []Value
	Silent bool
}

func (ValuesLoaded) Type() string { return "VALUES_SUCCESS" }

// InitializeFromStorage seeds the cache from the durable store at boot.
// Collections are ignored unless IsDataSynced is set.
type InitializeFromStorage struct {
	Groups            []Group
	Items             []Item
	Alarms            []Alarm
	IsDataSynced      bool
	BackgroundRefresh *BackgroundRefreshConfig
}

func (InitializeFromStorage) Type() string { return "INITIALIZE_FROM_STORAGE" }

// SetDataSynced sets the sync flag.
type SetDataSynced struct{ Synced bool }

func (SetDataSynced) Type() string { return "SET_DATA_SYNCED" }

// ClearAll empties the collections and the sync flag but keeps the
// background refresh settings.
type ClearAll struct{}

func (ClearAll) Type() string { return "CLEAR_ALL_MONITORING_DATA" }

// ResetMonitoring returns to the initial state. BackgroundRefresh, when
// set, replaces the built-in scheduler defaults.
type ResetMonitoring struct {
	BackgroundRefresh *BackgroundRefreshConfig
}

func (ResetMonitoring) Type() string { return "RESET_MONITORING" }

// SetCurrentFolderID selects the group shown by the UI.
type SetCurrentFolderID struct{ ID string }

func (SetCurrentFolderID) Type() string { return "SET_CURRENT_FOLDER_ID" }

// SetBackgroundRefreshConfig replaces the scheduler settings. The last
// refresh time is kept.
type SetBackgroundRefreshConfig struct{ Config BackgroundRefreshConfig }

func (SetBackgroundRefreshConfig) Type() string { return "SET_BACKGROUND_REFRESH_CONFIG" }

// SetLastRefreshTime records a completed refresh cycle.
type SetLastRefreshTime struct{ At time.Time }

func (SetLastRefreshTime) Type() string { return "SET_LAST_REFRESH_TIME" }

// ActiveAlarmsFetchStart marks an active-alarm count fetch in flight.
type ActiveAlarmsFetchStart struct{}

func (ActiveAlarmsFetchStart) Type() string { return "ACTIVE_ALARMS_FETCH_START" }

// ActiveAlarmsFetchSuccess stores a fetched count.
type ActiveAlarmsFetchSuccess struct {
	Count   int
	Highest alarms.Priority
	At      time.Time
}

func (ActiveAlarmsFetchSuccess) Type() string { return "ACTIVE_ALARMS_FETCH_SUCCESS" }

// ActiveAlarmsFetchError records a failed count fetch.
type ActiveAlarmsFetchError struct{ Err error }

func (ActiveAlarmsFetchError) Type() string { return "ACTIVE_ALARMS_FETCH_ERROR" }

// ActiveAlarmsStreamUpdate applies a count pushed by the alarm stream.
type ActiveAlarmsStreamUpdate struct {
	Count   int
	Highest alarms.Priority
	At      time.Time
}

func (ActiveAlarmsStreamUpdate) Type() string { return "ACTIVE_ALARMS_STREAM_UPDATE" }

// SetStreamStatus applies a stream status change.
type SetStreamStatus struct {
	Status alarms.StreamStatus
	Err    error
}

func (SetStreamStatus) Type() string { return "SET_STREAM_STATUS" }
