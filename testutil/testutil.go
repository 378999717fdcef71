// Package testutil holds fakes and fixtures shared by the tab, refresh and
// command tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/alarms"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/grovetools/tabsync/pkg/session"
	"github.com/grovetools/tabsync/state"
	"github.com/stretchr/testify/require"
)

// Auth accepts any user whose password matches Password.
type Auth struct {
	Password string
}

// Login implements session.AuthClient.
func (a Auth) Login(ctx context.Context, creds session.Credentials) (*session.LoginResult, error) {
	if creds.Password != a.Password {
		return nil, errors.APIFailed(401, "invalid credentials")
	}
	return &session.LoginResult{
		User:         &session.User{ID: 1, Name: creds.Username},
		AccessToken:  "tok1",
		RefreshToken: "ref1",
	}, nil
}

// Refresh implements session.AuthClient.
func (a Auth) Refresh(ctx context.Context, refreshToken string) (*session.TokenPair, error) {
	return &session.TokenPair{AccessToken: "tok2", RefreshToken: "ref2"}, nil
}

// API serves fixed collections and counts the collection fetches. Values
// and alarm queries are not counted.
type API struct {
	Groups  []monitoring.Group
	Items   []monitoring.Item
	Alarms  []monitoring.Alarm
	Active  []alarms.ActiveAlarm
	Configs []alarms.AlarmConfig

	calls atomic.Int32

	mu     sync.Mutex
	token  func() string
	tokens []string
}

// NewAPI returns an API with a small plant: two groups, one item each and a
// single high priority alarm on i1.
func NewAPI() *API {
	return &API{
		Groups:  []monitoring.Group{{ID: "g1", Name: "Plant"}, {ID: "g2", Name: "Boiler house"}},
		Items:   []monitoring.Item{{ID: "i1", GroupID: "g1"}, {ID: "i2", GroupID: "g2"}},
		Alarms:  []monitoring.Alarm{{ID: "a1", ItemID: "i1"}},
		Active:  []alarms.ActiveAlarm{{AlarmID: "a1", ItemID: "i1"}},
		Configs: []alarms.AlarmConfig{{ID: "a1", AlarmPriority: alarms.PriorityHigh}},
	}
}

// SetTokenSource records the bearer token supplier like the HTTP client.
func (a *API) SetTokenSource(fn func() string) {
	a.mu.Lock()
	a.token = fn
	a.mu.Unlock()
}

func (a *API) seen() {
	a.calls.Add(1)
	a.mu.Lock()
	if a.token != nil {
		a.tokens = append(a.tokens, a.token())
	}
	a.mu.Unlock()
}

// Calls is the number of collection fetches so far.
func (a *API) Calls() int32 { return a.calls.Load() }

// ResetCalls zeroes the fetch counter.
func (a *API) ResetCalls() { a.calls.Store(0) }

// Tokens lists the bearer token seen by each fetch.
func (a *API) Tokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tokens...)
}

func (a *API) GetGroups(ctx context.Context) ([]monitoring.Group, error) {
	a.seen()
	return a.Groups, nil
}

func (a *API) GetItems(ctx context.Context) ([]monitoring.Item, error) {
	a.seen()
	return a.Items, nil
}

func (a *API) GetAlarms(ctx context.Context, f monitoring.AlarmFilter) ([]monitoring.Alarm, error) {
	a.seen()
	return a.Alarms, nil
}

func (a *API) GetValues(ctx context.Context, ids []string) ([]monitoring.Value, error) {
	out := make([]monitoring.Value, 0, len(ids))
	for _, id := range ids {
		out = append(out, monitoring.Value{ItemID: id, Value: 1.5})
	}
	return out, nil
}

func (a *API) GetActiveAlarms(ctx context.Context, ids []string) ([]alarms.ActiveAlarm, error) {
	return a.Active, nil
}

func (a *API) GetAlarmConfigs(ctx context.Context, ids []string) ([]alarms.AlarmConfig, error) {
	return a.Configs, nil
}

var _ monitoring.API = (*API)(nil)

// TempStore opens a file store in a fresh temporary directory.
func TempStore(t *testing.T) (*state.FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	return store, dir
}

// WriteFile writes content to dir/name and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
