// Package api is the HTTP client for the monitoring backend. It implements
// session.AuthClient and monitoring.API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/alarms"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/grovetools/tabsync/pkg/session"
	"github.com/grovetools/tabsync/version"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every non-streaming request.
const DefaultTimeout = 15 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithTokenSource sets the function supplying the bearer token.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithLogger sets the client's logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) { c.logger = logger }
}

// Client calls the monitoring backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
	logger     *logrus.Entry
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		token:      func() string { return "" },
		logger:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource replaces the bearer token supplier after construction.
func (c *Client) SetTokenSource(fn func() string) {
	c.token = fn
}

// envelope is the {data: T[]} wrapper of list responses.
type envelope[T any] struct {
	Data []T `json:"data"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Login implements session.AuthClient. Rejected credentials come back as an
// AUTH_ERROR wrapping the API error.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.LoginResult, error) {
	var res session.LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, creds, &res); err != nil {
		return nil, authError(err)
	}
	return &res, nil
}

// Refresh implements session.AuthClient.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.TokenPair, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var pair session.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, body, &pair); err != nil {
		return nil, authError(err)
	}
	return &pair, nil
}

func authError(err error) error {
	switch errors.Status(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.AuthFailed(err)
	}
	return err
}

// GetGroups implements monitoring.API.
func (c *Client) GetGroups(ctx context.Context) ([]monitoring.Group, error) {
	return list[monitoring.Group](ctx, c, "/api/groups", nil)
}

// GetItems implements monitoring.API.
func (c *Client) GetItems(ctx context.Context) ([]monitoring.Item, error) {
	return list[monitoring.Item](ctx, c, "/api/items", nil)
}

// GetAlarms implements monitoring.API.
func (c *Client) GetAlarms(ctx context.Context, filter monitoring.AlarmFilter) ([]monitoring.Alarm, error) {
	q := itemQuery(filter.ItemIDs)
	if filter.GroupID != "" {
		q.Set("groupId", filter.GroupID)
	}
	if filter.Priority != alarms.PriorityNone {
		q.Set("priority", fmt.Sprint(int(filter.Priority)))
	}
	return list[monitoring.Alarm](ctx, c, "/api/alarms", q)
}

// GetValues implements monitoring.API.
func (c *Client) GetValues(ctx context.Context, itemIDs []string) ([]monitoring.Value, error) {
	return list[monitoring.Value](ctx, c, "/api/values", itemQuery(itemIDs))
}

// GetActiveAlarms implements monitoring.API. The endpoint returns a bare array.
func (c *Client) GetActiveAlarms(ctx context.Context, itemIDs []string) ([]alarms.ActiveAlarm, error) {
	var active []alarms.ActiveAlarm
	if err := c.do(ctx, http.MethodGet, "/api/alarms/active", itemQuery(itemIDs), nil, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// GetAlarmConfigs implements monitoring.API.
func (c *Client) GetAlarmConfigs(ctx context.Context, itemIDs []string) ([]alarms.AlarmConfig, error) {
	return list[alarms.AlarmConfig](ctx, c, "/api/alarms/configs", itemQuery(itemIDs))
}

func itemQuery(ids []string) url.Values {
	q := url.Values{}
	for _, id := range ids {
		q.Add("itemId", id)
	}
	return q
}

func list[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var env envelope[T]
	if err := c.do(ctx, http.MethodGet, path, query, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// do sends one JSON request. Transport failures and non-2xx responses are
// returned as API_ERROR with the HTTP status (0 for transport failures).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeAPI, fmt.Sprintf("%s %s failed", method, path)).
			WithDetail("status", 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeAPI, fmt.Sprintf("failed to decode %s response", path)).
			WithDetail("status", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body apiError
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}
	return errors.APIFailed(resp.StatusCode, msg)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var (
	_ session.AuthClient = (*Client)(nil)
	_ monitoring.API     = (*Client)(nil)
)
