package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/alarms"
)

// AlarmUpdate is one event on the alarm stream.
type AlarmUpdate struct {
	AlarmCount      int             `json:"alarmCount"`
	HighestPriority alarms.Priority `json:"highestPriority"`
}

// StreamAlarms follows the server-sent alarm stream and reports its health
// and every count update to l. It blocks until ctx is cancelled or the
// stream ends. Cancellation is a clean disconnect and returns nil.
func (c *Client) StreamAlarms(ctx context.Context, l alarms.StatusListener) error {
	l.StreamConnecting()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/alarms/stream", nil, nil)
	if err != nil {
		l.StreamFailed(err)
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming requests must not inherit the per-request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			l.StreamDisconnected()
			return nil
		}
		serr := errors.Wrap(err, errors.ErrCodeStream, "failed to connect to alarm stream")
		l.StreamFailed(serr)
		return serr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := errors.StreamFailed(fmt.Sprintf("alarm stream returned status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
		l.StreamFailed(serr)
		return serr
	}

	l.StreamConnected()
	c.logger.Debug("Alarm stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// Skip comments and empty lines
		if strings.HasPrefix(line, ":") || line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var update AlarmUpdate
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if err := json.Unmarshal([]byte(payload), &update); err != nil {
			c.logger.WithError(err).Debug("Skipping malformed alarm event")
			continue
		}
		l.ApplyStreamUpdate(update.AlarmCount, update.HighestPriority)
	}

	if ctx.Err() != nil {
		l.StreamDisconnected()
		return nil
	}
	if err := scanner.Err(); err != nil {
		serr := errors.Wrap(err, errors.ErrCodeStream, "alarm stream read failed")
		l.StreamFailed(serr)
		return serr
	}

	l.StreamDisconnected()
	c.logger.Debug("Alarm stream closed by server")
	return nil
}
