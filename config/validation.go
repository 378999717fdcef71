package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/grovetools/tabsync/errors"
)

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	if err := validateSession(&c.Session); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid session configuration")
	}
	if err := validateRefresh(&c.Refresh); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid refresh configuration")
	}
	if err := validateBus(&c.Bus); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid bus configuration")
	}
	if c.API.BaseURL != "" {
		if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid api configuration")
		}
	}
	if c.API.Timeout < 0 {
		return errors.InvalidInput("api.timeout", "must not be negative")
	}
	return nil
}

func validateSession(s *SessionConfig) error {
	if s.ExtendInterval < 0 {
		return errors.InvalidInput("session.extend_interval", "must not be negative")
	}
	if s.TTL < 0 {
		return errors.InvalidInput("session.ttl", "must not be negative")
	}
	if s.TTL != 0 && s.ExtendInterval != 0 && s.TTL.Std() <= s.ExtendInterval.Std() {
		return errors.InvalidInput("session.ttl", "must be longer than session.extend_interval").
			WithDetail("ttl", s.TTL.Std().String()).
			WithDetail("extend_interval", s.ExtendInterval.Std().String())
	}
	return nil
}

func validateRefresh(r *RefreshConfig) error {
	if r.Interval != 0 && r.Interval.Std() < time.Second {
		return errors.InvalidInput("refresh.interval", "must be at least 1s").
			WithDetail("interval", r.Interval.Std().String())
	}
	if r.StaleThreshold < 0 {
		return errors.InvalidInput("refresh.stale_threshold", "must not be negative")
	}
	return nil
}

func validateBus(b *BusConfig) error {
	switch b.Transport {
	case "", TransportLocal:
	case TransportWebsocket:
		if err := validateURL("bus.relay_url", b.RelayURL, "ws", "wss"); err != nil {
			return err
		}
	default:
		return errors.InvalidInput("bus.transport", fmt.Sprintf("unknown transport %q", b.Transport))
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.InvalidInput(field, err.Error())
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.InvalidInput(field, "missing host")
			}
			return nil
		}
	}
	return errors.InvalidInput(field, fmt.Sprintf("scheme must be one of %v", schemes)).
		WithDetail("scheme", u.Scheme)
}
