// Package state provides the durable key-value store shared by all tabs.
//
// Values are opaque bytes, normally JSON. A key has a single logical value
// and concurrent writers resolve last-write-wins; callers must not assume
// atomicity across keys.
package state

import (
	"context"
	"encoding/json"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
)

// Store is an asynchronous-style key-value store. Every method may block on
// I/O and honours ctx cancellation where the backend can.
type Store interface {
	// Get returns the stored value and true, or nil and false if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the value stored under key into target.
// It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, target interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, target); err != nil {
		metrics.StorageErrors.WithLabelValues("decode").Inc()
		return false, errors.StorageFailed("decode", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("encode").Inc()
		return errors.StorageFailed("encode", key, err)
	}
	return s.Set(ctx, key, data)
}

// RemoveAll removes every key, continuing past failures.
// The first error encountered is returned.
func RemoveAll(ctx context.Context, s Store, keys ...string) error {
	var first error
	for _, key := range keys {
		if err := s.Remove(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func validKey(op, key string) error {
	if key == "" {
		return errors.StorageFailed(op, key, errors.InvalidInput("key", "must not be empty"))
	}
	for _, r := range key {
		if r == '/' || r == '\\' || r == 0 {
			return errors.StorageFailed(op, key, errors.InvalidInput("key", "must not contain path separators"))
		}
	}
	if key[0] == '.' {
		return errors.StorageFailed(op, key, errors.InvalidInput("key", "must not start with a dot"))
	}
	return nil
}
