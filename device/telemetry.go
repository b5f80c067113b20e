// Package device provides the public Device/Vehicle API: the
// registered-device scaffolding a vehicle driver builds on top of the
// MAVLink demuxer and UCS wire core.
package device

import (
	"sync"
	"time"
)

// TelemetryValue is one cached telemetry sample.
type TelemetryValue struct {
	FieldID   int
	Value     any
	UpdatedAt time.Time
}

// TelemetryCache is a typed-but-schema-agnostic field cache keyed by
// field id, fed by the MAVLink demuxer's default handler
// (Device.onTelemetryFrame).
type TelemetryCache struct {
	mu     sync.RWMutex
	fields map[int]TelemetryValue
}

// NewTelemetryCache creates an empty cache.
func NewTelemetryCache() *TelemetryCache {
	return &TelemetryCache{fields: make(map[int]TelemetryValue)}
}

// Set stores or overwrites the value for fieldID, stamping the update
// time.
func (c *TelemetryCache) Set(fieldID int, value any) {
	c.mu.Lock()
	c.fields[fieldID] = TelemetryValue{FieldID: fieldID, Value: value, UpdatedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached value for fieldID, if any.
func (c *TelemetryCache) Get(fieldID int) (TelemetryValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.fields[fieldID]
	return v, ok
}

// Snapshot returns every cached field, keyed by field id.
func (c *TelemetryCache) Snapshot() map[int]TelemetryValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]TelemetryValue, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// StaleFields returns field ids not updated within maxAge.
func (c *TelemetryCache) StaleFields(maxAge time.Duration) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stale []int
	cutoff := time.Now().Add(-maxAge)
	for id, v := range c.fields {
		if v.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// CommandAvailabilityCache tracks which commands a vehicle currently
// accepts, keyed by command id.
type CommandAvailabilityCache struct {
	mu        sync.RWMutex
	available map[int]bool
}

// NewCommandAvailabilityCache creates an empty cache.
func NewCommandAvailabilityCache() *CommandAvailabilityCache {
	return &CommandAvailabilityCache{available: make(map[int]bool)}
}

// Set records whether commandID is currently available.
func (c *CommandAvailabilityCache) Set(commandID int, available bool) {
	c.mu.Lock()
	c.available[commandID] = available
	c.mu.Unlock()
}

// IsAvailable reports whether commandID is known to be available.
func (c *CommandAvailabilityCache) IsAvailable(commandID int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available[commandID]
}
