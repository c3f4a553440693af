package device

import (
	"fmt"
	"sync"

	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

// Change describes one settings write.
type Change struct {
	Key   qingping.SettingKey
	Old   qingping.Settings
	New   qingping.Settings
	Actor string
}

// UnitChanged reports whether a displayed unit changed.
func (c Change) UnitChanged() bool {
	return c.Old.VOCUnit != c.New.VOCUnit || c.Old.TemperatureUnit != c.New.TemperatureUnit
}

// IntervalChanged reports whether the report interval changed.
func (c Change) IntervalChanged() bool {
	return c.Old.ReportInterval != c.New.ReportInterval
}

// Settings is the settings handle of one device. Writes go to the
// persisted registration first and then to the live record, both under
// the same lock, so readers never observe a value that is not stored.
type Settings struct {
	mu    sync.RWMutex
	mac   string
	model qingping.Model
	live  qingping.Settings
	store storage.Storage
}

// NewSettings creates the handle from a registration.
func NewSettings(dev *storage.Device, store storage.Storage) *Settings {
	return &Settings{
		mac:   dev.MAC,
		model: dev.Model,
		live:  dev.Settings,
		store: store,
	}
}

// Snapshot returns the live settings.
func (s *Settings) Snapshot() qingping.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Set writes one control from its text form.
func (s *Settings) Set(key qingping.SettingKey, raw string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.live.With(s.model, key, raw)
	if err != nil {
		return Change{}, err
	}
	return s.commit(key, next)
}

// Replace validates and writes a complete settings record.
func (s *Settings) Replace(next qingping.Settings) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := next.Validate(s.model); err != nil {
		return Change{}, err
	}
	return s.commit("", next)
}

// commit persists then updates the live record. Caller holds s.mu.
func (s *Settings) commit(key qingping.SettingKey, next qingping.Settings) (Change, error) {
	change := Change{Key: key, Old: s.live, New: next}
	if next == s.live {
		return change, nil
	}

	if s.store != nil {
		_, err := s.store.UpdateDevice(s.mac, func(d *storage.Device) error {
			d.Settings = next
			return nil
		})
		if err != nil {
			return Change{}, fmt.Errorf("failed to persist settings: %w", err)
		}
	}

	s.live = next
	return change, nil
}
