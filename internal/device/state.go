package device

import (
	"time"

	"cgsbridge/internal/qingping"
)

// Reading is the latest value of one metric. Value is nil until the
// device reports it.
type Reading struct {
	Metric      qingping.Metric `json:"-"`
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Value       interface{}     `json:"value"`
	Unit        string          `json:"unit,omitempty"`
	DeviceClass string          `json:"device_class,omitempty"`
	Available   bool            `json:"available"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

func (r Reading) withInfo(s qingping.Settings) Reading {
	r.Key = r.Metric.Key()
	r.Name = r.Metric.Name()
	r.DeviceClass = r.Metric.DeviceClass(s)
	return r
}

// Snapshot is a copy of a device's state.
type Snapshot struct {
	MAC        string            `json:"mac"`
	Name       string            `json:"name"`
	Model      qingping.Model    `json:"model"`
	Online     bool              `json:"online"`
	LastSeen   time.Time         `json:"last_seen,omitempty"`
	LastReport int64             `json:"last_report,omitempty"`
	Settings   qingping.Settings `json:"settings"`
	Readings   []Reading         `json:"readings"`
}

// Reading returns the reading for metric.
func (s Snapshot) Reading(metric qingping.Metric) (Reading, bool) {
	for _, r := range s.Readings {
		if r.Metric == metric {
			return r, true
		}
	}
	return Reading{}, false
}

// Value returns the current value of metric, nil if unknown.
func (s Snapshot) Value(metric qingping.Metric) interface{} {
	r, _ := s.Reading(metric)
	return r.Value
}

// UpdateKind says what changed in an Update.
type UpdateKind string

const (
	// UpdateStarted is emitted when a runner starts or is asked to
	// republish everything.
	UpdateStarted  UpdateKind = "started"
	UpdateReadings UpdateKind = "readings"
	UpdateStatus   UpdateKind = "status"
	UpdateSettings UpdateKind = "settings"
	// UpdateRemoved is emitted by the manager after a device is deleted.
	UpdateRemoved UpdateKind = "removed"
)

// Update is delivered to observers from the runner loop.
type Update struct {
	Kind            UpdateKind        `json:"kind"`
	Changed         []qingping.Metric `json:"-"`
	// EntitiesChanged is set when the firmware version or a displayed
	// unit changed, so entity configs must be rebuilt.
	EntitiesChanged bool              `json:"-"`
	Snapshot        Snapshot          `json:"device"`
}

// ChangedReadings returns the readings listed in Changed.
func (u Update) ChangedReadings() []Reading {
	out := make([]Reading, 0, len(u.Changed))
	for _, m := range u.Changed {
		if r, ok := u.Snapshot.Reading(m); ok {
			out = append(out, r)
		}
	}
	return out
}

// Observer receives device updates. Implementations must return quickly;
// they run on the device loop.
type Observer interface {
	DeviceUpdated(u Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(u Update)

// DeviceUpdated implements Observer.
func (f ObserverFunc) DeviceUpdated(u Update) { f(u) }
