package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

// ErrNotRunning is returned for operations on a stopped runner.
var ErrNotRunning = errors.New("device runner is not running")

// Runner timing defaults.
const (
	DefaultStatusInterval = 60 * time.Second
	DefaultConfigInterval = 24 * time.Hour
	DefaultQueueSize      = 32
)

// Options tune runner timing.
type Options struct {
	DevicePrefix   string
	StaleAfter     time.Duration
	StatusInterval time.Duration
	ConfigInterval time.Duration
	QueueSize      int
	Publish        PublishPolicy
	Now            func() time.Time
}

// DefaultOptions returns production timing.
func DefaultOptions() Options {
	return Options{
		DevicePrefix:   qingping.TopicPrefix,
		StaleAfter:     DefaultStaleAfter,
		StatusInterval: DefaultStatusInterval,
		ConfigInterval: DefaultConfigInterval,
		QueueSize:      DefaultQueueSize,
		Publish:        DefaultPublishPolicy(),
		Now:            time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DevicePrefix == "" {
		o.DevicePrefix = d.DevicePrefix
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = d.StatusInterval
	}
	if o.ConfigInterval <= 0 {
		o.ConfigInterval = d.ConfigInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Publish == (PublishPolicy{}) {
		o.Publish = d.Publish
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Runner owns one registered device. A single goroutine handles
// telemetry, status ticks, config ticks and settings changes; config
// publishes run beside it so their pauses never stall message handling.
type Runner struct {
	mac   string
	name  string
	model qingping.Model

	settings  *Settings
	transport mqtt.Transport
	publisher *ConfigPublisher
	tracker   *StatusTracker
	observers []Observer
	events    events.Recorder
	logger    *zap.Logger
	opts      Options

	inbox   chan []byte
	changes chan Change
	control chan controlRequest

	mu         sync.RWMutex
	readings   map[qingping.Metric]Reading
	online     bool
	lastSeen   time.Time
	lastReport int64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	publishes sync.WaitGroup
}

type controlRequest int

const (
	requestConfigPublish controlRequest = iota
	requestRefresh
)

// RunnerDeps are the collaborators of a runner.
type RunnerDeps struct {
	Transport mqtt.Transport
	Store     storage.Storage
	Observers []Observer
	Events    events.Recorder
	Logger    *zap.Logger
	Options   Options
}

// NewRunner creates a runner for a registration. It does nothing until
// Start is called.
func NewRunner(dev *storage.Device, deps RunnerDeps) *Runner {
	opts := deps.Options.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("device").With(zap.String("mac", dev.MAC))

	r := &Runner{
		mac:       dev.MAC,
		name:      dev.Name,
		model:     dev.Model,
		settings:  NewSettings(dev, deps.Store),
		transport: deps.Transport,
		tracker:   NewStatusTracker(opts.StaleAfter),
		observers: deps.Observers,
		events:    deps.Events,
		logger:    logger,
		opts:      opts,
		inbox:     make(chan []byte, opts.QueueSize),
		changes:   make(chan Change, opts.QueueSize),
		control:   make(chan controlRequest, 4),
		readings:  make(map[qingping.Metric]Reading),
	}
	r.publisher = NewConfigPublisher(deps.Transport, qingping.DownTopic(opts.DevicePrefix, dev.MAC), opts.Publish, logger)

	for _, metric := range dev.Model.Metrics() {
		r.readings[metric] = Reading{Metric: metric}
	}
	r.readings[qingping.MetricStatus] = Reading{Metric: qingping.MetricStatus, Value: false}
	return r
}

// MAC returns the device id.
func (r *Runner) MAC() string { return r.mac }

// Settings returns the settings handle.
func (r *Runner) Settings() *Settings { return r.settings }

// UpTopic is the telemetry topic the runner subscribes to.
func (r *Runner) UpTopic() string { return qingping.UpTopic(r.opts.DevicePrefix, r.mac) }

// Start subscribes to telemetry and starts the event loop.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.cancel != nil {
		return nil
	}

	if err := r.transport.Subscribe(r.UpTopic(), 1, r.enqueue); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("device started", zap.String("model", string(r.model)), zap.String("topic", r.UpTopic()))
	return nil
}

// Stop ends the loop, waits for in-flight publishes and unsubscribes.
func (r *Runner) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.publishes.Wait()
	r.cancel = nil

	if err := r.transport.Unsubscribe(r.UpTopic()); err != nil {
		r.logger.Warn("failed to unsubscribe", zap.Error(err))
	}
	r.logger.Info("device stopped")
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.cancel != nil
}

// enqueue is the MQTT callback; it never blocks the client.
func (r *Runner) enqueue(topic string, payload []byte) {
	select {
	case r.inbox <- payload:
	default:
		r.logger.Warn("telemetry queue full, message dropped", zap.String("topic", topic))
	}
}

// ApplySetting writes one control and notifies the loop.
func (r *Runner) ApplySetting(key qingping.SettingKey, raw, actor string) (qingping.Settings, error) {
	change, err := r.settings.Set(key, raw)
	if err != nil {
		return r.settings.Snapshot(), err
	}
	change.Actor = actor
	r.notifyChange(change)
	return change.New, nil
}

// ReplaceSettings writes a complete record and notifies the loop.
func (r *Runner) ReplaceSettings(next qingping.Settings, actor string) (qingping.Settings, error) {
	change, err := r.settings.Replace(next)
	if err != nil {
		return r.settings.Snapshot(), err
	}
	change.Actor = actor
	r.notifyChange(change)
	return change.New, nil
}

func (r *Runner) notifyChange(change Change) {
	if change.Old == change.New {
		return
	}
	select {
	case r.changes <- change:
	default:
		r.logger.Warn("settings change queue full", zap.String("key", string(change.Key)))
	}
}

// RequestConfigPublish asks the loop to publish the configuration now.
func (r *Runner) RequestConfigPublish() error {
	return r.request(requestConfigPublish)
}

// RequestRefresh asks the loop to republish all states to observers.
func (r *Runner) RequestRefresh() error {
	return r.request(requestRefresh)
}

func (r *Runner) request(req controlRequest) error {
	if !r.Running() {
		return ErrNotRunning
	}
	select {
	case r.control <- req:
	default:
		// An identical request is already queued
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	statusTicker := time.NewTicker(r.opts.StatusInterval)
	defer statusTicker.Stop()
	configTicker := time.NewTicker(r.opts.ConfigInterval)
	defer configTicker.Stop()

	r.emit(UpdateStarted, nil)
	r.schedulePublish(ctx, "setup")

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.inbox:
			r.handleMessage(ctx, payload)
		case <-statusTicker.C:
			r.evaluateStatus(ctx)
		case <-configTicker.C:
			r.schedulePublish(ctx, "periodic")
		case change := <-r.changes:
			r.handleChange(ctx, change)
		case req := <-r.control:
			switch req {
			case requestConfigPublish:
				r.schedulePublish(ctx, "manual")
			case requestRefresh:
				r.emit(UpdateStarted, nil)
			}
		}
	}
}

// handleMessage decodes one telemetry payload into readings.
func (r *Runner) handleMessage(ctx context.Context, payload []byte) {
	msg, err := qingping.ParseMessage(payload)
	if err != nil {
		r.logger.Warn("discarding telemetry", zap.Error(err))
		return
	}
	if !msg.BelongsTo(r.mac) {
		r.logger.Debug("discarding telemetry",
			zap.String("payload_mac", msg.MAC), zap.Error(qingping.ErrForeignDevice))
		return
	}

	settings := r.settings.Snapshot()
	now := r.opts.Now()

	var (
		changed  []qingping.Metric
		firmware bool
	)
	for _, metric := range r.model.Metrics() {
		value, ok := r.extract(metric, msg, settings)
		if !ok {
			continue
		}
		if metric == qingping.MetricFirmware {
			firmware = r.reading(metric).Value != value
		}
		r.setReading(metric, value, metric.Unit(settings), now)
		changed = append(changed, metric)
	}

	r.mu.Lock()
	r.lastReport = msg.Timestamp
	r.mu.Unlock()

	r.tracker.Seen(now)
	r.evaluateStatus(ctx)

	r.notify(Update{Kind: UpdateReadings, Changed: changed, EntitiesChanged: firmware})
}

// extract returns the display value of a metric, or false when the
// message does not carry it or carries an unusable value.
func (r *Runner) extract(metric qingping.Metric, msg *qingping.Message, settings qingping.Settings) (interface{}, bool) {
	switch metric.Kind() {
	case qingping.KindMeasurement:
		sample, ok := msg.Lookup(metric.Key())
		if !ok {
			return nil, false
		}
		raw, err := sample.Float()
		if err != nil {
			r.logger.Warn("keeping previous value", zap.String("metric", metric.Key()), zap.Error(err))
			return nil, false
		}
		return displayValue(metric, raw, settings), true

	case qingping.KindCharging:
		sample, ok := msg.Lookup(qingping.MetricBattery.Key())
		if !ok || sample.Status == nil {
			return nil, false
		}
		return *sample.Status == 1, true

	case qingping.KindAttribute:
		var v string
		switch metric {
		case qingping.MetricFirmware:
			v = msg.Version
		case qingping.MetricReportType:
			v = msg.Type
		case qingping.MetricMAC:
			v = msg.MAC
		}
		return v, v != ""
	}
	return nil, false
}

// displayValue applies offsets and unit conversions.
func displayValue(metric qingping.Metric, raw float64, s qingping.Settings) interface{} {
	switch metric {
	case qingping.MetricTemperature:
		return qingping.Temperature(raw, s.TemperatureOffset, s.TemperatureUnit)
	case qingping.MetricHumidity:
		return qingping.Humidity(raw, s.HumidityOffset)
	case qingping.MetricTVOC:
		unit := s.VOCUnit
		if unit == qingping.VOCUnitIndex {
			unit = qingping.VOCUnitPPB
		}
		return qingping.VOC(raw, unit)
	case qingping.MetricETVOC:
		if s.VOCUnit == qingping.VOCUnitIndex {
			return int(raw)
		}
		return qingping.VOC(raw, s.VOCUnit)
	default:
		return int(raw)
	}
}

func (r *Runner) reading(metric qingping.Metric) Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readings[metric]
}

func (r *Runner) setReading(metric qingping.Metric, value interface{}, unit string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings[metric] = Reading{Metric: metric, Value: value, Unit: unit, UpdatedAt: at}
}

// evaluateStatus recomputes online status. Going online schedules
// exactly one config publish.
func (r *Runner) evaluateStatus(ctx context.Context) {
	online, changed := r.tracker.Evaluate(r.opts.Now())

	r.mu.Lock()
	r.lastSeen = r.tracker.LastSeen()
	if changed {
		r.online = online
		r.readings[qingping.MetricStatus] = Reading{Metric: qingping.MetricStatus, Value: online, UpdatedAt: r.opts.Now()}
	}
	r.mu.Unlock()

	if !changed {
		return
	}

	if online {
		r.logger.Info("device online")
		r.record(events.EventDeviceOnline, "", true, "")
	} else {
		r.logger.Info("device offline", zap.Time("last_seen", r.tracker.LastSeen()))
		r.record(events.EventDeviceOffline, "", true, "")
	}
	r.emit(UpdateStatus, []qingping.Metric{qingping.MetricStatus})

	if online {
		r.schedulePublish(ctx, "online")
	}
}

func (r *Runner) handleChange(ctx context.Context, change Change) {
	r.logger.Info("settings changed",
		zap.String("key", string(change.Key)), zap.String("actor", change.Actor))
	r.record(events.EventSettingChanged, change.Actor, true, string(change.Key))

	r.notify(Update{Kind: UpdateSettings, EntitiesChanged: change.UnitChanged()})

	if change.IntervalChanged() {
		r.schedulePublish(ctx, "interval")
	}
}

// schedulePublish runs a config publish beside the loop. Only the loop
// goroutine calls it.
func (r *Runner) schedulePublish(ctx context.Context, reason string) {
	interval := r.settings.Snapshot().ReportInterval
	r.publishes.Add(1)
	go func() {
		defer r.publishes.Done()
		err := r.publisher.Publish(ctx, interval)
		if err != nil && ctx.Err() != nil {
			return
		}
		details := reason
		if err != nil {
			details = reason + ": " + err.Error()
		}
		r.record(events.EventConfigPublished, "", err == nil, details)
	}()
}

func (r *Runner) record(t events.EventType, actor string, success bool, details string) {
	if r.events != nil {
		r.events.Add(t, r.mac, actor, success, details)
	}
}

func (r *Runner) emit(kind UpdateKind, changed []qingping.Metric) {
	r.notify(Update{Kind: kind, Changed: changed})
}

func (r *Runner) notify(u Update) {
	if len(r.observers) == 0 {
		return
	}
	u.Snapshot = r.Snapshot()
	for _, o := range r.observers {
		o.DeviceUpdated(u)
	}
}

// Snapshot returns a copy of the device state.
func (r *Runner) Snapshot() Snapshot {
	settings := r.settings.Snapshot()

	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		MAC:        r.mac,
		Name:       r.name,
		Model:      r.model,
		Online:     r.online,
		LastSeen:   r.lastSeen,
		LastReport: r.lastReport,
		Settings:   settings,
		Readings:   make([]Reading, 0, len(r.readings)),
	}
	for _, metric := range r.model.Metrics() {
		reading := r.readings[metric]
		reading.Available = metric.Kind() == qingping.KindStatus || r.online
		snap.Readings = append(snap.Readings, reading.withInfo(settings))
	}
	return snap
}
