package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cgsbridge/internal/device"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

const maxDiscoveryWindow = 5 * time.Minute

// DeviceHandler handles device registration and control endpoints
type DeviceHandler struct {
	manager *device.Manager
	window  time.Duration
}

// NewDeviceHandler creates new device handler
func NewDeviceHandler(manager *device.Manager, window time.Duration) *DeviceHandler {
	return &DeviceHandler{manager: manager, window: window}
}

// CreateDeviceRequest is the body of POST /api/devices
type CreateDeviceRequest struct {
	MAC   string `json:"mac"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// Control describes one settings control and its current value
type Control struct {
	Key     qingping.SettingKey `json:"key"`
	Name    string              `json:"name"`
	Value   string              `json:"value"`
	Unit    string              `json:"unit,omitempty"`
	Options []string            `json:"options,omitempty"`
	Min     *float64            `json:"min,omitempty"`
	Max     *float64            `json:"max,omitempty"`
	Step    *float64            `json:"step,omitempty"`
}

// List handles GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": h.manager.Snapshots(),
	})
}

// Get handles GET /api/devices/{mac}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.manager.Get(chi.URLParam(r, "mac"))
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice.Error())
		return
	}
	writeJSON(w, http.StatusOK, runner.Snapshot())
}

// Create handles POST /api/devices
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	model, err := qingping.ParseModel(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dev, err := h.manager.Register(req.MAC, req.Name, model, actorName(r))
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	if runner, ok := h.manager.Get(dev.MAC); ok {
		writeJSON(w, http.StatusCreated, runner.Snapshot())
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// Remove handles DELETE /api/devices/{mac}
func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(chi.URLParam(r, "mac"), actorName(r)); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Settings handles GET /api/devices/{mac}/settings
func (h *DeviceHandler) Settings(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.manager.Get(chi.URLParam(r, "mac"))
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice.Error())
		return
	}
	snap := runner.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": snap.Settings,
		"controls": controls(snap.Model, snap.Settings),
	})
}

// UpdateSettings handles PATCH /api/devices/{mac}/settings. The body maps
// control keys to values; all of them are validated before anything is
// written.
func (h *DeviceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.manager.Get(chi.URLParam(r, "mac"))
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice.Error())
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "No settings given")
		return
	}

	for key := range body {
		if _, ok := qingping.ParseSettingKey(key); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: unknown control %q", qingping.ErrInvalidSetting, key))
			return
		}
	}

	snap := runner.Snapshot()
	next := snap.Settings
	for _, key := range qingping.SettingKeys() {
		raw, present := body[string(key)]
		if !present {
			continue
		}
		var err error
		next, err = next.With(snap.Model, key, formatRaw(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	applied, err := runner.ReplaceSettings(next, actorName(r))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": applied,
		"controls": controls(snap.Model, applied),
	})
}

// PublishConfig handles POST /api/devices/{mac}/config
func (h *DeviceHandler) PublishConfig(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.manager.Get(chi.URLParam(r, "mac"))
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownDevice.Error())
		return
	}
	if err := runner.RequestConfigPublish(); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// Discover handles GET /api/discover?window=10s. It blocks for the scan
// window and returns unregistered devices.
func (h *DeviceHandler) Discover(w http.ResponseWriter, r *http.Request) {
	window := h.window
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := parseWindow(s)
		if err != nil || d <= 0 || d > maxDiscoveryWindow {
			writeError(w, http.StatusBadRequest, "Invalid window")
			return
		}
		window = d
	}

	found, err := h.manager.Discover(r.Context(), window, actorName(r))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": found,
		"window":  window.String(),
	})
}

// parseWindow accepts a duration or plain seconds.
func parseWindow(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func formatRaw(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func controls(model qingping.Model, s qingping.Settings) []Control {
	out := make([]Control, 0, len(qingping.SettingKeys()))
	for _, key := range qingping.SettingKeys() {
		c := Control{
			Key:   key,
			Name:  key.Name(),
			Value: s.Value(key),
			Unit:  key.Unit(s),
		}
		if key.IsSelect() {
			c.Options = key.Options(model)
		} else {
			lo, hi, step := key.Range()
			c.Min, c.Max, c.Step = &lo, &hi, &step
		}
		out = append(out, c)
	}
	return out
}

func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, qingping.ErrInvalidSetting):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, device.ErrUnknownDevice), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, device.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
