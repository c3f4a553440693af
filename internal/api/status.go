package api

import (
	"net/http"

	"cgsbridge/internal/device"
	"cgsbridge/internal/mqtt"
)

// StatusHandler reports bridge health
type StatusHandler struct {
	manager   *device.Manager
	transport mqtt.Transport
	version   string
}

// NewStatusHandler creates new status handler
func NewStatusHandler(manager *device.Manager, transport mqtt.Transport, version string) *StatusHandler {
	return &StatusHandler{manager: manager, transport: transport, version: version}
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Version       string `json:"version"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Devices       int    `json:"devices"`
	Online        int    `json:"online"`
}

// Get handles GET /api/status
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: h.version}
	if h.transport != nil {
		resp.MQTTConnected = h.transport.IsConnected()
	}
	for _, snap := range h.manager.Snapshots() {
		resp.Devices++
		if snap.Online {
			resp.Online++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
