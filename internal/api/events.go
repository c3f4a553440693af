package api

import (
	"net/http"
	"strconv"

	"cgsbridge/internal/events"
	"cgsbridge/internal/qingping"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 100
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store *events.Store
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store) *EventsHandler {
	return &EventsHandler{store: store}
}

// List returns events from the store
// GET /api/events?limit=50&since=123&device=AABBCCDDEEFF
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []events.Event{}, "lastId": 0})
		return
	}
	q := r.URL.Query()

	if sinceStr := q.Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events": h.store.GetSince(sinceID),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	limit := defaultEventLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxEventLimit {
			limit = l
		}
	}

	var list []events.Event
	if mac := q.Get("device"); mac != "" {
		list = h.store.ForDevice(qingping.NormalizeMAC(mac), limit)
	} else {
		list = h.store.GetLast(limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"lastId": h.store.LastID(),
	})
}
