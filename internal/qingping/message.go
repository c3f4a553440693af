package qingping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPayload is returned for payloads that are not a JSON
	// object or carry a missing, empty or malformed sensorData list.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrForeignDevice is returned when the payload mac does not belong
	// to the device the topic was subscribed for.
	ErrForeignDevice = errors.New("payload for another device")

	// ErrInvalidValue is returned for metric values that are not numeric.
	ErrInvalidValue = errors.New("invalid metric value")
)

// Message is a decoded telemetry report.
type Message struct {
	MAC       string
	Timestamp int64
	Version   string
	Type      string
	Samples   []map[string]Sample
}

// Sample is one metric entry of sensorData.
type Sample struct {
	Value  json.RawMessage `json:"value"`
	Status *int            `json:"status,omitempty"`
}

type wireMessage struct {
	MAC        string          `json:"mac"`
	Timestamp  json.Number     `json:"timestamp"`
	Version    json.RawMessage `json:"version"`
	Type       json.RawMessage `json:"type"`
	SensorData json.RawMessage `json:"sensorData"`
}

// ParseMessage validates the shape of an uplink payload. Individual metric
// entries are left raw so that a bad value only affects its own metric.
func ParseMessage(payload []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}

	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidPayload)
	}

	msg := &Message{
		MAC:     w.MAC,
		Version: scalarString(w.Version),
		Type:    scalarString(w.Type),
	}
	if w.Timestamp != "" {
		if ts, err := w.Timestamp.Float64(); err == nil {
			msg.Timestamp = int64(ts)
		}
	}

	var elems []json.RawMessage
	if len(w.SensorData) == 0 || bytes.Equal(w.SensorData, []byte("null")) {
		return nil, fmt.Errorf("%w: missing sensorData", ErrInvalidPayload)
	}
	if err := json.Unmarshal(w.SensorData, &elems); err != nil {
		return nil, fmt.Errorf("%w: sensorData is not a list", ErrInvalidPayload)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: empty sensorData", ErrInvalidPayload)
	}

	for i, raw := range elems {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil || entries == nil {
			return nil, fmt.Errorf("%w: sensorData[%d] is not an object", ErrInvalidPayload, i)
		}
		sample := make(map[string]Sample, len(entries))
		for key, body := range entries {
			var s Sample
			if err := json.Unmarshal(body, &s); err != nil {
				// Keep the key so the metric reports a value error.
				s = Sample{Value: body}
			}
			sample[key] = s
		}
		msg.Samples = append(msg.Samples, sample)
	}

	return msg, nil
}

// BelongsTo reports whether the payload mac matches the registered one.
func (m *Message) BelongsTo(mac string) bool {
	return NormalizeMAC(m.MAC) == NormalizeMAC(mac)
}

// Lookup returns the last sample for key across all sensorData entries.
func (m *Message) Lookup(key string) (Sample, bool) {
	var (
		found Sample
		ok    bool
	)
	for _, entry := range m.Samples {
		if s, exists := entry[key]; exists {
			found, ok = s, true
		}
	}
	return found, ok
}

// Float parses the sample value. Numbers and numeric strings are accepted;
// NaN and infinities are not.
func (s Sample) Float() (float64, error) {
	raw := bytes.TrimSpace(s.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing", ErrInvalidValue)
	}

	var str string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	} else {
		str = string(raw)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidValue, str)
	}
	return v, nil
}

// NormalizeMAC upper-cases a MAC and strips separators.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(mac)))
}

// scalarString renders a JSON string or number field as text.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
