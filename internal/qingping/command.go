package qingping

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Downlink command constants.
const (
	ConfigReportType = "12"
	ConfigDuration   = "86400"
)

// TopicPrefix is the root of all device topics.
const TopicPrefix = "qingping"

// ConfigCommand is the downlink payload that sets the report interval.
type ConfigCommand struct {
	Type     string `json:"type"`
	Interval string `json:"up_itvl"`
	Duration string `json:"duration"`
}

// NewConfigCommand builds the command for an interval in seconds.
func NewConfigCommand(interval int) ConfigCommand {
	return ConfigCommand{
		Type:     ConfigReportType,
		Interval: strconv.Itoa(interval),
		Duration: ConfigDuration,
	}
}

// Marshal encodes the command.
func (c ConfigCommand) Marshal() []byte {
	data, _ := json.Marshal(c)
	return data
}

// UpTopic is the telemetry topic of a device.
func UpTopic(prefix, mac string) string {
	return prefix + "/" + mac + "/up"
}

// DownTopic is the configuration topic of a device.
func DownTopic(prefix, mac string) string {
	return prefix + "/" + mac + "/down"
}

// MACFromTopic returns the segment before the last one, which is the
// device id for both up and down topics.
func MACFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return "", false
	}
	mac := parts[len(parts)-2]
	return mac, mac != ""
}
