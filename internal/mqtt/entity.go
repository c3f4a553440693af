package mqtt

// Component is a Home Assistant MQTT platform
type Component string

const (
	ComponentSensor       Component = "sensor"
	ComponentBinarySensor Component = "binary_sensor"
	ComponentNumber       Component = "number"
	ComponentSelect       Component = "select"
)

// EntityConfig contains entity configuration for Home Assistant Discovery
type EntityConfig struct {
	// Basic parameters
	Component Component // sensor, binary_sensor, number, select
	ObjectID  string    // Unique entity ID, also used as unique_id
	Name      string    // Display name

	// MQTT topics (full paths)
	StateTopic         string
	CommandTopic       string
	AvailabilityTopics []string // all must report online

	// Home Assistant parameters
	Unit           string // °C, %, ppm, etc.
	DeviceClass    string
	StateClass     string // measurement, total, total_increasing
	EntityCategory string // config, diagnostic
	Icon           string

	// select options
	Options []string

	// number range
	Min, Max, Step float64

	// binary_sensor payloads
	PayloadOn, PayloadOff string

	// Device grouping
	Device *DeviceInfo
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string // Unique device identifiers
	Name         string   // Device name
	Model        string   // Model
	Manufacturer string   // Manufacturer
	SWVersion    string   // Firmware version, if known
}

// sanitizeID creates a safe lowercase ID for topics and unique IDs
func sanitizeID(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A') // to lowercase
		case c == ' ' || c == '/' || c == '.' || c == ':' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
