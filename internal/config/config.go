package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names. The same keys are used in the .env file;
// process environment wins over the file.
const (
	EnvAddr          = "CGSBRIDGE_ADDR"
	EnvJWTSecret     = "CGSBRIDGE_JWT_SECRET"
	EnvJWTExpiration = "CGSBRIDGE_JWT_EXPIRATION"
	EnvNoAuth        = "CGSBRIDGE_NO_AUTH"
	EnvDBPath        = "CGSBRIDGE_DB_PATH"
	EnvLogLevel      = "CGSBRIDGE_LOG_LEVEL"
	EnvLogFormat     = "CGSBRIDGE_LOG_FORMAT"
	// MQTT settings
	EnvMQTTBroker   = "CGSBRIDGE_MQTT_BROKER"
	EnvMQTTClientID = "CGSBRIDGE_MQTT_CLIENT_ID"
	EnvMQTTUsername = "CGSBRIDGE_MQTT_USERNAME"
	EnvMQTTPassword = "CGSBRIDGE_MQTT_PASSWORD"
	EnvMQTTPrefix   = "CGSBRIDGE_MQTT_PREFIX"
	EnvMQTTUseTLS   = "CGSBRIDGE_MQTT_USE_TLS"
	// Device settings
	EnvDevicePrefix      = "CGSBRIDGE_DEVICE_PREFIX"
	EnvHADiscoveryPrefix = "CGSBRIDGE_HA_DISCOVERY_PREFIX"
	EnvDiscoveryWindow   = "CGSBRIDGE_DISCOVERY_WINDOW"
	// Optional integrations
	EnvRedisAddr     = "CGSBRIDGE_REDIS_ADDR"
	EnvRedisPassword = "CGSBRIDGE_REDIS_PASSWORD"
	EnvRedisDB       = "CGSBRIDGE_REDIS_DB"
	EnvRedisStream   = "CGSBRIDGE_REDIS_STREAM"
	EnvMDNSEnabled   = "CGSBRIDGE_MDNS_ENABLED"
)

// Default values
const (
	DefaultFilePath      = ".env"
	DefaultAddr          = ":8080"
	DefaultJWTExpiration = 24 * time.Hour
	DefaultNoAuth        = false
	DefaultDBPath        = "cgsbridge.db"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	// MQTT defaults
	DefaultMQTTBroker = "tcp://localhost:1883"
	DefaultMQTTPrefix = "cgsbridge"
	DefaultMQTTUseTLS = false
	// Device defaults
	DefaultDevicePrefix      = "qingping"
	DefaultHADiscoveryPrefix = "homeassistant"
	DefaultDiscoveryWindow   = 10 * time.Second
	// Integration defaults
	DefaultRedisStream = "cgsbridge:readings"
	DefaultMDNSEnabled = false
)

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr      string
	dbPath    string
	logLevel  string
	logFormat string

	// Security settings
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool

	// MQTT settings
	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
	mqttUseTLS   bool

	// Device settings
	devicePrefix      string
	haDiscoveryPrefix string
	discoveryWindow   time.Duration

	// Integrations
	redisAddr     string
	redisPassword string
	redisDB       int
	redisStream   string
	mdnsEnabled   bool
}

// Load loads configuration from the .env file or creates it with defaults.
// Environment variables override values from the file.
func Load(filePath string) (*Config, error) {
	if filePath == "" {
		filePath = DefaultFilePath
	}
	cfg := &Config{
		filePath: filePath,
	}

	v := newViper(filePath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	if err := cfg.applyValues(v); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Generate JWT secret if empty
	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Save if config was modified (new file or generated secret)
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// newViper prepares a dotenv reader with defaults and env overrides.
func newViper(filePath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault(EnvAddr, DefaultAddr)
	v.SetDefault(EnvJWTSecret, "")
	v.SetDefault(EnvJWTExpiration, int(DefaultJWTExpiration.Seconds()))
	v.SetDefault(EnvNoAuth, strconv.FormatBool(DefaultNoAuth))
	v.SetDefault(EnvDBPath, DefaultDBPath)
	v.SetDefault(EnvLogLevel, DefaultLogLevel)
	v.SetDefault(EnvLogFormat, DefaultLogFormat)
	v.SetDefault(EnvMQTTBroker, DefaultMQTTBroker)
	v.SetDefault(EnvMQTTClientID, "")
	v.SetDefault(EnvMQTTUsername, "")
	v.SetDefault(EnvMQTTPassword, "")
	v.SetDefault(EnvMQTTPrefix, DefaultMQTTPrefix)
	v.SetDefault(EnvMQTTUseTLS, strconv.FormatBool(DefaultMQTTUseTLS))
	v.SetDefault(EnvDevicePrefix, DefaultDevicePrefix)
	v.SetDefault(EnvHADiscoveryPrefix, DefaultHADiscoveryPrefix)
	v.SetDefault(EnvDiscoveryWindow, DefaultDiscoveryWindow.String())
	v.SetDefault(EnvRedisAddr, "")
	v.SetDefault(EnvRedisPassword, "")
	v.SetDefault(EnvRedisDB, 0)
	v.SetDefault(EnvRedisStream, DefaultRedisStream)
	v.SetDefault(EnvMDNSEnabled, strconv.FormatBool(DefaultMDNSEnabled))
	return v
}

// applyValues copies resolved values into the config.
func (c *Config) applyValues(v *viper.Viper) error {
	c.addr = strings.TrimSpace(v.GetString(EnvAddr))
	c.jwtSecret = v.GetString(EnvJWTSecret)
	c.noAuth = parseBool(v.GetString(EnvNoAuth))
	c.dbPath = v.GetString(EnvDBPath)
	c.logLevel = strings.ToLower(v.GetString(EnvLogLevel))
	c.logFormat = strings.ToLower(v.GetString(EnvLogFormat))

	seconds, err := strconv.Atoi(strings.TrimSpace(v.GetString(EnvJWTExpiration)))
	if err != nil || seconds <= 0 {
		return fmt.Errorf("%s must be a positive number of seconds", EnvJWTExpiration)
	}
	c.jwtExpiration = time.Duration(seconds) * time.Second

	// MQTT settings
	c.mqttBroker = v.GetString(EnvMQTTBroker)
	c.mqttClientID = v.GetString(EnvMQTTClientID)
	c.mqttUsername = v.GetString(EnvMQTTUsername)
	c.mqttPassword = v.GetString(EnvMQTTPassword)
	c.mqttPrefix = strings.Trim(v.GetString(EnvMQTTPrefix), "/")
	c.mqttUseTLS = parseBool(v.GetString(EnvMQTTUseTLS))

	// Device settings
	c.devicePrefix = strings.Trim(v.GetString(EnvDevicePrefix), "/")
	c.haDiscoveryPrefix = strings.Trim(v.GetString(EnvHADiscoveryPrefix), "/")
	window, err := time.ParseDuration(strings.TrimSpace(v.GetString(EnvDiscoveryWindow)))
	if err != nil {
		return fmt.Errorf("%s: %w", EnvDiscoveryWindow, err)
	}
	c.discoveryWindow = window

	// Integrations
	c.redisAddr = v.GetString(EnvRedisAddr)
	c.redisPassword = v.GetString(EnvRedisPassword)
	db, err := strconv.Atoi(strings.TrimSpace(v.GetString(EnvRedisDB)))
	if err != nil {
		return fmt.Errorf("%s must be a number", EnvRedisDB)
	}
	c.redisDB = db
	c.redisStream = v.GetString(EnvRedisStream)
	c.mdnsEnabled = parseBool(v.GetString(EnvMDNSEnabled))
	return nil
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	// Validate server address
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}
	if _, err := c.port(); err != nil {
		return err
	}

	// Validate JWT expiration
	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.logLevel)
	}
	if c.logFormat != "json" && c.logFormat != "console" {
		return fmt.Errorf("unknown log format %q", c.logFormat)
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.mqttBroker == "" {
		return errors.New("MQTT broker cannot be empty")
	}

	for name, prefix := range map[string]string{
		EnvMQTTPrefix:        c.mqttPrefix,
		EnvDevicePrefix:      c.devicePrefix,
		EnvHADiscoveryPrefix: c.haDiscoveryPrefix,
	} {
		if prefix == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		if strings.ContainsAny(prefix, "+#\x00") {
			return fmt.Errorf("%s contains MQTT wildcards", name)
		}
	}

	if c.discoveryWindow < time.Second || c.discoveryWindow > 5*time.Minute {
		return errors.New("discovery window must be between 1s and 5m")
	}
	if c.redisDB < 0 {
		return errors.New("redis database cannot be negative")
	}
	if c.redisAddr != "" && c.redisStream == "" {
		return errors.New("redis stream cannot be empty")
	}

	return nil
}

// port extracts the numeric listen port.
func (c *Config) port() (int, error) {
	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		port = strings.TrimPrefix(c.addr, ":")
	}
	if port == "" {
		return 0, errors.New("port cannot be empty")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return 0, fmt.Errorf("invalid server address format: %s", c.addr)
	}
	return portNum, nil
}

// Save writes current configuration to the .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	v := viper.New()
	v.SetConfigType("env")
	for key, value := range values {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(filePath); err != nil {
		return err
	}
	// The file holds secrets
	if err := os.Chmod(filePath, 0o600); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:          c.addr,
		EnvJWTSecret:     c.jwtSecret,
		EnvJWTExpiration: strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:        strconv.FormatBool(c.noAuth),
		EnvDBPath:        c.dbPath,
		EnvLogLevel:      c.logLevel,
		EnvLogFormat:     c.logFormat,
		// MQTT settings
		EnvMQTTBroker:   c.mqttBroker,
		EnvMQTTClientID: c.mqttClientID,
		EnvMQTTUsername: c.mqttUsername,
		EnvMQTTPassword: c.mqttPassword,
		EnvMQTTPrefix:   c.mqttPrefix,
		EnvMQTTUseTLS:   strconv.FormatBool(c.mqttUseTLS),
		// Device settings
		EnvDevicePrefix:      c.devicePrefix,
		EnvHADiscoveryPrefix: c.haDiscoveryPrefix,
		EnvDiscoveryWindow:   c.discoveryWindow.String(),
		// Integrations
		EnvRedisAddr:     c.redisAddr,
		EnvRedisPassword: c.redisPassword,
		EnvRedisDB:       strconv.Itoa(c.redisDB),
		EnvRedisStream:   c.redisStream,
		EnvMDNSEnabled:   strconv.FormatBool(c.mdnsEnabled),
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Port returns the numeric listen port of Addr.
func (c *Config) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	port, _ := c.port()
	return port
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

// JWTExpiration returns the JWT token expiration duration.
func (c *Config) JWTExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// LogLevel returns the log level name.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

// LogFormat returns "json" or "console".
func (c *Config) LogFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logFormat
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the bridge topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// Device Getters

// DevicePrefix returns the topic prefix the sensors publish under.
func (c *Config) DevicePrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devicePrefix
}

// HADiscoveryPrefix returns the Home Assistant discovery prefix.
func (c *Config) HADiscoveryPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haDiscoveryPrefix
}

// DiscoveryWindow returns the default scan duration.
func (c *Config) DiscoveryWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discoveryWindow
}

// Integration Getters

// RedisAddr returns the Redis address; empty disables the stream sink.
func (c *Config) RedisAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redisAddr
}

// RedisPassword returns the Redis password.
func (c *Config) RedisPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redisPassword
}

// RedisDB returns the Redis database number.
func (c *Config) RedisDB() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redisDB
}

// RedisStream returns the stream readings are appended to.
func (c *Config) RedisStream() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redisStream
}

// MDNSEnabled returns whether the API is advertised over mDNS.
func (c *Config) MDNSEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mdnsEnabled
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.jwtSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, JWTSecret: %s, JWTExpiration: %v, NoAuth: %v, DBPath: %q, MQTTBroker: %q, DevicePrefix: %q}",
		c.addr, secretDisplay, c.jwtExpiration, c.noAuth, c.dbPath, c.mqttBroker, c.devicePrefix,
	)
}
