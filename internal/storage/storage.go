package storage

import (
	"errors"
	"time"

	"cgsbridge/internal/qingping"
)

var (
	// ErrNotFound is returned when a key or device is not found
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyRegistered is returned when a device MAC is registered twice
	ErrAlreadyRegistered = errors.New("device already configured")
)

// Device is a persisted device registration
type Device struct {
	MAC       string            `json:"mac"`
	Name      string            `json:"name"`
	Model     qingping.Model    `json:"model"`
	Settings  qingping.Settings `json:"settings"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Storage is the interface for device registrations and auxiliary data
type Storage interface {
	// Device Registration Methods

	// CreateDevice stores a new registration.
	// Returns ErrAlreadyRegistered if the MAC exists.
	CreateDevice(d *Device) error

	// GetDevice returns a registration by MAC.
	// Returns ErrNotFound if the MAC is unknown.
	GetDevice(mac string) (*Device, error)

	// ListDevices returns all registrations ordered by MAC
	ListDevices() ([]*Device, error)

	// UpdateDevice applies fn to a registration inside one transaction.
	// Nothing is written if fn returns an error.
	UpdateDevice(mac string, fn func(d *Device) error) (*Device, error)

	// DeleteDevice removes a registration.
	// Returns ErrNotFound if the MAC is unknown.
	DeleteDevice(mac string) error

	// Namespaced Data Methods

	// Get retrieves data by namespace and key
	// Returns ErrNotFound if the key doesn't exist
	Get(namespace, key string) ([]byte, error)

	// GetJSON retrieves and unmarshals JSON data by namespace and key
	GetJSON(namespace, key string, v interface{}) error

	// Set stores data by namespace and key
	Set(namespace, key string, value []byte) error

	// SetJSON marshals and stores JSON data by namespace and key
	SetJSON(namespace, key string, v interface{}) error

	// Delete removes data by namespace and key
	Delete(namespace, key string) error

	// List returns all keys and values of a namespace
	List(namespace string) (map[string][]byte, error)

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
