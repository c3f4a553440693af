package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"cgsbridge/internal/qingping"
)

const (
	// devicesBucket stores device registrations keyed by normalized MAC
	devicesBucket = "devices"

	// dataBucket stores namespaced auxiliary data
	dataBucket = "_data"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(devicesBucket)); err != nil {
			return fmt.Errorf("failed to create devices bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return fmt.Errorf("failed to create data bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

func deviceKey(mac string) []byte {
	return []byte(qingping.NormalizeMAC(mac))
}

// Device Registration Methods

// CreateDevice stores a new registration
func (s *BoltStorage) CreateDevice(d *Device) error {
	if d == nil || qingping.NormalizeMAC(d.MAC) == "" {
		return fmt.Errorf("device mac is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(devicesBucket))
		if bucket == nil {
			return fmt.Errorf("devices bucket not found")
		}

		d.MAC = qingping.NormalizeMAC(d.MAC)
		key := []byte(d.MAC)
		if bucket.Get(key) != nil {
			return ErrAlreadyRegistered
		}

		now := s.now()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}

		return bucket.Put(key, data)
	})
}

// GetDevice returns a registration by MAC
func (s *BoltStorage) GetDevice(mac string) (*Device, error) {
	var d *Device
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(devicesBucket))
		if bucket == nil {
			return fmt.Errorf("devices bucket not found")
		}

		data := bucket.Get(deviceKey(mac))
		if data == nil {
			return ErrNotFound
		}

		d = &Device{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("failed to unmarshal device: %w", err)
		}
		return nil
	})

	return d, err
}

// ListDevices returns all registrations ordered by MAC
func (s *BoltStorage) ListDevices() ([]*Device, error) {
	devices := make([]*Device, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(devicesBucket))
		if bucket == nil {
			return fmt.Errorf("devices bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal device %s: %w", k, err)
			}
			devices = append(devices, &d)
			return nil
		})
	})

	return devices, err
}

// UpdateDevice applies fn to a registration inside one transaction
func (s *BoltStorage) UpdateDevice(mac string, fn func(d *Device) error) (*Device, error) {
	var updated *Device
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(devicesBucket))
		if bucket == nil {
			return fmt.Errorf("devices bucket not found")
		}

		key := deviceKey(mac)
		data := bucket.Get(key)
		if data == nil {
			return ErrNotFound
		}

		var d Device
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal device: %w", err)
		}

		mac, createdAt := d.MAC, d.CreatedAt
		if err := fn(&d); err != nil {
			return err
		}

		// Identity is immutable
		d.MAC = mac
		d.CreatedAt = createdAt
		d.UpdatedAt = s.now()

		newData, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}

		if err := bucket.Put(key, newData); err != nil {
			return err
		}
		updated = &d
		return nil
	})

	return updated, err
}

// DeleteDevice removes a registration
func (s *BoltStorage) DeleteDevice(mac string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(devicesBucket))
		if bucket == nil {
			return fmt.Errorf("devices bucket not found")
		}

		key := deviceKey(mac)
		if bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Delete(key)
	})
}

// Namespaced Data Methods

// Get retrieves data by namespace and key
func (s *BoltStorage) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		data := nsBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetJSON retrieves and unmarshals JSON data by namespace and key
func (s *BoltStorage) GetJSON(namespace, key string, v interface{}) error {
	data, err := s.Get(namespace, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Set stores data by namespace and key
func (s *BoltStorage) Set(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket, err := bucket.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		return nsBucket.Put([]byte(key), value)
	})
}

// SetJSON marshals and stores JSON data by namespace and key
func (s *BoltStorage) SetJSON(namespace, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Set(namespace, key, data)
}

// Delete removes data by namespace and key
func (s *BoltStorage) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		return nsBucket.Delete([]byte(key))
	})
}

// List returns all keys and values of a namespace
func (s *BoltStorage) List(namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return nil
		}

		return nsBucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			result[string(k)] = value
			return nil
		})
	})

	return result, err
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
