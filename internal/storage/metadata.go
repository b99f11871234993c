package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const SchemaVersion = "1"

// Meta keys
var (
	MetaVersion        = []byte("version")
	MetaCreated        = []byte("created")
	MetaInstallationID = []byte("installation_id")
)

// GetCreated returns when the store was initialized
func (s *Storage) GetCreated() (time.Time, error) {
	var created time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		meta, err := bucket(tx, MetaBucket)
		if err != nil {
			return err
		}
		data := meta.Get(MetaCreated)
		if data == nil {
			return fmt.Errorf("created time not found")
		}
		return created.UnmarshalBinary(data)
	})
	return created, err
}

// GetInstallationID returns the installation id, or "" if none was assigned yet
func (s *Storage) GetInstallationID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		meta, err := bucket(tx, MetaBucket)
		if err != nil {
			return err
		}
		id = string(meta.Get(MetaInstallationID))
		return nil
	})
	return id, err
}

// GetOrCreateInstallationID retrieves the installation id or assigns a new UUID
func (s *Storage) GetOrCreateInstallationID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := bucket(tx, MetaBucket)
		if err != nil {
			return err
		}
		if existing := meta.Get(MetaInstallationID); existing != nil {
			id = string(existing)
			return nil
		}
		id = uuid.NewString()
		return meta.Put(MetaInstallationID, []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
