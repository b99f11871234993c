package storage

import (
	bolt "go.etcd.io/bbolt"
)

// GetSetting returns the value stored under key and whether it was present
func (s *Storage) GetSetting(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		settings, err := bucket(tx, SettingsBucket)
		if err != nil {
			return err
		}
		if v := settings.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	return value, found, err
}

// SetSetting stores value under key
func (s *Storage) SetSetting(key, value string) error {
	return s.UpdateSettings(map[string]string{key: value}, nil)
}

// DeleteSetting removes key. Missing keys are not an error.
func (s *Storage) DeleteSetting(key string) error {
	return s.UpdateSettings(nil, []string{key})
}

// UpdateSettings applies puts and deletes in one transaction
func (s *Storage) UpdateSettings(set map[string]string, del []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		settings, err := bucket(tx, SettingsBucket)
		if err != nil {
			return err
		}
		for k, v := range set {
			if err := settings.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		for _, k := range del {
			if err := settings.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}
