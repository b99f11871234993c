package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// KeyWrapper is the master key sealed under one user's password-derived key.
type KeyWrapper struct {
	ID         uint64    `msgpack:"id"`
	UserID     uint64    `msgpack:"user_id"`
	Algorithm  string    `msgpack:"algorithm"`
	Iterations int       `msgpack:"iterations"`
	Salt       []byte    `msgpack:"salt"`
	Nonce      []byte    `msgpack:"nonce"`
	Tag        []byte    `msgpack:"tag"`
	WrappedKey []byte    `msgpack:"wrapped_key"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

// newerThan orders wrappers by creation time, then id.
func (w *KeyWrapper) newerThan(other *KeyWrapper) bool {
	if !w.CreatedAt.Equal(other.CreatedAt) {
		return w.CreatedAt.After(other.CreatedAt)
	}
	return w.ID > other.ID
}

// InsertWrapper stores a wrapper row for an existing user and fills in its ID.
func (s *Storage) InsertWrapper(w *KeyWrapper) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getUser(tx, w.UserID); err != nil {
			return err
		}
		root, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		perUser, err := root.CreateBucketIfNotExists(itob(w.UserID))
		if err != nil {
			return err
		}
		id, err := root.NextSequence()
		if err != nil {
			return err
		}
		w.ID = id
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now().UTC()
		}
		data, err := msgpack.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to encode key wrapper: %w", err)
		}
		return perUser.Put(itob(id), data)
	})
}

// LatestWrapper returns the authoritative wrapper for a user, or nil if the
// user has none.
func (s *Storage) LatestWrapper(userID uint64) (*KeyWrapper, error) {
	var latest *KeyWrapper
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		perUser := root.Bucket(itob(userID))
		if perUser == nil {
			return nil
		}
		return perUser.ForEach(func(k, v []byte) error {
			w := &KeyWrapper{}
			if err := msgpack.Unmarshal(v, w); err != nil {
				return fmt.Errorf("failed to decode key wrapper %d: %w", btoi(k), err)
			}
			if latest == nil || w.newerThan(latest) {
				latest = w
			}
			return nil
		})
	})
	return latest, err
}

// CountWrappers returns the number of wrapper rows across all users
func (s *Storage) CountWrappers() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		return root.ForEachBucket(func(k []byte) error {
			c := root.Bucket(k).Cursor()
			for key, _ := c.First(); key != nil; key, _ = c.Next() {
				n++
			}
			return nil
		})
	})
	return n, err
}

// PruneWrappers deletes every wrapper of userID except keepID
func (s *Storage) PruneWrappers(userID, keepID uint64) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		perUser := root.Bucket(itob(userID))
		if perUser == nil {
			return nil
		}
		var stale [][]byte
		c := perUser.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if btoi(k) != keepID {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := perUser.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RotateCredentials stores a new password hash and wrapper for a user and
// drops the user's older wrappers, all in one transaction. It returns the
// number of wrappers removed.
func (s *Storage) RotateCredentials(userID uint64, hash string, w *KeyWrapper) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		u, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		data, err := msgpack.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		if err := tx.Bucket(UsersBucket).Put(itob(userID), data); err != nil {
			return err
		}

		root, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		if old := root.Bucket(itob(userID)); old != nil {
			c := old.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				removed++
			}
			if err := root.DeleteBucket(itob(userID)); err != nil {
				return err
			}
		}
		perUser, err := root.CreateBucket(itob(userID))
		if err != nil {
			return err
		}
		id, err := root.NextSequence()
		if err != nil {
			return err
		}
		w.ID = id
		w.UserID = userID
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now().UTC()
		}
		enc, err := msgpack.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to encode key wrapper: %w", err)
		}
		return perUser.Put(itob(id), enc)
	})
	return removed, err
}
