package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	MetaBucket      = []byte("meta")         // schema version, timestamps, installation id
	UsersBucket     = []byte("users")        // id -> msgpack User
	UsernamesBucket = []byte("usernames")    // username -> id
	WrappersBucket  = []byte("key_wrappers") // user id -> (wrapper id -> msgpack KeyWrapper)
	SettingsBucket  = []byte("settings")     // free-form key/value preferences
)

var allBuckets = [][]byte{MetaBucket, UsersBucket, UsernamesBucket, WrappersBucket, SettingsBucket}

var (
	ErrNotInitialized = errors.New("account store not initialized")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("username already taken")
)

const DefaultTimeout = 5 * time.Second

// Storage provides BBolt-based storage for accounts, key wrappers and settings
type Storage struct {
	db      *bolt.DB
	timeout time.Duration
}

// Open opens or creates the account store. timeout bounds how long Open
// waits for another process holding the file lock.
func Open(path string, timeout time.Duration) (*Storage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Storage{db: db, timeout: timeout}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the file backing the store
func (s *Storage) Path() string {
	return s.db.Path()
}

// Initialize creates the bucket structure. It is safe to call on an
// already initialized store.
func (s *Storage) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(MetaBucket)
		if meta.Get(MetaVersion) != nil {
			return nil
		}
		if err := meta.Put(MetaVersion, []byte(SchemaVersion)); err != nil {
			return err
		}
		created, _ := time.Now().MarshalBinary()
		return meta.Put(MetaCreated, created)
	})
}

// IsInitialized checks if the database has been initialized
func (s *Storage) IsInitialized() (bool, error) {
	var initialized bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(MetaBucket)
		if meta != nil && meta.Get(MetaVersion) != nil {
			initialized = true
		}
		return nil
	})
	return initialized, err
}

// Check runs bbolt's consistency check over every page.
func (s *Storage) Check() error {
	return s.db.View(checkTx)
}

func checkTx(tx *bolt.Tx) error {
	var first error
	// Drain the channel so the checker goroutine can exit.
	for err := range tx.Check() {
		if first == nil {
			first = err
		}
	}
	return first
}

// CopyTo writes a consistent hot copy of the store to path.
func (s *Storage) CopyTo(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// Probe opens the file at path read-only and runs the consistency check.
// A file that bbolt refuses to open counts as corrupt.
func Probe(path string, timeout time.Duration) (err error) {
	if _, statErr := os.Stat(path); statErr != nil {
		return statErr
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("account store unreadable: %v", r)
		}
	}()

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}
	defer db.Close()

	return db.View(checkTx)
}

// Compact creates a compacted copy of the database, removing unused space.
// Run after password rotation prunes wrapper rows.
func (s *Storage) Compact() error {
	srcPath := s.db.Path()
	tmpPath := srcPath + ".compact"

	// Create new database
	dst, err := bolt.Open(tmpPath, 0600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	err = s.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bolt.Bucket) error {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return copyBucket(srcBucket, dstBucket)
			})
		})
	})

	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy data: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close source database: %w", err)
	}

	// Atomic replace
	backupPath := srcPath + ".backup"
	if err := os.Rename(srcPath, backupPath); err != nil {
		s.reopen(srcPath)
		os.Remove(tmpPath)
		return fmt.Errorf("failed to backup original: %w", err)
	}
	if err := os.Rename(tmpPath, srcPath); err != nil {
		os.Rename(backupPath, srcPath) // rollback
		s.reopen(srcPath)
		return fmt.Errorf("failed to replace database: %w", err)
	}
	os.Remove(backupPath)

	return s.reopen(srcPath)
}

func (s *Storage) reopen(path string) error {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = db
	return nil
}

// copyBucket copies keys and nested buckets, keeping the sequence counter
// so ids are never reused after compaction.
func copyBucket(src, dst *bolt.Bucket) error {
	if err := dst.SetSequence(src.Sequence()); err != nil {
		return err
	}
	return src.ForEach(func(k, v []byte) error {
		if v == nil {
			child, err := dst.CreateBucketIfNotExists(k)
			if err != nil {
				return err
			}
			return copyBucket(src.Bucket(k), child)
		}
		return dst.Put(k, v)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: bucket %s missing", ErrNotInitialized, name)
	}
	return b, nil
}
