package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Role controls what an account may do while a session is open.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a login account. PasswordHash uses the crypto package format.
type User struct {
	ID           uint64    `msgpack:"id"`
	Username     string    `msgpack:"username"`
	PasswordHash string    `msgpack:"password_hash"`
	Role         Role      `msgpack:"role"`
	CreatedAt    time.Time `msgpack:"created_at"`
}

// IsAdmin reports whether the account holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CreateUser stores a new account and fills in its ID and CreatedAt.
func (s *Storage) CreateUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users, err := bucket(tx, UsersBucket)
		if err != nil {
			return err
		}
		names, err := bucket(tx, UsernamesBucket)
		if err != nil {
			return err
		}
		if names.Get([]byte(u.Username)) != nil {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}

		id, err := users.NextSequence()
		if err != nil {
			return err
		}
		u.ID = id
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}

		data, err := msgpack.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		if err := users.Put(itob(id), data); err != nil {
			return err
		}
		return names.Put([]byte(u.Username), itob(id))
	})
}

// GetUser returns the account with the given id
func (s *Storage) GetUser(id uint64) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func getUser(tx *bolt.Tx, id uint64) (*User, error) {
	users, err := bucket(tx, UsersBucket)
	if err != nil {
		return nil, err
	}
	data := users.Get(itob(id))
	if data == nil {
		return nil, ErrUserNotFound
	}
	u := &User{}
	if err := msgpack.Unmarshal(data, u); err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByUsername looks an account up by its unique name
func (s *Storage) GetUserByUsername(username string) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bolt.Tx) error {
		names, err := bucket(tx, UsernamesBucket)
		if err != nil {
			return err
		}
		id := names.Get([]byte(username))
		if id == nil {
			return ErrUserNotFound
		}
		u, err = getUser(tx, btoi(id))
		return err
	})
	return u, err
}

// ListUsers returns all accounts ordered by id
func (s *Storage) ListUsers() ([]User, error) {
	var list []User
	err := s.db.View(func(tx *bolt.Tx) error {
		users, err := bucket(tx, UsersBucket)
		if err != nil {
			return err
		}
		return users.ForEach(func(k, v []byte) error {
			var u User
			if err := msgpack.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("failed to decode user %d: %w", btoi(k), err)
			}
			list = append(list, u)
			return nil
		})
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, err
}

// CountUsers returns the number of accounts
func (s *Storage) CountUsers() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		users, err := bucket(tx, UsersBucket)
		if err != nil {
			return err
		}
		n = users.Stats().KeyN
		return nil
	})
	return n, err
}

// UpdatePasswordHash replaces the stored hash for an account
func (s *Storage) UpdatePasswordHash(id uint64, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		data, err := msgpack.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		return tx.Bucket(UsersBucket).Put(itob(id), data)
	})
}

// DeleteUser removes an account together with all of its key wrappers
func (s *Storage) DeleteUser(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(UsersBucket).Delete(itob(id)); err != nil {
			return err
		}
		if err := tx.Bucket(UsernamesBucket).Delete([]byte(u.Username)); err != nil {
			return err
		}
		wrappers, err := bucket(tx, WrappersBucket)
		if err != nil {
			return err
		}
		if wrappers.Bucket(itob(id)) != nil {
			return wrappers.DeleteBucket(itob(id))
		}
		return nil
	})
}
