package core

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/illarion/dotvault/internal/crypto"
	"github.com/illarion/dotvault/internal/storage"
	"github.com/illarion/dotvault/internal/workdb"
)

// Session is one unlocked period of the working database. It carries the
// key material needed to seal again and is passed to every call that acts
// on behalf of the logged-in user.
type Session struct {
	ID        uuid.UUID
	UserID    uint64
	Username  string
	Role      storage.Role
	StartedAt time.Time
	// Warnings collects non-fatal problems hit while unlocking.
	Warnings []string
	// LegacyPath is set when the artifact had to be opened with the
	// password-derived key.
	LegacyPath bool

	masterKey []byte
	db        *sql.DB
	history   *workdb.History
}

// DB is the working database connection, valid until the session is sealed.
func (s *Session) DB() *sql.DB {
	return s.db
}

// History is the conversion log of the working database
func (s *Session) History() *workdb.History {
	return s.history
}

func (s *Session) IsAdmin() bool {
	return s.Role == storage.RoleAdmin
}

// HasMasterKey reports whether the session holds the shared master key,
// the only key it can seal with.
func (s *Session) HasMasterKey() bool {
	return len(s.masterKey) == crypto.KeySize
}

func (s *Session) keySource() crypto.KeySource {
	if s.HasMasterKey() {
		return crypto.MasterKey(s.masterKey)
	}
	return nil
}

func (s *Session) attach(db *sql.DB) {
	s.db = db
	s.history = workdb.NewHistory(db)
}

func (s *Session) detach() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.history = nil
	return err
}

func (s *Session) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// clear wipes key material. The session is unusable afterwards.
func (s *Session) clear() {
	crypto.ClearBytes(s.masterKey)
	s.masterKey = nil
}
