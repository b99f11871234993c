package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Storage, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "accounts.db")

	db, err := Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	return db, dbPath
}

func TestOpenAndInitialize(t *testing.T) {
	db, _ := openTestStore(t)

	initialized, err := db.IsInitialized()
	if err != nil {
		t.Fatalf("Failed to check initialization: %v", err)
	}
	if !initialized {
		t.Error("Database should be initialized")
	}

	// Second call must keep the original creation time
	created, err := db.GetCreated()
	if err != nil {
		t.Fatalf("Failed to get created: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to re-initialize: %v", err)
	}
	again, _ := db.GetCreated()
	if !created.Equal(again) {
		t.Errorf("Created changed on re-initialize: %v != %v", created, again)
	}
}

func TestInstallationID(t *testing.T) {
	db, _ := openTestStore(t)

	id, err := db.GetInstallationID()
	if err != nil {
		t.Fatalf("Failed to get installation id: %v", err)
	}
	if id != "" {
		t.Errorf("Expected no installation id yet, got %q", id)
	}

	first, err := db.GetOrCreateInstallationID()
	if err != nil {
		t.Fatalf("Failed to create installation id: %v", err)
	}
	second, err := db.GetOrCreateInstallationID()
	if err != nil {
		t.Fatalf("Failed to get installation id: %v", err)
	}
	if first == "" || first != second {
		t.Errorf("Installation id not stable: %q vs %q", first, second)
	}
}

func TestUserOperations(t *testing.T) {
	db, _ := openTestStore(t)

	alice := &User{Username: "alice", PasswordHash: "h1", Role: RoleAdmin}
	if err := db.CreateUser(alice); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if alice.ID == 0 || alice.CreatedAt.IsZero() {
		t.Fatalf("CreateUser should assign id and timestamp: %+v", alice)
	}

	if err := db.CreateUser(&User{Username: "alice", PasswordHash: "x"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got %v", err)
	}

	bob := &User{Username: "bob", PasswordHash: "h2", Role: RoleUser}
	if err := db.CreateUser(bob); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	got, err := db.GetUserByUsername("bob")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if got.ID != bob.ID || got.Role != RoleUser {
		t.Errorf("User mismatch: got %+v", got)
	}

	if err := db.UpdatePasswordHash(bob.ID, "h3"); err != nil {
		t.Fatalf("Failed to update hash: %v", err)
	}
	got, _ = db.GetUser(bob.ID)
	if got.PasswordHash != "h3" {
		t.Errorf("Hash not updated: %s", got.PasswordHash)
	}

	list, err := db.ListUsers()
	if err != nil {
		t.Fatalf("Failed to list users: %v", err)
	}
	if len(list) != 2 || list[0].Username != "alice" || list[1].Username != "bob" {
		t.Errorf("Unexpected list: %+v", list)
	}

	if _, err := db.GetUserByUsername("carol"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestWrappersLatestAndPrune(t *testing.T) {
	db, _ := openTestStore(t)

	u := &User{Username: "alice", PasswordHash: "h", Role: RoleAdmin}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	none, err := db.LatestWrapper(u.ID)
	if err != nil || none != nil {
		t.Fatalf("Expected no wrapper, got %v %v", none, err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Insert out of chronological order; latest is decided by CreatedAt.
	newest := &KeyWrapper{UserID: u.ID, Algorithm: "a", CreatedAt: base.Add(2 * time.Hour), WrappedKey: []byte("new")}
	oldest := &KeyWrapper{UserID: u.ID, Algorithm: "a", CreatedAt: base, WrappedKey: []byte("old")}
	for _, w := range []*KeyWrapper{newest, oldest} {
		if err := db.InsertWrapper(w); err != nil {
			t.Fatalf("Failed to insert wrapper: %v", err)
		}
	}

	latest, err := db.LatestWrapper(u.ID)
	if err != nil {
		t.Fatalf("Failed to load wrapper: %v", err)
	}
	if string(latest.WrappedKey) != "new" {
		t.Errorf("Expected newest wrapper, got %s", latest.WrappedKey)
	}

	// Same timestamp falls back to id order
	tie := &KeyWrapper{UserID: u.ID, Algorithm: "a", CreatedAt: newest.CreatedAt, WrappedKey: []byte("tie")}
	if err := db.InsertWrapper(tie); err != nil {
		t.Fatalf("Failed to insert wrapper: %v", err)
	}
	latest, _ = db.LatestWrapper(u.ID)
	if string(latest.WrappedKey) != "tie" {
		t.Errorf("Expected higher id to win a tie, got %s", latest.WrappedKey)
	}

	removed, err := db.PruneWrappers(u.ID, tie.ID)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 pruned, got %d", removed)
	}
	n, _ := db.CountWrappers()
	if n != 1 {
		t.Errorf("Expected 1 wrapper left, got %d", n)
	}

	if err := db.InsertWrapper(&KeyWrapper{UserID: 999}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Wrapper for unknown user should fail, got %v", err)
	}
}

func TestRotateCredentials(t *testing.T) {
	db, _ := openTestStore(t)

	u := &User{Username: "alice", PasswordHash: "old-hash", Role: RoleAdmin}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.InsertWrapper(&KeyWrapper{UserID: u.ID, Algorithm: "a", WrappedKey: []byte("old")}); err != nil {
			t.Fatalf("Failed to insert wrapper: %v", err)
		}
	}

	w := &KeyWrapper{Algorithm: "a", WrappedKey: []byte("fresh")}
	removed, err := db.RotateCredentials(u.ID, "new-hash", w)
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 stale wrappers removed, got %d", removed)
	}
	if w.ID == 0 || w.UserID != u.ID {
		t.Errorf("Wrapper ids not filled in: %+v", w)
	}

	got, _ := db.GetUser(u.ID)
	if got.PasswordHash != "new-hash" {
		t.Errorf("Expected new hash, got %s", got.PasswordHash)
	}
	latest, _ := db.LatestWrapper(u.ID)
	if latest == nil || string(latest.WrappedKey) != "fresh" {
		t.Errorf("Expected fresh wrapper, got %+v", latest)
	}
	if n, _ := db.CountWrappers(); n != 1 {
		t.Errorf("Expected 1 wrapper, got %d", n)
	}

	if _, err := db.RotateCredentials(999, "h", &KeyWrapper{}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Rotate for unknown user should fail, got %v", err)
	}
}

func TestDeleteUserCascadesWrappers(t *testing.T) {
	db, _ := openTestStore(t)

	u := &User{Username: "bob", PasswordHash: "h", Role: RoleUser}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.InsertWrapper(&KeyWrapper{UserID: u.ID, Algorithm: "a"}); err != nil {
		t.Fatalf("Failed to insert wrapper: %v", err)
	}

	if err := db.DeleteUser(u.ID); err != nil {
		t.Fatalf("Failed to delete user: %v", err)
	}
	if n, _ := db.CountWrappers(); n != 0 {
		t.Errorf("Expected wrappers removed, got %d", n)
	}
	if n, _ := db.CountUsers(); n != 0 {
		t.Errorf("Expected no users, got %d", n)
	}
	// Username becomes available again
	if err := db.CreateUser(&User{Username: "bob", PasswordHash: "h"}); err != nil {
		t.Errorf("Failed to recreate user: %v", err)
	}
}

func TestSettings(t *testing.T) {
	db, _ := openTestStore(t)

	if _, found, err := db.GetSetting("last_user"); err != nil || found {
		t.Fatalf("Expected missing setting, got found=%v err=%v", found, err)
	}
	if err := db.SetSetting("last_user", "alice"); err != nil {
		t.Fatalf("Failed to set setting: %v", err)
	}
	v, found, _ := db.GetSetting("last_user")
	if !found || v != "alice" {
		t.Errorf("Setting mismatch: %q %v", v, found)
	}

	if err := db.UpdateSettings(map[string]string{"a": "1"}, []string{"last_user"}); err != nil {
		t.Fatalf("Failed to update settings: %v", err)
	}
	if _, found, _ := db.GetSetting("last_user"); found {
		t.Error("Setting should be deleted")
	}
	if err := db.DeleteSetting("never-set"); err != nil {
		t.Errorf("Deleting a missing key should succeed: %v", err)
	}
}

func TestCheckCopyAndProbe(t *testing.T) {
	db, dbPath := openTestStore(t)

	if err := db.CreateUser(&User{Username: "alice", PasswordHash: "h"}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.Check(); err != nil {
		t.Fatalf("Check failed on healthy store: %v", err)
	}

	copyPath := filepath.Join(filepath.Dir(dbPath), "copy.db")
	if err := db.CopyTo(copyPath); err != nil {
		t.Fatalf("Failed to copy: %v", err)
	}
	if err := Probe(copyPath, time.Second); err != nil {
		t.Errorf("Probe failed on copy: %v", err)
	}

	garbage := filepath.Join(filepath.Dir(dbPath), "garbage.db")
	if err := os.WriteFile(garbage, []byte("this is not a bolt file at all"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Probe(garbage, time.Second); err == nil {
		t.Error("Probe should reject a corrupt file")
	}
	if err := Probe(filepath.Join(filepath.Dir(dbPath), "missing.db"), time.Second); !os.IsNotExist(err) {
		t.Errorf("Probe on missing file should report not-exist, got %v", err)
	}
}

func TestCompactKeepsData(t *testing.T) {
	db, _ := openTestStore(t)

	u := &User{Username: "alice", PasswordHash: "h", Role: RoleAdmin}
	if err := db.CreateUser(u); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := db.InsertWrapper(&KeyWrapper{UserID: u.ID, Algorithm: "a", WrappedKey: []byte("k")}); err != nil {
		t.Fatalf("Failed to insert wrapper: %v", err)
	}

	if err := db.Compact(); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}

	w, err := db.LatestWrapper(u.ID)
	if err != nil || w == nil || string(w.WrappedKey) != "k" {
		t.Fatalf("Wrapper lost in compaction: %v %v", w, err)
	}

	// Sequence survives so ids are not reused
	next := &User{Username: "bob", PasswordHash: "h"}
	if err := db.CreateUser(next); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if next.ID <= u.ID {
		t.Errorf("User id reused after compaction: %d", next.ID)
	}
}

func TestPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "accounts.db")

	db, err := Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := db.CreateUser(&User{Username: "alice", PasswordHash: "h"}); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	db.Close()

	// Reopen and verify
	db2, err := Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db2.Close()

	if _, err := db2.GetUserByUsername("alice"); err != nil {
		t.Fatalf("User not persisted: %v", err)
	}
}
