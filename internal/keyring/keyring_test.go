package keyring

import (
	"testing"

	"github.com/zalando/go-keyring"
)

func TestSaveGetDelete(t *testing.T) {
	keyring.MockInit()

	if HasPassword("inst-1", "alice") {
		t.Fatal("Expected empty keyring")
	}
	if _, err := GetPassword("inst-1", "alice"); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := SavePassword("inst-1", "alice", "Secret1"); err != nil {
		t.Fatalf("Failed to save password: %v", err)
	}
	got, err := GetPassword("inst-1", "alice")
	if err != nil {
		t.Fatalf("Failed to get password: %v", err)
	}
	if got != "Secret1" {
		t.Errorf("Expected Secret1, got %q", got)
	}

	// Entries are scoped by installation and user
	if HasPassword("inst-2", "alice") || HasPassword("inst-1", "bob") {
		t.Error("Password leaked to another installation or user")
	}

	if err := DeletePassword("inst-1", "alice"); err != nil {
		t.Fatalf("Failed to delete password: %v", err)
	}
	if HasPassword("inst-1", "alice") {
		t.Error("Password should be gone")
	}
	if err := DeletePassword("inst-1", "alice"); err != nil {
		t.Errorf("Deleting a missing entry should succeed, got %v", err)
	}
}
