// Package keyring remembers account passwords in the OS keyring, scoped to
// one installation so two data directories never share an entry.
package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "dotvault"

// ErrNotFound means no password is stored for the account.
var ErrNotFound = keyring.ErrNotFound

func account(installationID, username string) string {
	return installationID + ":" + username
}

// SavePassword stores a password in the OS keyring
func SavePassword(installationID, username, password string) error {
	return keyring.Set(serviceName, account(installationID, username), password)
}

// GetPassword retrieves a password from the OS keyring
func GetPassword(installationID, username string) (string, error) {
	return keyring.Get(serviceName, account(installationID, username))
}

// DeletePassword removes a stored password. A missing entry is not an error.
func DeletePassword(installationID, username string) error {
	err := keyring.Delete(serviceName, account(installationID, username))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// HasPassword checks if a password is stored in the keyring
func HasPassword(installationID, username string) bool {
	_, err := keyring.Get(serviceName, account(installationID, username))
	return err == nil
}
