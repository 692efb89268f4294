package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "refundscout"

// VaultSecretKey is the keyring entry holding the vault secret.
const VaultSecretKey = "vault-secret"

// OpenKeyring returns the OS keyring, falling back to an encrypted file.
func OpenKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/refundscout/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("refundscout-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// LoadOrCreateSecret reads the vault secret stored under key, generating
// and storing a random one on first use.
func LoadOrCreateSecret(ring keyring.Keyring, key string) (string, error) {
	item, err := ring.Get(key)
	if err == nil {
		if len(item.Data) == 0 {
			return "", fmt.Errorf("keyring entry %q is empty", key)
		}
		return string(item.Data), nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting keyring entry %q: %w", key, err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating vault secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(raw)
	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(secret),
		Label:       "refundscout vault secret",
		Description: "Key material for stored mailbox passwords",
	})
	if err != nil {
		return "", fmt.Errorf("setting keyring entry %q: %w", key, err)
	}
	return secret, nil
}
