package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// v2Prefix marks blobs sealed with the AEAD scheme. Anything else is read
// as a legacy XOR blob.
const v2Prefix = "v2:"

var hkdfInfo = []byte("refundscout mailbox credential v2")

var (
	// ErrNoSecret is returned when the vault is built without a secret.
	ErrNoSecret = errors.New("credential vault secret is empty")
	// ErrCredentialCorrupt is returned when a v2 blob fails authentication.
	ErrCredentialCorrupt = errors.New("stored credential is corrupt or was sealed with another secret")
)

// Vault seals mailbox passwords for storage.
type Vault struct {
	aead   cipher.AEAD
	secret string
}

// NewVault derives the sealing key from secret.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating vault cipher: %w", err)
	}
	return &Vault{aead: aead, secret: secret}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(v2Prefix))
	return v2Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a v2 blob, or undoes the legacy XOR for older blobs.
// Legacy blobs carry no integrity check, so a wrong secret yields garbage
// rather than an error.
func (v *Vault) Decrypt(blob string) (string, error) {
	if !strings.HasPrefix(blob, v2Prefix) {
		return LegacyDecrypt(blob, v.secret), nil
	}
	raw, err := base64.StdEncoding.DecodeString(blob[len(v2Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", fmt.Errorf("%w: blob too short", ErrCredentialCorrupt)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], []byte(v2Prefix))
	if err != nil {
		return "", ErrCredentialCorrupt
	}
	return string(plain), nil
}

// NeedsRotation reports whether blob still uses the legacy scheme.
func (v *Vault) NeedsRotation(blob string) bool {
	return !strings.HasPrefix(blob, v2Prefix)
}

// Rotate re-seals a legacy blob with the v2 scheme. v2 blobs are returned
// unchanged.
func (v *Vault) Rotate(blob string) (string, error) {
	if !v.NeedsRotation(blob) {
		return blob, nil
	}
	plain, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plain)
}

// LegacyEncrypt XORs plaintext with the repeating secret and base64-encodes
// the result. It exists to produce fixtures and to migrate old rows.
func LegacyEncrypt(plaintext, secret string) string {
	return base64.StdEncoding.EncodeToString(xorBytes([]byte(plaintext), secret))
}

// LegacyDecrypt reverses LegacyEncrypt. Malformed base64 decodes as far as
// it can.
func LegacyDecrypt(blob, secret string) string {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, _ := base64.StdEncoding.Decode(buf, []byte(blob))
	return string(xorBytes(buf[:n], secret))
}

func xorBytes(p []byte, secret string) []byte {
	out := make([]byte, len(p))
	if secret == "" {
		copy(out, p)
		return out
	}
	for i, b := range p {
		out[i] = b ^ secret[i%len(secret)]
	}
	return out
}
