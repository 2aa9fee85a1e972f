// Package fieldcrypt protects sensitive payment fields with authenticated
// encryption.
//
// Every payload is sealed with AES-256-GCM, signed with HMAC-SHA256 over the
// full envelope, and carries a SHA-256 content hash. Decryption verifies the
// signature and recomputes the hash before trusting the result; both checks
// are mandatory. Envelopes expire: decrypting a stale blob fails with
// ErrExpired rather than succeeding silently.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIntegrity  = errors.New("payload failed integrity verification")
	ErrExpired    = errors.New("encrypted payload has expired")
	ErrUnknownKey = errors.New("no key available for this payload")
)

// AlgorithmAESGCM identifies the only supported envelope algorithm.
const AlgorithmAESGCM = "aes-256-gcm"

// DefaultTTL is how long an encrypted payment-method blob stays decryptable.
const DefaultTTL = 30 * 24 * time.Hour

// Blob is the encrypted envelope persisted in place of a sensitive field.
type Blob struct {
	Ciphertext    string    `json:"ciphertext"`              // base64, without the GCM tag
	IV            string    `json:"iv"`                      // base64, 12 bytes
	AuthTag       string    `json:"authTag"`                 // base64, 16 bytes
	Algorithm     string    `json:"algorithm"`               // always "aes-256-gcm"
	KeyID         string    `json:"keyId"`                   // which master key sealed this
	Salt          string    `json:"salt,omitempty"`          // base64, present in derived mode
	KeyDerivation string    `json:"keyDerivation,omitempty"` // "scrypt" or empty for static key
	ContentHash   string    `json:"contentHash"`             // hex SHA-256 of the plaintext
	Signature     string    `json:"signature"`               // hex HMAC-SHA256 over the envelope
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Context binds a blob to the transaction and user it belongs to. It feeds
// the GCM associated data and, in derived mode, the KDF input, so a blob
// lifted onto another transaction fails to decrypt.
type Context struct {
	TransactionID string
	UserID        string
}

func (c Context) aad() []byte {
	return []byte(c.TransactionID + "|" + c.UserID)
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithTTL overrides the default blob lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cipher) { c.ttl = ttl }
}

// WithKeyDerivation enables per-field scrypt key derivation instead of
// sealing directly with the master key.
func WithKeyDerivation() Option {
	return func(c *Cipher) { c.derive = true }
}

// Cipher seals and opens field envelopes. Keys are process-wide configuration
// loaded once at startup; rotation goes through the Keyring and preserves old
// keys for decrypting already-encrypted data.
type Cipher struct {
	keyring *Keyring
	hmacKey []byte
	ttl     time.Duration
	derive  bool
	now     func() time.Time
}

// New creates a Cipher from a hex-encoded 32-byte master key and an HMAC
// signing secret.
func New(masterKeyHex, signingSecret string, opts ...Option) (*Cipher, error) {
	kr, err := NewKeyring(masterKeyHex)
	if err != nil {
		return nil, err
	}
	if signingSecret == "" {
		return nil, errors.New("signing secret is required")
	}

	c := &Cipher{
		keyring: kr,
		hmacKey: []byte(signingSecret),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Keyring exposes the cipher's keyring for rotation and retired-key loading.
func (c *Cipher) Keyring() *Keyring {
	return c.keyring
}

// Encrypt seals plaintext into an envelope bound to fctx.
func (c *Cipher) Encrypt(plaintext []byte, fctx Context) (*Blob, error) {
	keyID, masterKey := c.keyring.Active()
	now := c.now().UTC()

	var (
		sealKey []byte
		salt    []byte
		mode    string
		err     error
	)
	if c.derive {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		sealKey, err = deriveKey(masterKey, fctx, now, salt)
		if err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
		mode = KeyDerivationScrypt
	} else {
		sealKey = masterKey
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, fctx.aad())
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	hash := sha256.Sum256(plaintext)

	blob := &Blob{
		Ciphertext:    base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		Algorithm:     AlgorithmAESGCM,
		KeyID:         keyID,
		ContentHash:   hex.EncodeToString(hash[:]),
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.ttl),
		KeyDerivation: mode,
	}
	if salt != nil {
		blob.Salt = base64.StdEncoding.EncodeToString(salt)
	}
	blob.Signature = c.sign(blob)

	return blob, nil
}

// Decrypt opens an envelope. The HMAC signature and content hash are both
// verified; expiry is enforced before any cryptographic work.
func (c *Cipher) Decrypt(blob *Blob, fctx Context) ([]byte, error) {
	if blob == nil {
		return nil, ErrIntegrity
	}
	if c.now().UTC().After(blob.ExpiresAt) {
		return nil, ErrExpired
	}
	if blob.Algorithm != AlgorithmAESGCM {
		return nil, ErrIntegrity
	}

	expected := c.sign(blob)
	if !hmac.Equal([]byte(expected), []byte(blob.Signature)) {
		return nil, ErrIntegrity
	}

	masterKey, ok := c.keyring.Get(blob.KeyID)
	if !ok {
		return nil, ErrUnknownKey
	}

	openKey := masterKey
	if blob.KeyDerivation == KeyDerivationScrypt {
		salt, err := base64.StdEncoding.DecodeString(blob.Salt)
		if err != nil {
			return nil, ErrIntegrity
		}
		openKey, err = deriveKey(masterKey, fctx, blob.CreatedAt, salt)
		if err != nil {
			return nil, fmt.Errorf("derive key: %w", err)
		}
	}

	block, err := aes.NewCipher(openKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(iv) != gcm.NonceSize() {
		return nil, ErrIntegrity
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, ErrIntegrity
	}
	tag, err := base64.StdEncoding.DecodeString(blob.AuthTag)
	if err != nil || len(tag) != gcm.Overhead() {
		return nil, ErrIntegrity
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), fctx.aad())
	if err != nil {
		return nil, ErrIntegrity
	}

	hash := sha256.Sum256(plaintext)
	if hex.EncodeToString(hash[:]) != blob.ContentHash {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

// sign computes the envelope HMAC over every field except the signature
// itself. Field order is fixed; changing it invalidates existing blobs.
func (c *Cipher) sign(b *Blob) string {
	canonical := strings.Join([]string{
		b.Ciphertext,
		b.IV,
		b.AuthTag,
		b.Algorithm,
		b.KeyID,
		b.Salt,
		b.KeyDerivation,
		b.ContentHash,
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		b.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, "|")

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
