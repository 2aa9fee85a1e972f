package fieldcrypt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Keyring holds the active master key plus retired keys kept for decrypting
// already-encrypted data. Rotation only ever adds keys.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string][]byte
}

// NewKeyring creates a keyring with a single active key from hex.
func NewKeyring(masterKeyHex string) (*Keyring, error) {
	key, err := decodeKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	id := keyID(key)
	return &Keyring{
		active: id,
		keys:   map[string][]byte{id: key},
	}, nil
}

// Active returns the current sealing key and its id.
func (k *Keyring) Active() (string, []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.keys[k.active]
}

// Get returns the key for the given id, if present.
func (k *Keyring) Get(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

// AddRetired loads a previous master key under an explicit id so old blobs
// stay decryptable. It never changes the active key.
func (k *Keyring) AddRetired(id, keyHex string) error {
	key, err := decodeKey(keyHex)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = key
	return nil
}

// Rotate installs a new active master key. The previous active key is
// retained for decryption. Returns the new key id.
func (k *Keyring) Rotate(newKeyHex string) (string, error) {
	key, err := decodeKey(newKeyHex)
	if err != nil {
		return "", err
	}
	id := keyID(key)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = key
	k.active = id
	return id, nil
}

// KeyIDs returns all known key ids, for audit logging after rotation.
func (k *Keyring) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	return ids
}

func decodeKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// keyID is the first 8 bytes of SHA-256 of the key material — stable across
// restarts without storing key fingerprints anywhere.
func keyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
