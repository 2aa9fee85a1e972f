package fieldcrypt

import (
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// KeyDerivationScrypt marks blobs sealed with a per-field derived key.
const KeyDerivationScrypt = "scrypt"

// scrypt parameters: interactive-grade cost, fields are sealed once per
// transaction so the slow path is acceptable.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// deriveKey stretches the master key with the transaction id, user id,
// seal timestamp and a random salt. The same inputs always produce the
// same key, so decryption re-derives from the stored envelope fields.
func deriveKey(masterKey []byte, fctx Context, createdAt time.Time, salt []byte) ([]byte, error) {
	seed := fmt.Sprintf("%s|%s|%d", fctx.TransactionID, fctx.UserID, createdAt.UTC().Unix())
	input := make([]byte, 0, len(masterKey)+len(seed))
	input = append(input, masterKey...)
	input = append(input, seed...)
	return scrypt.Key(input, salt, scryptN, scryptR, scryptP, 32)
}
