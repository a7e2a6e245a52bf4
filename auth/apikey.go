// Package auth covers the three credential kinds the coordinator
// handles: client API keys, worker lease tokens, and the operator
// password.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey digests an API key for storage and lookup. Keys are high
// entropy random strings, so a plain digest is enough; only the digest
// ever touches the database.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a fresh client API key.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "grd_" + hex.EncodeToString(buf), nil
}

// HashAdminPassword prepares an operator password for the config file.
func HashAdminPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// CheckAdminPassword verifies an operator login against the stored hash.
func CheckAdminPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
