package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 10
	MinPasswordLength = 6
	// MaxPasswordLength is the number of bytes bcrypt actually hashes.
	MaxPasswordLength = 72
)

func bcryptCost(cost int) int {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return DefaultBcryptCost
	}
	return cost
}

func HashPassword(password string, cost int) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost(cost))
	return string(bytes), err
}

// newDummyHash builds the hash compared against when the username does not
// exist, at the same cost as real hashes so both paths take equal time.
func newDummyHash(cost int) []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("triage-dummy-password"), bcryptCost(cost))
	return h
}

// CheckPassword compares a plaintext password with a stored hash. Besides
// bcrypt it accepts the older unsalted SHA-256 hex digests; legacy reports
// such a match so the caller can upgrade the stored hash.
//
// bcrypt ignores everything past MaxPasswordLength bytes, so longer inputs
// never match a bcrypt hash.
func CheckPassword(password, hash string) (ok, legacy bool) {
	if isLegacyHash(hash) {
		sum := sha256.Sum256([]byte(password))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(hash)) == 1, true
	}
	if len(password) > MaxPasswordLength {
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(password[:MaxPasswordLength]))
		return false, false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, false
}

func isLegacyHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
