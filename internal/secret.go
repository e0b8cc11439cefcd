package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// SecretSize is the refresh secret length in bytes: 256 bits of entropy.
const SecretSize = 32

const refreshTokenRawSize = 16 + SecretSize

// MaxUserAgentBytes is the cap applied to user-agent strings before
// hashing; callers at the boundary truncate to the same limit.
const MaxUserAgentBytes = 500

// NewRefreshSecret draws a fresh 256-bit secret from crypto/rand.
func NewRefreshSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the one-way form under which refresh secrets are
// persisted and addressed.
func HashSecret(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashKey renders a secret hash as the hex string adapters key records by.
func HashKey(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// EncodeRefreshToken packs recordID (a UUID string) and the plaintext
// secret into the compact opaque wire form: 16 record bytes followed by
// 32 secret bytes, base64url without padding.
func EncodeRefreshToken(recordID string, secret [SecretSize]byte) (string, error) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:16], id[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken reverses EncodeRefreshToken. The secret is returned
// by value so no plaintext copy outlives the caller's frame.
func DecodeRefreshToken(token string) (string, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var id uuid.UUID
	copy(id[:], raw[:16])
	copy(secret[:], raw[16:])

	return id.String(), secret, nil
}

// HashUserAgent returns the truncated SHA-256 fingerprint embedded in
// access tokens. The raw user agent is never carried in a token; the
// 128-bit prefix is enough for mismatch detection while limiting
// fingerprinting value.
func HashUserAgent(userAgent string) string {
	if len(userAgent) > MaxUserAgentBytes {
		userAgent = userAgent[:MaxUserAgentBytes]
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:16])
}
