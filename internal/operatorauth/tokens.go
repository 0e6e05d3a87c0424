package operatorauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	tokenPrefix    = "fwk_" // fleetward key
	tokenRawBytes  = 32
	tokenIDBytes   = 8
	sessionTokenBytes = 32
)

// GenerateAPIToken creates a new API token. Returns the full plaintext token
// (shown to the operator exactly once) and the SHA-256 hex digest stored in
// its place.
func GenerateAPIToken() (plaintext, hash string, err error) {
	raw := make([]byte, tokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashToken(plaintext), nil
}

// GenerateAPITokenID creates a random 16-char hex ID for an API token record.
func GenerateAPITokenID() (string, error) {
	return generateRandomHex(tokenIDBytes)
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken extracts a bearer token from an Authorization header
// value, or returns "" if the header is absent or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// GenerateSessionToken creates a cryptographically random 64-char hex token.
func GenerateSessionToken() (string, error) {
	return generateRandomHex(sessionTokenBytes)
}
