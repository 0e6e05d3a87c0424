package operatorauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer        = "Fleetward"
	recoveryCodeCount = 8
	recoveryCodeBytes = 4 // 4 bytes = 8 hex chars per code
)

// GenerateTOTPSecret creates a new TOTP secret for username, returning the
// key containing both the raw secret and its otpauth:// provisioning URL for
// a QR code.
func GenerateTOTPSecret(username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
}

// ValidateTOTPCode checks a 6-digit TOTP code against a secret.
func ValidateTOTPCode(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GenerateRecoveryCodes creates one-time recovery codes for use when an
// operator loses their TOTP device. Returns only the plaintext codes (shown
// once); no hashed form is returned, and hashing each with HashToken before
// persisting is left to the caller.
func GenerateRecoveryCodes() (plain []string, err error) {
	plain = make([]string, recoveryCodeCount)
	for i := range plain {
		b := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		plain[i] = hex.EncodeToString(b)
	}
	return plain, nil
}

// ValidateRecoveryCode checks input against a set of hashed recovery codes,
// returning the index of the matched code or -1 if none matched. Comparison
// is constant-time per candidate to avoid leaking a timing signal on which
// prefix bytes matched.
func ValidateRecoveryCode(input string, hashedCodes []string) int {
	inputHash := HashToken(input)
	for i, stored := range hashedCodes {
		if subtle.ConstantTimeCompare([]byte(inputHash), []byte(stored)) == 1 {
			return i
		}
	}
	return -1
}
