package operatorauth

import "testing"

func TestGenerateAndValidateTOTPCode(t *testing.T) {
	key, err := GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("generate totp secret: %v", err)
	}
	if key.Secret() == "" {
		t.Fatalf("expected a non-empty secret")
	}
	if ValidateTOTPCode(key.Secret(), "000000") {
		t.Fatalf("did not expect a fixed code to validate against a fresh secret")
	}
}

func TestRecoveryCodesAreUniqueAndValidateOnce(t *testing.T) {
	plain, err := GenerateRecoveryCodes()
	if err != nil {
		t.Fatalf("generate recovery codes: %v", err)
	}
	if len(plain) != recoveryCodeCount {
		t.Fatalf("expected %d recovery codes, got %d", recoveryCodeCount, len(plain))
	}

	seen := make(map[string]bool)
	hashed := make([]string, len(plain))
	for i, code := range plain {
		if seen[code] {
			t.Fatalf("duplicate recovery code generated: %q", code)
		}
		seen[code] = true
		hashed[i] = HashToken(code)
	}

	if idx := ValidateRecoveryCode(plain[2], hashed); idx != 2 {
		t.Fatalf("expected match at index 2, got %d", idx)
	}
	if idx := ValidateRecoveryCode("not-a-real-code", hashed); idx != -1 {
		t.Fatalf("expected no match for a bogus code, got %d", idx)
	}
}
