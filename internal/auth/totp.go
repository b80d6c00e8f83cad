package auth

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// VerifyTOTP checks a six-digit code against a base32 secret per RFC 6238:
// HMAC-SHA1, 30 second step, +-skew steps of tolerance (default 1).
func VerifyTOTP(secret, code string, skew uint, now time.Time) bool {
	if skew == 0 {
		skew = 1
	}

	// The otp library insists on padded base32; configs usually omit the
	// padding.
	secret = strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	if m := len(secret) % 8; m != 0 {
		secret += strings.Repeat("=", 8-m)
	}

	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
