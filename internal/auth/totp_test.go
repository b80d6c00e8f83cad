package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func codeAt(t *testing.T, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(testSecret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestTOTPAcceptsCurrentCode(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 15, 0, time.UTC)
	assert.True(t, VerifyTOTP(testSecret, codeAt(t, now), 1, now))
}

func TestTOTPSkewWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 15, 0, time.UTC)

	assert.True(t, VerifyTOTP(testSecret, codeAt(t, now.Add(-30*time.Second)), 1, now))
	assert.True(t, VerifyTOTP(testSecret, codeAt(t, now.Add(30*time.Second)), 1, now))
	assert.False(t, VerifyTOTP(testSecret, codeAt(t, now.Add(-90*time.Second)), 1, now))
}

func TestTOTPRejectsGarbage(t *testing.T) {
	now := time.Now()
	assert.False(t, VerifyTOTP(testSecret, "000000", 1, now.Add(17*time.Hour)))
	assert.False(t, VerifyTOTP(testSecret, "", 1, now))
	assert.False(t, VerifyTOTP(testSecret, "abcdef", 1, now))
}

func TestTOTPUnpaddedSecret(t *testing.T) {
	// a 10-char secret needs re-padding before decoding
	secret := "JBSWY3DPEH"
	now := time.Date(2026, 6, 1, 12, 0, 15, 0, time.UTC)

	code, err := totp.GenerateCodeCustom(secret+"======", now, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	assert.True(t, VerifyTOTP(secret, code, 1, now))
}
