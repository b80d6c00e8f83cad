package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func signedCert(t *testing.T, ca ssh.Signer, mutate func(*ssh.Certificate)) *ssh.Certificate {
	t.Helper()

	user := newSigner(t)
	now := time.Now()

	cert := &ssh.Certificate{
		Key:             user.PublicKey(),
		CertType:        ssh.UserCert,
		KeyId:           "test",
		ValidPrincipals: []string{"alice"},
		ValidAfter:      uint64(now.Add(-time.Hour).Unix()),
		ValidBefore:     uint64(now.Add(time.Hour).Unix()),
	}

	if mutate != nil {
		mutate(cert)
	}

	require.NoError(t, cert.SignCert(rand.Reader, ca))
	return cert
}

func TestCertificateHappyPath(t *testing.T) {
	ca := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	now := time.Now()

	cert := signedCert(t, ca, nil)
	assert.NoError(t, VerifyCertificate(cert, trusted, "alice", netip.MustParseAddr("203.0.113.1"), now))
}

func TestCertificateUntrustedCA(t *testing.T) {
	ca := newSigner(t)
	rogue := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	now := time.Now()

	cert := signedCert(t, rogue, nil)
	assert.Error(t, VerifyCertificate(cert, trusted, "alice", netip.MustParseAddr("203.0.113.1"), now))
}

func TestCertificateValidityWindow(t *testing.T) {
	ca := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	cert := signedCert(t, ca, nil)
	ip := netip.MustParseAddr("203.0.113.1")

	early := time.Now().Add(-2 * time.Hour)
	late := time.Now().Add(2 * time.Hour)

	assert.Error(t, VerifyCertificate(cert, trusted, "alice", ip, early))
	assert.Error(t, VerifyCertificate(cert, trusted, "alice", ip, late))
}

func TestCertificatePrincipals(t *testing.T) {
	ca := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	now := time.Now()
	ip := netip.MustParseAddr("203.0.113.1")

	cert := signedCert(t, ca, nil)
	assert.Error(t, VerifyCertificate(cert, trusted, "mallory", ip, now))

	empty := signedCert(t, ca, func(c *ssh.Certificate) { c.ValidPrincipals = nil })
	assert.Error(t, VerifyCertificate(empty, trusted, "alice", ip, now))
}

func TestCertificateCriticalOptions(t *testing.T) {
	ca := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	now := time.Now()
	ip := netip.MustParseAddr("203.0.113.1")

	sourceOK := signedCert(t, ca, func(c *ssh.Certificate) {
		c.CriticalOptions = map[string]string{"source-address": "203.0.113.0/24"}
	})
	assert.NoError(t, VerifyCertificate(sourceOK, trusted, "alice", ip, now))

	sourceBad := signedCert(t, ca, func(c *ssh.Certificate) {
		c.CriticalOptions = map[string]string{"source-address": "198.51.100.0/24"}
	})
	assert.Error(t, VerifyCertificate(sourceBad, trusted, "alice", ip, now))

	forced := signedCert(t, ca, func(c *ssh.Certificate) {
		c.CriticalOptions = map[string]string{"force-command": "/bin/true"}
	})
	assert.Error(t, VerifyCertificate(forced, trusted, "alice", ip, now))

	unknown := signedCert(t, ca, func(c *ssh.Certificate) {
		c.CriticalOptions = map[string]string{"made-up-option": "x"}
	})
	assert.Error(t, VerifyCertificate(unknown, trusted, "alice", ip, now))
}

func TestCertificateHostCertRejected(t *testing.T) {
	ca := newSigner(t)
	trusted := map[string]bool{ssh.FingerprintSHA256(ca.PublicKey()): true}
	now := time.Now()

	cert := signedCert(t, ca, func(c *ssh.Certificate) { c.CertType = ssh.HostCert })
	assert.Error(t, VerifyCertificate(cert, trusted, "alice", netip.MustParseAddr("203.0.113.1"), now))
}
