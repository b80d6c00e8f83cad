package egress

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshwarden/sshwarden/internal/policy"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) Resolve(_ context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	addrs, ok := f[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return addrs, nil
}

func snapshotFromYAML(t *testing.T, cfg string) *policy.Snapshot {
	t.Helper()
	st, err := policy.NewStoreFromYAML([]byte(cfg))
	require.NoError(t, err)
	return st.Current()
}

const egressConfig = `
version: 1
users:
  alice:
    password_hash: "$argon2id$x$y"
    acl:
      - action: deny
        host: 10.0.0.0/8
      - action: deny
        host: "*.blocked.example"
      - action: deny
        host: 45.33.0.0/16
  lurker:
    allow_private: true
    password_hash: "$argon2id$x$y"
  root:
    role: admin
    allow_private: true
    password_hash: "$argon2id$x$y"
  shackled:
    password_hash: "$argon2id$x$y"
    allow_forward: false
`

func testAuthorizer(r Resolver) *Authorizer {
	a := NewAuthorizer(r, nil, nil)
	a.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestAuthorizeAllows(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{
		"example.com": {netip.MustParseAddr("93.184.216.34")},
	})

	dec, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "example.com", 80)
	require.NoError(t, err)
	assert.Equal(t, "example.com:80", dec.Dst())
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), dec.IP)
	assert.Empty(t, dec.Plan.Upstream)
}

func TestAuthorizeACLDeniesByName(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "db.blocked.example", 5432)
	assert.ErrorIs(t, err, ErrACLDenied)
}

func TestAuthorizeACLDeniesByIP(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "10.1.2.3", 22)
	assert.ErrorIs(t, err, ErrACLDenied)
}

func TestAuthorizeACLDeniesResolvedIP(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	// innocent name resolving into a denied range
	a := testAuthorizer(fakeResolver{
		"sneaky.example.com": {netip.MustParseAddr("45.33.32.156")},
	})

	_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "sneaky.example.com", 443)
	assert.ErrorIs(t, err, ErrACLDenied)
}

func TestAuthorizeSSRFBlocked(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{
		"internal.example.com": {netip.MustParseAddr("192.168.1.10")},
	})

	for _, host := range []string{"127.0.0.1", "169.254.169.254", "internal.example.com"} {
		_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, host, 80)
		assert.ErrorIs(t, err, ErrSSRFBlocked, host)
	}
}

func TestAuthorizeAdminPrivateOverride(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	dec, err := a.Authorize(context.Background(), snap, snap.User("root"), KindDynamicSOCKS, "192.168.1.10", 443)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), dec.IP)

	// allow_private without the admin role stays blocked
	_, err = a.Authorize(context.Background(), snap, snap.User("lurker"), KindDynamicSOCKS, "192.168.1.10", 443)
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestAuthorizeForwardingDisabled(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	_, err := a.Authorize(context.Background(), snap, snap.User("shackled"), KindDirectTCPIP, "93.184.216.34", 443)
	assert.ErrorIs(t, err, ErrForwardingDisabled)
}

func TestAuthorizeBadPort(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	for _, port := range []int{0, -1, 65536} {
		_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "example.com", port)
		assert.ErrorIs(t, err, ErrBadPort, port)
	}
}

func TestAuthorizeDNSFailure(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{})

	_, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "nowhere.example.com", 80)
	assert.ErrorIs(t, err, ErrDNSFailure)
}

func TestAuthorizeSelectsFirstVettedCandidate(t *testing.T) {
	snap := snapshotFromYAML(t, egressConfig)
	a := testAuthorizer(fakeResolver{
		"mixed.example.com": {
			netip.MustParseAddr("10.0.0.5"),      // rfc1918, ssrf
			netip.MustParseAddr("127.0.0.1"),     // ssrf
			netip.MustParseAddr("93.184.216.34"), // fine
		},
	})

	dec, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "mixed.example.com", 80)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), dec.IP)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, dec.Addrs)
}

func TestAuthorizeExpiredUser(t *testing.T) {
	snap := snapshotFromYAML(t, `
version: 1
users:
  gone:
    password_hash: "$argon2id$x$y"
    expires_at: "2020-01-01T00:00:00Z"
`)
	a := testAuthorizer(fakeResolver{})

	_, err := a.Authorize(context.Background(), snap, snap.User("gone"), KindDynamicSOCKS, "93.184.216.34", 80)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAuthorizeUpstreamPlan(t *testing.T) {
	snap := snapshotFromYAML(t, `
version: 1
server:
  upstream_proxy: "socks5://upstream.example:1080"
users:
  alice:
    password_hash: "$argon2id$x$y"
  special:
    password_hash: "$argon2id$x$y"
    upstream_proxy: "socks5://user:pw@other.example:1080"
`)
	a := testAuthorizer(fakeResolver{})

	dec, err := a.Authorize(context.Background(), snap, snap.User("alice"), KindDynamicSOCKS, "93.184.216.34", 80)
	require.NoError(t, err)
	assert.Equal(t, "socks5://upstream.example:1080", dec.Plan.Upstream)

	dec, err = a.Authorize(context.Background(), snap, snap.User("special"), KindDynamicSOCKS, "93.184.216.34", 80)
	require.NoError(t, err)
	assert.Equal(t, "socks5://user:pw@other.example:1080", dec.Plan.Upstream)
}
