package policy

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
version: 1
server:
  address: 127.0.0.1
  port: 2222
  host_keys: /tmp/hostkey
defaults:
  max_connections: 8
  acl_default: allow
acl:
  - action: deny
    host: 169.254.0.0/16
groups:
  staff:
    daily_bytes: 1000000
    allow_shell: true
    acl:
      - action: deny
        host: "*.blocked.example"
users:
  alice:
    password_hash: "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHQ$RdescudvJCsgt3ub+b+dWRWJTmaaJObG"
    group: staff
    daily_bytes: 500000
    acl:
      - action: deny
        host: 10.0.0.0/8
  bob:
    password_hash: "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHQ$RdescudvJCsgt3ub+b+dWRWJTmaaJObG"
    expires_at: "2001-01-01T00:00:00Z"
`

func parseSnapshot(t *testing.T, data string) *Snapshot {
	t.Helper()
	f, err := Parse([]byte(data))
	require.NoError(t, err)
	s, err := build(f)
	require.NoError(t, err)
	return s
}

func TestSnapshotResolution(t *testing.T) {
	s := parseSnapshot(t, baseConfig)

	alice := s.User("alice")
	require.NotNil(t, alice)

	// user overrides group overrides default
	assert.Equal(t, int64(500000), alice.Limits.DailyBytes)
	assert.Equal(t, 8, alice.Limits.MaxConnections)
	assert.True(t, alice.AllowShell)

	// acl order: user, group, global
	require.Len(t, alice.ACLRules, 3)
	assert.Equal(t, "10.0.0.0/8", alice.ACLRules[0].HostPattern)
	assert.Equal(t, "*.blocked.example", alice.ACLRules[1].HostPattern)
	assert.Equal(t, "169.254.0.0/16", alice.ACLRules[2].HostPattern)

	bob := s.User("bob")
	require.NotNil(t, bob)
	assert.True(t, bob.Expired(time.Now()))
	assert.False(t, bob.Expired(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.Nil(t, s.User("mallory"))
	assert.Equal(t, []string{"alice", "bob"}, s.Usernames())
}

func TestSnapshotValidation(t *testing.T) {
	bad := []string{
		// no users
		"version: 1\nusers: {}\n",
		// unknown group
		"version: 1\nusers:\n  a:\n    password_hash: \"$argon2id$x\"\n    group: nope\n",
		// bad cidr in acl
		"version: 1\nusers:\n  a:\n    password_hash: \"$argon2id$x\"\n    acl:\n      - action: allow\n        host: 10.0.0.0/99\n",
		// totp secret not base32
		"version: 1\nusers:\n  a:\n    password_hash: \"$argon2id$x\"\n    totp_secret: \"not base32!!\"\n",
		// password hash not argon2id
		"version: 1\nusers:\n  a:\n    password_hash: \"$2b$10$bcrypt\"\n",
		// bad timezone
		"version: 1\nusers:\n  a:\n    password_hash: \"$argon2id$x\"\n    time_access:\n      timezone: Mars/Olympus\n",
		// bad version
		"version: 7\nusers:\n  a:\n    password_hash: \"$argon2id$x\"\n",
		// no usable auth method
		"version: 1\nusers:\n  a: {}\n",
	}

	for _, cfg := range bad {
		f, err := Parse([]byte(cfg))
		require.NoError(t, err, cfg)
		_, err = build(f)
		assert.Error(t, err, cfg)
	}
}

func TestStoreReloadKeepsOldSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0600))

	st, err := NewStore(path, false)
	require.NoError(t, err)

	before := st.Current()
	require.NotNil(t, before.User("alice"))

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nusers: {}\n"), 0600))
	assert.Error(t, st.Reload())
	assert.Same(t, before, st.Current())
}

func TestStoreReloadSwapsWithoutTouchingHeldSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0600))

	st, err := NewStore(path, false)
	require.NoError(t, err)

	held := st.Current()

	// carol joins, alice leaves
	updated := `
version: 1
users:
  carol:
    password_hash: "$argon2id$v=19$m=65536,t=3,p=4$c29tZXNhbHQ$RdescudvJCsgt3ub+b+dWRWJTmaaJObG"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))
	require.NoError(t, st.Reload())

	assert.Nil(t, st.Current().User("alice"))
	assert.NotNil(t, st.Current().User("carol"))

	// the session that captured the old snapshot still sees alice
	assert.NotNil(t, held.User("alice"))
}

func TestReloadIdempotence(t *testing.T) {
	a := parseSnapshot(t, baseConfig)
	b := parseSnapshot(t, baseConfig)

	assert.Equal(t, a.GlobalRules, b.GlobalRules)
	assert.Equal(t, a.Usernames(), b.Usernames())
	for _, name := range a.Usernames() {
		assert.Equal(t, a.User(name), b.User(name), name)
	}
}

func TestConfigPermCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0644))

	_, err := Load(path, false)
	assert.ErrorContains(t, err, "perm is too open")

	_, err = Load(path, true)
	assert.NoError(t, err)
}

func TestSourceAllowed(t *testing.T) {
	s := parseSnapshot(t, `
version: 1
users:
  alice:
    password_hash: "$argon2id$x$y"
    source_ips: ["203.0.113.0/24", "198.51.100.7"]
`)

	alice := s.User("alice")
	assert.True(t, alice.SourceAllowed(netip.MustParseAddr("203.0.113.50")))
	assert.True(t, alice.SourceAllowed(netip.MustParseAddr("198.51.100.7")))
	assert.False(t, alice.SourceAllowed(netip.MustParseAddr("198.51.100.8")))
}
