package proxy

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/auth"
	"github.com/sshwarden/sshwarden/internal/dnscache"
	"github.com/sshwarden/sshwarden/internal/metrics"
	"github.com/sshwarden/sshwarden/internal/policy"
	"github.com/sshwarden/sshwarden/internal/quota"
	"github.com/sshwarden/sshwarden/internal/rategate"
	"github.com/sshwarden/sshwarden/internal/reputation"
	"github.com/sshwarden/sshwarden/internal/webhook"
)

// echoListener accepts and echoes until closed.
func echoListener(t *testing.T) net.Listener {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()

	return lis
}

const testServerConfig = `
version: 1
server:
  address: 127.0.0.1
  port: 0
  host_keys: unused
  login_grace_secs: 10
security:
  ban_threshold: 3
  ban_duration_secs: 600
users:
  admin:
    role: admin
    allow_private: true
    password_hash: "%s"
  alice:
    password_hash: "%s"
  blocked:
    password_hash: "%s"
    acl:
      - action: deny
        host: "*"
`

func startTestServer(t *testing.T) (*Server, string, *reputation.Registry) {
	t.Helper()

	hash, err := auth.HashPassword([]byte("s3cret"))
	require.NoError(t, err)

	store, err := policy.NewStoreFromYAML([]byte(fmt.Sprintf(testServerConfig, hash, hash, hash)))
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	auditor, err := audit.NewLogger("", 0)
	require.NoError(t, err)

	rep := reputation.NewRegistry(reputation.Config{BanThreshold: 3, BanDuration: 10 * time.Minute})

	srv := NewServer(Options{
		Store:      store,
		HostKeys:   []ssh.Signer{signer},
		Reputation: rep,
		Rate:       rategate.NewGate(),
		Quota:      quota.NewTracker(),
		Resolver:   dnscache.NewResolver(dnscache.Config{}, nil),
		Geo:        nil,
		Audit:      auditor,
		Webhook:    webhook.NewNotifier("", ""),
		Counters:   &metrics.Counters{},
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() { _ = srv.Serve(lis) }()

	return srv, lis.Addr().String(), rep
}

func sshClient(t *testing.T, addr, user, password string) (*ssh.Client, error) {
	t.Helper()

	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func TestDirectTCPIPRoundTrip(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	echo := echoListener(t)

	client, err := sshClient(t, addr, "admin", "s3cret")
	require.NoError(t, err)
	defer client.Close()

	conn, err := client.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)

	payload := []byte("hello through the warden")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	conn.Close()

	assert.Positive(t, srv.CounterSnapshot()["conns_opened"])
}

func TestBadPasswordEventuallyBans(t *testing.T) {
	_, addr, rep := startTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := sshClient(t, addr, "alice", "wrong")
		require.Error(t, err)
	}

	banned := rep.Banned()
	require.Len(t, banned, 1)

	// the next connection is dropped before the ssh banner
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	assert.Error(t, err, "banned peer must not receive a banner")
}

func TestUnknownUserDenied(t *testing.T) {
	_, addr, _ := startTestServer(t)

	_, err := sshClient(t, addr, "mallory", "whatever")
	assert.Error(t, err)
}

func TestNonAdminBlockedFromPrivateAddresses(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	echo := echoListener(t)

	client, err := sshClient(t, addr, "alice", "s3cret")
	require.NoError(t, err)
	defer client.Close()

	// 127.0.0.1 is loopback: anti-SSRF rejects it for non-admins
	_, err = client.Dial("tcp", echo.Addr().String())
	require.Error(t, err)

	assert.Positive(t, srv.CounterSnapshot()["ssrf_blocked"])
}

func TestACLDenyAllRefusesEgress(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	echo := echoListener(t)

	client, err := sshClient(t, addr, "blocked", "s3cret")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Dial("tcp", echo.Addr().String())
	require.Error(t, err)

	assert.Positive(t, srv.CounterSnapshot()["blocked_by_acl"])
}

func TestKickCancelsLiveConnections(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	echo := echoListener(t)

	client, err := sshClient(t, addr, "admin", "s3cret")
	require.NoError(t, err)
	defer client.Close()

	conn, err := client.Dial("tcp", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// wait for the registry to see the connection
	require.Eventually(t, func() bool { return len(srv.Connections()) == 1 },
		2*time.Second, 10*time.Millisecond)

	killed := srv.Kick("admin")
	assert.Equal(t, 1, killed)

	require.Eventually(t, func() bool { return len(srv.Connections()) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestMaintenanceModeRejectsNonAdmins(t *testing.T) {
	srv, addr, _ := startTestServer(t)
	srv.SetMaintenance(true)

	_, err := sshClient(t, addr, "alice", "s3cret")
	assert.Error(t, err)

	client, err := sshClient(t, addr, "admin", "s3cret")
	require.NoError(t, err)
	client.Close()

	srv.SetMaintenance(false)
	client, err = sshClient(t, addr, "alice", "s3cret")
	require.NoError(t, err)
	client.Close()
}

func TestStandaloneSOCKSRoundTrip(t *testing.T) {
	srv, _, _ := startTestServer(t)
	echo := echoListener(t)

	socksLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { socksLis.Close() })
	go func() { _ = srv.ServeSOCKS(socksLis) }()

	c, err := net.Dial("tcp", socksLis.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	// greeting: user/pass only
	_, err = c.Write([]byte{socksVersion, 1, socksMethodUserPass})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	require.Equal(t, byte(socksMethodUserPass), resp[1])

	// rfc1929 credentials for the admin user
	creds := []byte{socksUserPassVersion, 5}
	creds = append(creds, "admin"...)
	creds = append(creds, 6)
	creds = append(creds, "s3cret"...)
	_, err = c.Write(creds)
	require.NoError(t, err)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), resp[1], "credentials accepted")

	// CONNECT to the echo server by literal address
	tcpAddr := echo.Addr().(*net.TCPAddr)
	req := []byte{socksVersion, socksCmdConnect, 0x00, socksAtypIPv4}
	req = append(req, tcpAddr.IP.To4()...)
	req = append(req, byte(tcpAddr.Port>>8), byte(tcpAddr.Port))
	_, err = c.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socksReplySuccess), reply[1])

	payload := []byte("socks says hello")
	_, err = c.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
