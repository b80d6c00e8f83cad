package policy

import (
	"encoding/base32"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// File is the raw on-disk configuration. Field semantics are resolved into
// a Snapshot by Load; nothing outside this package should consume File.
type File struct {
	Version  int                     `yaml:"version"`
	Server   ServerConfig            `yaml:"server"`
	Security SecurityConfig          `yaml:"security"`
	Defaults LimitsConfig            `yaml:"defaults,omitempty"`
	ACL      []ACLRuleConfig         `yaml:"acl,omitempty"`
	Groups   map[string]*GroupConfig `yaml:"groups,omitempty"`
	Users    map[string]*UserConfig  `yaml:"users"`
}

type ServerConfig struct {
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	HostKeys        string   `yaml:"host_keys"`
	Banner          string   `yaml:"banner,omitempty"`
	Motd            string   `yaml:"motd,omitempty"`
	LoginGraceSecs  int      `yaml:"login_grace_secs,omitempty"`
	ConnectTimeout  int      `yaml:"connect_timeout_secs,omitempty"`
	ConnectRetry    int      `yaml:"connect_retry,omitempty"`
	IdleTimeoutSecs int      `yaml:"idle_timeout_secs,omitempty"`
	IdleWarningSecs int      `yaml:"idle_warning_secs,omitempty"`
	ShutdownSecs    int      `yaml:"shutdown_timeout_secs,omitempty"`
	BufferSize      int      `yaml:"buffer_size,omitempty"`
	MaxBandwidthBps int64    `yaml:"max_bandwidth_bps,omitempty"`
	TrustedProxies  []string `yaml:"trusted_proxies,omitempty"`
	UpstreamProxy   string   `yaml:"upstream_proxy,omitempty"`

	Socks5 Socks5Config `yaml:"socks5,omitempty"`
	DNS    DNSConfig    `yaml:"dns,omitempty"`
	Pool   PoolConfig   `yaml:"pool,omitempty"`
}

type Socks5Config struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
}

type DNSConfig struct {
	// Mode is one of "native", "fixed", "disabled".
	Mode    string   `yaml:"mode,omitempty"`
	TTLSecs int      `yaml:"ttl_secs,omitempty"`
	Servers []string `yaml:"servers,omitempty"`
	Timeout int      `yaml:"timeout_secs,omitempty"`
}

type PoolConfig struct {
	Enabled     bool `yaml:"enabled,omitempty"`
	MaxIdle     int  `yaml:"max_idle,omitempty"`
	IdleTimeout int  `yaml:"idle_timeout_secs,omitempty"`
}

type SecurityConfig struct {
	FailWeight      float64  `yaml:"fail_weight,omitempty"`
	SuccessWeight   float64  `yaml:"success_weight,omitempty"`
	BanThreshold    float64  `yaml:"ban_threshold,omitempty"`
	BanDurationSecs int      `yaml:"ban_duration_secs,omitempty"`
	BanExponential  bool     `yaml:"ban_exponential,omitempty"`
	HalfLifeSecs    int      `yaml:"half_life_secs,omitempty"`
	CleanupSecs     int      `yaml:"cleanup_interval_secs,omitempty"`
	MaxAuthTries    int      `yaml:"max_auth_tries,omitempty"`
	TrustedCAs      []string `yaml:"trusted_cas,omitempty"`
	ExecDenylist    []string `yaml:"exec_denylist,omitempty"`
	MaintenanceMsg  string   `yaml:"maintenance_message,omitempty"`

	RateGlobal RateConfig `yaml:"rate_global,omitempty"`
	RatePerIP  RateConfig `yaml:"rate_per_ip,omitempty"`

	GeoIP struct {
		Database string   `yaml:"database,omitempty"`
		Allow    []string `yaml:"allow,omitempty"`
		Deny     []string `yaml:"deny,omitempty"`
	} `yaml:"geoip,omitempty"`

	Webhook struct {
		URL    string `yaml:"url,omitempty"`
		Secret string `yaml:"secret,omitempty"`
	} `yaml:"webhook,omitempty"`

	QuotaSnapshot   string `yaml:"quota_snapshot,omitempty"`
	QuotaFlushSecs  int    `yaml:"quota_flush_secs,omitempty"`
	AuditLog        string `yaml:"audit_log,omitempty"`
	AuditRotateSize int64  `yaml:"audit_rotate_bytes,omitempty"`
}

type RateConfig struct {
	PerSecond int `yaml:"per_second,omitempty"`
	PerMinute int `yaml:"per_minute,omitempty"`
	PerHour   int `yaml:"per_hour,omitempty"`
}

func (r RateConfig) zero() bool {
	return r.PerSecond == 0 && r.PerMinute == 0 && r.PerHour == 0
}

// LimitsConfig carries quota, rate and bandwidth knobs shared by the global
// defaults, group and user levels. Zero means "not set here"; resolution
// walks user -> group -> defaults.
type LimitsConfig struct {
	MaxConnections        int        `yaml:"max_connections,omitempty"`
	MaxBandwidthBps       int64      `yaml:"max_bandwidth_bps,omitempty"`
	AggregateBandwidthBps int64      `yaml:"aggregate_bandwidth_bps,omitempty"`
	BytesPerHour          int64      `yaml:"bytes_per_hour,omitempty"`
	DailyBytes            int64      `yaml:"daily_bytes,omitempty"`
	MonthlyBytes          int64      `yaml:"monthly_bytes,omitempty"`
	MonthlyConns          int64      `yaml:"monthly_connections,omitempty"`
	Rate                  RateConfig `yaml:"rate,omitempty"`
	ACLDefault            string     `yaml:"acl_default,omitempty"`
}

type ACLRuleConfig struct {
	Action string `yaml:"action"`
	Host   string `yaml:"host"`
	Port   string `yaml:"port,omitempty"`
}

type TimeAccessConfig struct {
	Hours    []string `yaml:"hours,omitempty"`
	Days     []string `yaml:"days,omitempty"`
	Timezone string   `yaml:"timezone,omitempty"`
}

type GroupConfig struct {
	Limits       LimitsConfig      `yaml:",inline"`
	ACL          []ACLRuleConfig   `yaml:"acl,omitempty"`
	Time         *TimeAccessConfig `yaml:"time_access,omitempty"`
	AllowForward *bool             `yaml:"allow_forward,omitempty"`
	AllowShell   *bool             `yaml:"allow_shell,omitempty"`
	Upstream     string            `yaml:"upstream_proxy,omitempty"`
}

type UserConfig struct {
	PasswordHash   string   `yaml:"password_hash,omitempty"`
	AuthorizedKeys []string `yaml:"authorized_keys,omitempty"`
	TrustedCAs     []string `yaml:"trusted_cas,omitempty"`
	TOTPSecret     string   `yaml:"totp_secret,omitempty"`
	TOTPSkew       uint     `yaml:"totp_skew,omitempty"`
	Group          string   `yaml:"group,omitempty"`
	Role           string   `yaml:"role,omitempty"`
	ExpiresAt      string   `yaml:"expires_at,omitempty"`
	AuthChain      []string `yaml:"auth_chain,omitempty"`
	SourceIPs      []string `yaml:"source_ips,omitempty"`
	GeoAllow       []string `yaml:"geo_allow,omitempty"`
	AllowPrivate   bool     `yaml:"allow_private,omitempty"`

	Limits       LimitsConfig      `yaml:",inline"`
	ACL          []ACLRuleConfig   `yaml:"acl,omitempty"`
	Time         *TimeAccessConfig `yaml:"time_access,omitempty"`
	AllowForward *bool             `yaml:"allow_forward,omitempty"`
	AllowShell   *bool             `yaml:"allow_shell,omitempty"`
	Upstream     string            `yaml:"upstream_proxy,omitempty"`
}

// checkPerm refuses configs readable by group or other, the same rule
// openssh applies to key material.
func checkPerm(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	if fi.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("%v's perm is too open", path)
	}

	return nil
}

// Parse decodes raw yaml bytes without touching the filesystem.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	return &f, nil
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func validateTOTPSecret(secret string) error {
	normalized := strings.ToUpper(strings.TrimRight(secret, "="))
	if _, err := b32.DecodeString(normalized); err != nil {
		return fmt.Errorf("totp secret is not valid base32: %w", err)
	}
	return nil
}

func parseAuthorizedKeys(lines []string) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("bad authorized key %q: %w", line, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseCAList accepts either authorized-key formatted CA public keys or
// already-computed SHA256 fingerprints and returns the fingerprint set.
func parseCAList(lines []string) (map[string]bool, error) {
	set := map[string]bool{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "SHA256:") {
			set[line] = true
			continue
		}

		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("bad CA key %q: %w", line, err)
		}
		set[ssh.FingerprintSHA256(key)] = true
	}
	return set, nil
}
