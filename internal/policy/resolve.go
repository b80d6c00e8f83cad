package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "user"
}

func parseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleUser, fmt.Errorf("bad role %q", s)
}

// AuthMethod names one step of a user's required auth chain.
type AuthMethod int

const (
	MethodPassword AuthMethod = iota
	MethodPublicKey
	MethodCert
	MethodTOTP
)

func (m AuthMethod) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodPublicKey:
		return "pubkey"
	case MethodCert:
		return "cert"
	case MethodTOTP:
		return "totp"
	}
	return "unknown"
}

func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(s) {
	case "password":
		return MethodPassword, nil
	case "pubkey", "publickey":
		return MethodPublicKey, nil
	case "cert", "certificate":
		return MethodCert, nil
	case "totp":
		return MethodTOTP, nil
	}
	return MethodPassword, fmt.Errorf("bad auth method %q", s)
}

// Limits is the fully resolved quota/rate/bandwidth set for one user.
// Zero means unlimited.
type Limits struct {
	MaxConnections        int
	MaxBandwidthBps       int64
	AggregateBandwidthBps int64
	BytesPerHour          int64
	DailyBytes            int64
	MonthlyBytes          int64
	MonthlyConns          int64
	Rate                  RateConfig
}

// ResolvedUser is the global<-group<-user merge for one user, computed once
// at snapshot build and shared read-only by every session of that user.
type ResolvedUser struct {
	Name           string
	PasswordHash   string
	AuthorizedKeys []ssh.PublicKey
	TrustedCAs     map[string]bool
	TOTPSecret     string
	TOTPSkew       uint
	Role           Role
	ExpiresAt      time.Time
	AllowForward   bool
	AllowShell     bool
	AllowPrivate   bool
	GeoAllow       []string

	ACLRules   []ACLRule // user rules first, then group, then global
	ACLDefault ACLAction

	Limits    Limits
	Time      *TimeAccess
	SourceIPs []netip.Prefix
	AuthChain []AuthMethod
	Upstream  string
}

func (u *ResolvedUser) Admin() bool { return u.Role == RoleAdmin }

// Expired reports whether the record is past its expiry. Expired users are
// treated as disabled, not removed.
func (u *ResolvedUser) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// SourceAllowed checks the per-user source-IP whitelist. An empty whitelist
// allows every source.
func (u *ResolvedUser) SourceAllowed(ip netip.Addr) bool {
	if len(u.SourceIPs) == 0 {
		return true
	}
	ip = ip.Unmap()
	for _, p := range u.SourceIPs {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Location is the timezone quota windows reset in: the time-access zone if
// configured, UTC otherwise.
func (u *ResolvedUser) Location() *time.Location {
	if u.Time != nil && u.Time.Loc != nil {
		return u.Time.Loc
	}
	return time.UTC
}

func pickInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func pickInt64(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func pickBool(def bool, vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

func pickString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveLimits(user, group, def LimitsConfig) Limits {
	l := Limits{
		MaxConnections:        pickInt(user.MaxConnections, group.MaxConnections, def.MaxConnections),
		MaxBandwidthBps:       pickInt64(user.MaxBandwidthBps, group.MaxBandwidthBps, def.MaxBandwidthBps),
		AggregateBandwidthBps: pickInt64(user.AggregateBandwidthBps, group.AggregateBandwidthBps, def.AggregateBandwidthBps),
		BytesPerHour:          pickInt64(user.BytesPerHour, group.BytesPerHour, def.BytesPerHour),
		DailyBytes:            pickInt64(user.DailyBytes, group.DailyBytes, def.DailyBytes),
		MonthlyBytes:          pickInt64(user.MonthlyBytes, group.MonthlyBytes, def.MonthlyBytes),
		MonthlyConns:          pickInt64(user.MonthlyConns, group.MonthlyConns, def.MonthlyConns),
	}

	switch {
	case !user.Rate.zero():
		l.Rate = user.Rate
	case !group.Rate.zero():
		l.Rate = group.Rate
	default:
		l.Rate = def.Rate
	}

	return l
}

// resolveUser merges defaults <- group <- user. ACL rules union across
// levels with user rules evaluated first; scalar fields use the most
// specific non-zero value.
func resolveUser(name string, uc *UserConfig, f *File, globalRules []ACLRule, globalCAs map[string]bool) (*ResolvedUser, error) {
	var gc GroupConfig
	if uc.Group != "" {
		g, ok := f.Groups[uc.Group]
		if !ok {
			return nil, fmt.Errorf("user %q references unknown group %q", name, uc.Group)
		}
		gc = *g
	}

	role, err := parseRole(uc.Role)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}

	u := &ResolvedUser{
		Name:         name,
		PasswordHash: uc.PasswordHash,
		TOTPSecret:   uc.TOTPSecret,
		TOTPSkew:     uc.TOTPSkew,
		Role:         role,
		AllowPrivate: uc.AllowPrivate,
		GeoAllow:     uc.GeoAllow,
		AllowForward: pickBool(true, uc.AllowForward, gc.AllowForward),
		AllowShell:   pickBool(false, uc.AllowShell, gc.AllowShell),
		Upstream:     pickString(uc.Upstream, gc.Upstream, f.Server.UpstreamProxy),
		Limits:       resolveLimits(uc.Limits, gc.Limits, f.Defaults),
	}

	if u.TOTPSecret != "" {
		if err := validateTOTPSecret(u.TOTPSecret); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
	}

	if uc.PasswordHash != "" && !strings.HasPrefix(uc.PasswordHash, "$argon2id$") {
		return nil, fmt.Errorf("user %q: password_hash is not argon2id encoded", name)
	}

	if u.AuthorizedKeys, err = parseAuthorizedKeys(uc.AuthorizedKeys); err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}

	userCAs, err := parseCAList(uc.TrustedCAs)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	u.TrustedCAs = map[string]bool{}
	for fp := range globalCAs {
		u.TrustedCAs[fp] = true
	}
	for fp := range userCAs {
		u.TrustedCAs[fp] = true
	}

	if uc.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, uc.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("user %q: bad expires_at: %w", name, err)
		}
		u.ExpiresAt = t.UTC()
	}

	userRules, err := parseACLRules(uc.ACL)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	groupRules, err := parseACLRules(gc.ACL)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", uc.Group, err)
	}
	u.ACLRules = append(append(userRules, groupRules...), globalRules...)

	def := pickString(uc.Limits.ACLDefault, gc.Limits.ACLDefault, f.Defaults.ACLDefault)
	if def == "" {
		u.ACLDefault = ActionAllow
	} else if u.ACLDefault, err = parseACLAction(def); err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}

	tac := uc.Time
	if tac == nil {
		tac = gc.Time
	}
	if u.Time, err = ParseTimeAccess(tac); err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}

	for _, s := range uc.SourceIPs {
		p, err := parsePrefixOrAddr(s)
		if err != nil {
			return nil, fmt.Errorf("user %q: bad source ip %q: %w", name, s, err)
		}
		u.SourceIPs = append(u.SourceIPs, p)
	}

	if len(uc.AuthChain) == 0 {
		// Sensible implicit chain: whichever single credential kinds exist.
		if uc.PasswordHash != "" {
			u.AuthChain = append(u.AuthChain, MethodPassword)
		} else if len(u.AuthorizedKeys) > 0 {
			u.AuthChain = append(u.AuthChain, MethodPublicKey)
		} else if len(u.TrustedCAs) > 0 {
			u.AuthChain = append(u.AuthChain, MethodCert)
		}
		if uc.TOTPSecret != "" {
			u.AuthChain = append(u.AuthChain, MethodTOTP)
		}
	} else {
		for _, m := range uc.AuthChain {
			method, err := ParseAuthMethod(m)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", name, err)
			}
			u.AuthChain = append(u.AuthChain, method)
		}
	}

	if len(u.AuthChain) == 0 {
		return nil, fmt.Errorf("user %q has no usable auth method", name)
	}

	return u, nil
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
