package policy

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Snapshot is an immutable, validated view of the whole configuration.
// Sessions capture the snapshot current at auth time and keep it for their
// lifetime; reloads swap the store pointer and never mutate a snapshot.
type Snapshot struct {
	Server   ServerConfig
	Security SecurityConfig

	GlobalRules    []ACLRule
	TrustedCAs     map[string]bool
	TrustedProxies []netip.Prefix

	users map[string]*ResolvedUser
}

// User returns the resolved record, or nil when the name is unknown.
func (s *Snapshot) User(name string) *ResolvedUser {
	return s.users[name]
}

// Usernames returns the configured usernames, sorted.
func (s *Snapshot) Usernames() []string {
	names := make([]string, 0, len(s.users))
	for n := range s.users {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Snapshot) LoginGrace() time.Duration {
	return secsOr(s.Server.LoginGraceSecs, 30)
}

func (s *Snapshot) ConnectTimeout() time.Duration {
	return secsOr(s.Server.ConnectTimeout, 10)
}

func (s *Snapshot) IdleTimeout() time.Duration {
	return secsOr(s.Server.IdleTimeoutSecs, 0)
}

func (s *Snapshot) IdleWarning() time.Duration {
	return secsOr(s.Server.IdleWarningSecs, 0)
}

func (s *Snapshot) ShutdownTimeout() time.Duration {
	return secsOr(s.Server.ShutdownSecs, 10)
}

func secsOr(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}

func build(f *File) (*Snapshot, error) {
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version %d", f.Version)
	}

	if len(f.Users) == 0 {
		return nil, fmt.Errorf("config defines no users")
	}

	globalRules, err := parseACLRules(f.ACL)
	if err != nil {
		return nil, fmt.Errorf("global acl: %w", err)
	}

	globalCAs, err := parseCAList(f.Security.TrustedCAs)
	if err != nil {
		return nil, fmt.Errorf("security.trusted_cas: %w", err)
	}

	s := &Snapshot{
		Server:      f.Server,
		Security:    f.Security,
		GlobalRules: globalRules,
		TrustedCAs:  globalCAs,
		users:       make(map[string]*ResolvedUser, len(f.Users)),
	}

	for _, cidr := range f.Server.TrustedProxies {
		p, err := parsePrefixOrAddr(cidr)
		if err != nil {
			return nil, fmt.Errorf("bad trusted proxy %q: %w", cidr, err)
		}
		s.TrustedProxies = append(s.TrustedProxies, p)
	}

	for name, uc := range f.Users {
		if uc == nil {
			uc = &UserConfig{}
		}
		u, err := resolveUser(name, uc, f, globalRules, globalCAs)
		if err != nil {
			return nil, err
		}
		s.users[name] = u
	}

	return s, nil
}

// Load reads, permission-checks, parses and validates a config file.
func Load(path string, noCheckPerm bool) (*Snapshot, error) {
	if !noCheckPerm {
		if err := checkPerm(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return build(f)
}

// Store hands out the current snapshot and swaps it on successful reload.
type Store struct {
	path        string
	noCheckPerm bool
	current     atomic.Pointer[Snapshot]
}

func NewStore(path string, noCheckPerm bool) (*Store, error) {
	s, err := Load(path, noCheckPerm)
	if err != nil {
		return nil, err
	}

	st := &Store{path: path, noCheckPerm: noCheckPerm}
	st.current.Store(s)
	return st, nil
}

// NewStoreFromSnapshot wraps an already-built snapshot; used by tests and
// by callers that assemble config in memory.
func NewStoreFromSnapshot(s *Snapshot) *Store {
	st := &Store{}
	st.current.Store(s)
	return st
}

// NewStoreFromYAML builds a store from raw config bytes. Reload is not
// available on such a store.
func NewStoreFromYAML(data []byte) (*Store, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s, err := build(f)
	if err != nil {
		return nil, err
	}

	return NewStoreFromSnapshot(s), nil
}

func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Reload re-reads the config file. On any validation error the previous
// snapshot stays live and the error is returned.
func (st *Store) Reload() error {
	if st.path == "" {
		return fmt.Errorf("no config path to reload from")
	}

	s, err := Load(st.path, st.noCheckPerm)
	if err != nil {
		return err
	}

	st.current.Store(s)
	log.Infof("policy reloaded: %d users", len(s.users))
	return nil
}
