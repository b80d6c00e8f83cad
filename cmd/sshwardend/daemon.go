package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/dnscache"
	"github.com/sshwarden/sshwarden/internal/geoip"
	"github.com/sshwarden/sshwarden/internal/metrics"
	"github.com/sshwarden/sshwarden/internal/policy"
	"github.com/sshwarden/sshwarden/internal/proxy"
	"github.com/sshwarden/sshwarden/internal/quota"
	"github.com/sshwarden/sshwarden/internal/rategate"
	"github.com/sshwarden/sshwarden/internal/reputation"
	"github.com/sshwarden/sshwarden/internal/webhook"
)

type daemon struct {
	store   *policy.Store
	server  *proxy.Server
	tracker *quota.Tracker
	auditor *audit.Logger
	hook    *webhook.Notifier
	geo     *geoip.DB

	lis      net.Listener
	socksLis net.Listener
}

func newDaemon(ctx *cli.Context) (*daemon, error) {
	store, err := policy.NewStore(ctx.String("config"), ctx.Bool("no-check-perm"))
	if err != nil {
		return nil, err
	}

	snap := store.Current()
	sec := snap.Security

	hostKeys, err := loadHostKeys(snap.Server.HostKeys)
	if err != nil {
		return nil, err
	}

	var geoDB *geoip.DB
	if sec.GeoIP.Database != "" {
		geoDB, err = geoip.Open(sec.GeoIP.Database)
		if err != nil {
			return nil, fmt.Errorf("geoip database: %w", err)
		}
		log.Infof("geoip database loaded from %v", sec.GeoIP.Database)
	}

	counters := &metrics.Counters{}

	mode, err := dnscache.ParseMode(snap.Server.DNS.Mode)
	if err != nil {
		return nil, err
	}
	resolver := dnscache.NewResolver(dnscache.Config{
		Mode:     mode,
		FixedTTL: time.Duration(snap.Server.DNS.TTLSecs) * time.Second,
		Servers:  snap.Server.DNS.Servers,
		Timeout:  time.Duration(snap.Server.DNS.Timeout) * time.Second,
	}, dnsMetrics{counters})

	tracker := quota.NewTracker()
	if sec.QuotaSnapshot != "" {
		if err := tracker.EnablePersistence(sec.QuotaSnapshot,
			time.Duration(sec.QuotaFlushSecs)*time.Second); err != nil {
			log.Warnf("quota snapshot restore failed: %v", err)
		}
	}

	auditor, err := audit.NewLogger(sec.AuditLog, sec.AuditRotateSize)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	hook := webhook.NewNotifier(sec.Webhook.URL, sec.Webhook.Secret)

	rep := reputation.NewRegistry(reputation.Config{
		FailWeight:      sec.FailWeight,
		SuccessWeight:   sec.SuccessWeight,
		BanThreshold:    sec.BanThreshold,
		BanDuration:     time.Duration(sec.BanDurationSecs) * time.Second,
		Exponential:     sec.BanExponential,
		HalfLife:        time.Duration(sec.HalfLifeSecs) * time.Second,
		CleanupInterval: time.Duration(sec.CleanupSecs) * time.Second,
	})

	server := proxy.NewServer(proxy.Options{
		Store:      store,
		HostKeys:   hostKeys,
		Reputation: rep,
		Rate:       rategate.NewGate(),
		Quota:      tracker,
		Resolver:   resolver,
		Geo:        geoDB,
		Audit:      auditor,
		Webhook:    hook,
		Counters:   counters,
	})

	d := &daemon{
		store:   store,
		server:  server,
		tracker: tracker,
		auditor: auditor,
		hook:    hook,
		geo:     geoDB,
	}

	if d.lis, err = listen(snap); err != nil {
		return nil, err
	}

	if snap.Server.Socks5.Enabled {
		if d.socksLis, err = listenSOCKS(snap.Server.Socks5); err != nil {
			d.lis.Close()
			return nil, err
		}
	}

	return d, nil
}

type dnsMetrics struct{ c *metrics.Counters }

func (m dnsMetrics) CacheHit()  { m.c.DNSCacheHits.Add(1) }
func (m dnsMetrics) CacheMiss() { m.c.DNSCacheMisses.Add(1) }

func listen(snap *policy.Snapshot) (net.Listener, error) {
	addr := net.JoinHostPort(snap.Server.Address, fmt.Sprint(snap.Server.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for connection: %w", err)
	}

	// PROXY headers are honored only from configured upstream peers;
	// anything else keeps the TCP peer address.
	trusted := snap.TrustedProxies
	lis = &proxyproto.Listener{
		Listener: lis,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			host, _, err := net.SplitHostPort(upstream.String())
			if err != nil {
				return proxyproto.IGNORE, nil
			}
			ip, err := netip.ParseAddr(host)
			if err != nil {
				return proxyproto.IGNORE, nil
			}
			ip = ip.Unmap()
			for _, p := range trusted {
				if p.Contains(ip) {
					return proxyproto.USE, nil
				}
			}
			return proxyproto.IGNORE, nil
		},
	}

	return lis, nil
}

func listenSOCKS(cfg policy.Socks5Config) (net.Listener, error) {
	address := cfg.Address
	if address == "" {
		address = "0.0.0.0"
	}
	port := cfg.Port
	if port == 0 {
		port = 1080
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("socks5 listener: %w", err)
	}

	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			lis.Close()
			return nil, fmt.Errorf("socks5 tls: %w", err)
		}
		lis = tls.NewListener(lis, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	return lis, nil
}

// loadHostKeys loads every key matching the glob, Ed25519 sorted first so
// it is the preferred host key.
func loadHostKeys(glob string) ([]ssh.Signer, error) {
	if glob == "" {
		glob = "/etc/sshwarden/ssh_host_*_key"
	}

	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no host key found matching %v", glob)
	}

	var signers []ssh.Signer
	for _, path := range paths {
		log.Infof("loading host key %v", path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("host key %v: %w", path, err)
		}
		signers = append(signers, signer)
	}

	sort.SliceStable(signers, func(i, j int) bool {
		return keyRank(signers[i]) < keyRank(signers[j])
	})

	return signers, nil
}

func keyRank(s ssh.Signer) int {
	if strings.Contains(s.PublicKey().Type(), "ed25519") {
		return 0
	}
	return 1
}

func (d *daemon) run() error {
	defer d.lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.auditor.Run(ctx)
	go d.hook.Run(ctx)
	go d.tracker.Run(ctx)
	go d.server.Run(ctx)

	// SIGHUP reloads policy; SIGINT/SIGTERM drain and exit.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 2)
	go func() { errc <- d.server.Serve(d.lis) }()
	if d.socksLis != nil {
		go func() { errc <- d.server.ServeSOCKS(d.socksLis) }()
	}

	for {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}

		case sig := <-sigc:
			switch sig {
			case syscall.SIGHUP:
				if err := d.server.Reload(); err != nil {
					log.Errorf("reload failed, keeping previous policy: %v", err)
				}
				continue

			default:
				log.Infof("received %v, shutting down", sig)

				d.lis.Close()
				if d.socksLis != nil {
					d.socksLis.Close()
				}

				d.server.Shutdown()
				cancel()

				if err := d.tracker.Flush(); err != nil {
					log.Warnf("final quota flush failed: %v", err)
				}
				d.auditor.Close()
				d.geo.Close()
				return nil
			}
		}
	}
}
