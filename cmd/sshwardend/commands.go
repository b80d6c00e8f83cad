package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/sshwarden/sshwarden/internal/auth"
)

const starterConfig = `version: 1

server:
  address: 0.0.0.0
  port: 2222
  host_keys: %q
  login_grace_secs: 30
  connect_timeout_secs: 10
  idle_timeout_secs: 600

security:
  ban_threshold: 5
  ban_duration_secs: 600
  rate_per_ip:
    per_minute: 30
  audit_log: %q

defaults:
  max_connections: 16

users:
  admin:
    role: admin
    password_hash: "%s"
    acl:
      - action: allow
        host: "*"
        port: "*"
`

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write a starter config and generate an ed25519 host key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Value: "/etc/sshwarden",
				Usage: "target directory",
			},
		},
		Action: func(ctx *cli.Context) error {
			dir := ctx.String("dir")
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}

			keyPath := filepath.Join(dir, "ssh_host_ed25519_key")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				if err := writeHostKey(keyPath); err != nil {
					return err
				}
				log.Infof("host key written to %v", keyPath)
			} else {
				log.Infof("host key %v already exists, keeping it", keyPath)
			}

			cfgPath := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%v already exists, refusing to overwrite", cfgPath)
			}

			fmt.Fprint(os.Stderr, "Password for initial admin user: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			cfg := fmt.Sprintf(starterConfig,
				filepath.Join(dir, "ssh_host_*_key"),
				filepath.Join(dir, "audit.log"),
				hash)

			if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
				return err
			}

			log.Infof("config written to %v", cfgPath)
			return nil
		},
	}
}

func writeHostKey(path string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return err
	}

	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

func hashPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash-password",
		Usage: "read a password and print its argon2id hash",
		Action: func(ctx *cli.Context) error {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			fmt.Fprint(os.Stderr, "Again: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			fmt.Println(hash)
			return nil
		},
	}
}

func healthCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "health-check",
		Usage: "probe a running listener and exit non-zero when unhealthy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "address",
				Value: "127.0.0.1:2222",
				Usage: "listener to probe",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(ctx *cli.Context) error {
			conn, err := net.DialTimeout("tcp", ctx.String("address"), ctx.Duration("timeout"))
			if err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			defer conn.Close()

			_ = conn.SetReadDeadline(time.Now().Add(ctx.Duration("timeout")))

			banner := make([]byte, 7)
			if _, err := conn.Read(banner); err != nil {
				return fmt.Errorf("unhealthy: no banner: %w", err)
			}
			if string(banner) != "SSH-2.0" {
				return fmt.Errorf("unhealthy: unexpected banner %q", banner)
			}

			fmt.Println("ok")
			return nil
		},
	}
}
