package proxy

import (
	"bufio"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/sshwarden/sshwarden/internal/audit"
	"github.com/sshwarden/sshwarden/internal/egress"
)

var defaultExecDenylist = []string{
	"bash", "sh", "zsh", "dash", "ksh", "csh", "fish",
	"nc", "ncat", "netcat", "socat",
	"rsync", "sftp", "scp", "curl", "wget",
	"python", "python3", "perl", "ruby",
}

type execPayload struct {
	Command string
}

type subsystemPayload struct {
	Name string
}

// handleSessionChannel accepts a session channel and serves its requests:
// a minimal shell, the in-channel SOCKS5 subsystem, and refusals for
// everything this server does not do (exec, sftp, agent, X11).
func (s *Server) handleSessionChannel(sess *Session, nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	denylist := sess.snap.Security.ExecDenylist
	if len(denylist) == 0 {
		denylist = defaultExecDenylist
	}

	started := false

	for {
		select {
		case <-sess.ctx.Done():
			return

		case req, ok := <-reqs:
			if !ok {
				return
			}

			switch req.Type {
			case "pty-req", "env", "window-change":
				reply(req, sess.user.AllowShell)

			case "shell":
				if !sess.user.AllowShell || started {
					reply(req, false)
					continue
				}
				started = true
				reply(req, true)

				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.runShell(sess, ch)
				}()

			case "exec":
				var p execPayload
				_ = ssh.Unmarshal(req.Payload, &p)

				if matchesDenylist(p.Command, denylist) {
					sess.log.Warnf("blocked exec of %q", p.Command)
					s.auditor.Emit(audit.Event{
						Event: "exec_blocked", User: sess.username,
						IP: sess.remoteIP.String(), Error: p.Command,
					})
				}
				reply(req, false)
				fmt.Fprintf(ch.Stderr(), "command execution is not available on this server\r\n")
				return

			case "subsystem":
				var p subsystemPayload
				_ = ssh.Unmarshal(req.Payload, &p)

				switch p.Name {
				case "socks5":
					if !sess.user.AllowForward || started {
						reply(req, false)
						continue
					}
					started = true
					reply(req, true)

					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						s.serveSOCKS(sess, ch, egress.KindDynamicSOCKS)
					}()

				case "sftp":
					sess.log.Debug("refusing sftp subsystem")
					s.auditor.Emit(audit.Event{
						Event: "subsystem_refused", User: sess.username,
						IP: sess.remoteIP.String(), Error: "sftp",
					})
					reply(req, false)
					return

				default:
					reply(req, false)
				}

			case "auth-agent-req@openssh.com", "x11-req":
				sess.log.Debugf("refusing %s", req.Type)
				reply(req, false)

			default:
				reply(req, false)
			}
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// matchesDenylist checks the command's argv[0] basename against the
// shell-evasion denylist.
func matchesDenylist(command string, denylist []string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}

	argv0 := strings.Fields(command)[0]
	if i := strings.LastIndexByte(argv0, '/'); i >= 0 {
		argv0 = argv0[i+1:]
	}

	for _, deny := range denylist {
		if argv0 == deny {
			return true
		}
	}
	return false
}

// runShell is the minimal interactive session: message of the day,
// broadcast delivery, and a couple of introspection commands. The full
// TUI lives outside the core.
func (s *Server) runShell(sess *Session, ch ssh.Channel) {
	defer ch.Close()
	defer sess.cancel()

	if motd := sess.snap.Server.Motd; motd != "" {
		fmt.Fprintf(ch, "%s\r\n", strings.ReplaceAll(motd, "\n", "\r\n"))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(ch)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintf(ch, "sshwarden> ")

	for {
		select {
		case <-sess.ctx.Done():
			fmt.Fprintf(ch, "\r\nsession terminated by server\r\n")
			return

		case msg := <-sess.msgs:
			fmt.Fprintf(ch, "\r\n*** %s ***\r\nsshwarden> ", msg)

		case line, ok := <-lines:
			if !ok {
				return
			}

			switch strings.TrimSpace(line) {
			case "":
			case "quit", "exit", "logout":
				fmt.Fprintf(ch, "bye\r\n")
				return
			case "whoami":
				fmt.Fprintf(ch, "%s (%s)\r\n", sess.username, sess.user.Role)
			case "usage":
				u := s.quota.Snapshot(sess.username)
				fmt.Fprintf(ch, "connections=%d hour=%dB day=%dB month=%dB\r\n",
					u.Concurrent, u.HourBytes, u.DailyBytes, u.MonthlyBytes)
			default:
				fmt.Fprintf(ch, "unknown command\r\n")
			}
			fmt.Fprintf(ch, "sshwarden> ")
		}
	}
}
