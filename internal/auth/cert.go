package auth

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Certificate policy: the signing CA must be trusted for the user, the
// validity window must include now, principals must include the username,
// and critical options are enforced. force-command is refused outright
// since this server never executes client commands; source-address is
// validated against the connection; any other critical option rejects the
// certificate. Unknown extensions are ignored, as PROTOCOL.certkeys
// requires.
func VerifyCertificate(cert *ssh.Certificate, trustedCAs map[string]bool, username string, sourceIP netip.Addr, now time.Time) error {
	if cert.CertType != ssh.UserCert {
		return fmt.Errorf("certificate is not a user certificate")
	}

	caFP := ssh.FingerprintSHA256(cert.SignatureKey)
	if !trustedCAs[caFP] {
		return fmt.Errorf("certificate CA %s is not trusted", caFP)
	}

	unix := uint64(now.Unix())
	if cert.ValidAfter != 0 && unix < cert.ValidAfter {
		return fmt.Errorf("certificate not yet valid")
	}
	if cert.ValidBefore != ssh.CertTimeInfinity && unix >= cert.ValidBefore {
		return fmt.Errorf("certificate expired")
	}

	found := false
	for _, p := range cert.ValidPrincipals {
		if p == username {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("certificate principals do not include %q", username)
	}

	for opt, val := range cert.CriticalOptions {
		switch opt {
		case "source-address":
			if err := checkSourceAddress(val, sourceIP); err != nil {
				return err
			}
		case "force-command":
			return fmt.Errorf("force-command certificates are not accepted")
		default:
			return fmt.Errorf("unknown critical option %q", opt)
		}
	}

	// Verify the CA signature over the certificate body.
	checker := ssh.CertChecker{
		IsUserAuthority: func(ca ssh.PublicKey) bool {
			return trustedCAs[ssh.FingerprintSHA256(ca)]
		},
	}
	if err := checker.CheckCert(username, cert); err != nil {
		// CheckCert re-validates principals/validity; any disagreement
		// with the checks above still rejects.
		return err
	}

	return nil
}

func checkSourceAddress(list string, ip netip.Addr) error {
	ip = ip.Unmap()
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return fmt.Errorf("bad source-address %q: %w", entry, err)
			}
			if p.Contains(ip) {
				return nil
			}
		} else if a, err := netip.ParseAddr(entry); err == nil {
			if a.Unmap() == ip {
				return nil
			}
		} else {
			return fmt.Errorf("bad source-address %q", entry)
		}
	}
	return fmt.Errorf("certificate source-address does not permit %v", ip)
}
