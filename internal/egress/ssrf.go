package egress

import "net/netip"

type namedRange struct {
	name   string
	prefix netip.Prefix
}

func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Address ranges a proxy must never be talked into reaching. The
// connect-time guard re-checks the exact address handed to the dialer, so
// a rebinding name cannot smuggle one of these through.
var dangerousRanges = []namedRange{
	{"loopback", mustPrefix("127.0.0.0/8")},
	{"rfc1918", mustPrefix("10.0.0.0/8")},
	{"rfc1918", mustPrefix("172.16.0.0/12")},
	{"rfc1918", mustPrefix("192.168.0.0/16")},
	{"link-local", mustPrefix("169.254.0.0/16")},
	{"cgnat", mustPrefix("100.64.0.0/10")},
	{"multicast", mustPrefix("224.0.0.0/4")},
	{"benchmark", mustPrefix("198.18.0.0/15")},
	{"documentation", mustPrefix("192.0.2.0/24")},
	{"documentation", mustPrefix("198.51.100.0/24")},
	{"documentation", mustPrefix("203.0.113.0/24")},
	{"reserved", mustPrefix("240.0.0.0/4")},
	{"unspecified", mustPrefix("0.0.0.0/8")},

	{"loopback", mustPrefix("::1/128")},
	{"unspecified", mustPrefix("::/128")},
	{"link-local", mustPrefix("fe80::/10")},
	{"unique-local", mustPrefix("fc00::/7")},
	{"multicast", mustPrefix("ff00::/8")},
	{"documentation", mustPrefix("2001:db8::/32")},
	{"benchmark", mustPrefix("2001:2::/48")},
}

// ClassifyDangerousIP names the private/reserved range containing ip, or
// "" when the address is publicly routable. IPv4-mapped IPv6 addresses
// are classified as their embedded IPv4.
func ClassifyDangerousIP(ip netip.Addr) string {
	ip = ip.Unmap()
	for _, r := range dangerousRanges {
		if r.prefix.Contains(ip) {
			return r.name
		}
	}
	return ""
}
