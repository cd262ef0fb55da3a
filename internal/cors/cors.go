// Package cors implements the origin/scheme/IP allowlist checks the
// upgrade pipeline runs once the radix trie has matched a route,
// against that route's options (spec §4.10 step 5, C11). None of the donor or pack repos carry
// a CIDR/IPv4-mapped-IPv6 matcher, so this is built directly against
// net/url and net/netip, the standard library's purpose-built IP
// parsing types.
package cors

import (
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Options mirrors router.CORSOptions without importing the router
// package, keeping this a leaf dependency any layer can use.
type Options struct {
	AllowedOrigins []string
	AllowedSchemes []string
	AllowedIPs     []string
}

// Decision is the outcome of CheckOrigin/CheckRemoteIP.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }
func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// CheckOrigin validates the Origin header (may be empty) against the
// configured scheme/host allowlist. An empty AllowedOrigins list
// allows every origin (spec default: permissive unless configured).
func CheckOrigin(opts Options, origin string) Decision {
	if origin == "" {
		for _, o := range opts.AllowedOrigins {
			if o == "" {
				return allow()
			}
		}
		if len(opts.AllowedOrigins) == 0 {
			return allow()
		}
		return deny("missing Origin header")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return deny("unparseable Origin header")
	}
	if len(opts.AllowedSchemes) > 0 && !contains(opts.AllowedSchemes, u.Scheme) {
		return deny("origin scheme not allowed: " + u.Scheme)
	}
	if len(opts.AllowedOrigins) == 0 {
		return allow()
	}
	host := u.Hostname()
	for _, allowed := range opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, host) {
			return allow()
		}
	}
	return deny("origin not in allowlist: " + origin)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// CheckRemoteIP validates a dialed-from address (host[:port] or bare
// IP) against the configured AllowedIPs list, each entry either a bare
// IP (v4 or v6, including IPv4-mapped IPv6 forms like
// "::ffff:10.0.0.1") or a CIDR range. An empty list allows every
// address.
func CheckRemoteIP(opts Options, remote string) Decision {
	if len(opts.AllowedIPs) == 0 {
		return allow()
	}
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return deny("unparseable remote address: " + remote)
	}
	addr = addr.Unmap()

	for _, entry := range opts.AllowedIPs {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			normalized := netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits())
			if normalized.Contains(addr) {
				return allow()
			}
		} else {
			entryAddr, err := netip.ParseAddr(entry)
			if err != nil {
				continue
			}
			if entryAddr.Unmap() == addr {
				return allow()
			}
		}
	}
	return deny("remote address not in allowlist: " + remote)
}
