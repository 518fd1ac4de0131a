package validate

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedNets are destination ranges a notification webhook must never reach:
// loopback, RFC1918 private ranges, and link-local (incl. 169.254.169.254,
// the cloud metadata endpoint).
var blockedNets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("validate: bad builtin CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// Resolver resolves a hostname to IPs. Injectable for tests.
type Resolver func(host string) ([]net.IP, error)

func defaultResolve(host string) ([]net.IP, error) { return net.LookupIP(host) }

// CheckURL rejects destinations a webhook send must not reach:
//   - non-HTTPS schemes
//   - loopback hosts (127.0.0.1, ::1, localhost)
//   - private/link-local ranges (SSRF), incl. the cloud metadata address
//
// Hostnames are resolved and every resolved IP is re-checked against the
// same blocklist, so a DNS-rebinding name cannot smuggle a private target.
func CheckURL(raw string) error {
	return CheckURLResolve(raw, defaultResolve)
}

// CheckURLResolve is CheckURL with an explicit resolver.
func CheckURLResolve(raw string, resolve Resolver) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("url scheme %q not allowed (https only)", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("loopback host not allowed")
	}

	// Literal IP: check directly without resolving.
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return err
		}
		return nil
	}

	if resolve == nil {
		resolve = defaultResolve
	}
	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("resolve %q: no addresses", host)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("%q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return fmt.Errorf("address %s not allowed", ip)
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return fmt.Errorf("address %s in blocked range %s", ip, n)
		}
	}
	return nil
}
