package validate

import (
	"net"
	"strings"
	"testing"
)

func publicResolver(t *testing.T) Resolver {
	t.Helper()
	return func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
}

func TestCheckURLRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "plain http", url: "http://example.com", want: "https only"},
		{name: "loopback ip", url: "https://127.0.0.1/x", want: "not allowed"},
		{name: "loopback v6", url: "https://[::1]/x", want: "not allowed"},
		{name: "localhost", url: "https://localhost/x", want: "loopback"},
		{name: "private 10", url: "https://10.1.2.3/x", want: "blocked range"},
		{name: "private 172", url: "https://172.16.0.9/x", want: "blocked range"},
		{name: "private 192", url: "https://192.168.1.10/x", want: "blocked range"},
		{name: "metadata", url: "https://169.254.169.254/meta", want: "blocked range"},
		{name: "empty", url: "", want: "empty"},
		{name: "no host", url: "https:///path", want: "no host"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := CheckURLResolve(tt.url, publicResolver(t))
			if err == nil {
				t.Fatalf("CheckURL(%q) = nil, want error", tt.url)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("CheckURL(%q) = %v, want substring %q", tt.url, err, tt.want)
			}
		})
	}
}

func TestCheckURLAccepts(t *testing.T) {
	t.Parallel()
	if err := CheckURLResolve("https://hooks.example.com/services/T/B/X", publicResolver(t)); err != nil {
		t.Fatalf("CheckURL rejected public host: %v", err)
	}
}

func TestCheckURLDNSRebinding(t *testing.T) {
	t.Parallel()
	// Hostname that resolves to a private address must be rejected even
	// though the name itself looks harmless.
	resolve := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5")}, nil
	}
	err := CheckURLResolve("https://evil.example.com/hook", resolve)
	if err == nil {
		t.Fatal("expected rebinding rejection")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("unexpected error: %v", err)
	}
}
