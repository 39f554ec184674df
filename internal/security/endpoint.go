package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks a webhook target the server refuses to call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google", "metadata"}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ValidateEndpointURL checks that a webhook URL is safe to call from the
// server, resolving it with the default resolver.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return ValidateEndpoint(ctx, rawURL, net.DefaultResolver)
}

// ValidateEndpoint rejects URLs that are not http(s) or that point at
// loopback, private, link-local, multicast or unspecified addresses. Both
// the literal host and every resolved address are checked.
func ValidateEndpoint(ctx context.Context, rawURL string, resolver Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not carry credentials", ErrBlockedEndpoint)
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsMulticast():
		return fmt.Errorf("%w: multicast address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
