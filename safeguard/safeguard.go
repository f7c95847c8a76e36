// Package safeguard holds input checks shared by the sheetledger surfaces:
// webhook secret strength, outbound URL safety, spreadsheet identifiers and
// bounded body reads.
package safeguard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MinSecretLen is the minimum length of an HMAC signing secret.
const MinSecretLen = 32

// MaxBody caps request and response bodies read by the HTTP surfaces.
const MaxBody int64 = 1 << 20

var (
	// ErrSecretTooShort is returned when a secret is shorter than MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("safeguard: secret must be at least %d bytes", MinSecretLen)
	// ErrPrivateTarget is returned when a URL targets a private or loopback address.
	ErrPrivateTarget = errors.New("safeguard: URL targets a private or loopback address")
	// ErrScheme is returned for URLs that are not http or https.
	ErrScheme = errors.New("safeguard: only http and https URLs are allowed")
	// ErrBodyTooLarge is returned by LimitedReadAll.
	ErrBodyTooLarge = errors.New("safeguard: body too large")
)

// ValidateSecret checks the length of an HMAC secret.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// ValidateURL checks that rawURL is http(s) with a host that does not
// resolve to a private address. A DNS failure is not an error here; the
// connection attempt reports it.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safeguard: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safeguard: URL has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateTarget
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateTarget
		}
	}
	return nil
}

// ValidateSheetRef rejects spreadsheet and sheet identifiers that contain
// anything other than letters, digits, '-', '_' and '.'. Provider ids are
// drawn from that alphabet and the values end up in cache keys.
func ValidateSheetRef(s string) error {
	if s == "" {
		return fmt.Errorf("safeguard: sheet reference must not be empty")
	}
	if len(s) > 128 {
		return fmt.Errorf("safeguard: sheet reference too long (max 128)")
	}
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("safeguard: invalid character %q in sheet reference", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most max bytes from r.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, max)
	}
	return data, nil
}

var privateNets = func() []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16", "fc00::/7"} {
		_, n, _ := net.ParseCIDR(cidr)
		out = append(out, n)
	}
	return out
}()

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
