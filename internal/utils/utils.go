package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrEmptyURL  = errors.New("empty url")
	ErrBadScheme = errors.New("unsupported url scheme")
)

// NormalizeTarget returns a deterministic canonical form of a scan target:
// scheme defaulted (https unless overridden), host lowercased and IDNA-encoded,
// default ports stripped, fragment dropped, trailing path slash removed.
// Anything that is not http(s) after defaulting is rejected.
func NormalizeTarget(raw, defaultScheme string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	if defaultScheme == "" {
		defaultScheme = "https"
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", raw, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target %q has no host", raw)
	}

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "/" {
		u.Path = ""
	}

	return u.String(), nil
}

// Hostname extracts the bare host (no port) from an already-normalized target.
func Hostname(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("target %q has no host", target)
	}
	return u.Hostname(), nil
}

// SameHost reports whether candidate resolves to the same hostname as base.
// Used to keep content sampling on the target's own domain.
func SameHost(base, candidate string) bool {
	bu, err := url.Parse(base)
	if err != nil {
		return false
	}
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return bu.Hostname() != "" && strings.EqualFold(bu.Hostname(), cu.Hostname())
}

// ResolveRef resolves a possibly-relative href against base and returns an
// absolute URL string, or "" if it cannot be resolved.
func ResolveRef(base, href string) string {
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	hu, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := bu.ResolveReference(hu)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}
