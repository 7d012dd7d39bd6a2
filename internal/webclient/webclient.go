package webclient

import (
	"context"
	"net/http"
	"time"
)

// WebClient is the transport abstraction shared by scanner providers and the
// advisor. Backends are registered by name (see factory.go); "nethttp" is the
// default, "chromedp" fetches the rendered DOM.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Options contains backend-specific options like "render": "true".
	Options map[string]string
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time

	// TTFB and Total are populated by backends that measure request timing.
	TTFB  time.Duration
	Total time.Duration

	// Redirects is the number of redirects followed for this request.
	Redirects int
}

// Config selects and tunes the webclient backend.
type Config struct {
	Backend        string        `yaml:"backend"` // "nethttp" (default) | "chromedp"
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	FollowRedirect bool          `yaml:"follow_redirect"`
	UserAgent      string        `yaml:"user_agent"`
}

// DefaultConfig returns sensible webclient defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        "nethttp",
		Timeout:        30 * time.Second,
		MaxBodyBytes:   4 << 20,
		FollowRedirect: true,
		UserAgent:      "kansa-scanner/0.1",
	}
}
