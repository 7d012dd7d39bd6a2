package scanner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scoring"
	"github.com/raysh454/kansa/internal/webclient"
)

// HeadersConfig tunes the header analysis provider.
type HeadersConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{Timeout: 15 * time.Second}
}

// HeadersProvider fetches the target once and evaluates its HTTP response
// headers against the usual security-header checklist.
type HeadersProvider struct {
	cfg    HeadersConfig
	wc     webclient.WebClient
	logger logging.Logger
}

func NewHeadersProvider(cfg HeadersConfig, wc webclient.WebClient, logger logging.Logger) *HeadersProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeadersConfig().Timeout
	}
	return &HeadersProvider{
		cfg:    cfg,
		wc:     wc,
		logger: logger.With(logging.Field{Key: "provider", Value: "headers"}),
	}
}

func (p *HeadersProvider) Component() model.Component { return model.ComponentHeaders }

func (p *HeadersProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.wc.Do(reqCtx, &webclient.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return FailureResult(p.Component(), fmt.Errorf("fetch target: %w", err))
	}

	https := strings.HasPrefix(strings.ToLower(target), "https://")
	h := resp.Headers

	var findings []model.Finding

	if https && h.Get("Strict-Transport-Security") == "" {
		findings = append(findings, model.Finding{
			Title:          "Missing Strict-Transport-Security header",
			Description:    "Without HSTS, browsers may connect over plain HTTP on first visit or after downgrade attacks.",
			Severity:       model.SeverityMedium,
			Recommendation: "Set Strict-Transport-Security: max-age=31536000; includeSubDomains.",
			References:     []string{"https://developer.mozilla.org/docs/Web/HTTP/Headers/Strict-Transport-Security"},
			WeaknessID:     "CWE-319",
		})
	}

	if h.Get("Content-Security-Policy") == "" {
		findings = append(findings, model.Finding{
			Title:          "Missing Content-Security-Policy header",
			Description:    "Without a CSP, injected scripts run unrestricted in the page context.",
			Severity:       model.SeverityMedium,
			Recommendation: "Define a Content-Security-Policy that restricts script and frame sources.",
			WeaknessID:     "CWE-693",
		})
	} else if csp := h.Get("Content-Security-Policy"); strings.Contains(csp, "unsafe-inline") || strings.Contains(csp, "unsafe-eval") {
		findings = append(findings, model.Finding{
			Title:       "Permissive Content-Security-Policy",
			Description: "The CSP allows 'unsafe-inline' or 'unsafe-eval', weakening script-injection protection.",
			Severity:    model.SeverityLow,
			Evidence:    csp,
		})
	}

	if h.Get("X-Frame-Options") == "" && !cspHasFrameAncestors(h.Get("Content-Security-Policy")) {
		findings = append(findings, model.Finding{
			Title:          "Missing clickjacking protection",
			Description:    "Neither X-Frame-Options nor a frame-ancestors CSP directive is set.",
			Severity:       model.SeverityMedium,
			Recommendation: "Set X-Frame-Options: DENY or a frame-ancestors directive.",
			WeaknessID:     "CWE-1021",
		})
	}

	if !strings.EqualFold(h.Get("X-Content-Type-Options"), "nosniff") {
		findings = append(findings, model.Finding{
			Title:          "Missing X-Content-Type-Options header",
			Description:    "Browsers may MIME-sniff responses, enabling content-type confusion attacks.",
			Severity:       model.SeverityLow,
			Recommendation: "Set X-Content-Type-Options: nosniff.",
		})
	}

	if h.Get("Referrer-Policy") == "" {
		findings = append(findings, model.Finding{
			Title:       "Missing Referrer-Policy header",
			Description: "Full URLs may leak to third parties through the Referer header.",
			Severity:    model.SeverityLow,
		})
	}

	// The long tail only at standard depth and deeper.
	if depthFactor >= 1.0 {
		if h.Get("Permissions-Policy") == "" {
			findings = append(findings, model.Finding{
				Title:       "Missing Permissions-Policy header",
				Description: "Powerful browser features (camera, geolocation, ...) are not explicitly restricted.",
				Severity:    model.SeverityInfo,
			})
		}
		findings = append(findings, cookieFindings(h, https)...)
	}

	if server := h.Get("Server"); serverDisclosesVersion(server) {
		findings = append(findings, model.Finding{
			Title:       "Server header discloses software version",
			Description: "Version disclosure helps attackers match known exploits to the deployment.",
			Severity:    model.SeverityLow,
			Evidence:    server,
			WeaknessID:  "CWE-200",
		})
	}
	if powered := h.Get("X-Powered-By"); powered != "" {
		findings = append(findings, model.Finding{
			Title:       "X-Powered-By header present",
			Description: "The response advertises its application stack.",
			Severity:    model.SeverityLow,
			Evidence:    powered,
			WeaknessID:  "CWE-200",
		})
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Metadata: map[string]any{
			"status":        resp.StatusCode,
			"headers_seen":  len(h),
			"target_scheme": schemeOf(target),
		},
	}
}

func cookieFindings(h http.Header, https bool) []model.Finding {
	var findings []model.Finding
	for _, raw := range h.Values("Set-Cookie") {
		name, _, _ := strings.Cut(strings.TrimSpace(raw), "=")
		if name == "" {
			continue
		}
		lower := strings.ToLower(raw)
		if https && !strings.Contains(lower, "secure") {
			findings = append(findings, model.Finding{
				Title:       fmt.Sprintf("Cookie %q missing Secure flag", name),
				Description: "The cookie may be sent over unencrypted connections.",
				Severity:    model.SeverityMedium,
				Evidence:    name,
				WeaknessID:  "CWE-614",
			})
		}
		if !strings.Contains(lower, "httponly") {
			findings = append(findings, model.Finding{
				Title:       fmt.Sprintf("Cookie %q missing HttpOnly flag", name),
				Description: "The cookie is readable from JavaScript, easing session theft via XSS.",
				Severity:    model.SeverityLow,
				Evidence:    name,
				WeaknessID:  "CWE-1004",
			})
		}
	}
	return findings
}

func cspHasFrameAncestors(csp string) bool {
	return strings.Contains(strings.ToLower(csp), "frame-ancestors")
}

// serverDisclosesVersion reports whether a Server header value carries a
// version number ("nginx/1.18.0" yes, "nginx" no).
func serverDisclosesVersion(server string) bool {
	if server == "" {
		return false
	}
	for _, r := range server {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func schemeOf(target string) string {
	scheme, _, ok := strings.Cut(target, "://")
	if !ok {
		return ""
	}
	return scheme
}
