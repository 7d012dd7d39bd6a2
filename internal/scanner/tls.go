package scanner

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/raysh454/kansa/internal/cache"
	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scoring"
	"github.com/raysh454/kansa/internal/webclient"
)

// TLSConfig tunes the TLS provider.
type TLSConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// GradingAPIURL is an optional external SSL-grading endpoint. When set,
	// the provider consults it (through the injected cache) and degrades to
	// direct-probe results if it is unavailable.
	GradingAPIURL  string        `yaml:"grading_api_url"`
	GradingTimeout time.Duration `yaml:"grading_timeout"`

	// ExpiryWarningWindow controls the "expires soon" finding; default 30d.
	ExpiryWarningWindow time.Duration `yaml:"expiry_warning_window"`
}

func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		HandshakeTimeout:    10 * time.Second,
		GradingTimeout:      10 * time.Second,
		ExpiryWarningWindow: 30 * 24 * time.Hour,
	}
}

// TLSProvider performs a direct TLS handshake against the target and checks
// the certificate chain, negotiated protocol and cipher. Legacy-protocol
// probes and the external grading lookup only run at higher depth factors.
type TLSProvider struct {
	cfg    TLSConfig
	wc     webclient.WebClient
	cache  *cache.TTLCache
	logger logging.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, network, addr string, cfg *tls.Config) (*tls.Conn, error)
}

func NewTLSProvider(cfg TLSConfig, wc webclient.WebClient, c *cache.TTLCache, logger logging.Logger) *TLSProvider {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultTLSConfig().HandshakeTimeout
	}
	if cfg.ExpiryWarningWindow <= 0 {
		cfg.ExpiryWarningWindow = DefaultTLSConfig().ExpiryWarningWindow
	}
	return &TLSProvider{
		cfg:    cfg,
		wc:     wc,
		cache:  c,
		logger: logger.With(logging.Field{Key: "provider", Value: "tls"}),
		dial: func(ctx context.Context, network, addr string, cfg *tls.Config) (*tls.Conn, error) {
			d := &tls.Dialer{Config: cfg}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return conn.(*tls.Conn), nil
		},
	}
}

func (p *TLSProvider) Component() model.Component { return model.ComponentTLS }

func (p *TLSProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return FailureResult(p.Component(), fmt.Errorf("invalid target: %v", err))
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	var findings []model.Finding
	metadata := map[string]any{"address": addr}

	if u.Scheme == "http" {
		findings = append(findings, model.Finding{
			Title:          "Site served over plain HTTP",
			Description:    "The target URL uses http://; traffic is unencrypted in transit.",
			Severity:       model.SeverityHigh,
			Location:       target,
			Recommendation: "Serve the site over HTTPS and redirect HTTP to HTTPS.",
			WeaknessID:     "CWE-319",
		})
	}

	state, handshakeErr := p.handshake(ctx, addr, host, 0, 0)
	if handshakeErr != nil {
		findings = append(findings, model.Finding{
			Title:       "TLS handshake failed",
			Description: fmt.Sprintf("Could not establish a TLS connection to %s: %v", addr, handshakeErr),
			Severity:    model.SeverityHigh,
			Location:    addr,
		})
		return Result{
			Score:    scoring.ComponentScore(findings),
			Findings: findings,
			Metadata: metadata,
		}
	}

	findings = append(findings, p.certificateFindings(state, host)...)
	findings = append(findings, p.protocolFindings(state, addr)...)

	metadata["protocol"] = tls.VersionName(state.Version)
	metadata["cipher"] = tls.CipherSuiteName(state.CipherSuite)

	// Legacy-protocol acceptance probes widen the check at standard depth
	// and above.
	if depthFactor >= 1.0 {
		findings = append(findings, p.legacyProtocolFindings(ctx, addr)...)
	}

	grade := ""
	hasWarnings := len(findings) > 0
	if depthFactor >= 2.0 && p.cfg.GradingAPIURL != "" {
		if g, err := p.lookupGrade(ctx, host); err != nil {
			p.logger.Warn("grading api unavailable, using direct-probe results",
				logging.Field{Key: "host", Value: host},
				logging.Field{Key: "error", Value: err.Error()})
		} else {
			grade = g
			metadata["grade"] = g
			if g != "" && g[0] >= 'C' {
				findings = append(findings, model.Finding{
					Title:       fmt.Sprintf("External SSL grade %s", g),
					Description: fmt.Sprintf("The SSL grading service rated %s as %s.", host, g),
					Severity:    model.SeverityMedium,
					Location:    host,
				})
			}
		}
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Details: []model.DetailEntry{
			{Address: addr, Grade: grade, HasWarnings: hasWarnings},
		},
		Metadata: metadata,
	}
}

func (p *TLSProvider) handshake(ctx context.Context, addr, serverName string, minVersion, maxVersion uint16) (tls.ConnectionState, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", addr, &tls.Config{
		ServerName: serverName,
		MinVersion: minVersion,
		MaxVersion: maxVersion,
		// Verification findings are produced from the chain manually so a
		// bad certificate still yields a full report.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return tls.ConnectionState{}, err
	}
	defer conn.Close()
	return conn.ConnectionState(), nil
}

func (p *TLSProvider) certificateFindings(state tls.ConnectionState, host string) []model.Finding {
	if len(state.PeerCertificates) == 0 {
		return []model.Finding{{
			Title:       "No peer certificate presented",
			Description: "The server completed a handshake without presenting a certificate chain.",
			Severity:    model.SeverityHigh,
		}}
	}

	var findings []model.Finding
	leaf := state.PeerCertificates[0]
	now := time.Now()

	if now.After(leaf.NotAfter) {
		findings = append(findings, model.Finding{
			Title:          "Certificate expired",
			Description:    fmt.Sprintf("The certificate expired on %s.", leaf.NotAfter.Format(time.RFC3339)),
			Severity:       model.SeverityCritical,
			Recommendation: "Renew the certificate immediately.",
			WeaknessID:     "CWE-298",
		})
	} else if leaf.NotAfter.Sub(now) < p.cfg.ExpiryWarningWindow {
		findings = append(findings, model.Finding{
			Title:          "Certificate expires soon",
			Description:    fmt.Sprintf("The certificate expires on %s.", leaf.NotAfter.Format(time.RFC3339)),
			Severity:       model.SeverityMedium,
			Recommendation: "Renew the certificate before it expires.",
		})
	}

	if err := leaf.VerifyHostname(host); err != nil {
		findings = append(findings, model.Finding{
			Title:       "Certificate hostname mismatch",
			Description: fmt.Sprintf("The certificate is not valid for %s: %v", host, err),
			Severity:    model.SeverityHigh,
			WeaknessID:  "CWE-297",
		})
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Intermediates: intermediates}); err != nil {
		sev := model.SeverityHigh
		desc := fmt.Sprintf("Certificate chain verification failed: %v", err)
		if len(state.PeerCertificates) == 1 && leaf.Issuer.String() == leaf.Subject.String() {
			desc = "The server presented a self-signed certificate."
		}
		findings = append(findings, model.Finding{
			Title:       "Certificate not trusted",
			Description: desc,
			Severity:    sev,
			WeaknessID:  "CWE-295",
		})
	}

	return findings
}

func (p *TLSProvider) protocolFindings(state tls.ConnectionState, addr string) []model.Finding {
	var findings []model.Finding

	if state.Version < tls.VersionTLS12 {
		findings = append(findings, model.Finding{
			Title:          fmt.Sprintf("Obsolete protocol negotiated: %s", tls.VersionName(state.Version)),
			Description:    fmt.Sprintf("%s negotiated %s by default.", addr, tls.VersionName(state.Version)),
			Severity:       model.SeverityHigh,
			Recommendation: "Disable TLS 1.1 and below; require TLS 1.2 or newer.",
			WeaknessID:     "CWE-326",
		})
	}

	if weakCipher(state.CipherSuite) {
		findings = append(findings, model.Finding{
			Title:       fmt.Sprintf("Weak cipher suite: %s", tls.CipherSuiteName(state.CipherSuite)),
			Description: "The negotiated cipher suite uses a construction with known weaknesses.",
			Severity:    model.SeverityMedium,
			WeaknessID:  "CWE-327",
		})
	}

	return findings
}

// legacyProtocolFindings checks whether the server still accepts TLS 1.0/1.1
// even if it negotiates something newer by default.
func (p *TLSProvider) legacyProtocolFindings(ctx context.Context, addr string) []model.Finding {
	var findings []model.Finding
	for _, v := range []uint16{tls.VersionTLS10, tls.VersionTLS11} {
		state, err := p.handshake(ctx, addr, "", v, v)
		if err != nil {
			continue
		}
		findings = append(findings, model.Finding{
			Title:          fmt.Sprintf("Server accepts %s", tls.VersionName(state.Version)),
			Description:    fmt.Sprintf("%s completed a handshake when offered only %s.", addr, tls.VersionName(v)),
			Severity:       model.SeverityMedium,
			Recommendation: "Disable legacy TLS protocol versions on the server.",
			WeaknessID:     "CWE-326",
		})
	}
	return findings
}

// lookupGrade consults the external grading API, caching results per host.
func (p *TLSProvider) lookupGrade(ctx context.Context, host string) (string, error) {
	cacheKey := "tlsgrade:" + host
	if v, ok := p.cache.Get(cacheKey); ok {
		return v.(string), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.GradingTimeout)
	defer cancel()

	resp, err := p.wc.Do(reqCtx, &webclient.Request{
		Method: "GET",
		URL:    fmt.Sprintf("%s?host=%s", p.cfg.GradingAPIURL, url.QueryEscape(host)),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("grading api status %d", resp.StatusCode)
	}

	var parsed struct {
		Grade string `json:"grade"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("grading api response: %w", err)
	}
	grade := strings.ToUpper(strings.TrimSpace(parsed.Grade))
	if grade == "" {
		return "", fmt.Errorf("grading api returned no grade")
	}

	p.cache.Set(cacheKey, grade)
	return grade, nil
}

func weakCipher(id uint16) bool {
	name := tls.CipherSuiteName(id)
	return strings.Contains(name, "RC4") ||
		strings.Contains(name, "3DES") ||
		strings.Contains(name, "CBC_SHA256") ||
		strings.HasSuffix(name, "CBC_SHA")
}
