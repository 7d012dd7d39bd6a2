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

// PerformanceConfig tunes the performance probe.
type PerformanceConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	SlowTTFB  time.Duration `yaml:"slow_ttfb"`
	SlowTotal time.Duration `yaml:"slow_total"`

	// LargeBodyBytes triggers the oversized-page finding.
	LargeBodyBytes int64 `yaml:"large_body_bytes"`
}

func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		Timeout:        30 * time.Second,
		SlowTTFB:       1500 * time.Millisecond,
		SlowTotal:      5 * time.Second,
		LargeBodyBytes: 2 << 20,
	}
}

// PerformanceProvider times GET requests against the target and grades the
// response characteristics. Depth controls how many samples are averaged.
type PerformanceProvider struct {
	cfg    PerformanceConfig
	wc     webclient.WebClient
	logger logging.Logger
}

func NewPerformanceProvider(cfg PerformanceConfig, wc webclient.WebClient, logger logging.Logger) *PerformanceProvider {
	def := DefaultPerformanceConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SlowTTFB <= 0 {
		cfg.SlowTTFB = def.SlowTTFB
	}
	if cfg.SlowTotal <= 0 {
		cfg.SlowTotal = def.SlowTotal
	}
	if cfg.LargeBodyBytes <= 0 {
		cfg.LargeBodyBytes = def.LargeBodyBytes
	}
	return &PerformanceProvider{
		cfg:    cfg,
		wc:     wc,
		logger: logger.With(logging.Field{Key: "provider", Value: "performance"}),
	}
}

func (p *PerformanceProvider) Component() model.Component { return model.ComponentPerformance }

func (p *PerformanceProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	samples := 1
	if depthFactor >= 1.0 {
		samples = 2
	}
	if depthFactor >= 2.0 {
		samples = 3
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var (
		lastResp  *webclient.Response
		totalTTFB time.Duration
		totalTime time.Duration
		taken     int
	)
	for i := 0; i < samples; i++ {
		resp, err := p.wc.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: target})
		if err != nil {
			if taken == 0 {
				return FailureResult(p.Component(), fmt.Errorf("fetch target: %w", err))
			}
			break
		}
		lastResp = resp
		totalTTFB += resp.TTFB
		totalTime += resp.Total
		taken++
	}

	avgTTFB := totalTTFB / time.Duration(taken)
	avgTotal := totalTime / time.Duration(taken)

	var findings []model.Finding

	if avgTTFB > p.cfg.SlowTTFB {
		findings = append(findings, model.Finding{
			Title:          "Slow time to first byte",
			Description:    fmt.Sprintf("Average TTFB over %d request(s) was %s.", taken, avgTTFB.Round(time.Millisecond)),
			Severity:       model.SeverityMedium,
			Recommendation: "Investigate server-side latency: application time, database queries, upstream calls.",
		})
	}
	if avgTotal > p.cfg.SlowTotal {
		findings = append(findings, model.Finding{
			Title:       "Slow page load",
			Description: fmt.Sprintf("Average total fetch time over %d request(s) was %s.", taken, avgTotal.Round(time.Millisecond)),
			Severity:    model.SeverityMedium,
		})
	}

	bodySize := int64(len(lastResp.Body))
	if bodySize > p.cfg.LargeBodyBytes {
		findings = append(findings, model.Finding{
			Title:       "Oversized page body",
			Description: fmt.Sprintf("The page body is %d bytes.", bodySize),
			Severity:    model.SeverityLow,
		})
	}

	encoding := strings.ToLower(lastResp.Headers.Get("Content-Encoding"))
	if encoding == "" && bodySize > 16<<10 {
		findings = append(findings, model.Finding{
			Title:          "Response not compressed",
			Description:    "The response carries no Content-Encoding despite a sizeable body.",
			Severity:       model.SeverityLow,
			Recommendation: "Enable gzip or brotli compression for text responses.",
		})
	}

	if lastResp.Headers.Get("Cache-Control") == "" && lastResp.Headers.Get("Expires") == "" {
		findings = append(findings, model.Finding{
			Title:       "No caching headers",
			Description: "The response sets neither Cache-Control nor Expires.",
			Severity:    model.SeverityLow,
		})
	}

	if lastResp.Redirects >= 3 {
		findings = append(findings, model.Finding{
			Title:       "Long redirect chain",
			Description: fmt.Sprintf("The request followed %d redirects before the final response.", lastResp.Redirects),
			Severity:    model.SeverityLow,
		})
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Metadata: map[string]any{
			"samples":    taken,
			"avg_ttfb":   avgTTFB.String(),
			"avg_total":  avgTotal.String(),
			"body_bytes": bodySize,
			"encoding":   encoding,
		},
	}
}
