package scanner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scoring"
	"github.com/raysh454/kansa/internal/utils"
	"github.com/raysh454/kansa/internal/webclient"
)

// ContentConfig tunes the content/SEO/accessibility provider.
type ContentConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// MaxSampledPages bounds the same-domain link sampling done at deep
	// scans.
	MaxSampledPages int `yaml:"max_sampled_pages"`
}

func DefaultContentConfig() ContentConfig {
	return ContentConfig{
		Timeout:         30 * time.Second,
		MaxSampledPages: 5,
	}
}

// ContentProvider checks the landing page's content quality: SEO metadata,
// heading structure, accessibility basics and markup hygiene. At deep scans
// it fetches the rendered DOM through the render client (headless browser)
// and samples a bounded set of same-domain pages.
type ContentProvider struct {
	cfg    ContentConfig
	wc     webclient.WebClient
	render webclient.WebClient // optional; used when depthFactor >= 2.0
	logger logging.Logger
}

func NewContentProvider(cfg ContentConfig, wc, render webclient.WebClient, logger logging.Logger) *ContentProvider {
	def := DefaultContentConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxSampledPages <= 0 {
		cfg.MaxSampledPages = def.MaxSampledPages
	}
	return &ContentProvider{
		cfg:    cfg,
		wc:     wc,
		render: render,
		logger: logger.With(logging.Field{Key: "provider", Value: "content"}),
	}
}

func (p *ContentProvider) Component() model.Component { return model.ComponentContent }

func (p *ContentProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	client := p.wc
	rendered := false
	if depthFactor >= 2.0 && p.render != nil {
		client = p.render
		rendered = true
	}

	resp, err := client.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: target})
	if err != nil && rendered {
		// Headless fetch failed; fall back to the plain client.
		p.logger.Warn("rendered fetch failed, falling back to nethttp",
			logging.Field{Key: "error", Value: err.Error()})
		rendered = false
		resp, err = p.wc.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: target})
	}
	if err != nil {
		return FailureResult(p.Component(), fmt.Errorf("fetch target: %w", err))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return FailureResult(p.Component(), fmt.Errorf("parse html: %w", err))
	}

	findings := pageContentFindings(doc, resp.Body, target, true)

	sampled := 0
	if depthFactor >= 2.0 {
		for _, link := range p.collectPages(doc, target) {
			if sampled >= p.cfg.MaxSampledPages {
				break
			}
			select {
			case <-scanCtx.Done():
				break
			default:
			}
			sub, err := p.wc.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: link})
			if err != nil || sub.StatusCode != http.StatusOK {
				continue
			}
			subDoc, err := goquery.NewDocumentFromReader(bytes.NewReader(sub.Body))
			if err != nil {
				continue
			}
			sampled++
			findings = append(findings, pageContentFindings(subDoc, sub.Body, link, false)...)
		}
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Metadata: map[string]any{
			"rendered":      rendered,
			"pages_sampled": sampled,
		},
	}
}

// collectPages extracts same-domain links from the document, deduplicated
// and resolved to absolute URLs.
func (p *ContentProvider) collectPages(doc *goquery.Document, base string) []string {
	seen := map[string]bool{base: true}
	var links []string
	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := utils.ResolveRef(base, href)
		if resolved == "" || seen[resolved] || !utils.SameHost(base, resolved) {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})
	return links
}

// pageContentFindings runs the per-page checklist. The landing page gets the
// full set; sampled pages only the checks that make sense everywhere.
func pageContentFindings(doc *goquery.Document, body []byte, pageURL string, landing bool) []model.Finding {
	var findings []model.Finding

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		findings = append(findings, model.Finding{
			Title:       "Page has no title",
			Description: "The document is missing a <title> element.",
			Severity:    model.SeverityMedium,
			Location:    pageURL,
		})
	} else if len(title) > 70 {
		findings = append(findings, model.Finding{
			Title:       "Page title too long",
			Description: fmt.Sprintf("The title is %d characters; search engines truncate around 60-70.", len(title)),
			Severity:    model.SeverityInfo,
			Location:    pageURL,
		})
	}

	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); !ok || strings.TrimSpace(desc) == "" {
		findings = append(findings, model.Finding{
			Title:       "Missing meta description",
			Description: "The page has no meta description for search results.",
			Severity:    model.SeverityLow,
			Location:    pageURL,
		})
	}

	h1s := doc.Find("h1").Length()
	if h1s == 0 {
		findings = append(findings, model.Finding{
			Title:       "Page has no top-level heading",
			Description: "No <h1> element was found.",
			Severity:    model.SeverityLow,
			Location:    pageURL,
		})
	} else if h1s > 1 {
		findings = append(findings, model.Finding{
			Title:       "Multiple top-level headings",
			Description: fmt.Sprintf("The page has %d <h1> elements.", h1s),
			Severity:    model.SeverityInfo,
			Location:    pageURL,
		})
	}

	images := doc.Find("img").Length()
	if images > 0 {
		missingAlt := 0
		doc.Find("img").Each(func(i int, sel *goquery.Selection) {
			if v, ok := sel.Attr("alt"); !ok || strings.TrimSpace(v) == "" {
				missingAlt++
			}
		})
		if missingAlt > 0 {
			findings = append(findings, model.Finding{
				Title:       "Images without alt text",
				Description: fmt.Sprintf("%d of %d images have no alt attribute.", missingAlt, images),
				Severity:    model.SeverityLow,
				Location:    pageURL,
			})
		}
	}

	// Landing-page-only checks.
	if landing {
		if !bytes.Contains(bytes.ToLower(body[:min(len(body), 256)]), []byte("<!doctype html")) {
			findings = append(findings, model.Finding{
				Title:       "Missing HTML5 doctype",
				Description: "The document does not start with <!doctype html>.",
				Severity:    model.SeverityInfo,
				Location:    pageURL,
			})
		}

		if doc.Find(`link[rel="canonical"]`).Length() == 0 {
			findings = append(findings, model.Finding{
				Title:       "Missing canonical link",
				Description: "The page declares no canonical URL.",
				Severity:    model.SeverityInfo,
				Location:    pageURL,
			})
		}

		if lang, ok := doc.Find("html").Attr("lang"); !ok || strings.TrimSpace(lang) == "" {
			findings = append(findings, model.Finding{
				Title:       "Missing document language",
				Description: "The <html> element has no lang attribute.",
				Severity:    model.SeverityLow,
				Location:    pageURL,
			})
		}

		deprecated := doc.Find("font, center, marquee, blink").Length()
		if deprecated > 0 {
			findings = append(findings, model.Finding{
				Title:       "Deprecated HTML elements in use",
				Description: fmt.Sprintf("The page uses %d deprecated presentational element(s).", deprecated),
				Severity:    model.SeverityLow,
				Location:    pageURL,
			})
		}

		inlineHandlers := doc.Find("[onclick], [onload], [onerror], [onmouseover]").Length()
		if inlineHandlers > 0 {
			findings = append(findings, model.Finding{
				Title:       "Inline event handlers present",
				Description: fmt.Sprintf("%d element(s) use inline event handler attributes, which conflict with a strict CSP.", inlineHandlers),
				Severity:    model.SeverityInfo,
				Location:    pageURL,
			})
		}
	}

	return findings
}
