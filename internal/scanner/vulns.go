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

// VulnsConfig tunes the vulnerability heuristics provider.
type VulnsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultVulnsConfig() VulnsConfig {
	return VulnsConfig{Timeout: 20 * time.Second}
}

// sensitivePath is one probe target ordered roughly by how damning an
// accessible hit is. The probe list is cut off by depth factor, so the most
// severe probes always run first.
type sensitivePath struct {
	path     string
	marker   string // optional body substring required to count as a hit
	title    string
	severity model.Severity
	weakness string
}

var sensitivePaths = []sensitivePath{
	{"/.git/HEAD", "ref:", "Exposed .git repository", model.SeverityCritical, "CWE-538"},
	{"/.env", "=", "Exposed .env file", model.SeverityCritical, "CWE-538"},
	{"/config.php.bak", "", "Exposed configuration backup", model.SeverityHigh, "CWE-530"},
	{"/backup.sql", "", "Exposed database dump", model.SeverityHigh, "CWE-530"},
	{"/.htpasswd", ":", "Exposed .htpasswd file", model.SeverityHigh, "CWE-538"},
	{"/wp-config.php.bak", "", "Exposed WordPress config backup", model.SeverityHigh, "CWE-530"},
	{"/.DS_Store", "", "Exposed .DS_Store file", model.SeverityLow, "CWE-538"},
	{"/phpinfo.php", "phpinfo()", "Exposed phpinfo page", model.SeverityMedium, "CWE-200"},
	{"/server-status", "Apache Server Status", "Exposed Apache server-status", model.SeverityMedium, "CWE-200"},
	{"/.svn/entries", "", "Exposed .svn metadata", model.SeverityHigh, "CWE-538"},
	{"/admin/", "", "Admin interface reachable", model.SeverityInfo, ""},
	{"/debug", "", "Debug endpoint reachable", model.SeverityLow, ""},
}

var errorMarkers = []string{
	"Fatal error:",
	"Stack trace:",
	"Traceback (most recent call last)",
	"ORA-01",
	"at java.lang.",
	"System.NullReferenceException",
}

// VulnsProvider applies lightweight vulnerability heuristics: sensitive-path
// probing, directory-listing and error-disclosure detection, and form
// inspection of the landing page.
type VulnsProvider struct {
	cfg    VulnsConfig
	wc     webclient.WebClient
	logger logging.Logger
}

func NewVulnsProvider(cfg VulnsConfig, wc webclient.WebClient, logger logging.Logger) *VulnsProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultVulnsConfig().Timeout
	}
	return &VulnsProvider{
		cfg:    cfg,
		wc:     wc,
		logger: logger.With(logging.Field{Key: "provider", Value: "vulns"}),
	}
}

func (p *VulnsProvider) Component() model.Component { return model.ComponentVulns }

func (p *VulnsProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	landing, err := p.wc.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return FailureResult(p.Component(), fmt.Errorf("fetch target: %w", err))
	}

	var findings []model.Finding
	findings = append(findings, bodyDisclosureFindings(target, landing.Body)...)
	findings = append(findings, p.formFindings(target, landing.Body)...)

	probed := 0
	probes := int(float64(len(sensitivePaths)) * depthFactor / 2.0 * 2)
	if probes < 4 {
		probes = 4
	}
	if probes > len(sensitivePaths) {
		probes = len(sensitivePaths)
	}

	for _, probe := range sensitivePaths[:probes] {
		select {
		case <-scanCtx.Done():
			// Time budget exhausted; report what we have.
			return Result{
				Score:    scoring.ComponentScore(findings),
				Findings: findings,
				Metadata: map[string]any{"paths_probed": probed, "truncated": true},
			}
		default:
		}

		probeURL := utils.ResolveRef(target, probe.path)
		if probeURL == "" {
			continue
		}
		probed++

		resp, err := p.wc.Do(scanCtx, &webclient.Request{Method: http.MethodGet, URL: probeURL})
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		if probe.marker != "" && !bytes.Contains(resp.Body, []byte(probe.marker)) {
			continue
		}
		findings = append(findings, model.Finding{
			Title:          probe.title,
			Description:    fmt.Sprintf("%s responded with HTTP 200.", probeURL),
			Severity:       probe.severity,
			Location:       probeURL,
			Recommendation: "Remove the file or block access to it at the web server.",
			WeaknessID:     probe.weakness,
		})
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Metadata: map[string]any{"paths_probed": probed},
	}
}

// bodyDisclosureFindings checks the landing page body for directory listings
// and verbose error output.
func bodyDisclosureFindings(target string, body []byte) []model.Finding {
	var findings []model.Finding

	if bytes.Contains(body, []byte("<title>Index of /")) || bytes.Contains(body, []byte(">Index of /<")) {
		findings = append(findings, model.Finding{
			Title:       "Directory listing enabled",
			Description: "The server returns a file index instead of a page.",
			Severity:    model.SeverityMedium,
			Location:    target,
			WeaknessID:  "CWE-548",
		})
	}

	for _, marker := range errorMarkers {
		if bytes.Contains(body, []byte(marker)) {
			findings = append(findings, model.Finding{
				Title:       "Verbose error output in page body",
				Description: "The page contains what looks like an unhandled error trace.",
				Severity:    model.SeverityMedium,
				Evidence:    marker,
				Location:    target,
				WeaknessID:  "CWE-209",
			})
			break
		}
	}

	return findings
}

// formFindings inspects forms on the landing page for the classic
// credential-handling mistakes.
func (p *VulnsProvider) formFindings(target string, body []byte) []model.Finding {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// Not HTML; nothing to inspect.
		return nil
	}

	https := strings.HasPrefix(strings.ToLower(target), "https://")
	var findings []model.Finding

	doc.Find("form").Each(func(i int, form *goquery.Selection) {
		action, _ := form.Attr("action")
		hasPassword := form.Find(`input[type="password"]`).Length() > 0

		if hasPassword {
			submitsInsecurely := !https
			if strings.HasPrefix(strings.ToLower(action), "http://") {
				submitsInsecurely = true
			}
			if submitsInsecurely {
				findings = append(findings, model.Finding{
					Title:          "Password form submits over plain HTTP",
					Description:    "Credentials entered into this form travel unencrypted.",
					Severity:       model.SeverityCritical,
					Location:       target,
					Evidence:       action,
					Recommendation: "Serve the form and its action over HTTPS.",
					WeaknessID:     "CWE-319",
				})
			}

			if v, ok := form.Find(`input[type="password"]`).Attr("autocomplete"); !ok || v != "off" {
				// Informational only; modern guidance tolerates managed
				// autocomplete for password managers.
				findings = append(findings, model.Finding{
					Title:       "Password field allows autocomplete",
					Description: "The password input does not disable autocomplete.",
					Severity:    model.SeverityInfo,
					Location:    target,
				})
			}

			method, _ := form.Attr("method")
			if strings.EqualFold(method, "post") && form.Find(`input[type="hidden"]`).Length() == 0 {
				findings = append(findings, model.Finding{
					Title:       "POST form without hidden token field",
					Description: "The form carries no hidden field that could hold a CSRF token.",
					Severity:    model.SeverityMedium,
					Location:    target,
					WeaknessID:  "CWE-352",
				})
			}
		}
	})

	if https {
		insecure := ""
		count := 0
		doc.Find("script[src], link[href], img[src], iframe[src]").Each(func(i int, sel *goquery.Selection) {
			for _, attr := range []string{"src", "href"} {
				if v, ok := sel.Attr(attr); ok && strings.HasPrefix(strings.ToLower(v), "http://") {
					if insecure == "" {
						insecure = v
					}
					count++
					return
				}
			}
		})
		if count > 0 {
			findings = append(findings, model.Finding{
				Title:       "Mixed content on HTTPS page",
				Description: fmt.Sprintf("The page loads %d subresource(s) over plain HTTP.", count),
				Severity:    model.SeverityMedium,
				Evidence:    insecure,
				Location:    target,
				WeaknessID:  "CWE-311",
			})
		}
	}

	return findings
}
