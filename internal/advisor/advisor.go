// Package advisor turns a finished scan result into remediation guidance.
// The primary path asks an LLM endpoint for an assessment; every failure
// degrades to a deterministic fallback derived from the scores, so enrichment
// never blocks or fails a scan.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/webclient"
)

const maxItems = 3

// Config tunes the advisor.
type Config struct {
	// Endpoint is the LLM generate API. Empty disables the remote path;
	// every analysis then comes from the fallback.
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Model:   "llama3",
		Timeout: 60 * time.Second,
	}
}

// Advisor generates per-scan analysis.
type Advisor struct {
	cfg    Config
	wc     webclient.WebClient
	logger logging.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, wc webclient.WebClient, logger logging.Logger) *Advisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &Advisor{
		cfg:    cfg,
		wc:     wc,
		logger: logger.With(logging.Field{Key: "component", Value: "advisor"}),
		now:    time.Now,
	}
}

// Advise produces an analysis for the result. It never returns an error: any
// failure on the remote path is logged and answered with the fallback.
func (a *Advisor) Advise(ctx context.Context, result *model.ScanResult) *model.AIAnalysis {
	if a.cfg.Endpoint == "" || a.wc == nil {
		return a.Fallback(result)
	}

	analysis, err := a.analyze(ctx, result)
	if err != nil {
		a.logger.Warn("ai analysis failed, using fallback",
			logging.Field{Key: "job_id", Value: result.JobID},
			logging.Field{Key: "error", Value: err.Error()})
		return a.Fallback(result)
	}
	return analysis
}

func (a *Advisor) analyze(ctx context.Context, result *model.ScanResult) (*model.AIAnalysis, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model":  a.cfg.Model,
		"prompt": buildPrompt(result),
		"stream": false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.wc.Do(reqCtx, &webclient.Request{
		Method:  http.MethodPost,
		URL:     a.cfg.Endpoint,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("call llm endpoint: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm endpoint status %d", resp.StatusCode)
	}

	var decoded struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if strings.TrimSpace(decoded.Response) == "" {
		return nil, fmt.Errorf("llm returned empty response")
	}

	analysis := parseResponse(decoded.Response)
	analysis.Source = model.AnalysisSourceAI
	analysis.GeneratedAt = a.now()
	return analysis, nil
}

// buildPrompt renders the scan result into the sectioned prompt the parser
// expects back.
func buildPrompt(result *model.ScanResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a cybersecurity expert analyzing a website security scan.
Based on the following scan results, provide:
1. A risk assessment summary (2-3 sentences)
2. Three specific recommendations to improve security
3. Prioritized actions in order of importance

URL: %s
Overall Security Score: %d/100

Security Issues Found:
`, result.Target, result.Summary.Overall)

	for _, comp := range sortedComponents(result.Components) {
		for _, f := range result.Components[comp].Findings {
			fmt.Fprintf(&b, "\n- [%s] %s severity: %s - %s", comp, f.Severity, f.Title, f.Description)
		}
	}

	b.WriteString(`

Format your response as follows:

RISK ASSESSMENT:
[Your assessment here]

RECOMMENDATIONS:
- [First recommendation]
- [Second recommendation]
- [Third recommendation]

PRIORITIZED ACTIONS:
- [First action]
- [Second action]
- [Third action]
`)
	return b.String()
}

// parseResponse extracts the three sections from the model's text reply.
// Missing or short sections are padded with defaults so the caller always
// gets a full analysis.
func parseResponse(text string) *model.AIAnalysis {
	analysis := &model.AIAnalysis{
		RiskAssessment:     section(text, "RISK ASSESSMENT:", "RECOMMENDATIONS:"),
		Recommendations:    bulletItems(section(text, "RECOMMENDATIONS:", "PRIORITIZED ACTIONS:")),
		PrioritizedActions: bulletItems(section(text, "PRIORITIZED ACTIONS:", "")),
	}

	if analysis.RiskAssessment == "" {
		analysis.RiskAssessment = "Based on the scan results, the website has security vulnerabilities that should be addressed."
	}
	analysis.Recommendations = padItems(capItems(analysis.Recommendations), defaultRecommendations)
	analysis.PrioritizedActions = padItems(capItems(analysis.PrioritizedActions), defaultActions)
	return analysis
}

func section(text, start, end string) string {
	i := strings.Index(text, start)
	if i < 0 {
		return ""
	}
	rest := text[i+len(start):]
	if end != "" {
		if j := strings.Index(rest, end); j >= 0 {
			rest = rest[:j]
		}
	}
	return strings.TrimSpace(rest)
}

func bulletItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			if item := strings.TrimSpace(line[1:]); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

func capItems(items []string) []string {
	if len(items) > maxItems {
		return items[:maxItems]
	}
	return items
}

func padItems(items, defaults []string) []string {
	for len(items) < maxItems {
		items = append(items, defaults[len(items)])
	}
	return items
}

var defaultRecommendations = []string{
	"Update SSL/TLS configuration to modern standards",
	"Implement proper security headers",
	"Address identified vulnerabilities in order of severity",
}

var defaultActions = []string{
	"Fix critical vulnerabilities immediately",
	"Implement security headers",
	"Regular security assessments",
}

// componentAdvice is the canned recommendation used by the fallback when a
// component scores below the attention threshold.
var componentAdvice = map[model.Component]string{
	model.ComponentTLS:         "Update SSL/TLS configuration: renew weak certificates and disable legacy protocol versions",
	model.ComponentHeaders:     "Implement the missing security headers, starting with Content-Security-Policy and HSTS",
	model.ComponentPorts:       "Close or firewall the exposed network services that do not need to be public",
	model.ComponentVulns:       "Remove exposed sensitive files and fix the detected application weaknesses",
	model.ComponentContent:     "Fix the content and markup issues affecting accessibility and search visibility",
	model.ComponentPerformance: "Reduce response times with caching, compression and a shorter redirect chain",
}

const adviceThreshold = 70

// Fallback derives a deterministic analysis from the scores alone. Same
// result in, same analysis out.
func (a *Advisor) Fallback(result *model.ScanResult) *model.AIAnalysis {
	overall := result.Summary.Overall
	counts := result.Summary.Counts

	var risk string
	switch {
	case overall < 50:
		risk = fmt.Sprintf("The site scored %d/100, indicating a high security risk. %d critical and %d high severity issues require immediate attention.",
			overall, counts.Critical, counts.High)
	case overall < 80:
		risk = fmt.Sprintf("The site scored %d/100, indicating a moderate security risk. Addressing the identified issues will meaningfully improve its posture.", overall)
	default:
		risk = fmt.Sprintf("The site scored %d/100, indicating a low security risk. The remaining findings are worth reviewing but not urgent.", overall)
	}

	var recommendations []string
	for _, comp := range sortedByScore(result.Summary.ComponentScores) {
		if result.Summary.ComponentScores[comp] < adviceThreshold {
			recommendations = append(recommendations, componentAdvice[comp])
		}
	}

	var actions []string
	if counts.Critical > 0 {
		actions = append(actions, fmt.Sprintf("Fix the %d critical finding(s) immediately", counts.Critical))
	}
	if counts.High > 0 {
		actions = append(actions, fmt.Sprintf("Resolve the %d high severity finding(s) next", counts.High))
	}
	if counts.Medium > 0 {
		actions = append(actions, fmt.Sprintf("Schedule remediation for the %d medium severity finding(s)", counts.Medium))
	}

	return &model.AIAnalysis{
		RiskAssessment:     risk,
		Recommendations:    padItems(capItems(recommendations), defaultRecommendations),
		PrioritizedActions: padItems(capItems(actions), defaultActions),
		Source:             model.AnalysisSourceFallback,
		GeneratedAt:        a.now(),
	}
}

func sortedComponents(m map[model.Component]model.ComponentResult) []model.Component {
	comps := make([]model.Component, 0, len(m))
	for c := range m {
		comps = append(comps, c)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i] < comps[j] })
	return comps
}

// sortedByScore orders components worst-first so the fallback leads with the
// weakest area, breaking ties by name for determinism.
func sortedByScore(scores map[model.Component]int) []model.Component {
	comps := make([]model.Component, 0, len(scores))
	for c := range scores {
		comps = append(comps, c)
	}
	sort.Slice(comps, func(i, j int) bool {
		if scores[comps[i]] != scores[comps[j]] {
			return scores[comps[i]] < scores[comps[j]]
		}
		return comps[i] < comps[j]
	})
	return comps
}
