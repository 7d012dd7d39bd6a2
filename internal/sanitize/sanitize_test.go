package sanitize

import (
	"strings"
	"testing"

	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scanner"
)

type selfRef struct {
	Name string
	Next *selfRef
}

func TestComponent_PreservesScalars(t *testing.T) {
	t.Parallel()
	raw := scanner.Result{
		Score: 80,
		Findings: []model.Finding{
			{
				Title:          "Missing HSTS",
				Description:    "no Strict-Transport-Security header",
				Severity:       model.SeverityMedium,
				Location:       "https://example.com",
				Recommendation: "add the header",
				References:     []string{"https://owasp.org/hsts"},
				WeaknessID:     "CWE-319",
			},
		},
		Details: []model.DetailEntry{{Port: 443, Service: "https", State: "open"}},
		Metadata: map[string]any{
			"checked": 7,
			"grade":   "B",
		},
	}

	out := Component(raw)
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if out.Score != 80 {
		t.Fatalf("score not preserved: %d", out.Score)
	}
	if len(out.Findings) != 1 || out.Findings[0].Title != "Missing HSTS" {
		t.Fatalf("findings mangled: %+v", out.Findings)
	}
	if len(out.Details) != 1 || out.Details[0].Port != 443 {
		t.Fatalf("details mangled: %+v", out.Details)
	}
	if out.Metadata["checked"] != "7" || out.Metadata["grade"] != "B" {
		t.Fatalf("metadata mangled: %+v", out.Metadata)
	}
}

// Adversarial input with a self-reference must neither panic nor produce a
// self-referencing output.
func TestComponent_SelfReferenceTerminates(t *testing.T) {
	t.Parallel()
	node := &selfRef{Name: "a"}
	node.Next = node

	cyclicMap := map[string]any{}
	cyclicMap["self"] = cyclicMap

	raw := scanner.Result{
		Score: 50,
		Metadata: map[string]any{
			"node": node,
			"map":  cyclicMap,
		},
		Raw: node,
	}

	out := Component(raw)
	if out.Error != "" {
		t.Fatalf("sanitizer should absorb cycles, got error: %s", out.Error)
	}
	for k, v := range out.Metadata {
		if !strings.Contains(v, "<cycle>") && k != "raw" {
			continue
		}
		if len(v) > MaxStringLen {
			t.Fatalf("metadata value for %q exceeds bound: %d bytes", k, len(v))
		}
	}
	if _, ok := out.Metadata["raw"]; !ok {
		t.Fatal("raw snapshot should be flattened into metadata")
	}
}

func TestComponent_DropsNonSerializableLeaves(t *testing.T) {
	t.Parallel()
	raw := scanner.Result{
		Score: 100,
		Metadata: map[string]any{
			"fn":   func() {},
			"ch":   make(chan int),
			"good": "kept",
		},
	}
	out := Component(raw)
	if out.Metadata["good"] != "kept" {
		t.Fatalf("expected good key kept: %+v", out.Metadata)
	}
	if _, ok := out.Metadata["fn"]; ok {
		t.Fatal("function value should be dropped")
	}
	if _, ok := out.Metadata["ch"]; ok {
		t.Fatal("channel value should be dropped")
	}
}

func TestComponent_BoundsApplied(t *testing.T) {
	t.Parallel()
	var findings []model.Finding
	for i := 0; i < MaxFindings+50; i++ {
		findings = append(findings, model.Finding{
			Title:    strings.Repeat("x", MaxTitleLen+100),
			Severity: model.SeverityLow,
		})
	}
	var details []model.DetailEntry
	for i := 0; i < MaxDetails+10; i++ {
		details = append(details, model.DetailEntry{Port: i})
	}

	out := Component(scanner.Result{Score: 90, Findings: findings, Details: details})
	if len(out.Findings) != MaxFindings {
		t.Fatalf("findings not capped: %d", len(out.Findings))
	}
	if len(out.Findings[0].Title) != MaxTitleLen {
		t.Fatalf("title not truncated: %d", len(out.Findings[0].Title))
	}
	if len(out.Details) != MaxDetails {
		t.Fatalf("details not capped: %d", len(out.Details))
	}
}

func TestComponent_UncanonicalSeverityFixedUp(t *testing.T) {
	t.Parallel()
	out := Component(scanner.Result{
		Score:    95,
		Findings: []model.Finding{{Title: "odd", Severity: model.Severity("BANANAS")}},
	})
	if out.Findings[0].Severity != model.SeverityInfo {
		t.Fatalf("expected Info fallback, got %s", out.Findings[0].Severity)
	}
	if out.Findings[0].RawSeverity != "BANANAS" {
		t.Fatalf("raw severity not preserved: %q", out.Findings[0].RawSeverity)
	}
}

func TestComponent_ScoreClamped(t *testing.T) {
	t.Parallel()
	if got := Component(scanner.Result{Score: -5}); got.Score != 0 {
		t.Fatalf("expected clamp to 0, got %d", got.Score)
	}
	if got := Component(scanner.Result{Score: 250}); got.Score != 100 {
		t.Fatalf("expected clamp to 100, got %d", got.Score)
	}
}
