package scanner_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/testutil"
	"github.com/raysh454/kansa/internal/webclient"
)

func perfResponse(mutate func(*webclient.Response)) *testutil.DummyWebClient {
	resp := &webclient.Response{
		Body:       []byte("ok"),
		Headers:    http.Header{"Cache-Control": {"max-age=60"}, "Content-Encoding": {"gzip"}},
		StatusCode: http.StatusOK,
		TTFB:       50 * time.Millisecond,
		Total:      120 * time.Millisecond,
	}
	if mutate != nil {
		mutate(resp)
	}
	return &testutil.DummyWebClient{Responses: map[string]*webclient.Response{
		"https://example.com": resp,
	}}
}

func TestPerformanceProvider_FastResponseScoresPerfect(t *testing.T) {
	t.Parallel()
	wc := perfResponse(nil)
	p := scanner.NewPerformanceProvider(scanner.DefaultPerformanceConfig(), wc, &testutil.DummyLogger{})

	res := p.Scan(context.Background(), "https://example.com", 1.0)
	if res.Score != 100 || len(res.Findings) != 0 {
		t.Fatalf("fast response should score 100, got score=%d findings=%v",
			res.Score, findingTitles(res.Findings))
	}
}

func TestPerformanceProvider_SlowResponse(t *testing.T) {
	t.Parallel()
	wc := perfResponse(func(r *webclient.Response) {
		r.TTFB = 2 * time.Second
		r.Total = 6 * time.Second
	})
	p := scanner.NewPerformanceProvider(scanner.DefaultPerformanceConfig(), wc, &testutil.DummyLogger{})

	res := p.Scan(context.Background(), "https://example.com", 0.5)
	if !hasFindingContaining(res.Findings, "first byte") {
		t.Fatalf("expected TTFB finding, got %v", findingTitles(res.Findings))
	}
	if !hasFindingContaining(res.Findings, "Slow page load") {
		t.Fatalf("expected total-time finding, got %v", findingTitles(res.Findings))
	}
}

func TestPerformanceProvider_HygieneFindings(t *testing.T) {
	t.Parallel()
	wc := perfResponse(func(r *webclient.Response) {
		r.Headers = http.Header{} // no caching, no encoding
		r.Body = make([]byte, 3<<20)
		r.Redirects = 4
	})
	p := scanner.NewPerformanceProvider(scanner.DefaultPerformanceConfig(), wc, &testutil.DummyLogger{})

	res := p.Scan(context.Background(), "https://example.com", 0.5)
	for _, want := range []string{
		"Oversized page body",
		"not compressed",
		"No caching headers",
		"redirect chain",
	} {
		if !hasFindingContaining(res.Findings, want) {
			t.Fatalf("expected finding about %q, got %v", want, findingTitles(res.Findings))
		}
	}
}

func TestPerformanceProvider_SamplesByDepth(t *testing.T) {
	t.Parallel()
	cases := []struct {
		depth float64
		want  int
	}{
		{0.5, 1},
		{1.0, 2},
		{2.0, 3},
	}
	for _, tc := range cases {
		wc := perfResponse(nil)
		p := scanner.NewPerformanceProvider(scanner.DefaultPerformanceConfig(), wc, &testutil.DummyLogger{})
		res := p.Scan(context.Background(), "https://example.com", tc.depth)
		if wc.RequestCount() != tc.want {
			t.Fatalf("depth %.1f: expected %d samples, got %d", tc.depth, tc.want, wc.RequestCount())
		}
		if res.Metadata["samples"] != tc.want {
			t.Fatalf("depth %.1f: metadata samples %v", tc.depth, res.Metadata["samples"])
		}
	}
}

func TestPerformanceProvider_FetchFailure(t *testing.T) {
	t.Parallel()
	p := scanner.NewPerformanceProvider(scanner.DefaultPerformanceConfig(),
		&testutil.DummyWebClient{FailAll: true}, &testutil.DummyLogger{})

	res := p.Scan(context.Background(), "https://unreachable.invalid", 1.0)
	if res.Score != 0 || len(res.Findings) != 1 {
		t.Fatalf("fetch failure should produce a single failure finding, got %+v", res)
	}
}
