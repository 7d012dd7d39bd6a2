package scanner

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
)

func discardLogger() logging.Logger {
	return logging.NewLogrusLogger("test", "error", io.Discard)
}

func TestPortsProvider_DNSFailureSkipsScan(t *testing.T) {
	t.Parallel()
	p := NewPortsProvider(DefaultPortsConfig(), discardLogger())
	p.resolve = func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}
	p.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		t.Error("dial must not run when resolution fails")
		return nil
	}

	res := p.Scan(context.Background(), "https://does-not-resolve.invalid", 1.0)

	if res.Score != 100 {
		t.Fatalf("unresolvable host should score 100, got %d", res.Score)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("expected a single informational finding, got %d", len(res.Findings))
	}
	f := res.Findings[0]
	if f.Severity != model.SeverityInfo || !strings.Contains(f.Title, "DNS resolution failed") {
		t.Fatalf("unexpected gate finding: %+v", f)
	}
	if res.Metadata["resolved"] != false {
		t.Fatalf("metadata should record resolved=false, got %v", res.Metadata)
	}
}

func TestPortsProvider_RiskyOpenPort(t *testing.T) {
	t.Parallel()
	p := NewPortsProvider(DefaultPortsConfig(), discardLogger())
	p.resolve = func(ctx context.Context, host string) ([]string, error) {
		return []string{"192.0.2.10"}, nil
	}
	p.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		switch addr {
		case "example.com:80", "example.com:3306":
			return nil
		}
		return errors.New("connection refused")
	}

	res := p.Scan(context.Background(), "http://example.com", 0.5)

	if len(res.Details) != 2 {
		t.Fatalf("expected 2 open-port details, got %+v", res.Details)
	}
	if res.Details[0].Port != 80 || res.Details[1].Port != 3306 {
		t.Fatalf("details should be sorted by port: %+v", res.Details)
	}
	if res.Details[1].Service != "mysql" || res.Details[1].State != "open" {
		t.Fatalf("unexpected detail entry: %+v", res.Details[1])
	}

	// Port 80 is benign, 3306 is not.
	if len(res.Findings) != 1 {
		t.Fatalf("expected one risky-service finding, got %v", res.Findings)
	}
	f := res.Findings[0]
	if f.Severity != model.SeverityHigh || f.WeaknessID != "CWE-284" {
		t.Fatalf("unexpected risky-service finding: %+v", f)
	}
	if !strings.Contains(f.Location, "3306") {
		t.Fatalf("finding location should name the port: %q", f.Location)
	}
}

func TestPortsProvider_NoOpenPortsScoresClean(t *testing.T) {
	t.Parallel()
	p := NewPortsProvider(DefaultPortsConfig(), discardLogger())
	p.resolve = func(ctx context.Context, host string) ([]string, error) {
		return []string{"192.0.2.10"}, nil
	}
	p.dial = func(ctx context.Context, addr string, timeout time.Duration) error {
		return errors.New("connection refused")
	}

	res := p.Scan(context.Background(), "https://example.com", 0.5)
	if res.Score != 100 || len(res.Findings) != 0 {
		t.Fatalf("closed host should score 100 with no findings, got score=%d findings=%v",
			res.Score, res.Findings)
	}
	if res.Metadata["ports_scanned"] != len(commonPorts) {
		t.Fatalf("quick depth should probe the common set, got %v", res.Metadata["ports_scanned"])
	}
}

func TestPortsProvider_InvalidTarget(t *testing.T) {
	t.Parallel()
	p := NewPortsProvider(DefaultPortsConfig(), discardLogger())

	res := p.Scan(context.Background(), "http://", 1.0)
	if res.Score != 0 || len(res.Findings) != 1 {
		t.Fatalf("invalid target should yield a failure result, got %+v", res)
	}
}

func TestPortsForDepth(t *testing.T) {
	t.Parallel()

	quick := portsForDepth(0.5)
	if len(quick) != len(commonPorts) {
		t.Fatalf("quick depth should scan exactly the common set, got %d ports", len(quick))
	}

	standard := portsForDepth(1.0)
	if len(standard) < 1024 {
		t.Fatalf("standard depth should cover the privileged range, got %d ports", len(standard))
	}
	if containsPort(standard, 27017) {
		t.Fatal("standard depth should not include high service ports")
	}

	deep := portsForDepth(2.0)
	for _, want := range []int{22, 443, 6379, 27017} {
		if !containsPort(deep, want) {
			t.Fatalf("deep depth missing port %d", want)
		}
	}
	if len(deep) <= len(standard) {
		t.Fatal("deep depth should widen the standard set")
	}
}

func containsPort(ports []int, want int) bool {
	for _, p := range ports {
		if p == want {
			return true
		}
	}
	return false
}
