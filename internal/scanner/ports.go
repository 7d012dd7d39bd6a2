package scanner

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scoring"
)

// PortsConfig tunes the port scan provider.
type PortsConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Workers     int           `yaml:"workers"`

	// RatePerSecond caps connection attempts against the target host.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

func DefaultPortsConfig() PortsConfig {
	return PortsConfig{
		DialTimeout:   2 * time.Second,
		Workers:       32,
		RatePerSecond: 100,
	}
}

// Well-known service names for reporting.
var serviceNames = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns",
	80: "http", 110: "pop3", 111: "rpcbind", 135: "msrpc", 139: "netbios",
	143: "imap", 443: "https", 445: "smb", 587: "submission", 993: "imaps",
	995: "pop3s", 1433: "mssql", 1521: "oracle", 3306: "mysql", 3389: "rdp",
	5432: "postgresql", 5900: "vnc", 6379: "redis", 8080: "http-alt",
	8443: "https-alt", 9200: "elasticsearch", 11211: "memcached", 27017: "mongodb",
}

// riskyServices maps open ports to the severity of exposing them publicly.
var riskyServices = map[int]model.Severity{
	21:    model.SeverityMedium, // ftp: plaintext credentials
	23:    model.SeverityHigh,   // telnet
	135:   model.SeverityMedium,
	139:   model.SeverityMedium,
	445:   model.SeverityHigh, // smb
	1433:  model.SeverityHigh,
	1521:  model.SeverityHigh,
	3306:  model.SeverityHigh,
	3389:  model.SeverityHigh, // rdp
	5432:  model.SeverityHigh,
	5900:  model.SeverityHigh, // vnc
	6379:  model.SeverityHigh,
	9200:  model.SeverityHigh,
	11211: model.SeverityHigh,
	27017: model.SeverityHigh,
}

// commonPorts is the quick-scan set.
var commonPorts = []int{21, 22, 23, 25, 53, 80, 110, 143, 443, 445, 3306, 3389, 5432, 8080, 8443}

// PortsProvider performs a TCP connect scan against the resolved target.
// The scan is gated on DNS resolution: if the host does not resolve, the
// provider reports a single informational finding instead of probing.
type PortsProvider struct {
	cfg    PortsConfig
	logger logging.Logger

	// resolve and dial are swappable in tests.
	resolve func(ctx context.Context, host string) ([]string, error)
	dial    func(ctx context.Context, addr string, timeout time.Duration) error
}

func NewPortsProvider(cfg PortsConfig, logger logging.Logger) *PortsProvider {
	def := DefaultPortsConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	return &PortsProvider{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "provider", Value: "ports"}),
		resolve: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		dial: func(ctx context.Context, addr string, timeout time.Duration) error {
			var d net.Dialer
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			conn, err := d.DialContext(dialCtx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

func (p *PortsProvider) Component() model.Component { return model.ComponentPorts }

func (p *PortsProvider) Scan(ctx context.Context, target string, depthFactor float64) Result {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return FailureResult(p.Component(), fmt.Errorf("invalid target: %v", err))
	}
	host := u.Hostname()

	// DNS gate: resolution failure short-circuits to a single informational
	// finding rather than an error.
	addrs, err := p.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		p.logger.Info("dns resolution failed, skipping port scan",
			logging.Field{Key: "host", Value: host})
		findings := []model.Finding{{
			Title:       "Port scan skipped: DNS resolution failed",
			Description: fmt.Sprintf("Could not resolve %s; network probes were not attempted.", host),
			Severity:    model.SeverityInfo,
			Location:    host,
		}}
		return Result{
			Score:    scoring.ComponentScore(findings),
			Findings: findings,
			Metadata: map[string]any{"resolved": false},
		}
	}

	ports := portsForDepth(depthFactor)
	open := p.connectScan(ctx, host, ports)

	var findings []model.Finding
	details := make([]model.DetailEntry, 0, len(open))
	for _, port := range open {
		service := serviceNames[port]
		details = append(details, model.DetailEntry{
			Port:    port,
			Service: service,
			State:   "open",
		})
		if sev, risky := riskyServices[port]; risky {
			findings = append(findings, model.Finding{
				Title:          fmt.Sprintf("Exposed %s service on port %d", service, port),
				Description:    fmt.Sprintf("Port %d (%s) accepts connections from the scanning host.", port, service),
				Severity:       sev,
				Location:       net.JoinHostPort(host, strconv.Itoa(port)),
				Recommendation: "Restrict the service to trusted networks or close the port.",
				WeaknessID:     "CWE-284",
			})
		}
	}

	return Result{
		Score:    scoring.ComponentScore(findings),
		Findings: findings,
		Details:  details,
		Metadata: map[string]any{
			"resolved":      true,
			"address":       addrs[0],
			"ports_scanned": len(ports),
			"ports_open":    len(open),
		},
	}
}

// connectScan probes ports with a bounded worker pool, rate-limited against
// the target host.
func (p *PortsProvider) connectScan(ctx context.Context, host string, ports []int) []int {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), p.cfg.Workers)

	portChan := make(chan int)
	resultChan := make(chan int, len(ports))

	workers := p.cfg.Workers
	if workers > len(ports) {
		workers = len(ports)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range portChan {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				addr := net.JoinHostPort(host, strconv.Itoa(port))
				if err := p.dial(ctx, addr, p.cfg.DialTimeout); err == nil {
					resultChan <- port
				}
			}
		}()
	}

	go func() {
		defer close(portChan)
		for _, port := range ports {
			select {
			case <-ctx.Done():
				return
			case portChan <- port:
			}
		}
	}()

	wg.Wait()
	close(resultChan)

	var open []int
	for port := range resultChan {
		open = append(open, port)
	}
	sort.Ints(open)
	return open
}

// portsForDepth widens the probed set with the depth factor: the common set
// at quick depth, the common set plus the privileged range at standard, and
// additionally the usual high-port services at deep.
func portsForDepth(depthFactor float64) []int {
	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	for _, p := range commonPorts {
		add(p)
	}
	if depthFactor >= 1.0 {
		for p := 1; p <= 1024; p++ {
			add(p)
		}
	}
	if depthFactor >= 2.0 {
		for p := range serviceNames {
			add(p)
		}
	}
	sort.Ints(ports)
	return ports
}
