package scanner

import (
	"github.com/raysh454/kansa/internal/cache"
	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/webclient"
)

// Config aggregates per-provider tuning.
type Config struct {
	TLS         TLSConfig         `yaml:"tls"`
	Headers     HeadersConfig     `yaml:"headers"`
	Ports       PortsConfig       `yaml:"ports"`
	Vulns       VulnsConfig       `yaml:"vulns"`
	Content     ContentConfig     `yaml:"content"`
	Performance PerformanceConfig `yaml:"performance"`
}

func DefaultConfig() Config {
	return Config{
		TLS:         DefaultTLSConfig(),
		Headers:     DefaultHeadersConfig(),
		Ports:       DefaultPortsConfig(),
		Vulns:       DefaultVulnsConfig(),
		Content:     DefaultContentConfig(),
		Performance: DefaultPerformanceConfig(),
	}
}

// Deps are the collaborators the orchestrator constructs once and injects
// into every provider that needs them. The cache is owned by the injector,
// never shared ambient state.
type Deps struct {
	WC     webclient.WebClient
	Render webclient.WebClient // optional headless backend for deep content scans
	Cache  *cache.TTLCache
	Logger logging.Logger
}

// Build constructs the closed provider set keyed by component. The set is
// fixed at compile time; the orchestrator selects from it per job based on
// the job's options.
func Build(cfg Config, deps Deps) map[model.Component]Provider {
	return map[model.Component]Provider{
		model.ComponentTLS:         NewTLSProvider(cfg.TLS, deps.WC, deps.Cache, deps.Logger),
		model.ComponentHeaders:     NewHeadersProvider(cfg.Headers, deps.WC, deps.Logger),
		model.ComponentPorts:       NewPortsProvider(cfg.Ports, deps.Logger),
		model.ComponentVulns:       NewVulnsProvider(cfg.Vulns, deps.WC, deps.Logger),
		model.ComponentContent:     NewContentProvider(cfg.Content, deps.WC, deps.Render, deps.Logger),
		model.ComponentPerformance: NewPerformanceProvider(cfg.Performance, deps.WC, deps.Logger),
	}
}
