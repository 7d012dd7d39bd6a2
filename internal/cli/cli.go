package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// CLIArgs are the command-line arguments for one server run. Flags only
// override what the user actually set; everything else falls through to the
// config file and its defaults.
type CLIArgs struct {
	// ConfigPath is an optional YAML config file overlaid on the defaults.
	ConfigPath string

	// Addr overrides the HTTP listen address.
	Addr string

	// DBPath overrides the SQLite database path.
	DBPath string

	// LogLevel overrides the log level (debug|info|warn|error).
	LogLevel string

	// Workers overrides the scan worker count; 0 means "use config default".
	Workers int

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ParseArgs parses a slice of args and returns CLIArgs. Use in tests by
// passing arbitrary slices. The function is deterministic and does not read
// os.Args.
func ParseArgs(args []string) (*CLIArgs, error) {
	fs := flag.NewFlagSet("kansa", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "Path to YAML config file (optional)")
		addr       = fs.String("addr", "", "HTTP listen address (overrides config)")
		dbPath     = fs.String("db", "", "SQLite database path (overrides config)")
		logLevel   = fs.String("log-level", "", "Log level: debug|info|warn|error")
		workers    = fs.Int("workers", 0, "Scan worker count (0=use config default)")
	)

	// Ensure Parse doesn't write to stdout/stderr in tests
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if *workers < 0 {
		return nil, fmt.Errorf("-workers must not be negative, got %d", *workers)
	}

	return &CLIArgs{
		ConfigPath: strings.TrimSpace(*configPath),
		Addr:       strings.TrimSpace(*addr),
		DBPath:     strings.TrimSpace(*dbPath),
		LogLevel:   strings.TrimSpace(*logLevel),
		Workers:    *workers,
		RawArgs:    args,
	}, nil
}
