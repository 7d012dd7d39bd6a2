package cli_test

import (
	"testing"

	"github.com/raysh454/kansa/internal/cli"
)

func TestParseArgs_Defaults(t *testing.T) {
	t.Parallel()

	args, err := cli.ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if args.ConfigPath != "" || args.Addr != "" || args.DBPath != "" {
		t.Errorf("expected empty overrides, got %+v", args)
	}
	if args.Workers != 0 {
		t.Errorf("expected workers 0, got %d", args.Workers)
	}
}

func TestParseArgs_AllFlags(t *testing.T) {
	t.Parallel()

	args, err := cli.ParseArgs([]string{
		"-config", "kansa.yaml",
		"-addr", ":9090",
		"-db", "/tmp/kansa.db",
		"-log-level", "debug",
		"-workers", "8",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if args.ConfigPath != "kansa.yaml" {
		t.Errorf("config: got %q", args.ConfigPath)
	}
	if args.Addr != ":9090" {
		t.Errorf("addr: got %q", args.Addr)
	}
	if args.DBPath != "/tmp/kansa.db" {
		t.Errorf("db: got %q", args.DBPath)
	}
	if args.LogLevel != "debug" {
		t.Errorf("log level: got %q", args.LogLevel)
	}
	if args.Workers != 8 {
		t.Errorf("workers: got %d", args.Workers)
	}
}

func TestParseArgs_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-nope"}},
		{"positional argument", []string{"stray"}},
		{"negative workers", []string{"-workers", "-1"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := cli.ParseArgs(tc.args); err == nil {
				t.Errorf("expected error for %v", tc.args)
			}
		})
	}
}
