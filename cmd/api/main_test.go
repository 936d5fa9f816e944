package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_RejectsBadStartup(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CONFIG_PATH", "")

	dir := t.TempDir()
	badRate := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badRate, []byte("commission:\n  default_rate: 150\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown flag", []string{"--nope"}, "unknown flag"},
		{"missing config file", []string{"--config", filepath.Join(dir, "missing.yaml")}, "read"},
		{"invalid config", []string{"--config", badRate}, "default_rate"},
		{"no jwt secret", nil, "jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("run(%v) = %v, want error containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_HelpExitsCleanly(t *testing.T) {
	if err := run([]string{"--help"}); err != nil {
		t.Fatalf("run(--help) = %v", err)
	}
}
