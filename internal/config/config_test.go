package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/traceagent/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
target_address: "10.0.0.5"
target_port: 9999
original_tls_size: 512
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: unexpected error: %v", err)
	}

	if cfg.TargetAddress != "10.0.0.5" {
		t.Errorf("TargetAddress = %q, want 10.0.0.5", cfg.TargetAddress)
	}
	if cfg.TargetPort != 9999 {
		t.Errorf("TargetPort = %d, want 9999", cfg.TargetPort)
	}
	if cfg.OriginalTLSSize != 512 {
		t.Errorf("OriginalTLSSize = %d, want 512", cfg.OriginalTLSSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTemp(t, `
target_address: "127.0.0.1"
target_port: 4000
original_tls_size: 128
`)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.DialTimeoutSeconds != 5 {
		t.Errorf("DialTimeoutSeconds default = %d, want 5", cfg.DialTimeoutSeconds)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		wantErr string
	}{
		{
			name: "missing target_address",
			yaml: "target_port: 1\noriginal_tls_size: 1\n",
			wantErr: "target_address is required",
		},
		{
			name: "missing target_port",
			yaml: "target_address: \"1.2.3.4\"\noriginal_tls_size: 1\n",
			wantErr: "target_port is required",
		},
		{
			name: "missing original_tls_size",
			yaml: "target_address: \"1.2.3.4\"\ntarget_port: 1\n",
			wantErr: "original_tls_size is required",
		},
		{
			name: "bad log level",
			yaml: "target_address: \"1.2.3.4\"\ntarget_port: 1\noriginal_tls_size: 1\nlog_level: verbose\n",
			wantErr: "log_level",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, tc.yaml)
			_, err := config.LoadConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestLoadConfig_NegativeDialTimeout(t *testing.T) {
	path := writeTemp(t, `
target_address: "1.2.3.4"
target_port: 1
original_tls_size: 1
dial_timeout_seconds: -1
`)
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "dial_timeout_seconds") {
		t.Fatalf("expected dial_timeout_seconds error, got %v", err)
	}
}
