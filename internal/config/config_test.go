package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxFileSize != 262144 {
		t.Errorf("Sandbox.MaxFileSize = %d, want 262144", cfg.Sandbox.MaxFileSize)
	}
	if cfg.Sandbox.Timeout != 15*time.Second {
		t.Errorf("Sandbox.Timeout = %s, want 15s", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.Image != "code-sandbox:latest" {
		t.Errorf("Sandbox.Image = %q", cfg.Sandbox.Image)
	}
	if cfg.RateLimit.MaxCalls != 5 || cfg.RateLimit.Period != time.Minute {
		t.Errorf("RateLimit = %+v, want 5 per 60s", cfg.RateLimit)
	}
	if cfg.LogStore.Path != "exec_logs.db" || cfg.LogStore.Driver != "sqlite" {
		t.Errorf("LogStore = %+v", cfg.LogStore)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"zero timeout", func(c *Config) { c.Sandbox.Timeout = 0 }, true},
		{"write timeout below sandbox timeout", func(c *Config) {
			c.Sandbox.Timeout = 2 * time.Minute
		}, true},
		{"queue wait pushes past write timeout", func(c *Config) {
			c.Sandbox.QueueTimeout = 50 * time.Second
		}, true},
		{"negative queue timeout", func(c *Config) { c.Sandbox.QueueTimeout = -time.Second }, true},
		{"zero queue timeout", func(c *Config) { c.Sandbox.QueueTimeout = 0 }, false},
		{"zero max file size", func(c *Config) { c.Sandbox.MaxFileSize = 0 }, true},
		{"no image", func(c *Config) { c.Sandbox.Image = "" }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "podman" }, true},
		{"relative staging dir", func(c *Config) { c.Sandbox.StagingDir = "tmp" }, true},
		{"absolute staging dir", func(c *Config) { c.Sandbox.StagingDir = "/var/lib/secure-exec" }, false},
		{"rate max 0", func(c *Config) { c.RateLimit.MaxCalls = 0 }, true},
		{"rate period 0", func(c *Config) { c.RateLimit.Period = 0 }, true},
		{"sqlite without path", func(c *Config) { c.LogStore.Path = "" }, true},
		{"postgres without dsn", func(c *Config) { c.LogStore.Driver = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.LogStore.Driver = "postgres"
			c.LogStore.DSN = "postgres://localhost/exec"
		}, false},
		{"mysql without dsn", func(c *Config) { c.LogStore.Driver = "mysql" }, true},
		{"mysql with dsn", func(c *Config) {
			c.LogStore.Driver = "mysql"
			c.LogStore.DSN = "exec:secret@tcp(localhost:3306)/exec?parseTime=true"
		}, false},
		{"unknown driver", func(c *Config) { c.LogStore.Driver = "mongodb" }, true},
		{"default fetch above max", func(c *Config) { c.LogStore.DefaultFetch = 1000 }, true},
		{"api key without identity", func(c *Config) {
			c.Security.APIKeys = []APIKey{{Key: "k", Role: RoleUser}}
		}, true},
		{"api key bad role", func(c *Config) {
			c.Security.APIKeys = []APIKey{{Key: "k", Identity: "alice", Role: "root"}}
		}, true},
		{"duplicate api key", func(c *Config) {
			c.Security.APIKeys = []APIKey{
				{Key: "k", Identity: "alice", Role: RoleUser},
				{Key: "k", Identity: "bob", Role: RoleAdmin},
			}
		}, true},
		{"valid api keys", func(c *Config) {
			c.Security.APIKeys = []APIKey{
				{Key: "k1", Identity: "alice", Role: RoleUser},
				{Key: "k2", Identity: "ops", Role: RoleAdmin},
			}
		}, false},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "too-short" }, true},
		{"jwt secret", func(c *Config) {
			c.Security.JWTSecret = "0123456789abcdef0123456789abcdef"
		}, false},
		{"metrics path without slash", func(c *Config) { c.Metrics.Path = "metrics" }, true},
		{"metrics disabled ignores path", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Path = ""
		}, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"SANDBOX_IMAGE": "registry.local/sandbox:v2",
		"SECCOMP_PATH":  "/etc/secure-exec/seccomp.json",
		"EXEC_TIMEOUT":  "20",
		"MAX_FILE_SIZE": "1024",
		"RATE_MAX":      "10",
		"RATE_PERIOD":   "90s",
		"EXEC_LOG_DB":   "/data/logs.db",
		"PORT":          "9000",

		"EXEC_JWT_SECRET": "0123456789abcdef0123456789abcdef",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Sandbox.Image != "registry.local/sandbox:v2" {
		t.Errorf("Image = %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.SeccompProfile != "/etc/secure-exec/seccomp.json" {
		t.Errorf("SeccompProfile = %q", cfg.Sandbox.SeccompProfile)
	}
	if cfg.Sandbox.Timeout != 20*time.Second {
		t.Errorf("Timeout = %s, want 20s", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.MaxFileSize != 1024 {
		t.Errorf("MaxFileSize = %d", cfg.Sandbox.MaxFileSize)
	}
	if cfg.RateLimit.MaxCalls != 10 || cfg.RateLimit.Period != 90*time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.LogStore.Path != "/data/logs.db" || cfg.LogStore.Driver != "sqlite" {
		t.Errorf("LogStore = %+v", cfg.LogStore)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Security.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("JWTSecret = %q", cfg.Security.JWTSecret)
	}
}

func TestApplyEnv_DSNSelectsPostgres(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(mapLookup(map[string]string{"EXEC_LOG_DSN": "postgres://db/exec"})); err != nil {
		t.Fatal(err)
	}
	if cfg.LogStore.Driver != "postgres" || cfg.LogStore.DSN != "postgres://db/exec" {
		t.Errorf("LogStore = %+v", cfg.LogStore)
	}
}

func TestApplyEnv_Errors(t *testing.T) {
	for _, key := range []string{"EXEC_TIMEOUT", "RATE_PERIOD", "MAX_FILE_SIZE", "RATE_MAX", "PORT"} {
		cfg := DefaultConfig()
		if err := cfg.ApplyEnv(mapLookup(map[string]string{key: "soon"})); err == nil {
			t.Errorf("ApplyEnv(%s=soon) should fail", key)
		}
	}

	// Empty values leave the defaults alone.
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(mapLookup(map[string]string{"EXEC_TIMEOUT": "", "SANDBOX_IMAGE": ""})); err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.Timeout != 15*time.Second || cfg.Sandbox.Image != "code-sandbox:latest" {
		t.Errorf("empty env changed defaults: %+v", cfg.Sandbox)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  image: "sandbox:test"
  timeout: 10s
  max_file_size: 4096
  limits:
    memory_mb: 512
rate_limit:
  max_calls: 3
  period: 30s
security:
  api_keys:
    - key: "secret-1"
      identity: "alice"
      role: "user"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RATE_MAX", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Sandbox.Image != "sandbox:test" || cfg.Sandbox.Timeout != 10*time.Second {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.Limits.MemoryMB != 512 {
		t.Errorf("Limits.MemoryMB = %d, want 512", cfg.Sandbox.Limits.MemoryMB)
	}
	if cfg.RateLimit.Period != 30*time.Second {
		t.Errorf("RateLimit.Period = %s", cfg.RateLimit.Period)
	}
	if cfg.RateLimit.MaxCalls != 7 {
		t.Errorf("environment should override the file: MaxCalls = %d, want 7", cfg.RateLimit.MaxCalls)
	}
	if len(cfg.Security.APIKeys) != 1 || cfg.Security.APIKeys[0].Identity != "alice" {
		t.Errorf("APIKeys = %+v", cfg.Security.APIKeys)
	}
	// Unset fields keep their defaults.
	if cfg.LogStore.Path != "exec_logs.db" {
		t.Errorf("LogStore.Path = %q", cfg.LogStore.Path)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
