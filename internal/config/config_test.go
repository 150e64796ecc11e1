package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesValidate(t *testing.T) {
	for _, kind := range []string{KindDaemon, KindClient} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("template %s does not validate: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("forced overwrite %s: %v", kind, err)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadDaemonFile(t *testing.T) {
	cfg, err := LoadDaemonFile(writeFile(t, `
listen = "127.0.0.1:4444"
max_sessions = 9
wait_time = "3s"

[admin]
addr = ":7070"
cors_origins = ["http://dash.local"]

[agent]
target = 42
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:4444" || cfg.MaxSessions != 9 || cfg.Agent.Target != 42 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Admin.CORSOrigins) != 1 {
		t.Fatalf("unexpected cors origins %v", cfg.Admin.CORSOrigins)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := LoadDaemonFile(writeFile(t, `
listen = "127.0.0.1:4444"
heartbeat = "5s"
`))
	if err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateDaemonFile(t *testing.T) {
	cases := map[string]DaemonFile{
		"bad listen":   {Listen: "4444"},
		"bad group":    {Group: "2001:db8::1"},
		"bad duration": {IdleTimeout: "soon"},
		"negative":     {WaitTime: "-1s"},
		"sessions":     {MaxSessions: -1},
	}
	for name, cfg := range cases {
		if err := ValidateDaemonFile(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := ValidateDaemonFile(DaemonFile{}); err != nil {
		t.Fatalf("empty file should validate: %v", err)
	}
}

func TestValidateClientFile(t *testing.T) {
	if err := ValidateClientFile(ClientFile{LoopCount: 256}); err == nil {
		t.Fatalf("expected loop_count error")
	}
	if err := ValidateClientFile(ClientFile{Target: "nowhere"}); err == nil {
		t.Fatalf("expected target error")
	}
	if err := ValidateClientFile(ClientFile{ReadTimeout: "1m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("x", " 250ms ")
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got %v %v", d, err)
	}
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v %v", d, err)
	}
}
