package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
name: editor smoke
host: http://localhost:8086
users: 20
spawnRate: 5
runTime: 2m
seed: 42
http:
  timeout: 10
  maxRPS: 100
  headers:
    Accept: application/json
variables:
  tenant: acme
userClasses:
  - name: editor
    weight: 3
    minWait: 1s
    maxWait: 5 seconds
    tasks:
      - name: home
        weight: 10
        requests:
          - path: /
      - name: save
        requests:
          - method: post
            path: /save/{{sessionId}}
            json:
              text: "@startuml\nA -> B\n@enduml"
            expect:
              status: [200, 201]
              json:
                - path: id
                  exists: true
            extract:
              - name: diagramId
                json: id
  - name: admin
    tasks:
      - name: stats
        requests:
          - path: /admin/stats
            expect:
              status: [200, 401, 404]
thresholds:
  latency: ["p95 < 500ms"]
  failures: ["rate < 0.05"]
`

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Name != "editor smoke" || cfg.Users != 20 || cfg.SpawnRate != 5 || cfg.Seed != 42 {
		t.Errorf("unexpected top level: %+v", cfg)
	}
	if cfg.RunTime.GetDuration(0) != 2*time.Minute {
		t.Errorf("RunTime = %v, want 2m", cfg.RunTime)
	}
	if cfg.HTTP.Timeout.GetDuration(0) != 10*time.Second {
		t.Errorf("HTTP.Timeout = %v, want 10s", cfg.HTTP.Timeout)
	}
	if cfg.GracefulStop.GetDuration(0) != DefaultGracefulStop {
		t.Errorf("GracefulStop default = %v, want %v", cfg.GracefulStop, DefaultGracefulStop)
	}
	if cfg.Metrics.Namespace != DefaultNamespace {
		t.Errorf("Metrics.Namespace = %q, want %q", cfg.Metrics.Namespace, DefaultNamespace)
	}

	if len(cfg.UserClasses) != 2 {
		t.Fatalf("len(UserClasses) = %d, want 2", len(cfg.UserClasses))
	}
	editor := cfg.UserClasses[0]
	if editor.MaxWait.GetDuration(0) != 5*time.Second {
		t.Errorf("editor.MaxWait = %v, want 5s", editor.MaxWait)
	}
	if editor.Tasks[1].Weight != 1 {
		t.Errorf("default task weight = %d, want 1", editor.Tasks[1].Weight)
	}
	save := editor.Tasks[1].Requests[0]
	if save.JSON == nil || save.Expect == nil || len(save.Expect.Status) != 2 || len(save.Extract) != 1 {
		t.Errorf("save request not decoded: %+v", save)
	}
	if cfg.UserClasses[1].Weight != 1 {
		t.Errorf("default class weight = %d, want 1", cfg.UserClasses[1].Weight)
	}
	if cfg.Thresholds == nil || len(cfg.Thresholds.Latency) != 1 {
		t.Errorf("thresholds not decoded: %+v", cfg.Thresholds)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.json")
	content := `{
		"host": "https://example.com",
		"users": 3,
		"runTime": 30,
		"userClasses": [
			{"name": "reader", "minWait": "100ms", "maxWait": "1s",
			 "tasks": [{"name": "home", "requests": [{"path": "/"}]}]}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.RunTime.GetDuration(0) != 30*time.Second {
		t.Errorf("RunTime = %v, want 30s", cfg.RunTime)
	}
	if cfg.SpawnRate != DefaultSpawnRate {
		t.Errorf("SpawnRate = %v, want default", cfg.SpawnRate)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing file error = %v", err)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	os.WriteFile(unknown, []byte("host: http://x\nusres: 3\n"), 0644)
	if _, err := LoadConfig(unknown); err == nil {
		t.Error("expected error for unknown field")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("host: http://x\nuserClasses: []\n"), 0644)
	_, err := LoadConfig(invalid)
	if _, ok := err.(*ValidationErrors); !ok {
		t.Errorf("error = %T %v, want *ValidationErrors", err, err)
	}
}

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"90", 90 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"2 minutes", 2 * time.Minute, false},
		{"1 hour", time.Hour, false},
		{"10 secs", 10 * time.Second, false},
		{"", 0, true},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDurationString(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationString(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDurationString(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if string(b) != `"1m30s"` {
		t.Errorf("MarshalJSON() = %s", b)
	}
	if err := d.UnmarshalJSON([]byte(`null`)); err != nil || d != 0 {
		t.Errorf("null should reset, got %v %v", d, err)
	}
}
