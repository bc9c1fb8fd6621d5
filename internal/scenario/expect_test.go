package scenario

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/load"
)

func TestBuildClassifier(t *testing.T) {
	ok := &load.Response{
		StatusCode: 200,
		Body:       []byte(`{"status": "ok", "data": {"items": [1, 2]}, "id": "x1"}`),
		Header:     http.Header{},
		Elapsed:    20 * time.Millisecond,
	}

	tests := []struct {
		name    string
		expect  *config.ExpectConfig
		resp    *load.Response
		wantErr string
	}{
		{"nil expect accepts 200", nil, ok, ""},
		{"nil expect rejects 404", nil, &load.Response{StatusCode: 404}, "unexpected status 404"},
		{"status list accepts 404", &config.ExpectConfig{Status: []int{200, 404}}, &load.Response{StatusCode: 404}, ""},
		{"status list rejects 201", &config.ExpectConfig{Status: []int{200}}, &load.Response{StatusCode: 201}, "unexpected status 201"},
		{"max latency", &config.ExpectConfig{MaxLatency: config.Duration(10 * time.Millisecond)}, ok, "latency 20ms exceeds 10ms"},
		{"body contains", &config.ExpectConfig{BodyContains: []string{`"status"`, "missing"}}, ok, `body does not contain "missing"`},
		{"json equals", &config.ExpectConfig{JSON: []config.JSONCheck{{Path: "data.items.#", Equals: strPtr("2")}}}, ok, ""},
		{"json equals mismatch", &config.ExpectConfig{JSON: []config.JSONCheck{{Path: "status", Equals: strPtr("down")}}}, ok, `json status = "ok", want "down"`},
		{"json exists", &config.ExpectConfig{JSON: []config.JSONCheck{{Path: "$.id", Exists: true}}}, ok, ""},
		{"json missing", &config.ExpectConfig{JSON: []config.JSONCheck{{Path: "token", Exists: true}}}, ok, "json token: missing"},
		{"json optional", &config.ExpectConfig{JSON: []config.JSONCheck{{Path: "token"}}}, ok, ""},
		{"schema", &config.ExpectConfig{Schema: map[string]any{"type": "object", "required": []any{"id"}}}, ok, ""},
		{"schema mismatch", &config.ExpectConfig{Schema: `{"type": "object", "required": ["token"]}`}, ok, "schema:"},
		{"status checked first", &config.ExpectConfig{BodyContains: []string{"missing"}}, &load.Response{StatusCode: 500}, "unexpected status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classify, err := buildClassifier(tt.expect)
			if err != nil {
				t.Fatalf("buildClassifier() error = %v", err)
			}
			err = classify(tt.resp)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("classify() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("classify() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
