package config

import (
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/horde/internal/load/threshold"
)

func validConfig() *TestConfig {
	cfg := &TestConfig{
		Host:  "http://localhost:8086",
		Users: 5,
		UserClasses: []UserClassConfig{{
			Name:    "editor",
			MinWait: Duration(time.Second),
			MaxWait: Duration(5 * time.Second),
			Tasks: []TaskConfig{{
				Name:     "home",
				Requests: []RequestConfig{{Path: "/"}},
			}},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *TestConfig)
		field  string
	}{
		{"valid", func(c *TestConfig) {}, ""},
		{"bad host", func(c *TestConfig) { c.Host = "localhost:8086" }, "host"},
		{"negative users", func(c *TestConfig) { c.Users = -1 }, "users"},
		{"negative spawn rate", func(c *TestConfig) { c.SpawnRate = -1 }, "spawnRate"},
		{"negative maxRPS", func(c *TestConfig) { c.HTTP.MaxRPS = -1 }, "http.maxRPS"},
		{"no classes", func(c *TestConfig) { c.UserClasses = nil }, "userClasses"},
		{"duplicate class", func(c *TestConfig) {
			c.UserClasses = append(c.UserClasses, c.UserClasses[0])
		}, "userClasses.editor"},
		{"zero weight", func(c *TestConfig) { c.UserClasses[0].Weight = 0 }, "userClasses.editor.weight"},
		{"wait inverted", func(c *TestConfig) {
			c.UserClasses[0].MinWait = Duration(10 * time.Second)
		}, "userClasses.editor.maxWait"},
		{"no tasks", func(c *TestConfig) { c.UserClasses[0].Tasks = nil }, "userClasses.editor.tasks"},
		{"no path", func(c *TestConfig) {
			c.UserClasses[0].Tasks[0].Requests[0].Path = ""
		}, "userClasses.editor.tasks[0].requests[0].path"},
		{"relative without host", func(c *TestConfig) { c.Host = "" }, "userClasses.editor.tasks[0].requests[0].path"},
		{"bad method", func(c *TestConfig) {
			c.UserClasses[0].Tasks[0].Requests[0].Method = "FETCH"
		}, "userClasses.editor.tasks[0].requests[0].method"},
		{"bad status", func(c *TestConfig) {
			c.UserClasses[0].Tasks[0].Requests[0].Expect = &ExpectConfig{Status: []int{42}}
		}, "userClasses.editor.tasks[0].requests[0].expect.status"},
		{"extract needs one source", func(c *TestConfig) {
			c.UserClasses[0].Tasks[0].Requests[0].Extract = []ExtractConfig{{Name: "id"}}
		}, "userClasses.editor.tasks[0].requests[0].extract[0]"},
		{"bad stage", func(c *TestConfig) { c.Stages = []StageConfig{{Target: 5}} }, "stages[0].duration"},
		{"bad threshold", func(c *TestConfig) {
			c.Thresholds = &threshold.Set{Latency: []string{"p42 < 1s"}}
		}, "thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			verrs, ok := err.(*ValidationErrors)
			if !ok {
				t.Fatalf("Validate() error = %T %v, want *ValidationErrors", err, err)
			}
			for _, e := range verrs.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Errorf("no error on field %q in:\n%s", tt.field, verrs.Error())
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := &ValidationErrors{}
	if errs.HasErrors() {
		t.Error("empty collection reports errors")
	}

	errs.Add("users", "cannot be negative")
	if got := errs.Error(); got != "validation error on field 'users': cannot be negative" {
		t.Errorf("single Error() = %q", got)
	}

	errs.Add("", "something else")
	got := errs.Error()
	if !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "validation error: something else") {
		t.Errorf("multi Error() = %q", got)
	}
}
