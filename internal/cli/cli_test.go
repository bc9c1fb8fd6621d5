package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/history"
	"github.com/wesleyorama2/horde/internal/output"
	"github.com/wesleyorama2/horde/internal/scenario/plantuml"
	"github.com/wesleyorama2/horde/internal/scenario/plantuml/plantumltest"
)

// runCLI executes the command tree with args and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestFile(t *testing.T, host, thresholds string) string {
	t.Helper()
	content := fmt.Sprintf(`
name: cli smoke
host: %s
users: 3
spawnRate: 50
runTime: 300ms
gracefulStop: 1s
userClasses:
  - name: reader
    minWait: 10ms
    maxWait: 20ms
    tasks:
      - name: home
        requests:
          - path: /
            expect:
              status: [200]
%s`, host, thresholds)
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCommand(t *testing.T) {
	srv := newTarget(t)
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.db")
	reportPath := filepath.Join(dir, "report.json")

	path := writeTestFile(t, srv.URL, `thresholds:
  failures: ["rate < 0.5"]
`)

	stdout, stderr, err := runCLI(t, "run", "-c", path, "--no-color", "--history", historyPath, "-o", reportPath)
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "cli smoke - Running")
	assert.Contains(t, stdout, "cli smoke - Completed ✓")
	assert.Contains(t, stdout, "failures rate < 0.5")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report output.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.True(t, report.Passed)
	assert.Greater(t, report.Totals.Requests, int64(0))
	assert.Zero(t, report.Totals.Failures)

	store, err := history.Open(historyPath)
	require.NoError(t, err)
	runs, err := store.List(0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	assert.Equal(t, "cli smoke", runs[0].Name)

	stdout, _, err = runCLI(t, "history", "--history", historyPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, runs[0].ID)
	assert.Contains(t, stdout, "passed")

	stdout, _, err = runCLI(t, "history", "show", runs[0].ID, "--history", historyPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"name": "cli smoke"`)

	stdout, _, err = runCLI(t, "history", "delete", runs[0].ID, "--history", historyPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted")

	stdout, _, err = runCLI(t, "history", "--history", historyPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "No runs")
}

func TestRunCommandThresholdFailure(t *testing.T) {
	srv := newTarget(t)
	path := writeTestFile(t, srv.URL, `thresholds:
  requests: ["count > 1000000"]
`)

	stdout, _, err := runCLI(t, "run", "-c", path, "--no-color")
	require.ErrorIs(t, err, ErrThresholdsFailed)
	assert.Contains(t, stdout, "Failed ✗")
}

func TestRunCommandQuiet(t *testing.T) {
	srv := newTarget(t)
	path := writeTestFile(t, srv.URL, "")

	stdout, _, err := runCLI(t, "run", "-c", path, "--quiet", "--run-time", "100ms")
	require.NoError(t, err)
	assert.Equal(t, "PASSED", strings.TrimSpace(stdout))
}

func TestRunCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing config flag", []string{"run"}, "required flag"},
		{"missing file", []string{"run", "-c", "does-not-exist.yaml"}, "config file not found"},
		{"bad run time", []string{"run", "-c", "%s", "--run-time", "soon"}, "--run-time"},
		{"negative users", []string{"run", "-c", "%s", "--users=-1"}, "users"},
		{"bad format", []string{"run", "-c", "%s", "--format", "html"}, "unsupported format"},
		{"bad log level", []string{"run", "-c", "%s", "--log-level", "loud"}, "invalid log level"},
	}

	path := writeTestFile(t, "http://127.0.0.1:1", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := make([]string, len(tt.args))
			for i, a := range tt.args {
				args[i] = strings.ReplaceAll(a, "%s", path)
			}
			_, _, err := runCLI(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeTestFile(t, "http://localhost:8086", "")

	stdout, _, err := runCLI(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "is valid: 1 user classes, 1 tasks")

	_, _, err = runCLI(t, "validate", "-c", path, "--host", "ftp://example.com")
	var verrs *config.ValidationErrors
	require.True(t, errors.As(err, &verrs), "got %v", err)
}

func newFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addRunFlags(fs)
	fs.String("history", "", "")
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestApplyOverrides(t *testing.T) {
	base := func() *config.TestConfig {
		return &config.TestConfig{
			Host:      "http://file.example",
			Users:     2,
			SpawnRate: 3,
			Stages:    []config.StageConfig{{Duration: config.Duration(time.Minute), Target: 10}},
		}
	}

	t.Run("unset flags keep file values", func(t *testing.T) {
		cfg := base()
		require.NoError(t, applyOverrides(cfg, newFlags(t)))
		assert.Equal(t, base(), cfg)
	})

	t.Run("flags override", func(t *testing.T) {
		cfg := base()
		v := newFlags(t, "--users", "7", "--run-time", "90", "--graceful-stop", "5s",
			"--host", "http://flag.example", "--seed", "9", "--metrics-addr", ":9646", "--history", "h.db")
		require.NoError(t, applyOverrides(cfg, v))

		assert.Equal(t, 7, cfg.Users)
		assert.Nil(t, cfg.Stages, "explicit users replace the load shape")
		assert.Equal(t, 3.0, cfg.SpawnRate)
		assert.Equal(t, 90*time.Second, time.Duration(cfg.RunTime))
		assert.Equal(t, 5*time.Second, time.Duration(cfg.GracefulStop))
		assert.Equal(t, "http://flag.example", cfg.Host)
		assert.Equal(t, uint64(9), cfg.Seed)
		assert.Equal(t, ":9646", cfg.Metrics.Addr)
		assert.Equal(t, "h.db", cfg.History.Path)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("HORDE_SPAWN_RATE", "4.5")
		t.Setenv("HORDE_HOST", "http://env.example")

		cfg := base()
		require.NoError(t, applyOverrides(cfg, newFlags(t)))
		assert.Equal(t, 4.5, cfg.SpawnRate)
		assert.Equal(t, "http://env.example", cfg.Host)
		assert.Equal(t, 2, cfg.Users)
	})

	t.Run("invalid duration", func(t *testing.T) {
		err := applyOverrides(base(), newFlags(t, "--graceful-stop", "later"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--graceful-stop")
	})
}

func TestPlantUMLPlan(t *testing.T) {
	a := &app{v: newFlags(t), logger: nil}
	p, err := a.plantUMLPlan()
	require.NoError(t, err)
	assert.Equal(t, plantuml.DefaultHost, p.host)
	assert.Equal(t, plantuml.DefaultHost, p.transport.BaseURL)
	assert.Equal(t, plantuml.DefaultUsers, p.users)
	assert.Equal(t, plantuml.DefaultRunTime, p.runTime)
	assert.Len(t, p.classes, 4)

	a = &app{v: newFlags(t, "--host", "https://editor.example", "--users", "5", "--run-time", "1m", "--format", "yaml")}
	p, err = a.plantUMLPlan()
	require.NoError(t, err)
	assert.Equal(t, "https://editor.example", p.host)
	assert.Equal(t, 5, p.users)
	assert.Equal(t, time.Minute, p.runTime)
	assert.Equal(t, output.FormatYAML, p.format)

	a = &app{v: newFlags(t, "--host", "localhost:8086")}
	_, err = a.plantUMLPlan()
	assert.Error(t, err)

	a = &app{v: newFlags(t, "--spawn-rate", "0")}
	_, err = a.plantUMLPlan()
	assert.Error(t, err)
}

func TestPlanDuration(t *testing.T) {
	p := &plan{runTime: time.Minute}
	assert.Equal(t, time.Minute, p.duration())

	path := writeTestFile(t, "http://localhost:8086", `stages:
  - duration: 30s
    target: 5
  - duration: 1m
    target: 0
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	a := &app{v: newFlags(t)}
	p, err = a.planFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, p.duration())
	assert.Equal(t, "cli smoke", p.name)
	assert.Equal(t, config.DefaultNamespace, p.namespace)
}

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path string
		want output.Format
	}{
		{"report.json", output.FormatJSON},
		{"report.YAML", output.FormatYAML},
		{"report.yml", output.FormatYAML},
		{"junit.xml", output.FormatJUnit},
		{"report.txt", output.FormatText},
		{"report", output.FormatText},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatForPath(tt.path), tt.path)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", "json", &buf)
	require.NoError(t, err)
	logger.Info("hello")
	logger.Debug("hidden")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.NotContains(t, buf.String(), "hidden")

	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err)
	_, err = newLogger("chatty", "console", &buf)
	assert.Error(t, err)
}

func TestPlantUMLCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a short load test")
	}

	editor := plantumltest.NewEditor()
	srv := httptest.NewServer(editor)
	defer srv.Close()

	stdout, stderr, err := runCLI(t, "plantuml", "--host", srv.URL, "--users", "4", "--spawn-rate", "100",
		"--run-time", "300ms", "--graceful-stop", "200ms", "--no-color", "--seed", "3")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "PlantUML Editor - Completed ✓")
	assert.Positive(t, editor.Hits())
}

func TestRunCommand_EndsWhenSessionsFinish(t *testing.T) {
	srv := newTarget(t)
	content := fmt.Sprintf(`
name: finite
host: %s
users: 2
spawnRate: 50
userClasses:
  - name: reader
    maxIterations: 3
    tasks:
      - name: home
        requests:
          - path: /
`, srv.URL)
	path := filepath.Join(t.TempDir(), "finite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, _, err := runCLI(t, "run", "-c", path, "--no-color")
		done <- result{stdout, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.stdout, "finite - Completed ✓")
		assert.Contains(t, r.stdout, "Total Reqs:    6")
	case <-time.After(10 * time.Second):
		t.Fatal("run without run time did not end after every session finished")
	}
}
