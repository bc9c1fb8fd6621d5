package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/output"
	"github.com/wesleyorama2/horde/internal/scenario"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test from a configuration file",
		Long: `Run the user classes described by a YAML or JSON test file.

Command line flags and HORDE_* environment variables override the file:

  horde run -c test.yaml
  horde run -c test.yaml --users 200 --spawn-rate 20 --run-time 10m
  HORDE_HOST=https://staging.example.com horde run -c test.yaml

The process exits with status 1 when a threshold fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			p, err := a.planFromConfig(cfg)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), p, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "test file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	addRunFlags(f)
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a test file without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			classes, err := scenario.Build(cfg, a.logger)
			if err != nil {
				return err
			}
			tasks := 0
			for _, c := range classes {
				tasks += c.Tasks.Len()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d user classes, %d tasks\n",
				a.v.GetString("config"), len(classes), tasks)
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "test file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	addRunFlags(cmd.Flags())
	return cmd
}

// addRunFlags registers the flags shared by every command that runs a test.
func addRunFlags(f *pflag.FlagSet) {
	f.String("host", "", "base URL for relative request paths")
	f.IntP("users", "u", 0, "number of concurrent users")
	f.Float64P("spawn-rate", "r", 0, "users started per second")
	f.StringP("run-time", "t", "", "stop after this long, e.g. 90s, 5m, 300 (seconds)")
	f.String("graceful-stop", "", "how long users get to finish their task on stop")
	f.Uint64("seed", 0, "seed for repeatable user randomness")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9646")
	f.StringP("output", "o", "", "write the report to this file")
	f.String("format", "", "report format: text, json, yaml, junit (default from the file extension)")
}

// loadConfig reads the test file, applies flag and environment overrides,
// then defaults and validates the result.
func (a *app) loadConfig() (*config.TestConfig, error) {
	path := a.v.GetString("config")
	if path == "" {
		return nil, errors.New("a test file is required (--config)")
	}
	cfg, err := config.ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, a.v); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags and environment variables
// onto cfg. Flag defaults never override the file.
func applyOverrides(cfg *config.TestConfig, v *viper.Viper) error {
	if v.IsSet("host") {
		cfg.Host = v.GetString("host")
	}
	if v.IsSet("users") {
		cfg.Users = v.GetInt("users")
		// an explicit population replaces the file's load shape
		cfg.Stages = nil
	}
	if v.IsSet("spawn-rate") {
		cfg.SpawnRate = v.GetFloat64("spawn-rate")
	}
	if v.IsSet("run-time") {
		d, err := config.ParseDurationString(v.GetString("run-time"))
		if err != nil {
			return fmt.Errorf("--run-time: %w", err)
		}
		cfg.RunTime = config.Duration(d)
	}
	if v.IsSet("graceful-stop") {
		d, err := config.ParseDurationString(v.GetString("graceful-stop"))
		if err != nil {
			return fmt.Errorf("--graceful-stop: %w", err)
		}
		cfg.GracefulStop = config.Duration(d)
	}
	if v.IsSet("seed") {
		cfg.Seed = v.GetUint64("seed")
	}
	if v.IsSet("metrics-addr") {
		cfg.Metrics.Addr = v.GetString("metrics-addr")
	}
	if v.IsSet("history") {
		cfg.History.Path = v.GetString("history")
	}
	return nil
}

// planFromConfig turns a validated test file into a plan.
func (a *app) planFromConfig(cfg *config.TestConfig) (*plan, error) {
	classes, err := scenario.Build(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	p := &plan{
		name:         cfg.Name,
		host:         cfg.Host,
		classes:      classes,
		transport:    scenario.TransportConfig(cfg),
		users:        cfg.Users,
		spawnRate:    cfg.SpawnRate,
		runTime:      cfg.RunTime.GetDuration(0),
		gracefulStop: cfg.GracefulStop.GetDuration(config.DefaultGracefulStop),
		seed:         cfg.Seed,
		stages:       scenario.Stages(cfg),
		thresholds:   cfg.Thresholds,
		metricsAddr:  cfg.Metrics.Addr,
		namespace:    cfg.Metrics.Namespace,
		historyPath:  cfg.History.Path,
	}
	if p.name == "" {
		p.name = "Load Test"
	}
	if err := a.outputOptions(p); err != nil {
		return nil, err
	}
	return p, nil
}

// outputOptions copies the display and report flags onto p.
func (a *app) outputOptions(p *plan) error {
	p.quiet = a.v.GetBool("quiet")
	p.noColor = a.v.GetBool("no-color")
	p.outputPath = a.v.GetString("output")
	if s := a.v.GetString("format"); s != "" {
		format, err := output.ParseFormat(s)
		if err != nil {
			return err
		}
		p.format = format
	}
	return nil
}
