package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/load/transport"
	"github.com/wesleyorama2/horde/internal/scenario/plantuml"
)

func newPlantUMLCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plantuml",
		Short: "Run the built-in PlantUML editor scenario",
		Long: `Simulate the PlantUML editor population: editors converting Japanese
descriptions into diagrams (94%), administrators (1%), websocket
simulation (2%) and users from distant regions (3%).

  horde plantuml --host http://localhost:8086 --users 100 --spawn-rate 10 --run-time 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.plantUMLPlan()
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), p, cmd.OutOrStdout())
		},
	}

	addRunFlags(cmd.Flags())
	return cmd
}

// plantUMLPlan builds a plan for the built-in scenario from flags.
func (a *app) plantUMLPlan() (*plan, error) {
	host := a.v.GetString("host")
	if host == "" {
		host = plantuml.DefaultHost
	}
	if u, err := url.Parse(host); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &config.ValidationError{Field: "host", Message: fmt.Sprintf("invalid host %q", host)}
	}

	p := &plan{
		name:         "PlantUML Editor",
		host:         host,
		classes:      plantuml.Classes(),
		users:        plantuml.DefaultUsers,
		spawnRate:    plantuml.DefaultSpawnRate,
		runTime:      plantuml.DefaultRunTime,
		gracefulStop: config.DefaultGracefulStop,
		namespace:    config.DefaultNamespace,
		metricsAddr:  a.v.GetString("metrics-addr"),
		historyPath:  a.v.GetString("history"),
		seed:         a.v.GetUint64("seed"),
	}

	tc := transport.DefaultConfig()
	tc.BaseURL = host
	p.transport = tc

	if a.v.IsSet("users") {
		p.users = a.v.GetInt("users")
	}
	if a.v.IsSet("spawn-rate") {
		p.spawnRate = a.v.GetFloat64("spawn-rate")
	}
	if a.v.IsSet("run-time") {
		d, err := config.ParseDurationString(a.v.GetString("run-time"))
		if err != nil {
			return nil, fmt.Errorf("--run-time: %w", err)
		}
		p.runTime = d
	}
	if a.v.IsSet("graceful-stop") {
		d, err := config.ParseDurationString(a.v.GetString("graceful-stop"))
		if err != nil {
			return nil, fmt.Errorf("--graceful-stop: %w", err)
		}
		p.gracefulStop = d
	}
	if p.users < 0 {
		return nil, &config.ValidationError{Field: "users", Message: "users cannot be negative"}
	}
	if p.spawnRate <= 0 {
		return nil, &config.ValidationError{Field: "spawnRate", Message: "spawn rate must be greater than 0"}
	}

	if err := a.outputOptions(p); err != nil {
		return nil, err
	}
	return p, nil
}
