package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/horde/internal/history"
	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/internal/load/events"
	"github.com/wesleyorama2/horde/internal/load/shape"
	"github.com/wesleyorama2/horde/internal/load/stats"
	"github.com/wesleyorama2/horde/internal/load/threshold"
	"github.com/wesleyorama2/horde/internal/load/transport"
	"github.com/wesleyorama2/horde/internal/output"
	"github.com/wesleyorama2/horde/internal/telemetry"
)

// plan is everything needed to run one test, whatever its source.
type plan struct {
	name         string
	host         string
	classes      []*load.UserClass
	transport    transport.Config
	users        int
	spawnRate    float64
	runTime      time.Duration
	gracefulStop time.Duration
	seed         uint64
	stages       []shape.Stage
	thresholds   *threshold.Set

	metricsAddr string
	namespace   string
	historyPath string

	outputPath string
	format     output.Format
	quiet      bool
	noColor    bool
}

// duration is the planned length of the run, 0 when open-ended.
func (p *plan) duration() time.Duration {
	if len(p.stages) == 0 {
		return p.runTime
	}
	var total time.Duration
	for _, st := range p.stages {
		total += st.Duration
	}
	return total
}

// targetTracker remembers the last target handed to the scheduler so the
// live display can show it.
type targetTracker struct {
	sched  *load.Scheduler
	target atomic.Int64
}

func (t *targetTracker) Start(target int, spawnRate float64, runDuration time.Duration) error {
	if err := t.sched.Start(target, spawnRate, runDuration); err != nil {
		return err
	}
	t.target.Store(int64(target))
	return nil
}

func (t *targetTracker) Target() int {
	return int(t.target.Load())
}

// execute runs p to completion, printing progress and the summary to out.
// It returns ErrThresholdsFailed when the run finished with a failed
// threshold.
func (a *app) execute(ctx context.Context, p *plan, out io.Writer) error {
	logger := a.logger

	var sh *shape.Shape
	if len(p.stages) > 0 {
		var err error
		if sh, err = shape.New(p.stages, logger); err != nil {
			return err
		}
	}

	exec, err := transport.NewHTTPExecutor(p.transport, logger)
	if err != nil {
		return err
	}

	agg := stats.NewAggregator()
	bus := events.NewBus(logger)

	opts := []load.Option{
		load.WithLogger(logger),
		load.WithAggregator(agg),
		load.WithBus(bus),
		load.WithGracefulStop(p.gracefulStop),
		load.WithHost(p.host),
	}
	if p.seed != 0 {
		opts = append(opts, load.WithSeed(p.seed))
	}
	sched, err := load.NewScheduler(p.classes, exec, opts...)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		TestName:       p.name,
		Writer:         out,
		Quiet:          p.quiet,
		NoColor:        p.noColor,
		UpdateInterval: 2 * time.Second,
	})
	console.Attach(bus)

	tracker := &targetTracker{sched: sched}

	// aux covers the live display and the metrics server; both end with
	// the run.
	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	g, gctx := errgroup.WithContext(auxCtx)

	if p.metricsAddr != "" {
		reg := telemetry.NewRegistry(telemetry.NewCollector(p.namespace, agg.Snapshot))
		srv := telemetry.NewServer(p.metricsAddr, reg, logger)
		g.Go(func() error {
			if err := srv.Serve(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		console.Live(gctx, agg.Snapshot, tracker.Target, p.duration())
		return nil
	})

	var report *load.Report
	g.Go(func() error {
		defer stopAux()
		var err error
		report, err = drive(gctx, sched, tracker, sh, p)
		return err
	})

	if err := g.Wait(); err != nil {
		// the run may have been cut short by a failing metrics server
		sched.Stop()
		return err
	}

	sum := &output.Summary{
		Name:       p.name,
		Host:       p.host,
		Snapshot:   report.Snapshot,
		Thresholds: threshold.Evaluate(p.thresholds, report.Snapshot),
		Incomplete: report.Incomplete,
	}
	console.PrintSummary(sum)

	if p.outputPath != "" {
		if err := writeReportFile(p.outputPath, p.format, sum); err != nil {
			return err
		}
		logger.Info("report written", zap.String("path", p.outputPath))
	}

	if p.historyPath != "" {
		if err := saveHistory(p.historyPath, sum); err != nil {
			logger.Warn("could not save run history", zap.Error(err))
		}
	}

	if !sum.Passed() {
		return ErrThresholdsFailed
	}
	return nil
}

// exhaustedPoll is how often an open-ended run checks whether all of its
// sessions have finished.
const exhaustedPoll = 100 * time.Millisecond

// drive starts the scheduler, follows the shape if there is one, and
// stops the run when it is over, when every session has run out of
// iterations or time, or when ctx is done.
func drive(ctx context.Context, sched *load.Scheduler, tracker *targetTracker, sh *shape.Shape, p *plan) (*load.Report, error) {
	if sh != nil {
		if err := sh.Run(ctx, tracker); err != nil {
			sched.Stop()
			return nil, err
		}
		return sched.Stop(), nil
	}

	if err := tracker.Start(p.users, p.spawnRate, p.runTime); err != nil {
		sched.Stop()
		return nil, err
	}

	ticker := time.NewTicker(exhaustedPoll)
	defer ticker.Stop()
	for {
		select {
		case <-sched.Done():
			return sched.Stop(), nil
		case <-ctx.Done():
			return sched.Stop(), nil
		case <-ticker.C:
			if sched.Exhausted() {
				return sched.Stop(), nil
			}
		}
	}
}

// formatForPath picks a report format from the file extension.
func formatForPath(path string) output.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return output.FormatJSON
	case ".yaml", ".yml":
		return output.FormatYAML
	case ".xml":
		return output.FormatJUnit
	default:
		return output.FormatText
	}
}

func writeReportFile(path string, format output.Format, sum *output.Summary) error {
	if format == "" {
		format = formatForPath(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := output.WriteReport(f, format, sum); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

func saveHistory(path string, sum *output.Summary) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := history.NewRun(output.NewReport(sum))
	if err != nil {
		return err
	}
	return store.Save(run)
}
