// Package output renders live progress and final summaries of a load test.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/horde/internal/load/events"
	"github.com/wesleyorama2/horde/internal/load/stats"
	"github.com/wesleyorama2/horde/internal/load/threshold"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// maxSessionErrors is how many session errors are printed before the rest
// are only counted.
const maxSessionErrors = 10

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Elapsed  time.Duration
	Duration time.Duration // planned run time, 0 when open-ended

	ActiveUsers int
	TargetUsers int

	RPS           float64
	TotalRequests int64
	Failures      int64
	FailureRate   float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	Phase string
}

// Progress returns elapsed/duration clamped to [0, 1], or 0 when open-ended.
func (s *LiveStats) Progress() float64 {
	if s.Duration <= 0 {
		return 0
	}
	p := float64(s.Elapsed) / float64(s.Duration)
	if p > 1 {
		return 1
	}
	return p
}

// StatsFromSnapshot creates LiveStats from an aggregator snapshot.
func StatsFromSnapshot(snap *stats.Snapshot, targetUsers int, duration time.Duration) *LiveStats {
	if snap == nil {
		return &LiveStats{TargetUsers: targetUsers, Duration: duration, Phase: string(stats.PhaseInit)}
	}
	return &LiveStats{
		Elapsed:       snap.Elapsed,
		Duration:      duration,
		ActiveUsers:   snap.ActiveUsers,
		TargetUsers:   targetUsers,
		RPS:           snap.RPS,
		TotalRequests: snap.TotalRequests,
		Failures:      snap.TotalFailures,
		FailureRate:   snap.FailureRate,
		LatencyP95:    snap.Latency.P95,
		LatencyAvg:    snap.Latency.Mean,
		Phase:         string(snap.Phase),
	}
}

// Summary is the final result of a run.
type Summary struct {
	Name       string
	Host       string
	Snapshot   *stats.Snapshot
	Thresholds []threshold.Result
	Incomplete int
}

// Passed reports whether every threshold passed.
func (s *Summary) Passed() bool {
	return threshold.Passed(s.Thresholds)
}

// Console manages console output during test execution.
type Console struct {
	testName       string
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	quiet          bool
	colors         *ColorScheme

	mu            sync.Mutex
	linesOutput   int
	sessionErrors int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	TestName       string
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	NoColor        bool
	ForceColors    bool
	ForceTTY       bool
}

// NewConsole creates a new console output handler.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = 2 * time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)

	var scheme *ColorScheme
	switch {
	case config.NoColor:
		scheme = NoColorScheme()
	case config.ForceColors || (isTTY && supportsColors()):
		scheme = ForcedColorScheme()
	default:
		scheme = NoColorScheme()
	}

	return &Console{
		testName:       config.TestName,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		quiet:          config.Quiet,
		colors:         scheme,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// Attach registers the console's listeners on bus.
func (c *Console) Attach(bus *events.Bus) {
	bus.OnTestStart(c.PrintHeader)
	bus.OnSessionError(c.PrintSessionError)
}

// PrintHeader prints the test header.
func (c *Console) PrintHeader(ev events.TestStart) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.colors.Border.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln(line)
	c.writeln(c.colors.Title.Sprintf("%s - Running", c.testName))
	c.writeln(line)
	if ev.Host != "" {
		c.writeln(fmt.Sprintf("Target:  %s", c.colors.Value.Sprint(ev.Host)))
	}
	c.writeln(fmt.Sprintf("Users:   %s", c.colors.Value.Sprint(ev.PlannedUsers)))
	c.writeln("")
}

// PrintSessionError prints a failed session hook. Only the first few are
// printed; the summary reports the total.
func (c *Console) PrintSessionError(ev events.SessionError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionErrors++
	if c.quiet || c.sessionErrors > maxSessionErrors {
		return
	}

	c.clearLiveLocked()
	c.writeln(fmt.Sprintf("%s session %d (%s): %s",
		c.colors.WarningIcon(), ev.SessionID, ev.Class, ev.Description()))
	if c.sessionErrors == maxSessionErrors {
		c.writeln(c.colors.Dim.Sprint("  further session errors are counted only"))
	}
}

// SessionErrors returns the number of session errors seen.
func (c *Console) SessionErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionErrors
}

// Live prints updates every update interval until ctx is done. snapshot
// is called on each tick.
func (c *Console) Live(ctx context.Context, snapshot func() *stats.Snapshot, targetUsers func() int, duration time.Duration) {
	if c.quiet {
		return
	}

	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls := StatsFromSnapshot(snapshot(), targetUsers(), duration)
			if c.isTTY {
				c.Update(ls)
			} else {
				c.PrintNonInteractiveUpdate(ls)
			}
		}
	}
}

// Update redraws the live display.
func (c *Console) Update(ls *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLiveLocked()
	lines := c.renderLiveStats(ls)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLiveLocked erases the live display so other output can be written.
func (c *Console) clearLiveLocked() {
	if !c.isTTY || c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLiveStats(ls *LiveStats) []string {
	var lines []string

	timeInfo := formatDuration(ls.Elapsed)
	if ls.Duration > 0 {
		timeInfo += " / " + formatDuration(ls.Duration)
		lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
			c.colors.Good.Sprint(renderProgressBar(ls.Progress(), 40)),
			c.colors.Title.Sprintf("%.0f%%", ls.Progress()*100),
			c.colors.Dim.Sprint(timeInfo)))
	} else {
		lines = append(lines, fmt.Sprintf("Elapsed:  %s", c.colors.Dim.Sprint(timeInfo)))
	}
	lines = append(lines, fmt.Sprintf("Phase:    %s", c.colors.Phase.Sprint(ls.Phase)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	users := fmt.Sprintf("Users:   %s / %d", c.colors.Value.Sprint(ls.ActiveUsers), ls.TargetUsers)
	reqs := fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(ls.TotalRequests)))
	lines = append(lines, c.formatBoxRow(users, reqs, boxWidth))

	rate := c.colors.rateColor(ls.FailureRate)
	rps := fmt.Sprintf("RPS:     %s", c.colors.Good.Sprintf("%.1f", ls.RPS))
	fails := fmt.Sprintf("Failures:    %s (%s)", rate.Sprint(ls.Failures), rate.Sprintf("%.1f%%", ls.FailureRate*100))
	lines = append(lines, c.formatBoxRow(rps, fails, boxWidth))

	p95 := fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(ls.LatencyP95)))
	avg := fmt.Sprintf("Avg:         %s", c.colors.Latency.Sprint(formatDurationShort(ls.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95, avg, boxWidth))

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2
	leftPadding := max(0, colWidth-len([]rune(stripANSI(left))))
	rightPadding := max(0, colWidth-len([]rune(stripANSI(right))))
	border := c.colors.Dim.Sprint(boxVertical)

	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border, left, strings.Repeat(" ", leftPadding),
		border, right, strings.Repeat(" ", rightPadding),
		border)
}

func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status for non-TTY output
// such as CI logs.
func (c *Console) PrintNonInteractiveUpdate(ls *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | Users: %d/%d | Reqs: %d | RPS: %.1f | Failures: %d (%.1f%%) | P95: %s",
		formatDuration(ls.Elapsed),
		ls.Phase,
		ls.ActiveUsers,
		ls.TargetUsers,
		ls.TotalRequests,
		ls.RPS,
		ls.Failures,
		ls.FailureRate*100,
		formatDurationShort(ls.LatencyP95)))
}

// PrintSummary prints the final test summary.
func (c *Console) PrintSummary(sum *Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if sum.Passed() {
			c.writeln(c.colors.Good.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Bad.Sprint("FAILED"))
		}
		return
	}

	c.clearLiveLocked()

	line := c.colors.Border.Sprint(strings.Repeat(boxHorizontal, 56))
	status := c.colors.Good.Sprint("Completed ✓")
	if !sum.Passed() {
		status = c.colors.Bad.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(sum.Name), status))
	c.writeln(line)
	c.writeln("")

	snap := sum.Snapshot
	if snap == nil {
		snap = &stats.Snapshot{}
	}

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(snap.Elapsed))))
	c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colors.Value.Sprint(formatNumber(snap.TotalRequests))))
	c.writeln(fmt.Sprintf("Failures:      %s", c.colors.rateColor(snap.FailureRate).Sprintf("%s (%.2f%%)",
		formatNumber(snap.TotalFailures), snap.FailureRate*100)))
	c.writeln(fmt.Sprintf("Throughput:    %s", c.colors.Value.Sprintf("%.1f req/s", snap.RPS)))
	if snap.TotalBytes > 0 {
		c.writeln(fmt.Sprintf("Received:      %s", c.colors.Value.Sprintf("%s bytes", formatNumber(snap.TotalBytes))))
	}
	if sum.Incomplete > 0 {
		c.writeln(fmt.Sprintf("Incomplete:    %s", c.colors.Warn.Sprintf("%d sessions still running at stop", sum.Incomplete)))
	}
	if c.sessionErrors > 0 {
		c.writeln(fmt.Sprintf("Session errs:  %s", c.colors.Warn.Sprint(c.sessionErrors)))
	}
	c.writeln("")

	c.writeln(c.colors.Label.Sprint("Latency Distribution:"))
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(snap.Latency.Min)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(snap.Latency.P50)))
	c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(snap.Latency.P90)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(snap.Latency.P95)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(snap.Latency.P99)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(snap.Latency.Max)))
	c.writeln("")

	if len(snap.Requests) > 0 {
		c.printRequestTable(snap)
	}
	if len(snap.Errors) > 0 {
		c.printErrorTable(snap.Errors)
	}

	if len(sum.Thresholds) > 0 {
		c.writeln(c.colors.Label.Sprint("Thresholds:"))
		for _, t := range sum.Thresholds {
			icon := c.colors.SuccessIcon()
			if !t.Passed {
				icon = c.colors.ErrorIcon()
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", icon, t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}
}

func (c *Console) printRequestTable(snap *stats.Snapshot) {
	names := make([]string, 0, len(snap.Requests))
	for name := range snap.Requests {
		names = append(names, name)
	}
	sort.Strings(names)

	c.writeln(c.colors.Label.Sprint("Requests:"))
	c.writeln(c.colors.Dim.Sprintf("  %-40s %9s %7s %9s %9s %8s", "Name", "Reqs", "Fails", "Avg", "P95", "RPS"))
	for _, name := range names {
		r := snap.Requests[name]
		fails := fmt.Sprintf("%7d", r.Failures)
		if r.Failures > 0 {
			fails = c.colors.rateColor(r.FailureRate).Sprint(fails)
		}
		c.writeln(fmt.Sprintf("  %-40s %9s %s %9s %9s %8.1f",
			truncate(name, 40),
			formatNumber(r.Count),
			fails,
			formatDurationShort(r.Latency.Mean),
			formatDurationShort(r.Latency.P95),
			r.RPS))
	}
	c.writeln("")
}

func (c *Console) printErrorTable(errs []stats.ErrorStats) {
	c.writeln(c.colors.Label.Sprint("Failures:"))
	c.writeln(c.colors.Dim.Sprintf("  %8s  %-32s %s", "Count", "Name", "Reason"))
	for _, e := range errs {
		c.writeln(fmt.Sprintf("  %8s  %-32s %s",
			c.colors.Bad.Sprint(formatNumber(e.Occurrences)),
			truncate(e.Name, 32),
			e.Reason))
	}
	c.writeln("")
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}
