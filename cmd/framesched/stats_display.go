package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#cba6f7")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6adc8")).Width(22)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#cdd6f4"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#585b70")).
			Padding(0, 1)
)

// rowf renders a "label: value" line.
func rowf(label, format string, args ...any) string {
	return labelStyle.Render(label+":") + valueStyle.Render(fmt.Sprintf(format, args...))
}

// reportStats periodically prints statistics from all components
func reportStats(ctx context.Context, interval time.Duration, c components) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println(renderStats(fmt.Sprintf("Statistics (Uptime: %v)", time.Since(startTime).Round(time.Second)), c))
		}
	}
}

// printFinalStats prints the summary once every component stopped
func printFinalStats(c components) {
	fmt.Println()
	fmt.Println(renderStats("Final Statistics", c))
}

func renderStats(title string, c components) string {
	ps := c.pipeline.Stats()
	rs := c.rasterizer.Stats()
	ms := c.merger.Shared().Stats()
	ds := c.renderer.Stats()
	prod := c.producer.Stats()

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Producer"))
	b.WriteString("\n")
	b.WriteString(rowf("  Committed", "%d frames", prod.Committed) + "\n")
	skipped := rowf("  Skipped", "%d ticks", prod.Skipped)
	if prod.Skipped > 0 {
		skipped = labelStyle.Render("  Skipped:") + warnStyle.Render(fmt.Sprintf("%d ticks", prod.Skipped))
	}
	b.WriteString(skipped + "\n\n")

	b.WriteString(sectionStyle.Render("Pipeline"))
	b.WriteString("\n")
	b.WriteString(rowf("  In flight", "%d / %d", ps.InFlight, ps.Depth) + "\n")
	b.WriteString(rowf("  Queued", "%d", ps.Queued) + "\n")
	b.WriteString(rowf("  Produced", "%d", ps.Produced) + "\n")
	b.WriteString(rowf("  Consumed", "%d", ps.Consumed) + "\n")
	b.WriteString(rowf("  Rejected", "%d", ps.Rejected) + "\n")
	b.WriteString(rowf("  Abandoned", "%d", ps.Abandoned) + "\n")
	b.WriteString(rowf("  Dropped", "%d", ps.Dropped) + "\n\n")

	b.WriteString(sectionStyle.Render("Rasterizer"))
	b.WriteString("\n")
	b.WriteString(rowf("  Drawn", "%d (avg %.1f ms)", rs.Drawn, ds.AvgLatencyMs) + "\n")
	b.WriteString(rowf("  Failed", "%d", rs.Failed) + "\n")
	b.WriteString(rowf("  Resubmitted", "%d", rs.Resubmitted) + "\n")
	b.WriteString(rowf("  Yielded", "%d", rs.Yielded) + "\n")
	b.WriteString(rowf("  Reposts", "%d", rs.Reposts) + "\n")
	b.WriteString(rowf("  Last frame", "#%d", ds.LastSeq) + "\n\n")

	b.WriteString(sectionStyle.Render("Thread Merger"))
	b.WriteString("\n")
	b.WriteString(rowf("  Merged", "%v", ms.Merged) + "\n")
	b.WriteString(rowf("  Enabled", "%v", ms.Enabled) + "\n")
	b.WriteString(rowf("  Merges / Unmerges", "%d / %d", ms.Merges, ms.Unmerges) + "\n")
	b.WriteString(rowf("  Platform views", "%d drawn, %d requests", ds.PlatformViews, ds.MergeRequests) + "\n\n")

	b.WriteString(sectionStyle.Render("Loops"))
	b.WriteString("\n")
	b.WriteString(rowf("  "+c.platform.Name(), "%d tasks", c.platform.TasksRun()) + "\n")
	b.WriteString(rowf("  "+c.raster.Name(), "%d tasks", c.raster.TasksRun()))

	return boxStyle.Render(b.String())
}
