// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bridge/backends/hostmem"
	"github.com/gomlx/bridge/encapsulate"
	dto "github.com/prometheus/client_model/go"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newPlainTable returns a table with alternating row styles. The first column is right-aligned,
// the others left-aligned.
func newPlainTable(headers ...string) *lgtable.Table {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
	if len(headers) > 0 {
		t = t.Headers(headers...)
	}
	return t
}

func execTable(exec *encapsulate.Exec, w *workload, elapsed time.Duration) *lgtable.Table {
	stats := exec.Stats()
	calls := stats.Hits + stats.Misses
	table := newPlainTable()
	table.Row("exec", exec.Name())
	table.Row("backend", exec.Backend().Description())
	table.Row("cache capacity", humanize.Comma(int64(exec.Cache().Capacity())))
	table.Row("calls", humanize.Comma(calls))
	if calls > 0 {
		table.Row("hit rate", fmt.Sprintf("%.1f%%", 100*float64(stats.Hits)/float64(calls)))
	}
	table.Row("compilations", humanize.Comma(stats.Misses-stats.CompileErrors))
	table.Row("evictions", humanize.Comma(stats.Evictions))
	table.Row("cached executables", humanize.Comma(int64(stats.Cached)))
	table.Row("new input buffers", humanize.Comma(int64(w.newBuffers)))
	table.Row("rewritten inputs", humanize.Comma(int64(w.rewrites)))
	table.Row("input copies", humanize.Comma(stats.Copies))
	table.Row("bytes copied", humanize.Bytes(uint64(stats.BytesCopied)))
	table.Row("output read-backs", humanize.Comma(stats.ReadBacks))
	table.Row("bytes read back", humanize.Bytes(uint64(stats.BytesReadBack)))
	if tracker, ok := exec.Tracker().(*encapsulate.Tracker); ok {
		table.Row("tracked buffers", humanize.Comma(int64(tracker.NumBuffers())))
	}
	table.Row("total time", formatDuration(elapsed))
	table.Row("median call", formatDuration(w.medianDuration()))
	return table
}

func hostmemTable(backend *hostmem.Backend) *lgtable.Table {
	stats := backend.Stats()
	table := newPlainTable()
	table.Row("compiled", humanize.Comma(stats.NumCompiled))
	table.Row("removed", humanize.Comma(stats.NumRemoved))
	table.Row("tensors created", humanize.Comma(stats.NumTensors))
	table.Row("live tensors", humanize.Comma(stats.LiveTensors))
	table.Row("bytes written", humanize.Bytes(uint64(stats.BytesWritten)))
	table.Row("bytes read", humanize.Bytes(uint64(stats.BytesRead)))
	return table
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints duration without a long list of decimal points.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// metricsTable lists the value of every gathered counter and gauge.
func metricsTable(families []*dto.MetricFamily) *lgtable.Table {
	table := newPlainTable("metric", "labels", "value")
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%s", label.GetName(), label.GetValue()))
			}
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			}
			table.Row(family.GetName(), strings.Join(labels, ","), humanize.Ftoa(value))
		}
	}
	return table
}
