// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// statsFn returns the (name, value) rows displayed under the progress bar.
type statsFn func() [][2]string

type progressUpdate struct {
	amount int
	stats  [][2]string
}

// progressBar displays the progress of the workload, with a table of stats that is redrawn asynchronously,
// so a slow terminal doesn't slow down the workload.
type progressBar struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsFn    statsFn
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	// Owned by the caller of add.
	total, count, pending int
	lastSent              time.Time

	// Owned by drawLoop.
	isFirstOutput bool
	numStatsLines int

	updates     chan progressUpdate
	updatesDone sync.WaitGroup
}

// maxUpdateFrequency is the minimum time between redraws.
const maxUpdateFrequency = 200 * time.Millisecond

func newProgressBar(total int, unit string, stats statsFn) *progressBar {
	pBar := &progressBar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("      [bold]"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString(unit),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		),
		termenv:       termenv.NewOutput(os.Stdout),
		statsFn:       stats,
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		total:         total,
		isFirstOutput: true,
		updates:       make(chan progressUpdate, 100),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updatesDone.Add(1)
	go pBar.drawLoop()
	return pBar
}

// add amount to the progress. Updates are sent to drawLoop at most every maxUpdateFrequency.
func (pBar *progressBar) add(amount int) {
	pBar.count += amount
	pBar.pending += amount
	if pBar.count < pBar.total && time.Since(pBar.lastSent) < maxUpdateFrequency {
		return
	}
	pBar.flush()
}

func (pBar *progressBar) flush() {
	if pBar.pending == 0 {
		return
	}
	pBar.updates <- progressUpdate{amount: pBar.pending, stats: pBar.statsFn()}
	pBar.pending = 0
	pBar.lastSent = time.Now()
}

func (pBar *progressBar) drawLoop() {
	defer pBar.updatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case more, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += more.amount
				update = more
			default:
				break exhaust
			}
		}
		pBar.statsTable.Data(lgtable.NewStringData())
		rows := update.stats
		for _, row := range rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numStatsLines + 2)
		}
		pBar.isFirstOutput = false
		pBar.numStatsLines = len(rows) + 2
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
	}
}

// done waits for the pending updates to be drawn.
func (pBar *progressBar) done() {
	pBar.flush()
	close(pBar.updates)
	pBar.updatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}
