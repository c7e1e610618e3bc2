// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	failedRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newTable creates a table whose rows listed in failed are highlighted.
func newTable(failed map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
			case failed[row]:
				s = failedRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

func checksTable(results []checkResult, passed []bool) string {
	failed := make(map[int]bool)
	for i, ok := range passed {
		if !ok {
			failed[i] = true
		}
	}
	table := newTable(failed, lipgloss.Left, lipgloss.Center, lipgloss.Left)
	table.Headers("check", "status", "details (rank 0)")
	for i, r := range results {
		status := "ok"
		if !passed[i] {
			status = "FAILED"
		}
		details := r.details
		if r.err != nil {
			details = r.err.Error()
		}
		table.Row(r.name, status, details)
	}
	return table.Render()
}

func benchmarkTable(r benchmarkResult) string {
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row("dtype", r.dtype.String())
	table.Row("# elements", humanize.Comma(int64(r.numElements)))
	table.Row("buffer size", humanize.Bytes(uint64(r.numBytes)))
	table.Row("iterations", humanize.Comma(int64(r.iterations)))
	table.Row("time per AllSum", r.perIteration.Round(time.Microsecond).String())
	table.Row("algorithm bandwidth", fmt.Sprintf("%s/s", humanize.Bytes(uint64(r.bandwidth))))
	return table.Render()
}
