// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)

	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	diffStyle   = cellStyle.Foreground(lipgloss.Color("9")).Bold(true)
)

// diffTable is a report table where rows that differ across artifacts are highlighted.
type diffTable struct {
	table   *lgtable.Table
	numRows int
	differs map[int]bool
}

// newTable returns a table without highlighted rows.
func newTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return newDiffTable(withHeader, alignments...).table
}

// newDiffTable creates a table. Alignments are per column; the last one is used for the remaining columns.
func newDiffTable(withHeader bool, alignments ...lipgloss.Position) *diffTable {
	dt := &diffTable{differs: make(map[int]bool)}
	dt.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row < 0 {
				return headerStyle
			}
			style := cellStyle.Faint(row%2 == 1)
			if dt.differs[row] {
				style = diffStyle
			}
			if len(alignments) > 0 {
				style = style.Align(alignments[min(col, len(alignments)-1)])
			}
			return style
		})
	return dt
}

// Row appends a row, highlighted if differs.
func (dt *diffTable) Row(differs bool, cells ...string) {
	dt.differs[dt.numRows] = differs
	dt.table.Row(cells...)
	dt.numRows++
}

// allEqual returns whether all values are the same.
func allEqual[E comparable](values []E) bool {
	for _, v := range values {
		if v != values[0] {
			return false
		}
	}
	return true
}
