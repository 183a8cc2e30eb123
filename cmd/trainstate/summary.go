// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
)

// Summary prints a table with one column per artifact: its kind, iteration and sizes.
func Summary(w io.Writer, metas []*checkpoints.Metadata, names []string) {
	numArtifacts := len(names)
	newRow := func(title string) []string {
		row := make([]string, numArtifacts+1)
		row[0] = title
		return row
	}

	fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newDiffTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(false, append([]string{"artifact"}, names...)...)

	kindRow, labelRow, iterationRow := newRow("kind"), newRow("label"), newRow("iteration")
	createdRow, formatRow := newRow("created"), newRow("format")
	variablesRow, valuesRow, bytesRow := newRow("# variables"), newRow("# values"), newRow("# bytes")
	for ii, meta := range metas {
		kindRow[ii+1] = string(meta.Kind)
		labelRow[ii+1] = meta.Label
		iterationRow[ii+1] = meta.Iteration
		createdRow[ii+1] = meta.CreatedAt.Local().Format(time.DateTime)
		formatRow[ii+1] = fmt.Sprintf("%s (v%d)", meta.BinFormat, meta.Version)

		var numValues int
		var numBytes uintptr
		for _, v := range meta.Variables {
			shape := v.Shape()
			numValues += shape.Size()
			numBytes += shape.Memory()
		}
		variablesRow[ii+1] = humanize.Comma(int64(len(meta.Variables)))
		valuesRow[ii+1] = humanize.Comma(int64(numValues))
		bytesRow[ii+1] = humanize.Bytes(uint64(numBytes))
	}
	table.Row(false, kindRow...)
	table.Row(false, labelRow...)
	table.Row(false, iterationRow...)
	table.Row(false, createdRow...)
	table.Row(false, formatRow...)
	// Sizes that differ across artifacts are highlighted.
	for _, row := range [][]string{variablesRow, valuesRow, bytesRow} {
		table.Row(!allEqual(row[1:]), row...)
	}
	fmt.Fprintln(w, table.table.Render())
}
