// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/ml/train"
	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
)

// ReportNetworks writes to w a table with the registered networks of base and their sizes.
func ReportNetworks(w io.Writer, base *train.Base) error {
	table := newStatsTable()
	table.Row("Network", "Parameters")
	for _, label := range base.NetworkLabels() {
		_, count, err := base.NetworkDescription(label)
		if err != nil {
			return err
		}
		table.Row(label, humanize.Comma(int64(count)))
	}
	_, err := fmt.Fprintln(w, table.String())
	return err
}

// ReportChanges writes to w the changes applied by a scheduler reconciliation, one per line.
func ReportChanges(w io.Writer, changes []schedulers.Change) error {
	if len(changes) == 0 {
		return nil
	}
	lines := make([]string, 0, len(changes))
	for _, change := range changes {
		lines = append(lines, "  - "+change.String())
	}
	_, err := fmt.Fprintf(w, "Schedulers updated:\n%s\n", strings.Join(lines, "\n"))
	return err
}
