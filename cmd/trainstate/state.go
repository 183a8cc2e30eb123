// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/support/xslices"
)

func formatFloats(values []float64) string {
	return strings.Join(xslices.Map(values, func(v float64) string { return fmt.Sprintf("%.4g", v) }), ", ")
}

// ReportTrainingState prints the counters of the training state and tables of its optimizers and schedulers.
func ReportTrainingState(w io.Writer, name string, state *checkpoints.TrainingState) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Training state %s", name)))
	table := newTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("id", state.ID.String())
	table.Row("epoch", humanize.Comma(int64(state.Epoch)))
	table.Row("iteration", humanize.Comma(state.Iteration))
	table.Row("created", state.CreatedAt.Local().Format(time.DateTime))
	randomDomains := "<none>"
	if state.Random != nil {
		randomDomains = strings.Join(xslices.Map(state.Random.Present(), func(d random.Domain) string { return string(d) }), ", ")
	}
	table.Row("random", randomDomains)
	fmt.Fprintln(w, table.Render())

	fmt.Fprintf(w, "  %s:\n", sectionStyle.Render("Optimizers"))
	table = newTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("#", "Kind", "Step", "Learning rates", "Slots")
	for ii, opt := range state.Optimizers {
		var numSlotValues int
		for _, slot := range opt.Slots {
			numSlotValues += slot.Size()
		}
		table.Row(fmt.Sprint(ii), opt.Kind(), humanize.Comma(opt.Step), formatFloats(opt.LearningRates),
			fmt.Sprintf("%d (%s values)", len(opt.Slots), humanize.Comma(int64(numSlotValues))))
	}
	fmt.Fprintln(w, table.Render())

	fmt.Fprintf(w, "  %s:\n", sectionStyle.Render("Schedulers"))
	table = newTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("#", "Kind", "Last epoch", "Base rates", "Last rates", "Gamma", "Schedule", "Restarts")
	for ii, sched := range state.Schedulers {
		if sched == nil {
			table.Row(fmt.Sprint(ii), "<none>", "", "", "", "", "", "")
			continue
		}
		var schedule string
		switch {
		case sched.Milestones != nil:
			schedule = "milestones " + sched.Milestones.String()
		case len(sched.StepSizes) > 0:
			schedule = fmt.Sprintf("every %v", sched.StepSizes)
		case sched.StepSize > 0:
			schedule = fmt.Sprintf("every %d", sched.StepSize)
		case len(sched.TPeriod) > 0:
			schedule = fmt.Sprintf("periods %v", sched.TPeriod)
		}
		var restarts string
		if len(sched.Restarts) > 0 {
			restarts = fmt.Sprintf("%v x %v", sched.Restarts, sched.RestartWeights)
		}
		table.Row(fmt.Sprint(ii), string(sched.Kind), humanize.Comma(int64(sched.LastEpoch)),
			formatFloats(sched.BaseLRs), formatFloats(sched.LastLRs), fmt.Sprintf("%g", sched.Gamma), schedule, restarts)
	}
	fmt.Fprintln(w, table.Render())
}
