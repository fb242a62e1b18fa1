package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/scheduler"
)

var statusColors = map[scheduler.TaskStatus]*color.Color{
	scheduler.StatusTodo:          color.New(color.FgWhite),
	scheduler.StatusInProgress:    color.New(color.FgYellow),
	scheduler.StatusNeedsApproval: color.New(color.FgCyan, color.Bold),
	scheduler.StatusInReview:      color.New(color.FgCyan),
	scheduler.StatusDone:          color.New(color.FgGreen),
	scheduler.StatusBlocked:       color.New(color.FgRed, color.Bold),
}

func statusLabel(s scheduler.TaskStatus) string {
	c, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return c.Sprint(string(s))
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the task graph of the selected project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				p, err := a.project(ctx)
				if err != nil {
					return err
				}
				tasks, err := a.svc.GraphOf(p.ID)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), a, p, tasks)
			})
		},
	}
}

// printStatus lists tasks in topological order. Tasks the next run would
// start are marked with a star.
func printStatus(w io.Writer, a *app, p *scheduler.Project, tasks []*scheduler.Task) error {
	bold := color.New(color.Bold)
	done := 0
	for _, t := range tasks {
		if t.Status == scheduler.StatusDone {
			done++
		}
	}
	bold.Fprintf(w, "%s", p.Name)
	fmt.Fprintf(w, "  %d/%d done\n", done, len(tasks))

	next, err := a.svc.Dispatchable(p.ID)
	if err != nil {
		return err
	}
	startable := make(map[int]bool, len(next))
	for _, key := range next {
		startable[key.Sequence] = true
	}

	for _, t := range tasks {
		marker := " "
		if startable[t.Sequence] {
			marker = color.GreenString("*")
		}

		line := fmt.Sprintf("%s %3d  %-16s %-6s %s", marker, t.Sequence, statusLabel(t.Status), t.Type, t.Title)
		if len(t.Dependencies) > 0 {
			line += color.HiBlackString("  <- " + joinInts(t.Dependencies))
		}
		if t.IsPaused {
			line += color.YellowString("  [paused]")
		}
		if t.IsSubdivided {
			line += color.HiBlackString("  [subdivided]")
		}
		fmt.Fprintln(w, line)
		if t.Error != "" && t.Status != scheduler.StatusDone {
			fmt.Fprintln(w, "        "+color.RedString(t.Error))
		}
	}
	return nil
}

// printTask prints one task, its result and its execution history.
func printTask(w io.Writer, t *scheduler.Task, records []scheduler.ExecutionRecord) {
	color.New(color.Bold).Fprintf(w, "%d %s", t.Sequence, t.Title)
	fmt.Fprintf(w, "  [%s] %s\n", statusLabel(t.Status), t.Type)
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "\ndepends on: %s\n", joinInts(t.Dependencies))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "\n%s %s\n", color.RedString("error:"), t.Error)
	}
	if t.Result != nil {
		fmt.Fprintf(w, "\n%s\n%s\n", color.GreenString("result:"), t.Result.Content)
	}
	if len(records) == 0 {
		return
	}
	fmt.Fprintf(w, "\nexecutions:\n")
	for _, r := range records {
		fmt.Fprintf(w, "  %s  %-14s %-10s %d attempt(s)  %d tokens  $%.4f  %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome, r.Provider, r.Attempts, r.TokensUsed(), r.Cost, r.Duration.Round(time.Millisecond))
	}
}
