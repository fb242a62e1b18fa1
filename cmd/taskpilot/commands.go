package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// parseSeq parses a task sequence number argument.
func parseSeq(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid task number %q", arg)
	}
	return n, nil
}

func newProjectCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var guidelines, folder string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				p, err := a.store.SaveProject(ctx, &scheduler.Project{
					Name:       args[0],
					Guidelines: guidelines,
					BaseFolder: folder,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created project %d %s\n", p.ID, p.Name)
				return nil
			})
		},
	}
	add.Flags().StringVar(&guidelines, "guidelines", "", "text prepended to every AI prompt")
	add.Flags().StringVar(&folder, "folder", ".", "working directory for script tasks")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				projects, err := a.store.Projects(ctx)
				if err != nil {
					return err
				}
				for _, p := range projects {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", p.ID, p.Name, p.BaseFolder)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

type taskFlags struct {
	description string
	taskType    string
	priority    int
	deps        []int
	provider    string
	review      bool
	tags        []string
	minutes     int
	any         bool
	repeat      bool
	pass        []int
	schedule    string
}

// build turns the flags into a task for project p.
func (f *taskFlags) build(p *scheduler.Project, title string) *scheduler.Task {
	t := &scheduler.Task{
		ProjectID:        p.ID,
		Title:            title,
		Description:      f.description,
		Type:             scheduler.TaskType(f.taskType),
		Priority:         f.priority,
		Dependencies:     f.deps,
		AssignedProvider: f.provider,
		ReviewRequired:   f.review,
		Tags:             f.tags,
		EstimatedMinutes: f.minutes,
	}
	if f.any || f.repeat || len(f.pass) > 0 || f.schedule != "" {
		tc := &scheduler.TriggerConfig{
			DependsOn: scheduler.DependsOn{
				TaskIDs:         f.deps,
				Operator:        scheduler.OperatorAll,
				PassResultsFrom: f.pass,
				ExecutionPolicy: scheduler.PolicyOnce,
			},
			Schedule: f.schedule,
		}
		if f.any {
			tc.DependsOn.Operator = scheduler.OperatorAny
		}
		if f.repeat || f.schedule != "" {
			tc.DependsOn.ExecutionPolicy = scheduler.PolicyRepeat
		}
		t.Trigger = tc
	}
	return t
}

func newTaskCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	tf := &taskFlags{}
	add := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				p, err := a.project(ctx)
				if err != nil {
					return err
				}
				t, err := a.svc.CreateTask(ctx, tf.build(p, args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created task %d %s\n", t.Sequence, t.Title)
				return nil
			})
		},
	}
	f := add.Flags()
	f.StringVarP(&tf.description, "description", "d", "", "prompt body, script or output template")
	f.StringVarP(&tf.taskType, "type", "t", string(scheduler.TypeAI), "task type: ai, script, input or output")
	f.IntVar(&tf.priority, "priority", 0, "higher runs first")
	f.IntSliceVar(&tf.deps, "dep", nil, "upstream task numbers")
	f.StringVar(&tf.provider, "provider", "", "pin the task to a provider")
	f.BoolVar(&tf.review, "review", false, "hold the result for acceptance")
	f.StringSliceVar(&tf.tags, "tag", nil, "tags; cap:NAME requires a provider capability")
	f.IntVar(&tf.minutes, "minutes", 0, "estimated minutes")
	f.BoolVar(&tf.any, "any", false, "fire when any upstream task is done")
	f.BoolVar(&tf.repeat, "repeat", false, "re-fire whenever upstream tasks complete again")
	f.IntSliceVar(&tf.pass, "pass", nil, "upstream task numbers whose results are passed in")
	f.StringVar(&tf.schedule, "schedule", "", "cron schedule for recurring runs (implies --repeat)")

	rm := &cobra.Command{
		Use:   "rm SEQ",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.DeleteTask(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted task %d\n", key.Sequence)
			return nil
		}),
	}

	show := &cobra.Command{
		Use:   "show SEQ",
		Short: "Print a task with its result and execution history",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			t, err := a.svc.Task(key)
			if err != nil {
				return err
			}
			records, err := a.svc.Executions(ctx, key)
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t, records)
			return nil
		}),
	}

	cmd.AddCommand(add, rm, show)
	return cmd
}

func newDepCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Edit dependency edges",
	}

	edge := func(use, short string, apply func(ctx context.Context, a *app, projectID int64, from, to int) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " FROM TO",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				from, err := parseSeq(args[0])
				if err != nil {
					return err
				}
				to, err := parseSeq(args[1])
				if err != nil {
					return err
				}
				return withApp(cmd, flags, func(ctx context.Context, a *app) error {
					p, err := a.project(ctx)
					if err != nil {
						return err
					}
					if err := apply(ctx, a, p.ID, from, to); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %d -> %d\n", use, from, to)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		edge("add", "Make TO depend on FROM", func(ctx context.Context, a *app, pid int64, from, to int) error {
			return a.svc.AddDependency(ctx, pid, from, to)
		}),
		edge("rm", "Remove the edge FROM -> TO", func(ctx context.Context, a *app, pid int64, from, to int) error {
			return a.svc.RemoveDependency(ctx, pid, from, to)
		}),
	)
	return cmd
}

// keyedFunc is a command body operating on one task.
type keyedFunc func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, rest []string) error

// keyed adapts fn into a RunE that parses the first argument as a task
// number in the selected project.
func keyed(flags *globalFlags, fn keyedFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, flags, func(ctx context.Context, a *app) error {
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, cmd, a, scheduler.Key{ProjectID: p.ID, Sequence: seq}, args[1:])
		})
	}
}

func newInputCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "input SEQ CONTENT",
		Short: "Complete an input task",
		Args:  cobra.MinimumNArgs(2),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, rest []string) error {
			if err := a.svc.SubmitInput(ctx, key, strings.Join(rest, " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d done\n", key.Sequence)
			return nil
		}),
	}
}

func newApproveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "approve SEQ",
		Short: "Approve a task waiting for confirmation and continue it",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Approve(ctx, key); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
}

func newRejectCmd(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject SEQ",
		Short: "Reject a task waiting for confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Reject(ctx, key, reason); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "feedback for the next attempt")
	return cmd
}

func newAcceptCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "accept SEQ",
		Short: "Accept a reviewed result",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Accept(ctx, key); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
}

func newRetryCmd(flags *globalFlags) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "retry SEQ",
		Short: "Run a task again, optionally with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Retry(ctx, key, feedback); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "appended to the prompt")
	return cmd
}

func newSubdivideCmd(flags *globalFlags) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "subdivide SEQ",
		Short: "Ask a provider to split a task into subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			out := cmd.OutOrStdout()
			suggestion, err := a.svc.SuggestSubdivision(ctx, key)
			if err != nil {
				return err
			}
			if suggestion.Reasoning != "" {
				fmt.Fprintln(out, suggestion.Reasoning)
			}
			for i, st := range suggestion.Subtasks {
				fmt.Fprintf(out, "%d. %s (priority %d, ~%dm)\n", i+1, st.Title, st.Priority, st.EstimatedMinutes)
			}
			if !confirm {
				fmt.Fprintln(out, "re-run with --yes to create these subtasks")
				return nil
			}
			created, err := a.svc.ConfirmSubdivision(ctx, key, suggestion.Subtasks)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created %d subtasks\n", len(created))
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&confirm, "yes", "y", false, "create the suggested subtasks")
	return cmd
}

func newBackfillCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Assign sequence numbers to tasks stored without one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.store.BackfillSequences(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d tasks\n", n)
				return nil
			})
		},
	}
}

func reportStatus(cmd *cobra.Command, a *app, key scheduler.Key) error {
	t, err := a.svc.Task(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %d %s\n", t.Sequence, statusLabel(t.Status))
	return nil
}
