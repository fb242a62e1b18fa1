package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/tui"
)

// shutdownTimeout bounds how long shutdown waits for the TUI and in-flight
// executions after a signal.
const shutdownTimeout = 10 * time.Second

// openAll opens the selected project, or every project when none is selected.
func (a *app) openAll(ctx context.Context) error {
	if a.flags.project != 0 {
		_, err := a.project(ctx)
		return err
	}
	projects, err := a.store.Projects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return errors.New("no projects yet, create one with: taskpilot project add NAME")
	}
	for _, p := range projects {
		if err := a.svc.Open(ctx, p.ID); err != nil {
			return fmt.Errorf("opening project %d: %w", p.ID, err)
		}
	}
	return nil
}

// watchConfig hot-reloads providers when a config file changes.
func (a *app) watchConfig() *config.Watcher {
	w, err := config.Watch(a.globalPath, a.projectPath, func(cfg *config.TaskpilotConfig) {
		if err := a.svc.SetProviders(orchestrator.ProvidersFromConfig(cfg.Providers, a.pm)); err != nil {
			log.Printf("WARNING: reloading providers: %v", err)
			return
		}
		log.Printf("Providers reloaded from config")
	})
	if err != nil {
		log.Printf("WARNING: config hot-reload disabled: %v", err)
		return nil
	}
	return w
}

// killOnCancel kills tracked subprocesses once ctx is cancelled.
func (a *app) killOnCancel(ctx context.Context) {
	<-ctx.Done()
	if err := a.pm.KillAll(); err != nil {
		log.Printf("Error killing subprocesses: %v", err)
	}
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var untilIdle bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch eligible tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, flags, func(_ context.Context, a *app) error {
				if err := a.openAll(ctx); err != nil {
					return err
				}
				if w := a.watchConfig(); w != nil {
					defer w.Close()
				}
				go a.killOnCancel(ctx)

				var err error
				if untilIdle {
					err = a.svc.RunUntilIdle(ctx)
				} else {
					err = a.svc.Run(ctx)
				}
				if errors.Is(err, context.Canceled) {
					log.Println("Shutdown complete")
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "exit once nothing is eligible or running")
	return cmd
}

func newMonitorCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Dispatch tasks with a live terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The dashboard owns the terminal, so logs go to a file.
			globalPath, _, err := config.Paths()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(globalPath), 0o755); err != nil {
				return err
			}
			logFile, err := tea.LogToFile(filepath.Join(filepath.Dir(globalPath), "taskpilot.log"), "taskpilot")
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logFile.Close()

			return withApp(cmd, flags, func(_ context.Context, a *app) error {
				return monitor(ctx, stop, a)
			})
		},
	}
}

// monitor runs the dispatcher and the dashboard side by side. Quitting the
// dashboard or receiving a signal stops both.
func monitor(ctx context.Context, stop context.CancelFunc, a *app) error {
	// Subscribe before projects are opened so the initial state is rendered.
	model := tui.New(a.svc.Bus())
	defer model.Close()
	if err := a.openAll(ctx); err != nil {
		return err
	}
	if w := a.watchConfig(); w != nil {
		defer w.Close()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go a.killOnCancel(runCtx)

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.svc.Run(runCtx)
	}()

	p := tea.NewProgram(model, tea.WithAltScreen())
	tuiErr := make(chan error, 1)
	go func() {
		_, err := p.Run()
		tuiErr <- err
	}()

	var exitErr error
	select {
	case err := <-tuiErr:
		// Normal TUI exit (user pressed 'q')
		exitErr = err
	case err := <-runErr:
		p.Quit()
		<-tuiErr
		return ignoreCanceled(err)
	case <-ctx.Done():
		// Restore default signal handling (double Ctrl+C = force exit)
		stop()
		log.Println("Shutdown signal received, cleaning up...")
		p.Quit()
		<-tuiErr
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case err := <-runErr:
		if err := ignoreCanceled(err); err != nil {
			log.Printf("Dispatcher exit error: %v", err)
		}
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded, forcing exit")
	}

	log.Println("Shutdown complete")
	return exitErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newExecCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec SEQ",
		Short: "Execute one ready task now",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go a.killOnCancel(ctx)

			if err := a.svc.Execute(ctx, key); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
}

func newPauseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pause SEQ",
		Short: "Keep a task from being dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Pause(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d paused\n", key.Sequence)
			return nil
		}),
	}
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume SEQ",
		Short: "Make a paused task eligible again",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Resume(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d resumed\n", key.Sequence)
			return nil
		}),
	}
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset SEQ",
		Short: "Return a task that is not done to todo",
		Args:  cobra.ExactArgs(1),
		RunE: keyed(flags, func(ctx context.Context, cmd *cobra.Command, a *app, key scheduler.Key, _ []string) error {
			if err := a.svc.Reset(ctx, key); err != nil {
				return err
			}
			return reportStatus(cmd, a, key)
		}),
	}
}
