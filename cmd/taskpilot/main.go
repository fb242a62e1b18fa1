// Command taskpilot manages task graphs and runs them against LLM providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	db      string
	project int64
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Dependency-aware task orchestration over LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.db, "db", "", "database path (default from config)")
	root.PersistentFlags().Int64VarP(&flags.project, "project", "p", 0, "project ID (default: the first project)")

	root.AddCommand(
		newProjectCmd(flags),
		newTaskCmd(flags),
		newDepCmd(flags),
		newStatusCmd(flags),
		newInputCmd(flags),
		newExecCmd(flags),
		newPauseCmd(flags),
		newResumeCmd(flags),
		newResetCmd(flags),
		newApproveCmd(flags),
		newRejectCmd(flags),
		newAcceptCmd(flags),
		newRetryCmd(flags),
		newSubdivideCmd(flags),
		newBackfillCmd(flags),
		newRunCmd(flags),
		newMonitorCmd(flags),
		newConfigCmd(),
		newProviderCmd(),
	)
	return root
}

// app holds the wired components for one command invocation.
type app struct {
	flags       *globalFlags
	cfg         *config.TaskpilotConfig
	globalPath  string
	projectPath string
	store       *persistence.SQLiteStore
	pm          *backend.ProcessManager
	svc         *orchestrator.Service
}

// openApp loads configuration, opens the store and builds the service.
// Projects are opened lazily by project().
func openApp(ctx context.Context, flags *globalFlags) (*app, error) {
	globalPath, projectPath, err := config.Paths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database
	if flags.db != "" {
		dbPath = flags.db
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	pm := backend.NewProcessManager()
	svc, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg, store, pm))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		flags:       flags,
		cfg:         cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		store:       store,
		pm:          pm,
		svc:         svc,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.svc.Close(), a.store.Close())
}

// project resolves the --project flag, falling back to the first project,
// and opens it in the service.
func (a *app) project(ctx context.Context) (*scheduler.Project, error) {
	id := a.flags.project
	if id == 0 {
		projects, err := a.store.Projects(ctx)
		if err != nil {
			return nil, err
		}
		if len(projects) == 0 {
			return nil, errors.New("no projects yet, create one with: taskpilot project add NAME")
		}
		id = projects[0].ID
	}

	p, err := a.store.Project(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.svc.Open(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("WARNING: shutdown: %v", err)
		}
	}()
	return fn(ctx, a)
}
