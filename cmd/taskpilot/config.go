package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the global configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to ~/.taskpilot/config.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := config.Paths()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func newProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "List providers or switch them on and off",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured providers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadDefault()
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(cfg.Providers))
				for id := range cfg.Providers {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				w := cmd.OutOrStdout()
				for _, id := range ids {
					pc := cfg.Providers[id]
					state := color.GreenString("enabled")
					if !pc.IsEnabled() {
						state = color.HiBlackString("disabled")
					}
					fmt.Fprintf(w, "%-12s %-10s %-8s %s\n", id, pc.Type, state, pc.Model)
				}
				return nil
			},
		},
		newToggleCmd("enable", true),
		newToggleCmd("disable", false),
	)
	return cmd
}

// newToggleCmd flips a provider's enabled flag in the global config file.
func newToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: fmt.Sprintf("%s a provider in the global config", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := config.Paths()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path, "")
			if err != nil {
				return err
			}

			id := args[0]
			pc, ok := cfg.Providers[id]
			if !ok {
				return fmt.Errorf("unknown provider %q", id)
			}
			pc.Enabled = &enabled
			cfg.Providers[id] = pc
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, id)
			return nil
		},
	}
}
