package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/volley-project/volley/internal/config"
)

func configCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check or edit the configuration file",
	}
	cmd.AddCommand(configInitCmd(opts), configValidateCmd(opts), configSetupCmd(opts))
	return cmd
}

func configInitCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Init(opts.configDir, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfg.Path())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func configValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result := config.Validate(cfg)
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: [%s] %s\n", w.Field, w.Message)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "error:   [%s] %s\n", e.Field, e.Message)
			}
			if !result.IsValid() {
				return fmt.Errorf("%s has %d error(s)", cfg.Path(), len(result.Errors))
			}
			fmt.Fprintf(out, "%s is valid\n", cfg.Path())
			return nil
		},
	}
}

func configSetupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Edit the common settings interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
