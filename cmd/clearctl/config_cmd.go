package main

import (
	"fmt"

	"github.com/danmuck/clearctl/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check config files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config to --config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.v.GetString("config")
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load --config with overrides applied and report problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			tc := cfg.Client.Transport
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: url=%s application=%s scope=%s reconnects=%d admin=%q\n",
				tc.URL, cfg.Client.Auth.Application, cfg.Client.Auth.Scope, tc.MaxReconnectAttempts, cfg.Admin.Addr)
			return err
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
