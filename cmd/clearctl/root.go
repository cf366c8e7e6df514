package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/config"
	"github.com/danmuck/clearctl/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "CLEARCTL"

type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	a := &app{v: v}

	root := &cobra.Command{
		Use:           "clearctl",
		Short:         "Client for a state-channel clearing coordinator",
		Long:          "clearctl connects to a clearing coordinator over websocket, authenticates a session key, and drives app sessions, channels, and ledger queries.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.String("config", "clearctl.toml", "path to the TOML config file")
	flags.String("url", "", "coordinator websocket URL, overrides the file")
	flags.String("private-key", "", "hex wallet key, overrides the file")
	flags.String("log-level", "", "log level, overrides the file")
	for _, name := range []string{"config", "url", "private-key", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newRunCmd(a),
		newConfigCmd(a),
		newSessionCmd(a),
		newChannelsCmd(a),
		newBalancesCmd(a),
	)
	return root
}

// loadConfig reads the file named by --config and applies flag and
// CLEARCTL_* overrides on top.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if a.v.IsSet("url") {
		cfg.Client.Transport.URL = strings.TrimSpace(a.v.GetString("url"))
	}
	if a.v.IsSet("private-key") {
		cfg.PrivateKey = strings.TrimSpace(a.v.GetString("private-key"))
		cfg.PrivateKeyFile = ""
	}
	if a.v.IsSet("log-level") {
		cfg.LogLevel = strings.TrimSpace(a.v.GetString("log-level"))
	}
	if a.v.IsSet("admin-addr") {
		cfg.Admin.Addr = strings.TrimSpace(a.v.GetString("admin-addr"))
	}
	if a.v.IsSet("admin-token") {
		cfg.Admin.Token = strings.TrimSpace(a.v.GetString("admin-token"))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	logging.Apply(cfg.Logging())
	return cfg, nil
}

// withClient runs fn against an initialized client and closes it afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, c *client.Client) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	signer, err := cfg.Signer()
	if err != nil {
		return err
	}
	c, err := client.New(cfg.Client, signer)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return fn(ctx, cfg, c)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
