package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/clearctl/internal/admin"
	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected and authenticated, serving the admin API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Initialize(ctx); err != nil {
				return err
			}
			log.Info().
				Str("wallet", c.Wallet().Hex()).
				Str("url", cfg.Client.Transport.URL).
				Msg("clearctl running")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return c.Supervise(gctx)
			})
			if cfg.Admin.Addr != "" {
				var validator auth.Validator
				if cfg.Admin.Token != "" {
					validator = auth.BearerToken{Token: cfg.Admin.Token}
				}
				srv := admin.NewServer(cfg.Admin.Addr, c, admin.RouterConfig{
					CorsOrigins: cfg.Admin.CorsOrigins,
					Auth:        validator,
					Logger:      logging.Component("admin"),
				})
				g.Go(func() error {
					return srv.Run(gctx)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("clearctl stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("admin-addr", "", "admin listen address, overrides the file; empty disables")
	cmd.Flags().String("admin-token", "", "bearer token required by the admin API")
	for _, name := range []string{"admin-addr", "admin-token"} {
		_ = a.v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}
