package main

import (
	"context"

	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/config"
	"github.com/danmuck/clearctl/internal/ledger"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newChannelsCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the wallet's channels, or open, resize, and close them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				channels, err := c.Channels().List(ctx, c.Wallet(), status)
				if err != nil {
					return err
				}
				return printJSON(cmd, channels)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by channel status")
	cmd.AddCommand(newChannelCreateCmd(a), newChannelResizeCmd(a), newChannelCloseCmd(a))
	return cmd
}

func newChannelCreateCmd(a *app) *cobra.Command {
	var chainID uint64
	var token string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a new channel for a token on a chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokenAddr, err := parseAddress(token)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				res, err := c.Channels().Create(ctx, chainID, tokenAddr)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain-id", 0, "chain id")
	cmd.Flags().StringVar(&token, "token", "", "token contract address")
	_ = cmd.MarkFlagRequired("chain-id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newChannelResizeCmd(a *app) *cobra.Command {
	var id, resize, allocate, destination string
	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Move funds between a channel and the unified balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resizeAmt, err := optionalAmount(resize)
			if err != nil {
				return err
			}
			allocateAmt, err := optionalAmount(allocate)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				dest := c.Wallet()
				if destination != "" {
					if dest, err = parseAddress(destination); err != nil {
						return err
					}
				}
				res, err := c.Channels().Resize(ctx, id, resizeAmt, allocateAmt, dest)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "channel id")
	f.StringVar(&resize, "resize", "", "on-chain resize amount, signed")
	f.StringVar(&allocate, "allocate", "", "amount to allocate from the unified balance, signed")
	f.StringVar(&destination, "destination", "", "funds destination; defaults to the wallet")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newChannelCloseCmd(a *app) *cobra.Command {
	var id, destination string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Cooperatively close a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				dest := c.Wallet()
				if destination != "" {
					var err error
					if dest, err = parseAddress(destination); err != nil {
						return err
					}
				}
				res, err := c.Channels().Close(ctx, id, dest)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "channel id")
	cmd.Flags().StringVar(&destination, "destination", "", "funds destination; defaults to the wallet")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBalancesCmd(a *app) *cobra.Command {
	var participant string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show unified ledger balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				who := c.Wallet()
				if participant != "" {
					var err error
					if who, err = parseAddress(participant); err != nil {
						return err
					}
				}
				balances, err := c.Channels().Balances(ctx, who)
				if err != nil {
					return err
				}
				if balances == nil {
					balances = []rpc.LedgerBalance{}
				}
				return printJSON(cmd, balances)
			})
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "account to query; defaults to the wallet")
	return cmd
}

func optionalAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return ledger.ParseAmount(raw)
}
