package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/config"
	"github.com/danmuck/clearctl/internal/ledger"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const defaultProtocol = "NitroRPC/0.2"

type sessionView struct {
	AppSessionID string              `json:"app_session_id"`
	Status       string              `json:"status"`
	Version      uint64              `json:"version"`
	Allocations  []rpc.AppAllocation `json:"allocations"`
	SessionData  string              `json:"session_data,omitempty"`
}

func viewSession(s ledger.Session) sessionView {
	rows := make([]rpc.AppAllocation, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		rows = append(rows, rpc.AppAllocation{Participant: a.Participant.Hex(), Asset: a.Asset, Amount: a.Amount.String()})
	}
	return sessionView{
		AppSessionID: s.ID.Hex(),
		Status:       s.Status.String(),
		Version:      s.Version,
		Allocations:  rows,
		SessionData:  s.SessionData,
	}
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, update, and close app sessions",
	}
	cmd.AddCommand(
		newSessionListCmd(a),
		newSessionCreateCmd(a),
		newSessionMoveCmd(a, "deposit", "Credit a participant's allocation"),
		newSessionMoveCmd(a, "withdraw", "Debit a participant's allocation"),
		newSessionTransferCmd(a),
		newSessionCloseCmd(a),
	)
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List app sessions for the wallet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				sessions, err := c.Ledger().GetSessions(ctx, c.Wallet(), status)
				if err != nil {
					return err
				}
				out := make([]sessionView, 0, len(sessions))
				for _, s := range sessions {
					out = append(out, viewSession(s))
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, closed)")
	return cmd
}

func newSessionCreateCmd(a *app) *cobra.Command {
	var (
		participants []string
		weights      []uint
		quorum       uint64
		challenge    uint64
		nonce        uint64
		protocol     string
		application  string
		allocs       []string
		data         string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an app session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addrs, err := parseAddresses(participants)
			if err != nil {
				return err
			}
			initial, err := parseAllocations(allocs)
			if err != nil {
				return err
			}
			def := ledger.Definition{
				Protocol:     protocol,
				Participants: addrs,
				Weights:      make([]uint64, 0, len(weights)),
				Quorum:       quorum,
				Challenge:    challenge,
				Nonce:        nonce,
			}
			for _, w := range weights {
				def.Weights = append(def.Weights, uint64(w))
			}
			if def.Nonce == 0 {
				def.Nonce = uint64(time.Now().UnixMilli())
			}
			return a.withClient(cmd, func(ctx context.Context, cfg config.Config, c *client.Client) error {
				def.Application = application
				if def.Application == "" {
					def.Application = cfg.Client.Auth.Application
				}
				sess, err := c.Ledger().Create(ctx, def, initial, data)
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(sess))
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&participants, "participant", nil, "participant address (repeat, at least two)")
	f.UintSliceVar(&weights, "weight", nil, "signature weight per participant, in participant order")
	f.Uint64Var(&quorum, "quorum", 0, "weight needed to accept a state")
	f.Uint64Var(&challenge, "challenge", 86400, "challenge period in seconds")
	f.Uint64Var(&nonce, "nonce", 0, "session nonce; defaults to the current unix millis")
	f.StringVar(&protocol, "protocol", defaultProtocol, "app session protocol")
	f.StringVar(&application, "application", "", "application name; defaults to auth.application")
	f.StringArrayVar(&allocs, "alloc", nil, "initial allocation as participant:asset:amount (repeat)")
	f.StringVar(&data, "data", "", "opaque session data")
	_ = cmd.MarkFlagRequired("participant")
	_ = cmd.MarkFlagRequired("quorum")
	return cmd
}

func newSessionMoveCmd(a *app, verb, short string) *cobra.Command {
	var id, participant, asset, amount string
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, err := ledger.ParseSessionID(id)
			if err != nil {
				return err
			}
			qty, err := ledger.ParseAmount(amount)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				who := c.Wallet()
				if participant != "" {
					if who, err = parseAddress(participant); err != nil {
						return err
					}
				}
				current, err := loadSession(ctx, c, sessionID)
				if err != nil {
					return err
				}
				var sess ledger.Session
				if verb == "deposit" {
					sess, err = c.Ledger().Deposit(ctx, sessionID, who, asset, qty, current.Allocations)
				} else {
					sess, err = c.Ledger().Withdraw(ctx, sessionID, who, asset, qty, current.Allocations)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(sess))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "app session id")
	f.StringVar(&participant, "participant", "", "participant address; defaults to the wallet")
	f.StringVar(&asset, "asset", "", "asset symbol")
	f.StringVar(&amount, "amount", "", "decimal amount")
	for _, name := range []string{"id", "asset", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSessionTransferCmd(a *app) *cobra.Command {
	var id, from, to, asset, amount string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move an amount between two participants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, err := ledger.ParseSessionID(id)
			if err != nil {
				return err
			}
			qty, err := ledger.ParseAmount(amount)
			if err != nil {
				return err
			}
			dest, err := parseAddress(to)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				src := c.Wallet()
				if from != "" {
					if src, err = parseAddress(from); err != nil {
						return err
					}
				}
				current, err := loadSession(ctx, c, sessionID)
				if err != nil {
					return err
				}
				sess, err := c.Ledger().Transfer(ctx, sessionID, src, dest, asset, qty, current.Allocations)
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(sess))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "app session id")
	f.StringVar(&from, "from", "", "sending participant; defaults to the wallet")
	f.StringVar(&to, "to", "", "receiving participant")
	f.StringVar(&asset, "asset", "", "asset symbol")
	f.StringVar(&amount, "amount", "", "decimal amount")
	for _, name := range []string{"id", "to", "asset", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSessionCloseCmd(a *app) *cobra.Command {
	var id, data string
	var allocs []string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close an app session with its final allocations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, err := ledger.ParseSessionID(id)
			if err != nil {
				return err
			}
			final, err := parseAllocations(allocs)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, _ config.Config, c *client.Client) error {
				current, err := loadSession(ctx, c, sessionID)
				if err != nil {
					return err
				}
				if len(allocs) == 0 {
					final = current.Allocations
				}
				sess, err := c.Ledger().Close(ctx, sessionID, final, data)
				if err != nil {
					return err
				}
				return printJSON(cmd, viewSession(sess))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "app session id")
	f.StringArrayVar(&allocs, "alloc", nil, "final allocation as participant:asset:amount (repeat); defaults to the current table")
	f.StringVar(&data, "data", "", "opaque session data")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// loadSession fetches the coordinator's view of id and starts tracking it so
// the next submission is checked against its version.
func loadSession(ctx context.Context, c *client.Client, id common.Hash) (ledger.Session, error) {
	sessions, err := c.Ledger().GetSessions(ctx, c.Wallet(), "")
	if err != nil {
		return ledger.Session{}, err
	}
	for _, s := range sessions {
		if s.ID == id {
			c.Ledger().Track(s)
			return s, nil
		}
	}
	return ledger.Session{}, fmt.Errorf("app session %s not found", id.Hex())
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, raw := range in {
		addr, err := parseAddress(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// parseAllocations reads participant:asset:amount triples.
func parseAllocations(in []string) (ledger.Allocations, error) {
	out := ledger.Allocations{}
	for _, raw := range in {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("allocation %q: want participant:asset:amount", raw)
		}
		addr, err := parseAddress(parts[0])
		if err != nil {
			return nil, err
		}
		amount, err := ledger.ParseAmount(parts[2])
		if err != nil {
			return nil, err
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("allocation %q: %w", raw, ledger.ErrInvalidAmount)
		}
		out = append(out, ledger.Allocation{Participant: addr, Asset: strings.TrimSpace(parts[1]), Amount: amount})
	}
	return out, nil
}
