// Package channel requests 2-party channel operations from the coordinator.
// The coordinator countersigns the resulting state; settling it on-chain is
// left to the caller.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrChannelIDRequired = errors.New("channel: channel id required")
	ErrInvalidAddress    = errors.New("channel: invalid address")
	ErrEmptyResize       = errors.New("channel: resize and allocate amounts are both zero")
)

type Caller interface {
	Send(ctx context.Context, method rpc.Method, params any, sign transport.SignFunc) (rpc.Response, error)
}

type Service struct {
	caller Caller
	sign   transport.SignFunc
	logger zerolog.Logger
}

func NewService(caller Caller, sign transport.SignFunc) *Service {
	return &Service{
		caller: caller,
		sign:   sign,
		logger: log.With().Str("component", "channel").Logger(),
	}
}

// List returns channels for participant; the zero address lists the caller's own.
func (s *Service) List(ctx context.Context, participant common.Address, status string) ([]rpc.Channel, error) {
	params := rpc.GetChannelsParams{Status: status}
	if participant != (common.Address{}) {
		params.Participant = participant.Hex()
	}
	var out rpc.ChannelsResult
	if err := s.call(ctx, rpc.MethodGetChannels, params, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

func (s *Service) Create(ctx context.Context, chainID uint64, token common.Address) (rpc.ChannelOperationResult, error) {
	params := rpc.CreateChannelParams{ChainID: chainID, Token: token.Hex()}
	var out rpc.ChannelOperationResult
	if err := s.call(ctx, rpc.MethodCreateChannel, params, &out); err != nil {
		return rpc.ChannelOperationResult{}, err
	}
	s.logger.Info().Str("channel_id", out.ChannelID).Uint64("chain_id", chainID).Msg("channel.Service create countersigned")
	return out, nil
}

// Resize moves funds between the on-chain channel (resize) and the unified
// ledger balance (allocate). Either amount may be negative.
func (s *Service) Resize(ctx context.Context, channelID string, resize, allocate decimal.Decimal, destination common.Address) (rpc.ChannelOperationResult, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return rpc.ChannelOperationResult{}, ErrChannelIDRequired
	}
	if resize.IsZero() && allocate.IsZero() {
		return rpc.ChannelOperationResult{}, ErrEmptyResize
	}
	if destination == (common.Address{}) {
		return rpc.ChannelOperationResult{}, fmt.Errorf("%w: funds destination", ErrInvalidAddress)
	}
	params := rpc.ResizeChannelParams{
		ChannelID:        channelID,
		ResizeAmount:     resize,
		AllocateAmount:   allocate,
		FundsDestination: destination.Hex(),
	}
	var out rpc.ChannelOperationResult
	if err := s.call(ctx, rpc.MethodResizeChannel, params, &out); err != nil {
		return rpc.ChannelOperationResult{}, err
	}
	return out, nil
}

func (s *Service) Close(ctx context.Context, channelID string, destination common.Address) (rpc.ChannelOperationResult, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return rpc.ChannelOperationResult{}, ErrChannelIDRequired
	}
	if destination == (common.Address{}) {
		return rpc.ChannelOperationResult{}, fmt.Errorf("%w: funds destination", ErrInvalidAddress)
	}
	params := rpc.CloseChannelParams{ChannelID: channelID, FundsDestination: destination.Hex()}
	var out rpc.ChannelOperationResult
	if err := s.call(ctx, rpc.MethodCloseChannel, params, &out); err != nil {
		return rpc.ChannelOperationResult{}, err
	}
	s.logger.Info().Str("channel_id", channelID).Msg("channel.Service close countersigned")
	return out, nil
}

// Balances returns unified ledger balances; the zero address queries the caller.
func (s *Service) Balances(ctx context.Context, participant common.Address) ([]rpc.LedgerBalance, error) {
	params := rpc.LedgerBalancesParams{}
	if participant != (common.Address{}) {
		params.Participant = participant.Hex()
	}
	var out rpc.LedgerBalancesResult
	if err := s.call(ctx, rpc.MethodGetLedgerBalances, params, &out); err != nil {
		return nil, err
	}
	return out.LedgerBalances, nil
}

func (s *Service) call(ctx context.Context, method rpc.Method, params any, out any) error {
	resp, err := s.caller.Send(ctx, method, params, s.sign)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
