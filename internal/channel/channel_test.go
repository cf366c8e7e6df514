package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/testutil/clearnodetest"
	"github.com/danmuck/clearctl/internal/testutil/testlog"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func newAuthedService(t *testing.T) (*Service, *clearnodetest.Server) {
	t.Helper()
	srv := clearnodetest.New(t)
	m, err := transport.NewManager(transport.Config{URL: srv.URL(), RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	authn := auth.NewAuthenticator(auth.Config{}, m, auth.NewKeySigner(key))
	_, err = authn.Authenticate(context.Background())
	require.NoError(t, err)
	return NewService(m, authn.SignRequest), srv
}

func TestListAndBalances(t *testing.T) {
	testlog.Start(t)
	svc, srv := newAuthedService(t)
	srv.SetChannels([]rpc.Channel{{ChannelID: "0xc1", Status: "open", Amount: decimal.RequireFromString("12.5"), ChainID: 137}})
	srv.SetBalances([]rpc.LedgerBalance{{Asset: "usdc", Amount: decimal.RequireFromString("99.000001")}})

	channels, err := svc.List(context.Background(), wallet, "open")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "12.5", channels[0].Amount.String())

	balances, err := svc.Balances(context.Background(), common.Address{})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "99.000001", balances[0].Amount.String())

	var sent rpc.LedgerBalancesParams
	reqs := srv.Requests(rpc.MethodGetLedgerBalances)
	require.Len(t, reqs, 1)
	require.NoError(t, json.Unmarshal(reqs[0].Req.Params, &sent))
	assert.Empty(t, sent.Participant)
	assert.Len(t, reqs[0].Sig, 1)
}

func TestCreateResizeClose(t *testing.T) {
	testlog.Start(t)
	svc, srv := newAuthedService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, 137, token)
	require.NoError(t, err)
	require.NotEmpty(t, created.ChannelID)
	assert.Equal(t, "0xserver", created.ServerSignature)

	resized, err := svc.Resize(ctx, created.ChannelID, decimal.RequireFromString("-5"), decimal.RequireFromString("5"), wallet)
	require.NoError(t, err)
	assert.Equal(t, created.ChannelID, resized.ChannelID)
	assert.Equal(t, uint8(2), resized.State.Intent)

	var params rpc.ResizeChannelParams
	reqs := srv.Requests(rpc.MethodResizeChannel)
	require.Len(t, reqs, 1)
	require.NoError(t, json.Unmarshal(reqs[0].Req.Params, &params))
	assert.Equal(t, "-5", params.ResizeAmount.String())
	assert.Equal(t, wallet.Hex(), params.FundsDestination)

	closed, err := svc.Close(ctx, created.ChannelID, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), closed.State.Intent)
}

func TestValidationFailsBeforeSending(t *testing.T) {
	testlog.Start(t)
	svc, srv := newAuthedService(t)
	ctx := context.Background()
	zero := decimal.Zero

	_, err := svc.Resize(ctx, "", decimal.NewFromInt(1), zero, wallet)
	require.ErrorIs(t, err, ErrChannelIDRequired)
	_, err = svc.Resize(ctx, "0xc1", zero, zero, wallet)
	require.ErrorIs(t, err, ErrEmptyResize)
	_, err = svc.Resize(ctx, "0xc1", decimal.NewFromInt(1), zero, common.Address{})
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = svc.Close(ctx, " ", wallet)
	require.ErrorIs(t, err, ErrChannelIDRequired)

	assert.Empty(t, srv.Requests(rpc.MethodResizeChannel))
	assert.Empty(t, srv.Requests(rpc.MethodCloseChannel))
}

func TestUnsignedCallsFail(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	m, err := transport.NewManager(transport.Config{URL: srv.URL()})
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	authn := auth.NewAuthenticator(auth.Config{}, m, auth.NewKeySigner(key))
	svc := NewService(m, authn.SignRequest)

	_, err = svc.Balances(context.Background(), wallet)
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Empty(t, srv.Requests(rpc.MethodGetLedgerBalances))
}
