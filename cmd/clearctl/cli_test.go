package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/clearctl/internal/config"
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

const walletKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var bob = common.HexToAddress("0x00000000000000000000000000000000000000b2")

func walletAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(walletKeyHex)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func writeConfig(t *testing.T, url string, withKey bool) string {
	t.Helper()
	body := fmt.Sprintf(`url = %q
request_timeout = "2s"
max_reconnect_attempts = -1

[auth]
application = "clearctl-test"

[admin]
addr = ""
`, url)
	if withKey {
		body += fmt.Sprintf("\n[wallet]\nprivate_key = %q\n", walletKeyHex)
	}
	path := filepath.Join(t.TempDir(), "clearctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func executeCLI(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func runSession(t *testing.T, cfgPath string, args ...string) sessionView {
	t.Helper()
	stdout, stderr, err := executeCLI(t, context.Background(), append([]string{"--config", cfgPath}, args...)...)
	require.NoError(t, err, stderr)
	var view sessionView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view), stdout)
	return view
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "clearctl.toml")

	stdout, _, err := executeCLI(t, context.Background(), "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote "+path)

	_, _, err = executeCLI(t, context.Background(), "--config", path, "config", "init")
	require.Error(t, err, "init keeps an existing file")
	_, _, err = executeCLI(t, context.Background(), "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, context.Background(), "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok: url=wss://clearnet.example.com/ws")
}

func TestPrivateKeyFlagSatisfiesValidation(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "ws://127.0.0.1:1/ws", false)

	_, _, err := executeCLI(t, context.Background(), "--config", path, "config", "validate")
	require.ErrorIs(t, err, config.ErrNoKey)

	_, _, err = executeCLI(t, context.Background(), "--config", path, "--private-key", walletKeyHex, "config", "validate")
	require.NoError(t, err)
}

func TestEnvironmentOverridesURL(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	srv.SetBalances([]rpc.LedgerBalance{{Asset: "usdc", Amount: decimal.NewFromInt(42)}})
	path := writeConfig(t, "ws://127.0.0.1:1/ws", true)

	t.Setenv("CLEARCTL_URL", srv.URL())
	stdout, stderr, err := executeCLI(t, context.Background(), "--config", path, "balances")
	require.NoError(t, err, stderr)

	var balances []rpc.LedgerBalance
	require.NoError(t, json.Unmarshal([]byte(stdout), &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, "usdc", balances[0].Asset)
	assert.True(t, balances[0].Amount.Equal(decimal.NewFromInt(42)))
}

func TestUnreachableCoordinatorFails(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "ws://127.0.0.1:1/ws", true)
	_, _, err := executeCLI(t, context.Background(), "--config", path, "balances")
	require.ErrorIs(t, err, transport.ErrConnection)
}

func TestSessionLifecycle(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	path := writeConfig(t, srv.URL(), true)
	wallet := walletAddress(t)

	created := runSession(t, path, "session", "create",
		"--participant", wallet.Hex(),
		"--participant", bob.Hex(),
		"--weight", "1", "--weight", "1",
		"--quorum", "2",
		"--alloc", wallet.Hex()+":usdc:100",
	)
	assert.Equal(t, "open", created.Status)
	assert.Equal(t, uint64(1), created.Version)
	id := created.AppSessionID

	deposited := runSession(t, path, "session", "deposit", "--id", id, "--asset", "usdc", "--amount", "50")
	assert.Equal(t, uint64(2), deposited.Version)

	transferred := runSession(t, path, "session", "transfer", "--id", id, "--to", bob.Hex(), "--asset", "usdc", "--amount", "75")
	assert.Equal(t, uint64(3), transferred.Version)

	withdrawn := runSession(t, path, "session", "withdraw", "--id", id, "--participant", bob.Hex(), "--asset", "usdc", "--amount", "60")
	assert.Equal(t, uint64(4), withdrawn.Version)

	info, ok := srv.Session(id)
	require.True(t, ok)
	amounts := map[string]string{}
	for _, row := range info.Allocations {
		amounts[common.HexToAddress(row.Participant).Hex()] = row.Amount
	}
	assert.Equal(t, "75", amounts[wallet.Hex()])
	assert.Equal(t, "15", amounts[bob.Hex()])

	closed := runSession(t, path, "session", "close", "--id", id)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, uint64(5), closed.Version)

	_, _, err := executeCLI(t, context.Background(), "--config", path, "session", "deposit", "--id", id, "--asset", "usdc", "--amount", "1")
	require.Error(t, err)
	info, _ = srv.Session(id)
	assert.Equal(t, uint64(5), info.Version, "closed session accepts nothing")
}

func TestSessionInputValidatedBeforeConnecting(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	path := writeConfig(t, srv.URL(), true)

	cases := [][]string{
		{"session", "deposit", "--id", "0x1234", "--asset", "usdc", "--amount", "1"},
		{"session", "transfer", "--id", "0x" + common.Hash{1}.Hex()[2:], "--to", "bob", "--asset", "usdc", "--amount", "1"},
		{"session", "create", "--participant", "nope", "--quorum", "1"},
		{"session", "close", "--id", common.Hash{1}.Hex(), "--alloc", "missing-parts"},
	}
	for _, args := range cases {
		_, _, err := executeCLI(t, context.Background(), append([]string{"--config", path}, args...)...)
		require.Error(t, err, "%v", args)
	}
	assert.Zero(t, srv.Accepted(), "no connection for malformed input")
}

func TestChannelsList(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	srv.SetChannels([]rpc.Channel{{ChannelID: "0xchan1", Status: "open", ChainID: 137, Amount: decimal.NewFromInt(10)}})
	path := writeConfig(t, srv.URL(), true)

	stdout, stderr, err := executeCLI(t, context.Background(), "--config", path, "channels")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, `"channel_id": "0xchan1"`)

	stdout, stderr, err = executeCLI(t, context.Background(), "--config", path, "channels", "resize", "--id", "0xchan1", "--allocate=-2.5")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, `"server_signature": "0xserver"`)
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	path := writeConfig(t, srv.URL(), true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := executeCLI(t, ctx, "--config", path, "run", "--admin-addr", "127.0.0.1:0")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(srv.AuthRequests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
