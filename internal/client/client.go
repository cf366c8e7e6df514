// Package client wires transport, authentication, and the ledger and channel
// services into one handle with a connect-configure-authenticate lifecycle.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/channel"
	"github.com/danmuck/clearctl/internal/ledger"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportFailed = errors.New("client: transport failed")
	ErrNotReady        = errors.New("client: not initialized")
)

type Config struct {
	Transport transport.Config
	Auth      auth.Config
	// SuperviseInterval bounds how long Supervise waits between expiry checks.
	SuperviseInterval time.Duration
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	InstanceID    string    `json:"instance_id"`
	Ready         bool      `json:"ready"`
	State         string    `json:"state"`
	Attempts      int       `json:"reconnect_attempts"`
	Pending       int       `json:"pending_requests"`
	Queued        int       `json:"queued_messages"`
	Authenticated bool      `json:"authenticated"`
	ExpiringSoon  bool      `json:"expiring_soon"`
	Wallet        string    `json:"wallet"`
	SessionKey    string    `json:"session_key,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Broker        string    `json:"broker_address,omitempty"`
}

type Client struct {
	id     string
	cfg    Config
	logger zerolog.Logger

	transport *transport.Manager
	auth      *auth.Authenticator
	ledger    *ledger.Service
	channels  *channel.Service

	initialized atomic.Bool
	mu          sync.RWMutex
	network     rpc.NetworkConfig
	unsubscribe func()
}

type options struct {
	transport []transport.Option
	auth      []auth.Option
}

type Option func(*options)

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transport = append(o.transport, opts...)
	}
}

func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) {
		o.auth = append(o.auth, opts...)
	}
}

func New(cfg Config, signer auth.PrimarySigner, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("client: primary signer required")
	}
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = time.Minute
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := log.With().Str("component", "client").Str("instance", id).Logger()

	tm, err := transport.NewManager(cfg.Transport, append([]transport.Option{transport.WithLogger(logger.With().Str("layer", "transport").Logger())}, o.transport...)...)
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(cfg.Auth, tm, signer, append([]auth.Option{auth.WithLogger(logger.With().Str("layer", "auth").Logger())}, o.auth...)...)

	c := &Client{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		transport: tm,
		auth:      authn,
		ledger:    ledger.NewService(tm, authn.SignRequest),
		channels:  channel.NewService(tm, authn.SignRequest),
	}
	c.unsubscribe = tm.OnNotification(c.trackAppSession, rpc.NotifyAppSessionUpdate)
	return c, nil
}

// Initialize connects, fetches network config, and authenticates.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	resp, err := c.transport.Send(ctx, rpc.MethodGetConfig, nil, nil)
	if err != nil {
		return fmt.Errorf("client: get_config: %w", err)
	}
	var network rpc.NetworkConfig
	if err := resp.Decode(&network); err != nil {
		return err
	}
	c.mu.Lock()
	c.network = network
	c.mu.Unlock()

	c.refreshAssets(ctx)

	if _, err := c.auth.Authenticate(ctx); err != nil {
		return err
	}
	c.initialized.Store(true)
	c.logger.Info().
		Str("url", c.cfg.Transport.URL).
		Str("broker", network.BrokerAddress).
		Int("networks", len(network.Networks)).
		Msg("client.Client ready")
	return nil
}

func (c *Client) refreshAssets(ctx context.Context) {
	resp, err := c.transport.Send(ctx, rpc.MethodGetAssets, nil, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("client.Client get_assets failed")
		return
	}
	var update rpc.AssetsUpdate
	if err := resp.Decode(&update); err != nil {
		c.logger.Warn().Err(err).Msg("client.Client bad get_assets reply")
		return
	}
	c.transport.SetAssets(update.Assets)
}

// Supervise keeps the session usable until ctx ends. It re-authenticates after
// every reconnect and whenever the credential is about to expire. It returns
// ErrTransportFailed once reconnect attempts are exhausted.
func (c *Client) Supervise(ctx context.Context) error {
	if !c.initialized.Load() {
		return ErrNotReady
	}
	ticker := time.NewTicker(c.cfg.SuperviseInterval)
	defer ticker.Stop()

	authedOn := c.transport.Stats().Connects
	for {
		changed := c.transport.Changed()
		stats := c.transport.Stats()
		switch stats.State {
		case transport.StateFailed:
			c.logger.Error().Int("attempts", stats.Attempts).Msg("client.Client transport failed")
			return ErrTransportFailed
		case transport.StateConnected:
			reconnected := stats.Connects != authedOn
			if reconnected || !c.auth.IsAuthenticated() || c.auth.IsExpiringSoon() {
				if _, err := c.auth.Authenticate(ctx); err != nil {
					c.logger.Warn().Err(err).Bool("after_reconnect", reconnected).Msg("client.Client re-authentication failed")
				} else {
					authedOn = stats.Connects
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (c *Client) trackAppSession(n rpc.Notification) {
	var info rpc.AppSessionInfo
	if err := n.Decode(&info); err != nil {
		c.logger.Warn().Err(err).Msg("client.Client bad app session update")
		return
	}
	sess, err := ledger.SessionFromInfo(info)
	if err != nil {
		c.logger.Warn().Err(err).Msg("client.Client bad app session update")
		return
	}
	c.ledger.Track(sess)
}

// Ready reports whether requests can be signed and sent right now.
func (c *Client) Ready() bool {
	return c.initialized.Load() &&
		c.transport.State() == transport.StateConnected &&
		c.auth.IsAuthenticated()
}

func (c *Client) InstanceID() string {
	return c.id
}

func (c *Client) Wallet() common.Address {
	return c.auth.Wallet()
}

func (c *Client) Status() Status {
	stats := c.transport.Stats()
	st := Status{
		InstanceID:    c.id,
		Ready:         c.Ready(),
		State:         stats.State.String(),
		Attempts:      stats.Attempts,
		Pending:       stats.Pending,
		Queued:        stats.Queued,
		Authenticated: c.auth.IsAuthenticated(),
		ExpiringSoon:  c.auth.IsExpiringSoon(),
		Wallet:        c.auth.Wallet().Hex(),
	}
	if cred, ok := c.auth.Credential(); ok {
		st.SessionKey = cred.SessionAddress.Hex()
		st.ExpiresAt = cred.ExpiresAt
	}
	c.mu.RLock()
	st.Broker = c.network.BrokerAddress
	c.mu.RUnlock()
	return st
}

// NetworkConfig returns the config fetched during Initialize.
func (c *Client) NetworkConfig() (rpc.NetworkConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network, c.initialized.Load()
}

func (c *Client) Ledger() *ledger.Service {
	return c.ledger
}

func (c *Client) Channels() *channel.Service {
	return c.channels
}

func (c *Client) Auth() *auth.Authenticator {
	return c.auth
}

func (c *Client) OnNotification(handler transport.NotificationHandler, kinds ...rpc.NotificationKind) func() {
	return c.transport.OnNotification(handler, kinds...)
}

func (c *Client) Assets() []rpc.Asset {
	return c.transport.Assets()
}

// Close logs out, disconnects, and fails anything in flight.
func (c *Client) Close() error {
	c.initialized.Store(false)
	c.unsubscribe()
	c.auth.ClearSession()
	return c.transport.Close()
}
