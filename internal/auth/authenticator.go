package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/clearctl/internal/observability"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Caller is the request path the handshake runs over.
type Caller interface {
	Send(ctx context.Context, method rpc.Method, params any, sign transport.SignFunc) (rpc.Response, error)
}

// Config describes the delegation requested at handshake time.
//
// A nil or empty Allowances list is sent as [] and means unrestricted.
type Config struct {
	Application        string
	Scope              string
	Allowances         []rpc.Allowance
	SessionDuration    time.Duration
	ExpiringSoonWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Application:        "clearctl",
		Scope:              "console",
		SessionDuration:    24 * time.Hour,
		ExpiringSoonWindow: time.Hour,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Application) == "" {
		c.Application = def.Application
	}
	if strings.TrimSpace(c.Scope) == "" {
		c.Scope = def.Scope
	}
	if c.SessionDuration <= 0 {
		c.SessionDuration = def.SessionDuration
	}
	if c.ExpiringSoonWindow <= 0 {
		c.ExpiringSoonWindow = def.ExpiringSoonWindow
	}
	return c
}

// Credential is one completed delegation. It is immutable once stored.
type Credential struct {
	SessionKey     *ecdsa.PrivateKey
	SessionAddress common.Address
	Wallet         common.Address
	Token          string
	ExpiresAt      time.Time
	Allowances     []rpc.Allowance
	Application    string
	Scope          string
}

// Authenticator owns the active session key.
type Authenticator struct {
	cfg    Config
	caller Caller
	signer PrimarySigner
	logger zerolog.Logger
	now    func() time.Time
	keygen func() (*ecdsa.PrivateKey, error)

	// handshakeMu allows one handshake at a time; readers use cred only.
	handshakeMu sync.Mutex
	cred        atomic.Pointer[Credential]
}

type Option func(*Authenticator)

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithKeyGenerator replaces session key generation.
func WithKeyGenerator(gen func() (*ecdsa.PrivateKey, error)) Option {
	return func(a *Authenticator) {
		if gen != nil {
			a.keygen = gen
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

func NewAuthenticator(cfg Config, caller Caller, signer PrimarySigner, opts ...Option) *Authenticator {
	a := &Authenticator{
		cfg:    cfg.WithDefaults(),
		caller: caller,
		signer: signer,
		logger: log.With().Str("component", "auth").Logger(),
		now:    time.Now,
		keygen: crypto.GenerateKey,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) Wallet() common.Address {
	return a.signer.Address()
}

// Authenticate runs auth_request, signs the challenge with a fresh session
// key, has the primary signer authorize the policy, and stores the result of
// auth_verify. Nothing is stored unless the coordinator reports success.
func (a *Authenticator) Authenticate(ctx context.Context) (Credential, error) {
	a.handshakeMu.Lock()
	defer a.handshakeMu.Unlock()

	cred, err := a.handshake(ctx)
	observability.RecordHandshake(err == nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("auth.Authenticator handshake failed")
		return Credential{}, err
	}
	a.cred.Store(cred)
	a.logger.Info().
		Str("wallet", cred.Wallet.Hex()).
		Str("session_key", cred.SessionAddress.Hex()).
		Time("expires_at", cred.ExpiresAt).
		Msg("auth.Authenticator session established")
	return *cred, nil
}

func (a *Authenticator) handshake(ctx context.Context) (*Credential, error) {
	key, err := a.keygen()
	if err != nil {
		return nil, fmt.Errorf("auth: generate session key: %w", err)
	}
	sessionAddr := crypto.PubkeyToAddress(key.PublicKey)
	wallet := a.signer.Address()
	expiresAt := a.now().Add(a.cfg.SessionDuration).Truncate(time.Second)
	allowances := a.cfg.Allowances
	if allowances == nil {
		allowances = []rpc.Allowance{}
	}

	request := rpc.AuthRequestParams{
		Address:     wallet.Hex(),
		SessionKey:  sessionAddr.Hex(),
		Application: a.cfg.Application,
		Allowances:  allowances,
		Scope:       a.cfg.Scope,
		ExpiresAt:   uint64(expiresAt.Unix()),
	}
	resp, err := a.caller.Send(ctx, rpc.MethodAuthRequest, request, nil)
	if err != nil {
		return nil, classify(rpc.MethodAuthRequest, err)
	}
	var challenge rpc.AuthChallenge
	if err := resp.Decode(&challenge); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if challenge.ChallengeMessage == "" {
		return nil, fmt.Errorf("%w: empty challenge", ErrAuthenticationFailed)
	}

	challengeSig, err := signHash(key, ChallengeHash(challenge.ChallengeMessage))
	if err != nil {
		return nil, fmt.Errorf("auth: sign challenge: %w", err)
	}

	policy := Policy{
		Application: a.cfg.Application,
		Challenge:   challenge.ChallengeMessage,
		Scope:       request.Scope,
		Wallet:      wallet,
		SessionKey:  sessionAddr,
		ExpiresAt:   request.ExpiresAt,
		Allowances:  allowances,
	}
	policySig, err := a.signer.SignTypedData(ctx, policy.TypedData())
	if err != nil {
		return nil, fmt.Errorf("auth: primary signer: %w", err)
	}

	verify := rpc.AuthVerifyParams{
		Challenge:                 challenge.ChallengeMessage,
		SessionChallengeSignature: hexutil.Encode(challengeSig),
	}
	resp, err = a.caller.Send(ctx, rpc.MethodAuthVerify, verify, func(rpc.Request) ([]string, error) {
		return []string{hexutil.Encode(policySig)}, nil
	})
	if err != nil {
		return nil, classify(rpc.MethodAuthVerify, err)
	}
	var result rpc.AuthVerifyResult
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: coordinator did not confirm session", ErrAuthenticationFailed)
	}

	return &Credential{
		SessionKey:     key,
		SessionAddress: sessionAddr,
		Wallet:         wallet,
		Token:          result.JWTToken,
		ExpiresAt:      expiresAt,
		Allowances:     allowances,
		Application:    a.cfg.Application,
		Scope:          request.Scope,
	}, nil
}

// classify marks explicit rejections as authentication failures and leaves
// transport errors retryable.
func classify(method rpc.Method, err error) error {
	if errors.Is(err, transport.ErrRemote) {
		return fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, method, err)
	}
	return fmt.Errorf("auth: %s: %w", method, err)
}

// SignRequest signs keccak256 of the req tuple with the session key.
// Expiry is checked locally before anything is signed.
func (a *Authenticator) SignRequest(req rpc.Request) ([]string, error) {
	cred := a.cred.Load()
	if cred == nil {
		return nil, ErrNotAuthenticated
	}
	if !a.now().Before(cred.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	payload, err := req.SigningPayload()
	if err != nil {
		return nil, fmt.Errorf("auth: encode request: %w", err)
	}
	sig, err := signHash(cred.SessionKey, crypto.Keccak256(payload))
	if err != nil {
		return nil, fmt.Errorf("auth: sign request: %w", err)
	}
	return []string{hexutil.Encode(sig)}, nil
}

// IsAuthenticated reports whether a credential exists and has not expired.
func (a *Authenticator) IsAuthenticated() bool {
	cred := a.cred.Load()
	return cred != nil && a.now().Before(cred.ExpiresAt)
}

// IsExpiringSoon reports whether the credential ends within the lookahead window.
func (a *Authenticator) IsExpiringSoon() bool {
	cred := a.cred.Load()
	if cred == nil {
		return false
	}
	return !a.now().Add(a.cfg.ExpiringSoonWindow).Before(cred.ExpiresAt)
}

// ClearSession drops the credential. SignRequest fails until the next handshake.
func (a *Authenticator) ClearSession() {
	if a.cred.Swap(nil) != nil {
		a.logger.Info().Msg("auth.Authenticator session cleared")
	}
}

// Credential returns the active credential, if any.
func (a *Authenticator) Credential() (Credential, bool) {
	cred := a.cred.Load()
	if cred == nil {
		return Credential{}, false
	}
	return *cred, true
}
