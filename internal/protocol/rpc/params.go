package rpc

import (
	"github.com/shopspring/decimal"
)

// Allowance caps what a session key may spend for one asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	Scope       string      `json:"scope"`
	ExpiresAt   uint64      `json:"expires_at"`
}

type AuthChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
}

type AuthVerifyParams struct {
	Challenge                 string `json:"challenge"`
	SessionChallengeSignature string `json:"session_challenge_signature"`
}

type AuthVerifyResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
	JWTToken   string `json:"jwt_token"`
}

// NetworkConfig is the get_config reply.
type NetworkConfig struct {
	BrokerAddress string        `json:"broker_address"`
	Networks      []NetworkInfo `json:"networks"`
}

type NetworkInfo struct {
	ChainID            uint64 `json:"chain_id"`
	Name               string `json:"name"`
	CustodyAddress     string `json:"custody_address"`
	AdjudicatorAddress string `json:"adjudicator_address"`
}

// Network returns the entry for chainID.
func (c NetworkConfig) Network(chainID uint64) (NetworkInfo, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return NetworkInfo{}, false
}

type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []uint64 `json:"weights"`
	Quorum       uint64   `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
	Application  string   `json:"application,omitempty"`
}

// AppAllocation is one allocation row as it appears on the wire.
type AppAllocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition   `json:"definition"`
	Allocations []AppAllocation `json:"allocations"`
	SessionData string          `json:"session_data,omitempty"`
}

type SubmitAppStateParams struct {
	AppSessionID string          `json:"app_session_id"`
	Intent       string          `json:"intent"`
	Allocations  []AppAllocation `json:"allocations"`
	SessionData  string          `json:"session_data,omitempty"`
}

type CloseAppSessionParams struct {
	AppSessionID string          `json:"app_session_id"`
	Allocations  []AppAllocation `json:"allocations"`
	SessionData  string          `json:"session_data,omitempty"`
}

// AppSessionResult is the reply to create/submit/close.
type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

type GetAppSessionsParams struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// AppSessionInfo is one get_app_sessions row and the "asu" payload.
type AppSessionInfo struct {
	AppSessionID string          `json:"app_session_id"`
	Application  string          `json:"application"`
	Status       string          `json:"status"`
	Participants []string        `json:"participants"`
	Weights      []uint64        `json:"weights"`
	Quorum       uint64          `json:"quorum"`
	Protocol     string          `json:"protocol"`
	Challenge    uint64          `json:"challenge"`
	Nonce        uint64          `json:"nonce"`
	Version      uint64          `json:"version"`
	SessionData  string          `json:"session_data,omitempty"`
	Allocations  []AppAllocation `json:"allocations,omitempty"`
}

type AppSessionsResult struct {
	AppSessions []AppSessionInfo `json:"app_sessions"`
}

type GetChannelsParams struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Channel is one 2-party channel row and the "cu" payload.
type Channel struct {
	ChannelID   string          `json:"channel_id"`
	Participant string          `json:"participant"`
	Wallet      string          `json:"wallet"`
	Status      string          `json:"status"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	ChainID     uint64          `json:"chain_id"`
	Adjudicator string          `json:"adjudicator"`
	Challenge   uint64          `json:"challenge"`
	Nonce       uint64          `json:"nonce"`
	Version     uint64          `json:"version"`
}

type ChannelsResult struct {
	Channels []Channel `json:"channels"`
}

type CreateChannelParams struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
}

type ResizeChannelParams struct {
	ChannelID        string          `json:"channel_id"`
	ResizeAmount     decimal.Decimal `json:"resize_amount"`
	AllocateAmount   decimal.Decimal `json:"allocate_amount"`
	FundsDestination string          `json:"funds_destination"`
}

type CloseChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// ChannelOperationResult is the coordinator-countersigned state returned by
// create/resize/close; the caller submits it on-chain.
type ChannelOperationResult struct {
	ChannelID       string       `json:"channel_id"`
	State           ChannelState `json:"state"`
	ServerSignature string       `json:"server_signature"`
}

type ChannelState struct {
	Intent      uint8               `json:"intent"`
	Version     uint64              `json:"version"`
	StateData   string              `json:"state_data"`
	Allocations []ChannelAllocation `json:"allocations"`
}

type ChannelAllocation struct {
	Destination string          `json:"destination"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
}

type LedgerBalancesParams struct {
	Participant string `json:"participant,omitempty"`
}

type LedgerBalance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type LedgerBalancesResult struct {
	LedgerBalances []LedgerBalance `json:"ledger_balances"`
}
