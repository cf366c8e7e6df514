package auth

import (
	"strconv"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const policyPrimaryType = "Policy"

// Policy is the delegation the primary key authorizes during the handshake.
type Policy struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	ExpiresAt   uint64
	Allowances  []rpc.Allowance
}

var policyTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
	},
	policyPrimaryType: {
		{Name: "challenge", Type: "string"},
		{Name: "scope", Type: "string"},
		{Name: "wallet", Type: "address"},
		{Name: "session_key", Type: "address"},
		{Name: "expires_at", Type: "uint64"},
		{Name: "allowances", Type: "Allowance[]"},
	},
	"Allowance": {
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "string"},
	},
}

// TypedData renders p as EIP-712 typed data under the application domain.
func (p Policy) TypedData() apitypes.TypedData {
	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}
	return apitypes.TypedData{
		Types:       policyTypes,
		PrimaryType: policyPrimaryType,
		Domain:      apitypes.TypedDataDomain{Name: p.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"session_key": p.SessionKey.Hex(),
			"expires_at":  strconv.FormatUint(p.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}

// Hash is the EIP-712 digest the primary key signs.
func (p Policy) Hash() ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(p.TypedData())
	return hash, err
}
