package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var localIDArgs = func() abi.Arguments {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}
	return abi.Arguments{
		{Name: "application", Type: mustType("string")},
		{Name: "protocol", Type: mustType("string")},
		{Name: "participants", Type: mustType("address[]")},
		{Name: "weights", Type: mustType("uint64[]")},
		{Name: "quorum", Type: mustType("uint64")},
		{Name: "challenge", Type: mustType("uint64")},
		{Name: "nonce", Type: mustType("uint64")},
	}
}()

// LocalSessionID hashes the definition into a stable identity for display
// and debugging. The coordinator-assigned id is the only authoritative one.
func LocalSessionID(def Definition) (common.Hash, error) {
	participants := def.Participants
	if participants == nil {
		participants = []common.Address{}
	}
	weights := def.Weights
	if weights == nil {
		weights = []uint64{}
	}
	packed, err := localIDArgs.Pack(def.Application, def.Protocol, participants, weights, def.Quorum, def.Challenge, def.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode definition: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(packed)
	return common.BytesToHash(h.Sum(nil)), nil
}
