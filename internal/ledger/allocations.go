package ledger

import (
	"fmt"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Allocation is one (participant, asset) row of an allocation table.
type Allocation struct {
	Participant common.Address
	Asset       string
	Amount      decimal.Decimal
}

// Allocations is a full allocation table. Operations return new tables and
// never mutate the receiver.
type Allocations []Allocation

func (a Allocations) Clone() Allocations {
	if a == nil {
		return nil
	}
	out := make(Allocations, len(a))
	copy(out, a)
	return out
}

func (a Allocations) index(participant common.Address, asset string) int {
	for i, row := range a {
		if row.Participant == participant && row.Asset == asset {
			return i
		}
	}
	return -1
}

// Amount is the allocation for (participant, asset), zero when absent.
func (a Allocations) Amount(participant common.Address, asset string) decimal.Decimal {
	if i := a.index(participant, asset); i >= 0 {
		return a[i].Amount
	}
	return decimal.Zero
}

// Total sums asset across all participants.
func (a Allocations) Total(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, row := range a {
		if row.Asset == asset {
			total = total.Add(row.Amount)
		}
	}
	return total
}

// Equal reports whether a and b hold the same amount for every
// (participant, asset). Zero rows count as absent.
func (a Allocations) Equal(b Allocations) bool {
	for _, row := range a {
		if !row.Amount.Equal(b.Amount(row.Participant, row.Asset)) {
			return false
		}
	}
	for _, row := range b {
		if !row.Amount.Equal(a.Amount(row.Participant, row.Asset)) {
			return false
		}
	}
	return true
}

// Credit adds amount to (participant, asset), appending the row if absent.
func (a Allocations) Credit(participant common.Address, asset string, amount decimal.Decimal) (Allocations, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	out := a.Clone()
	if i := out.index(participant, asset); i >= 0 {
		out[i].Amount = out[i].Amount.Add(amount)
		return out, nil
	}
	return append(out, Allocation{Participant: participant, Asset: asset, Amount: amount}), nil
}

// Debit subtracts amount from (participant, asset). The row must exist and
// hold at least amount.
func (a Allocations) Debit(participant common.Address, asset string, amount decimal.Decimal) (Allocations, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	i := a.index(participant, asset)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s has no %s", ErrInsufficientAllocation, participant.Hex(), asset)
	}
	if a[i].Amount.LessThan(amount) {
		return nil, fmt.Errorf("%w: %s holds %s %s, need %s", ErrInsufficientAllocation, participant.Hex(), a[i].Amount, asset, amount)
	}
	out := a.Clone()
	out[i].Amount = out[i].Amount.Sub(amount)
	return out, nil
}

// Move debits from and credits to as one step.
func (a Allocations) Move(from, to common.Address, asset string, amount decimal.Decimal) (Allocations, error) {
	debited, err := a.Debit(from, asset, amount)
	if err != nil {
		return nil, err
	}
	return debited.Credit(to, asset, amount)
}

func (a Allocations) wire() []rpc.AppAllocation {
	out := make([]rpc.AppAllocation, len(a))
	for i, row := range a {
		out[i] = rpc.AppAllocation{
			Participant: row.Participant.Hex(),
			Asset:       row.Asset,
			Amount:      row.Amount.String(),
		}
	}
	return out
}

// AllocationsFromWire parses coordinator allocation rows.
func AllocationsFromWire(rows []rpc.AppAllocation) (Allocations, error) {
	out := make(Allocations, 0, len(rows))
	for _, row := range rows {
		if !common.IsHexAddress(row.Participant) {
			return nil, fmt.Errorf("%w: participant %q", rpc.ErrDecode, row.Participant)
		}
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", rpc.ErrDecode, row.Amount, err)
		}
		out = append(out, Allocation{
			Participant: common.HexToAddress(row.Participant),
			Asset:       row.Asset,
			Amount:      amount,
		})
	}
	return out, nil
}
