// Package ledger drives app sessions: multi-party off-chain allocation tables
// that change only through signed, versioned, intent-tagged full-state
// submissions confirmed by the coordinator.
package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingSessionID       = errors.New("ledger: coordinator returned no app session id")
	ErrInvalidSessionIDFormat = errors.New("ledger: malformed app session id")
	ErrInsufficientAllocation = errors.New("ledger: insufficient allocation")
	ErrInvalidAmount          = errors.New("ledger: amount must be positive")
	ErrInvalidDefinition      = errors.New("ledger: invalid session definition")
	ErrSessionClosed          = errors.New("ledger: app session closed")
	ErrStaleVersion           = errors.New("ledger: coordinator version did not advance")
	ErrUnknownIntent          = errors.New("ledger: unknown intent")
	ErrUnknownStatus          = errors.New("ledger: unknown status")
)

var sessionIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseSessionID accepts only a 0x-prefixed 32-byte hex id.
func ParseSessionID(raw string) (common.Hash, error) {
	if raw == "" {
		return common.Hash{}, ErrMissingSessionID
	}
	if !sessionIDPattern.MatchString(raw) {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidSessionIDFormat, raw)
	}
	return common.HexToHash(raw), nil
}

// Intent classifies the effect of a state submission. The zero value is not
// a valid intent.
type Intent int

const (
	IntentOperate Intent = iota + 1
	IntentDeposit
	IntentWithdraw
)

func (i Intent) String() string {
	switch i {
	case IntentOperate:
		return "OPERATE"
	case IntentDeposit:
		return "DEPOSIT"
	case IntentWithdraw:
		return "WITHDRAW"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

func (i Intent) Valid() bool {
	return i >= IntentOperate && i <= IntentWithdraw
}

func ParseIntent(raw string) (Intent, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPERATE":
		return IntentOperate, nil
	case "DEPOSIT":
		return IntentDeposit, nil
	case "WITHDRAW":
		return IntentWithdraw, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownIntent, raw)
}

type Status int

const (
	StatusOpen Status = iota
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Definition is the quorum-governed shape of an app session.
type Definition struct {
	Protocol     string
	Participants []common.Address
	Weights      []uint64
	Quorum       uint64
	Challenge    uint64
	Nonce        uint64
	Application  string
}

func (d Definition) Validate() error {
	if len(d.Participants) < 2 {
		return fmt.Errorf("%w: need at least two participants", ErrInvalidDefinition)
	}
	if len(d.Weights) != len(d.Participants) {
		return fmt.Errorf("%w: %d weights for %d participants", ErrInvalidDefinition, len(d.Weights), len(d.Participants))
	}
	var total uint64
	for _, w := range d.Weights {
		total += w
	}
	if d.Quorum == 0 || d.Quorum > total {
		return fmt.Errorf("%w: quorum %d outside (0, %d]", ErrInvalidDefinition, d.Quorum, total)
	}
	return nil
}

func (d Definition) wire() rpc.AppDefinition {
	participants := make([]string, len(d.Participants))
	for i, p := range d.Participants {
		participants[i] = p.Hex()
	}
	weights := d.Weights
	if weights == nil {
		weights = []uint64{}
	}
	return rpc.AppDefinition{
		Protocol:     d.Protocol,
		Participants: participants,
		Weights:      weights,
		Quorum:       d.Quorum,
		Challenge:    d.Challenge,
		Nonce:        d.Nonce,
		Application:  d.Application,
	}
}

// Session is the client's view of one app session.
type Session struct {
	ID          common.Hash
	Status      Status
	Version     uint64
	Definition  Definition
	Allocations Allocations
	SessionData string
}

func (s Session) clone() Session {
	out := s
	out.Allocations = s.Allocations.Clone()
	out.Definition.Participants = append([]common.Address(nil), s.Definition.Participants...)
	out.Definition.Weights = append([]uint64(nil), s.Definition.Weights...)
	return out
}

// SessionFromInfo parses a get_app_sessions row.
func SessionFromInfo(info rpc.AppSessionInfo) (Session, error) {
	id, err := ParseSessionID(info.AppSessionID)
	if err != nil {
		return Session{}, err
	}
	status, err := ParseStatus(info.Status)
	if err != nil {
		return Session{}, err
	}
	allocs, err := AllocationsFromWire(info.Allocations)
	if err != nil {
		return Session{}, err
	}
	participants := make([]common.Address, 0, len(info.Participants))
	for _, p := range info.Participants {
		if !common.IsHexAddress(p) {
			return Session{}, fmt.Errorf("%w: participant %q", rpc.ErrDecode, p)
		}
		participants = append(participants, common.HexToAddress(p))
	}
	return Session{
		ID:      id,
		Status:  status,
		Version: info.Version,
		Definition: Definition{
			Protocol:     info.Protocol,
			Participants: participants,
			Weights:      info.Weights,
			Quorum:       info.Quorum,
			Challenge:    info.Challenge,
			Nonce:        info.Nonce,
			Application:  info.Application,
		},
		Allocations: allocs,
		SessionData: info.SessionData,
	}, nil
}

// ParseAmount parses a human-readable token quantity.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return d, nil
}
