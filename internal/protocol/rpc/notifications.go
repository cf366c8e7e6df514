package rpc

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationKind tags an unsolicited coordinator push.
type NotificationKind string

const (
	NotifyBalanceUpdate    NotificationKind = "bu"
	NotifyChannelUpdate    NotificationKind = "cu"
	NotifyTransfer         NotificationKind = "tr"
	NotifyAppSessionUpdate NotificationKind = "asu"
	NotifyAssets           NotificationKind = "assets"
)

var knownKinds = []NotificationKind{
	NotifyBalanceUpdate,
	NotifyChannelUpdate,
	NotifyTransfer,
	NotifyAppSessionUpdate,
	NotifyAssets,
}

// Method is the res method a push of this kind carries.
func (k NotificationKind) Method() Method {
	return Method(k)
}

// KnownNotificationKinds lists every push tag the client dispatches.
func KnownNotificationKinds() []NotificationKind {
	out := make([]NotificationKind, len(knownKinds))
	copy(out, knownKinds)
	return out
}

// ParseNotificationKind maps a push method onto its kind.
func ParseNotificationKind(m Method) (NotificationKind, bool) {
	for _, k := range knownKinds {
		if string(k) == string(m) {
			return k, true
		}
	}
	return "", false
}

// Notification is one decoded push, still carrying its raw payload.
type Notification struct {
	Kind      NotificationKind
	Payload   []byte
	Timestamp time.Time
}

// NotificationFromResponse converts an uncorrelated frame into a push.
func NotificationFromResponse(r Response) (Notification, bool) {
	kind, ok := ParseNotificationKind(r.Method)
	if !ok {
		return Notification{}, false
	}
	return Notification{
		Kind:      kind,
		Payload:   r.Payload,
		Timestamp: time.UnixMilli(int64(r.Timestamp)),
	}, true
}

// Decode unmarshals the push payload into out.
func (n Notification) Decode(out any) error {
	return Response{Method: Method(n.Kind), Payload: n.Payload}.Decode(out)
}

// BalanceUpdate is the "bu" payload.
type BalanceUpdate struct {
	Balances []LedgerBalance `json:"balance_updates"`
}

// TransferNotice is the "tr" payload.
type TransferNotice struct {
	Transactions []LedgerTransaction `json:"transactions"`
}

// LedgerTransaction is one internal ledger movement.
type LedgerTransaction struct {
	ID          uint64          `json:"id"`
	TxType      string          `json:"tx_type"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AssetsUpdate is the "assets" payload and the get_assets reply.
type AssetsUpdate struct {
	Assets []Asset `json:"assets"`
}

// Asset is one entry of the coordinator's asset catalog.
type Asset struct {
	Token    string `json:"token"`
	ChainID  uint64 `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}
