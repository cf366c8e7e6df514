// Package transport owns the single reconnecting duplex connection to a clearnode.
//
// Ownership boundary:
// - connection lifecycle state machine and bounded exponential reconnects
// - request id allocation and response correlation (pending map)
// - FIFO outbound queue while the socket is down
// - push-notification fan-out and the last asset-catalog snapshot
//
// Envelopes are opaque here: callers supply a SignFunc and the manager only
// serializes, writes, and correlates.
package transport
