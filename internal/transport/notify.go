package transport

import (
	"errors"
	"sync"

	"github.com/danmuck/clearctl/internal/observability"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
)

// NotificationHandler receives pushes in arrival order for its subscription.
type NotificationHandler func(rpc.Notification)

func (m *Manager) handleNotification(resp rpc.Response) {
	n, ok := rpc.NotificationFromResponse(resp)
	if !ok {
		m.logger.Debug().Str("method", string(resp.Method)).Uint64("id", resp.ID).Msg("transport.Manager dropping unknown frame")
		return
	}
	observability.RecordNotification(string(n.Kind))

	if n.Kind == rpc.NotifyAssets {
		var update rpc.AssetsUpdate
		if err := n.Decode(&update); err != nil {
			m.logger.Warn().Err(err).Msg("transport.Manager bad assets payload")
		} else {
			m.mu.Lock()
			m.assets = update.Assets
			m.mu.Unlock()
		}
	}

	m.hubMu.RLock()
	defer m.hubMu.RUnlock()
	if m.hubClosed {
		return
	}
	m.hub.Pub(n, string(n.Kind))
}

// OnNotification registers handler for kinds, or for every known kind when
// none are given. The returned func unsubscribes and is safe to call twice.
func (m *Manager) OnNotification(handler NotificationHandler, kinds ...rpc.NotificationKind) func() {
	if len(kinds) == 0 {
		kinds = rpc.KnownNotificationKinds()
	}
	topics := make([]string, len(kinds))
	for i, k := range kinds {
		topics[i] = string(k)
	}

	m.hubMu.RLock()
	if m.hubClosed {
		m.hubMu.RUnlock()
		return func() {}
	}
	ch := m.hub.Sub(topics...)
	m.hubMu.RUnlock()

	go func() {
		for msg := range ch {
			n, ok := msg.(rpc.Notification)
			if !ok {
				continue
			}
			m.dispatch(handler, n)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hubMu.RLock()
			defer m.hubMu.RUnlock()
			if m.hubClosed {
				return
			}
			m.hub.Unsub(ch, topics...)
		})
	}
}

func (m *Manager) dispatch(handler NotificationHandler, n rpc.Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("kind", string(n.Kind)).Msg("transport.Manager notification handler panicked")
		}
	}()
	handler(n)
}

// Assets returns the latest asset catalog pushed by the coordinator.
func (m *Manager) Assets() []rpc.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rpc.Asset, len(m.assets))
	copy(out, m.assets)
	return out
}

// SetAssets seeds the catalog from a get_assets reply.
func (m *Manager) SetAssets(assets []rpc.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets = append([]rpc.Asset(nil), assets...)
}

func isErr(err, target error) bool {
	return errors.Is(err, target)
}
