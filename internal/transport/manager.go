package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/danmuck/clearctl/internal/observability"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// requestSeq is shared by every Manager so ids stay unique per process.
var requestSeq atomic.Uint64

func nextRequestID() uint64 {
	return requestSeq.Add(1)
}

// SignFunc produces the sig array for a request. Nil means unsigned.
type SignFunc func(req rpc.Request) ([]string, error)

type result struct {
	resp rpc.Response
	err  error
}

// pendingRequest is resolved exactly once: whoever deletes it from the
// pending map owns the send on done.
type pendingRequest struct {
	id       uint64
	method   rpc.Method
	sentAt   time.Time
	deadline time.Time
	done     chan result
}

type queuedMessage struct {
	id       uint64
	payload  []byte
	deadline time.Time
}

type stopper interface {
	Stop() bool
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State    State
	Attempts int
	Pending  int
	Queued   int
	// Connects counts successful dials, so a drop and recovery between two
	// observations is still visible.
	Connects uint64
}

// Manager owns the connection, pending requests, and the outbound queue.
type Manager struct {
	cfg       Config
	dialer    Dialer
	logger    zerolog.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu             sync.Mutex
	state          State
	stateCh        chan struct{}
	conn           Conn
	gen            uint64
	attempts       int
	connects       uint64
	reconnectTimer stopper
	closing        bool
	closed         bool
	pending        map[uint64]*pendingRequest
	queue          []queuedMessage
	assets         []rpc.Asset
	rng            *rand.Rand

	// writeMu serializes socket writes and orders queue flush ahead of new sends.
	writeMu sync.Mutex

	hubMu     sync.RWMutex
	hub       *pubsub.PubSub
	hubClosed bool
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		dialer: &WebsocketDialer{TLS: cfg.TLS, HandshakeTimeout: cfg.ConnectTimeout},
		logger: log.With().Str("component", "transport").Logger(),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		state:   StateDisconnected,
		stateCh: make(chan struct{}),
		pending: make(map[uint64]*pendingRequest),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		hub:     pubsub.New(cfg.NotificationBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:    m.state,
		Attempts: m.attempts,
		Pending:  len(m.pending),
		Queued:   len(m.queue),
		Connects: m.connects,
	}
}

// Changed returns a channel closed at the next state transition.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateCh
}

// WaitForState blocks until the manager is in one of states or ctx ends.
func (m *Manager) WaitForState(ctx context.Context, states ...State) (State, error) {
	for {
		m.mu.Lock()
		st := m.state
		ch := m.stateCh
		m.mu.Unlock()
		for _, want := range states {
			if st == want {
				return st, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Connect opens the transport. It is a no-op when already connected and
// resets the reconnect budget otherwise.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.stopReconnectLocked()
	m.closing = false
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	if err != nil {
		m.logger.Warn().Err(err).Str("url", m.cfg.URL).Msg("transport.Manager dial failed")
		m.mu.Lock()
		if m.state == StateConnecting {
			m.afterDropLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed || m.closing || m.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close(CloseNormal, "client disconnect")
		return fmt.Errorf("%w: disconnected while dialing", ErrConnection)
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempts = 0
	m.connects++
	queued := m.queue
	m.queue = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	for i, msg := range queued {
		// Expired requests are resolved by their own await.
		if !m.now().Before(msg.deadline) {
			continue
		}
		if err := conn.WriteMessage(msg.payload, m.writeDeadline(msg.deadline)); err != nil {
			m.mu.Lock()
			rest := make([]queuedMessage, 0, len(queued)-i+len(m.queue))
			rest = append(rest, queued[i:]...)
			m.queue = append(rest, m.queue...)
			m.mu.Unlock()
			m.dropConn(gen, &CloseError{Code: CloseAbnormal, Err: err})
			return fmt.Errorf("%w: flush queued: %v", ErrConnection, err)
		}
	}
	m.reportBacklog()
	m.logger.Info().Str("url", m.cfg.URL).Int("flushed", len(queued)).Msg("transport.Manager connected")
	return nil
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.dropConn(gen, err)
			return
		}
		m.handleFrame(data)
	}
}

// dropConn handles a transport close for connection generation gen.
func (m *Manager) dropConn(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	if IsNormalClosure(cause) {
		m.logger.Info().Msg("transport.Manager closed normally")
		m.setStateLocked(StateDisconnected)
	} else {
		m.logger.Warn().Err(cause).Msg("transport.Manager connection lost")
		m.afterDropLocked()
	}
	m.mu.Unlock()
	_ = conn.Close(CloseAbnormal, "read failed")
}

// afterDropLocked schedules one reconnect or lands in StateFailed.
func (m *Manager) afterDropLocked() {
	if m.closing || m.closed {
		m.setStateLocked(StateDisconnected)
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStateLocked(StateFailed)
		observability.RecordReconnect("exhausted")
		m.logger.Error().Int("attempts", m.attempts).Msg("transport.Manager reconnect attempts exhausted")
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := BackoffDelay(m.cfg.Backoff, attempt, m.rng)
	m.setStateLocked(StateReconnecting)
	m.stopReconnectLocked()
	m.reconnectTimer = m.afterFunc(delay, func() { m.reconnect(attempt) })
	observability.RecordReconnect("scheduled")
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("transport.Manager reconnect scheduled")
}

func (m *Manager) reconnect(attempt int) {
	m.mu.Lock()
	if m.state != StateReconnecting || m.closing || m.closed || m.attempts != attempt {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	_ = m.dial(context.Background())
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	observability.SetTransportState(int(s))
	m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("transport.Manager state")
}

// Send issues one request and waits for its correlated response.
// While the transport is down the request is queued; it still fails with
// ErrTimeout once RequestTimeout elapses.
func (m *Manager) Send(ctx context.Context, method rpc.Method, params any, sign SignFunc) (rpc.Response, error) {
	start := m.now()
	id := nextRequestID()
	req, err := rpc.NewRequest(id, method, params, start)
	if err != nil {
		return rpc.Response{}, err
	}
	var sigs []string
	if sign != nil {
		sigs, err = sign(req)
		if err != nil {
			return rpc.Response{}, err
		}
	}
	payload, err := json.Marshal(rpc.Envelope{Req: req, Sig: sigs})
	if err != nil {
		return rpc.Response{}, fmt.Errorf("transport: marshal envelope: %w", err)
	}

	p := &pendingRequest{
		id:       id,
		method:   method,
		sentAt:   start,
		deadline: start.Add(m.cfg.RequestTimeout),
		done:     make(chan result, 1),
	}

	m.writeMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return rpc.Response{}, ErrClosed
	}
	m.pending[id] = p
	var conn Conn
	gen := m.gen
	if m.state == StateConnected && m.conn != nil {
		conn = m.conn
	} else {
		m.queue = append(m.queue, queuedMessage{id: id, payload: payload, deadline: p.deadline})
	}
	m.mu.Unlock()
	if conn != nil {
		if err := conn.WriteMessage(payload, m.writeDeadline(p.deadline)); err != nil {
			m.mu.Lock()
			m.queue = append(m.queue, queuedMessage{id: id, payload: payload, deadline: p.deadline})
			m.mu.Unlock()
			m.writeMu.Unlock()
			m.dropConn(gen, &CloseError{Code: CloseAbnormal, Err: err})
		} else {
			m.writeMu.Unlock()
		}
	} else {
		m.writeMu.Unlock()
		m.logger.Debug().Uint64("id", id).Str("method", string(method)).Msg("transport.Manager queued")
	}
	m.reportBacklog()

	return m.await(ctx, p)
}

// writeDeadline maps a request deadline on the manager clock to wall time.
func (m *Manager) writeDeadline(deadline time.Time) time.Time {
	return time.Now().Add(deadline.Sub(m.now()))
}

func (m *Manager) await(ctx context.Context, p *pendingRequest) (rpc.Response, error) {
	timer := time.NewTimer(p.deadline.Sub(m.now()))
	defer timer.Stop()

	var res result
	select {
	case res = <-p.done:
	case <-timer.C:
		if m.forget(p.id) {
			res = result{err: fmt.Errorf("%w: method=%s id=%d", ErrTimeout, p.method, p.id)}
		} else {
			res = <-p.done
		}
	case <-ctx.Done():
		if m.forget(p.id) {
			res = result{err: ctx.Err()}
		} else {
			res = <-p.done
		}
	}
	observability.RecordRPC(string(p.method), outcomeLabel(res.err), m.now().Sub(p.sentAt))
	m.reportBacklog()
	return res.resp, res.err
}

// forget drops id from the pending map and the queue. It reports whether
// the caller now owns resolution of the request.
func (m *Manager) forget(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	for i, msg := range m.queue {
		if msg.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	return true
}

func (m *Manager) handleFrame(data []byte) {
	resp, err := rpc.DecodeResponse(data)
	if err != nil {
		m.logger.Warn().Err(err).Msg("transport.Manager dropping undecodable frame")
		return
	}

	m.mu.Lock()
	p, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.handleNotification(resp)
		return
	}
	res := result{resp: resp}
	if body := resp.RemoteError(); body != nil {
		res.err = &RemoteError{Method: p.method, Code: body.Code, Message: body.Message}
	}
	p.done <- res
}

func (m *Manager) reportBacklog() {
	m.mu.Lock()
	pending, queued := len(m.pending), len(m.queue)
	m.mu.Unlock()
	observability.SetRPCBacklog(pending, queued)
}

// Disconnect closes the transport normally and cancels any pending reconnect.
// Pending requests keep their own deadlines.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.stopReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(CloseNormal, "client disconnect")
	}
}

// Close disconnects, fails everything in flight with ErrClosed, and stops
// notification delivery. The manager cannot be reused.
func (m *Manager) Close() error {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[uint64]*pendingRequest)
	m.queue = nil
	m.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: ErrClosed}
	}

	m.hubMu.Lock()
	if !m.hubClosed {
		m.hubClosed = true
		m.hub.Shutdown()
	}
	m.hubMu.Unlock()
	m.reportBacklog()
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isErr(err, ErrTimeout):
		return "timeout"
	case isErr(err, ErrRemote):
		return "remote_error"
	case isErr(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
