package transport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	code      int
	written   []rpc.Envelope
	onWrite   func(c *fakeConn, env rpc.Envelope)
	failWrite bool
	// stall makes writes hang until their deadline, like a peer that stopped reading.
	stall bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		closed: make(chan struct{}),
		code:   CloseAbnormal,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		code := c.code
		c.mu.Unlock()
		return nil, &CloseError{Code: code}
	}
}

func (c *fakeConn) WriteMessage(data []byte, deadline time.Time) error {
	select {
	case <-c.closed:
		return errors.New("fake: write on closed conn")
	default:
	}
	c.mu.Lock()
	stall := c.stall
	c.mu.Unlock()
	if stall {
		select {
		case <-time.After(time.Until(deadline)):
			return os.ErrDeadlineExceeded
		case <-c.closed:
			return errors.New("fake: write on closed conn")
		}
	}
	var env rpc.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	if c.failWrite {
		c.mu.Unlock()
		return errors.New("fake: write failed")
	}
	c.written = append(c.written, env)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(c, env)
	}
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.drop(code)
	return nil
}

// drop simulates the peer closing with code.
func (c *fakeConn) drop(code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(t *testing.T, r rpc.Response) {
	t.Helper()
	data, err := rpc.EncodeResponse(r)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) methods() []rpc.Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.Method, len(c.written))
	for i, env := range c.written {
		out[i] = env.Req.Method
	}
	return out
}

// echo answers every request with a same-method reply carrying its params.
func echo(c *fakeConn, env rpc.Envelope) {
	data, _ := rpc.EncodeResponse(rpc.Response{
		ID:        env.Req.ID,
		Method:    env.Req.Method,
		Payload:   env.Req.Params,
		Timestamp: env.Req.Timestamp,
	})
	c.in <- data
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	fail    bool
	conns   []*fakeConn
	onWrite func(c *fakeConn, env rpc.Envelope)
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("fake: connection refused")
	}
	c := newFakeConn()
	c.onWrite = d.onWrite
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type nopStopper struct{}

func (nopStopper) Stop() bool { return false }

// delayRecorder replaces timer scheduling so reconnects fire immediately.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) afterFunc(d time.Duration, f func()) stopper {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	go f()
	return nopStopper{}
}

func (r *delayRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestManager(t *testing.T, cfg Config, d *fakeDialer) (*Manager, *delayRecorder) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://clearnode.test/ws"
	}
	m, err := NewManager(cfg, WithDialer(d))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rec := &delayRecorder{}
	m.afterFunc = rec.afterFunc
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got, err := m.WaitForState(ctx, want); err != nil {
		t.Fatalf("wait for %s: state=%s err=%v", want, got, err)
	}
}
