// Package clearnodetest runs an in-process coordinator over a real websocket
// so client packages can be exercised end to end.
package clearnodetest

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Fault is returned by a Handler to produce an error reply.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("clearnodetest: fault code=%d: %s", f.Code, f.Message)
}

// Reply overrides the response method. Handlers may return it or a bare payload.
type Reply struct {
	Method  rpc.Method
	Payload any
}

// Handler answers one request.
type Handler func(env rpc.Envelope) (any, error)

type appSession struct {
	info rpc.AppSessionInfo
}

// Server is a scripted coordinator. The zero value is not usable; call New.
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	handlers    map[rpc.Method]Handler
	conns       map[*peer]struct{}
	accepted    int
	requests    []rpc.Envelope
	challenges  map[string]bool
	authReqs    []rpc.AuthRequestParams
	failAuth    bool
	jwtSeq      int
	network     rpc.NetworkConfig
	assets      []rpc.Asset
	balances    []rpc.LedgerBalance
	channels    []rpc.Channel
	sessions    map[string]*appSession
	sessionSeq  int
	silent      map[rpc.Method]bool
	pushSeq     uint64
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

type Option func(*Server)

// WithTLS serves wss:// using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.srv.TLS = cfg
	}
}

func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		t:          t,
		handlers:   make(map[rpc.Method]Handler),
		conns:      make(map[*peer]struct{}),
		challenges: make(map[string]bool),
		sessions:   make(map[string]*appSession),
		silent:     make(map[rpc.Method]bool),
		network: rpc.NetworkConfig{
			BrokerAddress: "0x00000000000000000000000000000000000000b0",
			Networks: []rpc.NetworkInfo{{
				ChainID:            137,
				Name:               "polygon",
				CustodyAddress:     "0x00000000000000000000000000000000000000c1",
				AdjudicatorAddress: "0x00000000000000000000000000000000000000a1",
			}},
		},
		assets: []rpc.Asset{{Token: "0x00000000000000000000000000000000000000e1", ChainID: 137, Symbol: "usdc", Decimals: 6}},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewUnstartedServer(http.HandlerFunc(s.serveWS))
	for _, opt := range opts {
		opt(s)
	}
	if s.srv.TLS != nil {
		s.srv.StartTLS()
	} else {
		s.srv.Start()
	}
	s.installDefaults()
	t.Cleanup(s.Close)
	return s
}

// URL is the ws:// or wss:// endpoint.
func (s *Server) URL() string {
	u := s.srv.URL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func (s *Server) Close() {
	s.DropConnections(websocket.CloseGoingAway)
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env rpc.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.Logf("clearnodetest: bad frame: %v", err)
			continue
		}
		s.dispatch(p, env)
	}
}

func (s *Server) dispatch(p *peer, env rpc.Envelope) {
	s.mu.Lock()
	s.requests = append(s.requests, env)
	h := s.handlers[env.Req.Method]
	silent := s.silent[env.Req.Method]
	s.mu.Unlock()

	if silent {
		return
	}

	resp := rpc.Response{ID: env.Req.ID, Method: env.Req.Method, Timestamp: uint64(time.Now().UnixMilli())}
	if h == nil {
		resp.Method = rpc.MethodError
		resp.Payload = mustJSON(map[string]any{"error": "unknown method " + string(env.Req.Method)})
	} else {
		out, err := h(env)
		switch {
		case err != nil:
			resp.Method = rpc.MethodError
			if f, ok := err.(*Fault); ok {
				resp.Payload = mustJSON(map[string]any{"error": f.Message, "code": f.Code})
			} else {
				resp.Payload = mustJSON(map[string]any{"error": err.Error()})
			}
		default:
			if r, ok := out.(Reply); ok {
				resp.Method = r.Method
				out = r.Payload
			}
			resp.Payload = mustJSON(out)
		}
	}
	data, err := rpc.EncodeResponse(resp)
	if err != nil {
		s.t.Errorf("clearnodetest: encode response: %v", err)
		return
	}
	_ = p.write(data)
}

// Handle replaces the handler for method.
func (s *Server) Handle(method rpc.Method, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Silence makes the server swallow method without replying.
func (s *Server) Silence(method rpc.Method, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = on
}

// Push sends an unsolicited frame to every connected client.
func (s *Server) Push(kind rpc.NotificationKind, payload any) {
	s.mu.Lock()
	s.pushSeq++
	id := 1<<62 + s.pushSeq
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	data, err := rpc.EncodeResponse(rpc.Response{
		ID:        id,
		Method:    kind.Method(),
		Payload:   mustJSON(payload),
		Timestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		s.t.Errorf("clearnodetest: encode push: %v", err)
		return
	}
	for _, p := range peers {
		_ = p.write(data)
	}
}

// DropConnections closes every live socket with code.
func (s *Server) DropConnections(code int) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.wmu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "server"), time.Now().Add(time.Second))
		p.wmu.Unlock()
		_ = p.conn.Close()
	}
}

// KillConnections drops every socket without a close frame.
func (s *Server) KillConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.UnderlyingConn().Close()
	}
}

// Accepted counts websocket upgrades since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Requests returns every received envelope for method, or all when empty.
func (s *Server) Requests(method rpc.Method) []rpc.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rpc.Envelope
	for _, env := range s.requests {
		if method == "" || env.Req.Method == method {
			out = append(out, env)
		}
	}
	return out
}

// AuthRequests returns the decoded auth_request params seen so far.
func (s *Server) AuthRequests() []rpc.AuthRequestParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rpc.AuthRequestParams(nil), s.authReqs...)
}

func (s *Server) FailAuth(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuth = fail
}

func (s *Server) SetBalances(b []rpc.LedgerBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = b
}

func (s *Server) SetChannels(c []rpc.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = c
}

// Session returns the coordinator's view of an app session.
func (s *Server) Session(id string) (rpc.AppSessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return rpc.AppSessionInfo{}, false
	}
	return as.info, true
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clearnodetest: marshal: %v", err))
	}
	return data
}

func newSessionID(seq int) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("app-session-%d-%s", seq, uuid.NewString()))).Hex()
}
