package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/testutil/clearnodetest"
	"github.com/danmuck/clearctl/internal/testutil/testlog"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionID = "0x4f1b2e0000000000000000000000000000000000000000000000000000000abc"

// scriptedCaller plays a coordinator that versions every accepted submission.
type scriptedCaller struct {
	mu       sync.Mutex
	calls    []rpc.Method
	params   []json.RawMessage
	version  uint64
	createID *string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	fail     error
}

func (s *scriptedCaller) Send(_ context.Context, method rpc.Method, params any, sign transport.SignFunc) (rpc.Response, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return rpc.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)
	s.params = append(s.params, raw)
	if s.fail != nil {
		return rpc.Response{}, s.fail
	}

	var result rpc.AppSessionResult
	switch method {
	case rpc.MethodCreateAppSession:
		s.version = 1
		result = rpc.AppSessionResult{AppSessionID: testSessionID, Version: 1, Status: "open"}
		if s.createID != nil {
			result.AppSessionID = *s.createID
		}
	case rpc.MethodSubmitAppState:
		s.version++
		result = rpc.AppSessionResult{AppSessionID: testSessionID, Version: s.version, Status: "open"}
	case rpc.MethodCloseAppSession:
		s.version++
		result = rpc.AppSessionResult{AppSessionID: testSessionID, Version: s.version, Status: "closed"}
	default:
		return rpc.Response{}, errors.New("unexpected method")
	}
	payload, _ := json.Marshal(result)
	return rpc.Response{Method: method, Payload: payload}, nil
}

func (s *scriptedCaller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedCaller) lastSubmit(t *testing.T) rpc.SubmitAppStateParams {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out rpc.SubmitAppStateParams
	require.NoError(t, json.Unmarshal(s.params[len(s.params)-1], &out))
	return out
}

func twoPartyDefinition() Definition {
	return Definition{
		Protocol:     "NitroRPC/0.2",
		Participants: []common.Address{alice, bob},
		Weights:      []uint64{50, 50},
		Quorum:       100,
		Challenge:    86400,
		Nonce:        uint64(time.Now().UnixNano()),
		Application:  "clearctl-test",
	}
}

func noSign(rpc.Request) ([]string, error) { return nil, nil }

func TestCreateRequiresCoordinatorID(t *testing.T) {
	testlog.Start(t)

	empty := ""
	svc := NewService(&scriptedCaller{createID: &empty}, noSign)
	_, err := svc.Create(context.Background(), twoPartyDefinition(), nil, "")
	require.ErrorIs(t, err, ErrMissingSessionID)

	bad := "0xnot-a-hash"
	svc = NewService(&scriptedCaller{createID: &bad}, noSign)
	_, err = svc.Create(context.Background(), twoPartyDefinition(), nil, "")
	require.ErrorIs(t, err, ErrInvalidSessionIDFormat)
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)

	def := twoPartyDefinition()
	def.Weights = []uint64{100}
	_, err := svc.Create(context.Background(), def, nil, "")
	require.ErrorIs(t, err, ErrInvalidDefinition)

	def = twoPartyDefinition()
	def.Quorum = 101
	_, err = svc.Create(context.Background(), def, nil, "")
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Zero(t, caller.count())
}

func TestCreateSendsEmptyAllocationsAsList(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	sess, err := svc.Create(context.Background(), twoPartyDefinition(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.Version)
	assert.Equal(t, StatusOpen, sess.Status)
	assert.Contains(t, string(caller.params[0]), `"allocations":[]`)
}

func TestInsufficientAllocationMakesNoCall(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	sess, err := svc.Create(context.Background(), twoPartyDefinition(), nil, "")
	require.NoError(t, err)
	before := caller.count()

	current := Allocations{{Participant: alice, Asset: "usdc", Amount: dec(t, "10")}}

	_, err = svc.Withdraw(context.Background(), sess.ID, alice, "usdc", dec(t, "10.01"), current)
	require.ErrorIs(t, err, ErrInsufficientAllocation)
	_, err = svc.Withdraw(context.Background(), sess.ID, bob, "usdc", dec(t, "1"), current)
	require.ErrorIs(t, err, ErrInsufficientAllocation)
	_, err = svc.Transfer(context.Background(), sess.ID, alice, bob, "usdc", dec(t, "11"), current)
	require.ErrorIs(t, err, ErrInsufficientAllocation)
	_, err = svc.Deposit(context.Background(), sess.ID, alice, "usdc", dec(t, "0"), current)
	require.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, before, caller.count())
}

func TestLedgerScenario(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	ctx := context.Background()

	sess, err := svc.Create(ctx, twoPartyDefinition(), Allocations{}, "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), sess.Version)

	sess, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "100"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess.Version)
	sub := caller.lastSubmit(t)
	assert.Equal(t, "DEPOSIT", sub.Intent)
	assert.Equal(t, []rpc.AppAllocation{{Participant: alice.Hex(), Asset: "usdc", Amount: "100"}}, sub.Allocations)

	sess, err = svc.Transfer(ctx, sess.ID, alice, bob, "usdc", dec(t, "40"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sess.Version)
	sub = caller.lastSubmit(t)
	assert.Equal(t, "OPERATE", sub.Intent)
	assert.Equal(t, []rpc.AppAllocation{
		{Participant: alice.Hex(), Asset: "usdc", Amount: "60"},
		{Participant: bob.Hex(), Asset: "usdc", Amount: "40"},
	}, sub.Allocations, "transfer submits the full table once")

	sess, err = svc.Withdraw(ctx, sess.ID, bob, "usdc", dec(t, "25"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sess.Version)
	sub = caller.lastSubmit(t)
	assert.Equal(t, "WITHDRAW", sub.Intent)
	assert.Len(t, sub.Allocations, 2)

	assert.Equal(t, "60", sess.Allocations.Amount(alice, "usdc").String())
	assert.Equal(t, "15", sess.Allocations.Amount(bob, "usdc").String())
	assert.Equal(t, "75", sess.Allocations.Total("usdc").String())

	tracked, ok := svc.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.Version, tracked.Version)
	assert.Equal(t, 4, caller.count(), "one request per step")
}

func TestClosedSessionRejectsSubmissions(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	ctx := context.Background()
	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	closed, err := svc.Close(ctx, sess.ID, Allocations{}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, uint64(2), closed.Version)
	calls := caller.count()

	_, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "1"), nil)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = svc.Close(ctx, sess.ID, nil, "")
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, calls, caller.count())
}

func TestStaleVersionRejected(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	ctx := context.Background()
	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	caller.mu.Lock()
	caller.version = 0
	caller.mu.Unlock()
	_, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "1"), nil)
	require.ErrorIs(t, err, ErrStaleVersion)

	tracked, _ := svc.Session(sess.ID)
	assert.Equal(t, uint64(1), tracked.Version)
	assert.Empty(t, tracked.Allocations)
}

func TestSubmissionsSerializedPerSession(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{delay: 10 * time.Millisecond}
	svc := NewService(caller, noSign)
	ctx := context.Background()
	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.SubmitState(ctx, sess.ID, IntentOperate, Allocations{}, ""); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), caller.maxSeen.Load())
	tracked, _ := svc.Session(sess.ID)
	assert.Equal(t, uint64(6), tracked.Version)
}

func TestRemoteFailureLeavesTrackedState(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	ctx := context.Background()
	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	caller.mu.Lock()
	caller.fail = &transport.RemoteError{Method: rpc.MethodSubmitAppState, Message: "quorum not met"}
	caller.mu.Unlock()
	_, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "5"), nil)
	require.ErrorIs(t, err, transport.ErrRemote)

	tracked, _ := svc.Session(sess.ID)
	assert.Equal(t, uint64(1), tracked.Version)
}

func TestLedgerScenarioOverWebsocket(t *testing.T) {
	testlog.Start(t)
	srv := clearnodetest.New(t)
	m, err := transport.NewManager(transport.Config{URL: srv.URL(), RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Connect(context.Background()))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	authn := auth.NewAuthenticator(auth.Config{}, m, auth.NewKeySigner(key))
	svc := NewService(m, authn.SignRequest)
	ctx := context.Background()

	_, err = svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)

	_, err = authn.Authenticate(ctx)
	require.NoError(t, err)

	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)
	sess, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "100"), sess.Allocations)
	require.NoError(t, err)
	sess, err = svc.Transfer(ctx, sess.ID, alice, bob, "usdc", dec(t, "40"), sess.Allocations)
	require.NoError(t, err)
	sess, err = svc.Withdraw(ctx, sess.ID, bob, "usdc", dec(t, "25"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sess.Version)

	remote, ok := srv.Session(sess.ID.Hex())
	require.True(t, ok)
	assert.Equal(t, uint64(4), remote.Version)
	remoteAllocs, err := AllocationsFromWire(remote.Allocations)
	require.NoError(t, err)
	assert.Equal(t, "60", remoteAllocs.Amount(alice, "usdc").String())
	assert.Equal(t, "15", remoteAllocs.Amount(bob, "usdc").String())

	for _, env := range srv.Requests(rpc.MethodSubmitAppState) {
		require.Len(t, env.Sig, 1, "submissions carry the session signature")
	}

	listed, err := svc.GetSessions(ctx, alice, "open")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, sess.ID, listed[0].ID)

	closed, err := svc.Close(ctx, sess.ID, sess.Allocations, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), closed.Version)
	assert.Equal(t, StatusClosed, closed.Status)
}

// pushingCaller tracks the coordinator's app-session update for a submission
// before returning its response, the way a push can overtake the reply.
type pushingCaller struct {
	*scriptedCaller
	svc   *Service
	ahead uint64
}

func (p *pushingCaller) Send(ctx context.Context, method rpc.Method, params any, sign transport.SignFunc) (rpc.Response, error) {
	resp, err := p.scriptedCaller.Send(ctx, method, params, sign)
	if err != nil || method == rpc.MethodCreateAppSession {
		return resp, err
	}
	var result rpc.AppSessionResult
	if err := resp.Decode(&result); err != nil {
		return rpc.Response{}, err
	}
	var sub rpc.SubmitAppStateParams
	raw, _ := json.Marshal(params)
	if err := json.Unmarshal(raw, &sub); err != nil {
		return rpc.Response{}, err
	}
	allocs, err := AllocationsFromWire(sub.Allocations)
	if err != nil {
		return rpc.Response{}, err
	}
	id, _ := ParseSessionID(testSessionID)
	p.svc.Track(Session{ID: id, Status: StatusOpen, Version: result.Version + p.ahead, Allocations: allocs})
	return resp, nil
}

func TestPushBeforeResponseStillConfirms(t *testing.T) {
	testlog.Start(t)
	caller := &pushingCaller{scriptedCaller: &scriptedCaller{}}
	svc := NewService(caller, noSign)
	caller.svc = svc
	ctx := context.Background()

	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	sess, err = svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "100"), sess.Allocations)
	require.NoError(t, err, "accepted deposit must not look stale after its own push")
	assert.Equal(t, uint64(2), sess.Version)
	assert.Equal(t, "100", sess.Allocations.Amount(alice, "usdc").String())

	sess, err = svc.Transfer(ctx, sess.ID, alice, bob, "usdc", dec(t, "40"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sess.Version)

	// A push for a later version is kept over the older reply.
	caller.ahead = 1
	out, err := svc.Withdraw(ctx, sess.ID, bob, "usdc", dec(t, "25"), sess.Allocations)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), out.Version)
	tracked, _ := svc.Session(sess.ID)
	assert.Equal(t, uint64(5), tracked.Version)
	assert.Equal(t, 4, caller.count(), "no retries")
}

func TestConcurrentDepositsFromSameSnapshot(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{delay: 10 * time.Millisecond}
	svc := NewService(caller, noSign)
	ctx := context.Background()
	sess, err := svc.Create(ctx, twoPartyDefinition(), nil, "")
	require.NoError(t, err)
	snapshot := sess.Allocations
	amount := dec(t, "100")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Deposit(ctx, sess.ID, alice, "usdc", amount, snapshot)
		}(i)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrStaleVersion):
			stale++
		default:
			t.Fatalf("unexpected deposit error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)

	tracked, _ := svc.Session(sess.ID)
	assert.Equal(t, uint64(2), tracked.Version)
	assert.Equal(t, "100", tracked.Allocations.Total("usdc").String())
	assert.Equal(t, 2, caller.count(), "the stale deposit is never sent")

	// Recomputing from the tracked table succeeds.
	next, err := svc.Deposit(ctx, sess.ID, alice, "usdc", dec(t, "100"), tracked.Allocations)
	require.NoError(t, err)
	assert.Equal(t, "200", next.Allocations.Total("usdc").String())
}

func TestZeroIntentRejectedBeforeSend(t *testing.T) {
	testlog.Start(t)
	caller := &scriptedCaller{}
	svc := NewService(caller, noSign)
	sess, err := svc.Create(context.Background(), twoPartyDefinition(), nil, "")
	require.NoError(t, err)

	var intent Intent
	_, err = svc.SubmitState(context.Background(), sess.ID, intent, Allocations{}, "")
	require.ErrorIs(t, err, ErrUnknownIntent)
	assert.Equal(t, 1, caller.count())
}
