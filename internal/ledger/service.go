package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/clearctl/internal/observability"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/danmuck/clearctl/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Caller is the request path submissions travel over.
type Caller interface {
	Send(ctx context.Context, method rpc.Method, params any, sign transport.SignFunc) (rpc.Response, error)
}

// Service submits app-session state and tracks what the coordinator confirmed.
// Mutations of one session id are serialized; different ids proceed in parallel.
type Service struct {
	caller Caller
	sign   transport.SignFunc
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[common.Hash]*Session
	locks    map[common.Hash]*sync.Mutex
}

func NewService(caller Caller, sign transport.SignFunc) *Service {
	return &Service{
		caller:   caller,
		sign:     sign,
		logger:   log.With().Str("component", "ledger").Logger(),
		sessions: make(map[common.Hash]*Session),
		locks:    make(map[common.Hash]*sync.Mutex),
	}
}

func (s *Service) lockFor(id common.Hash) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Session returns a copy of the tracked session.
func (s *Service) Session(id common.Hash) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Create opens an app session. The coordinator assigns the id; a missing or
// malformed id fails the call.
func (s *Service) Create(ctx context.Context, def Definition, initial Allocations, data string) (Session, error) {
	if err := def.Validate(); err != nil {
		return Session{}, err
	}
	if initial == nil {
		initial = Allocations{}
	}
	params := rpc.CreateAppSessionParams{
		Definition:  def.wire(),
		Allocations: initial.wire(),
		SessionData: data,
	}
	resp, err := s.caller.Send(ctx, rpc.MethodCreateAppSession, params, s.sign)
	if err != nil {
		return Session{}, err
	}
	var result rpc.AppSessionResult
	if err := resp.Decode(&result); err != nil {
		return Session{}, err
	}
	id, err := ParseSessionID(result.AppSessionID)
	if err != nil {
		return Session{}, err
	}
	status := StatusOpen
	if result.Status != "" {
		if status, err = ParseStatus(result.Status); err != nil {
			return Session{}, err
		}
	}

	sess := &Session{
		ID:          id,
		Status:      status,
		Version:     result.Version,
		Definition:  def,
		Allocations: initial.Clone(),
		SessionData: data,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	out := sess.clone()
	s.mu.Unlock()

	s.logger.Info().Str("app_session_id", id.Hex()).Uint64("version", out.Version).Msg("ledger.Service created")
	return out, nil
}

// SubmitState sends the complete allocation table under intent.
func (s *Service) SubmitState(ctx context.Context, id common.Hash, intent Intent, allocations Allocations, data string) (Session, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.submitLocked(ctx, id, intent, allocations, data)
}

func (s *Service) submitLocked(ctx context.Context, id common.Hash, intent Intent, allocations Allocations, data string) (Session, error) {
	if !intent.Valid() {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownIntent, intent)
	}
	if err := s.ensureOpen(id); err != nil {
		return Session{}, err
	}
	if allocations == nil {
		allocations = Allocations{}
	}
	params := rpc.SubmitAppStateParams{
		AppSessionID: id.Hex(),
		Intent:       intent.String(),
		Allocations:  allocations.wire(),
		SessionData:  data,
	}
	base := s.trackedVersion(id)
	resp, err := s.caller.Send(ctx, rpc.MethodSubmitAppState, params, s.sign)
	if err != nil {
		observability.RecordSubmission(intent.String(), false)
		return Session{}, err
	}
	out, err := s.confirm(id, base, resp, allocations, data)
	observability.RecordSubmission(intent.String(), err == nil)
	if err != nil {
		return Session{}, err
	}
	s.logger.Debug().
		Str("app_session_id", id.Hex()).
		Str("intent", intent.String()).
		Uint64("version", out.Version).
		Msg("ledger.Service state accepted")
	return out, nil
}

// Deposit credits amount to (participant, asset) on top of current.
func (s *Service) Deposit(ctx context.Context, id common.Hash, participant common.Address, asset string, amount decimal.Decimal, current Allocations) (Session, error) {
	return s.apply(ctx, id, IntentDeposit, current, func(a Allocations) (Allocations, error) {
		return a.Credit(participant, asset, amount)
	})
}

// Withdraw debits amount from (participant, asset). An insufficient row fails
// before anything is sent.
func (s *Service) Withdraw(ctx context.Context, id common.Hash, participant common.Address, asset string, amount decimal.Decimal, current Allocations) (Session, error) {
	return s.apply(ctx, id, IntentWithdraw, current, func(a Allocations) (Allocations, error) {
		return a.Debit(participant, asset, amount)
	})
}

// Transfer moves amount between participants in one OPERATE submission.
func (s *Service) Transfer(ctx context.Context, id common.Hash, from, to common.Address, asset string, amount decimal.Decimal, current Allocations) (Session, error) {
	return s.apply(ctx, id, IntentOperate, current, func(a Allocations) (Allocations, error) {
		return a.Move(from, to, asset, amount)
	})
}

// apply runs step on current and submits the result under the session lock.
// A current table that no longer matches the tracked one is stale and fails
// with ErrStaleVersion without a round trip.
func (s *Service) apply(ctx context.Context, id common.Hash, intent Intent, current Allocations, step func(Allocations) (Allocations, error)) (Session, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := s.ensureOpen(id); err != nil {
		return Session{}, err
	}
	next, err := step(current)
	if err != nil {
		return Session{}, err
	}
	if err := s.checkSnapshot(id, current); err != nil {
		return Session{}, err
	}
	return s.submitLocked(ctx, id, intent, next, "")
}

func (s *Service) checkSnapshot(id common.Hash, current Allocations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Allocations.Equal(current) {
		return nil
	}
	return fmt.Errorf("%w: %s snapshot is older than tracked version %d", ErrStaleVersion, id.Hex(), sess.Version)
}

// Close submits the final table. No submission for id is accepted afterwards.
func (s *Service) Close(ctx context.Context, id common.Hash, final Allocations, data string) (Session, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := s.ensureOpen(id); err != nil {
		return Session{}, err
	}
	if final == nil {
		final = Allocations{}
	}
	base := s.trackedVersion(id)
	params := rpc.CloseAppSessionParams{
		AppSessionID: id.Hex(),
		Allocations:  final.wire(),
		SessionData:  data,
	}
	resp, err := s.caller.Send(ctx, rpc.MethodCloseAppSession, params, s.sign)
	if err != nil {
		return Session{}, err
	}
	out, err := s.confirm(id, base, resp, final, data)
	if err != nil {
		return Session{}, err
	}
	if out.Status != StatusClosed {
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok {
			sess.Status = StatusClosed
		}
		s.mu.Unlock()
		out.Status = StatusClosed
	}
	s.logger.Info().Str("app_session_id", id.Hex()).Uint64("version", out.Version).Msg("ledger.Service closed")
	return out, nil
}

// GetSessions lists app sessions known to the coordinator. An empty status
// returns every status.
func (s *Service) GetSessions(ctx context.Context, participant common.Address, status string) ([]Session, error) {
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		status = st.String()
	}
	params := rpc.GetAppSessionsParams{Participant: participant.Hex(), Status: status}
	resp, err := s.caller.Send(ctx, rpc.MethodGetAppSessions, params, s.sign)
	if err != nil {
		return nil, err
	}
	var result rpc.AppSessionsResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(result.AppSessions))
	for _, info := range result.AppSessions {
		sess, err := SessionFromInfo(info)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Track records a session learned elsewhere, such as from GetSessions or an
// app-session push, so later submissions can be checked against it.
func (s *Service) Track(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.sessions[sess.ID]; ok && known.Version >= sess.Version {
		return
	}
	c := sess.clone()
	s.sessions[sess.ID] = &c
}

func (s *Service) ensureOpen(id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id.Hex())
	}
	return nil
}

func (s *Service) trackedVersion(id common.Hash) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Version
	}
	return 0
}

// confirm applies a coordinator-accepted result to the tracked session. The
// result must advance past base, the version seen before sending. A push for
// the same or a later version may already have been tracked in between; the
// tracked state never moves backwards.
func (s *Service) confirm(id common.Hash, base uint64, resp rpc.Response, allocations Allocations, data string) (Session, error) {
	var result rpc.AppSessionResult
	if err := resp.Decode(&result); err != nil {
		return Session{}, err
	}
	status := StatusOpen
	if result.Status != "" {
		var err error
		if status, err = ParseStatus(result.Status); err != nil {
			return Session{}, err
		}
	}
	if result.Version <= base {
		return Session{}, fmt.Errorf("%w: %s at %d, got %d", ErrStaleVersion, id.Hex(), base, result.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	if result.Version < sess.Version {
		return sess.clone(), nil
	}
	sess.Version = result.Version
	sess.Status = status
	sess.Allocations = allocations.Clone()
	sess.SessionData = data
	return sess.clone(), nil
}
