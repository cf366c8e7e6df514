package clearnodetest

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/google/uuid"
)

func (s *Server) installDefaults() {
	s.Handle(rpc.MethodPing, func(rpc.Envelope) (any, error) {
		return Reply{Method: rpc.MethodPong, Payload: struct{}{}}, nil
	})
	s.Handle(rpc.MethodGetConfig, func(rpc.Envelope) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.network, nil
	})
	s.Handle(rpc.MethodGetAssets, func(rpc.Envelope) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return rpc.AssetsUpdate{Assets: s.assets}, nil
	})
	s.Handle(rpc.MethodAuthRequest, s.authRequest)
	s.Handle(rpc.MethodAuthVerify, s.authVerify)
	s.Handle(rpc.MethodCreateAppSession, s.createAppSession)
	s.Handle(rpc.MethodSubmitAppState, s.submitAppState)
	s.Handle(rpc.MethodCloseAppSession, s.closeAppSession)
	s.Handle(rpc.MethodGetAppSessions, s.getAppSessions)
	s.Handle(rpc.MethodGetLedgerBalances, func(rpc.Envelope) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := rpc.LedgerBalancesResult{LedgerBalances: s.balances}
		if out.LedgerBalances == nil {
			out.LedgerBalances = []rpc.LedgerBalance{}
		}
		return out, nil
	})
	s.Handle(rpc.MethodGetChannels, func(rpc.Envelope) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := rpc.ChannelsResult{Channels: s.channels}
		if out.Channels == nil {
			out.Channels = []rpc.Channel{}
		}
		return out, nil
	})
	s.Handle(rpc.MethodCreateChannel, s.channelOp(0))
	s.Handle(rpc.MethodResizeChannel, s.channelOp(2))
	s.Handle(rpc.MethodCloseChannel, s.channelOp(3))
}

func (s *Server) authRequest(env rpc.Envelope) (any, error) {
	var params rpc.AuthRequestParams
	if err := json.Unmarshal(env.Req.Params, &params); err != nil {
		return nil, &Fault{Code: 400, Message: "bad auth_request"}
	}
	challenge := uuid.NewString()
	s.mu.Lock()
	s.authReqs = append(s.authReqs, params)
	s.challenges[challenge] = true
	s.mu.Unlock()
	return Reply{Method: rpc.MethodAuthChallenge, Payload: rpc.AuthChallenge{ChallengeMessage: challenge}}, nil
}

func (s *Server) authVerify(env rpc.Envelope) (any, error) {
	var params rpc.AuthVerifyParams
	if err := json.Unmarshal(env.Req.Params, &params); err != nil {
		return nil, &Fault{Code: 400, Message: "bad auth_verify"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAuth {
		return nil, &Fault{Code: 401, Message: "authentication rejected"}
	}
	if !s.challenges[params.Challenge] {
		return nil, &Fault{Code: 401, Message: "unknown challenge"}
	}
	if len(env.Sig) == 0 {
		return nil, &Fault{Code: 401, Message: "missing signature"}
	}
	delete(s.challenges, params.Challenge)
	s.jwtSeq++
	last := s.authReqs[len(s.authReqs)-1]
	return rpc.AuthVerifyResult{
		Address:    last.Address,
		SessionKey: last.SessionKey,
		Success:    true,
		JWTToken:   fmt.Sprintf("jwt-%d", s.jwtSeq),
	}, nil
}

func (s *Server) createAppSession(env rpc.Envelope) (any, error) {
	var params rpc.CreateAppSessionParams
	if err := json.Unmarshal(env.Req.Params, &params); err != nil {
		return nil, &Fault{Code: 400, Message: "bad create_app_session"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionSeq++
	id := newSessionID(s.sessionSeq)
	s.sessions[id] = &appSession{info: rpc.AppSessionInfo{
		AppSessionID: id,
		Application:  params.Definition.Application,
		Status:       "open",
		Participants: params.Definition.Participants,
		Weights:      params.Definition.Weights,
		Quorum:       params.Definition.Quorum,
		Protocol:     params.Definition.Protocol,
		Challenge:    params.Definition.Challenge,
		Nonce:        params.Definition.Nonce,
		Version:      1,
		SessionData:  params.SessionData,
		Allocations:  params.Allocations,
	}}
	return rpc.AppSessionResult{AppSessionID: id, Version: 1, Status: "open"}, nil
}

func (s *Server) submitAppState(env rpc.Envelope) (any, error) {
	var params rpc.SubmitAppStateParams
	if err := json.Unmarshal(env.Req.Params, &params); err != nil {
		return nil, &Fault{Code: 400, Message: "bad submit_app_state"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[params.AppSessionID]
	if !ok {
		return nil, &Fault{Code: 404, Message: "app session not found"}
	}
	if as.info.Status != "open" {
		return nil, &Fault{Code: 409, Message: "app session closed"}
	}
	as.info.Version++
	as.info.Allocations = params.Allocations
	as.info.SessionData = params.SessionData
	return rpc.AppSessionResult{AppSessionID: as.info.AppSessionID, Version: as.info.Version, Status: as.info.Status}, nil
}

func (s *Server) closeAppSession(env rpc.Envelope) (any, error) {
	var params rpc.CloseAppSessionParams
	if err := json.Unmarshal(env.Req.Params, &params); err != nil {
		return nil, &Fault{Code: 400, Message: "bad close_app_session"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[params.AppSessionID]
	if !ok {
		return nil, &Fault{Code: 404, Message: "app session not found"}
	}
	if as.info.Status != "open" {
		return nil, &Fault{Code: 409, Message: "app session closed"}
	}
	as.info.Version++
	as.info.Status = "closed"
	as.info.Allocations = params.Allocations
	return rpc.AppSessionResult{AppSessionID: as.info.AppSessionID, Version: as.info.Version, Status: as.info.Status}, nil
}

func (s *Server) getAppSessions(env rpc.Envelope) (any, error) {
	var params rpc.GetAppSessionsParams
	_ = json.Unmarshal(env.Req.Params, &params)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := rpc.AppSessionsResult{AppSessions: []rpc.AppSessionInfo{}}
	for _, as := range s.sessions {
		if params.Status != "" && as.info.Status != params.Status {
			continue
		}
		out.AppSessions = append(out.AppSessions, as.info)
	}
	return out, nil
}

func (s *Server) channelOp(intent uint8) Handler {
	return func(env rpc.Envelope) (any, error) {
		var target struct {
			ChannelID string `json:"channel_id"`
			ChainID   uint64 `json:"chain_id"`
		}
		if err := json.Unmarshal(env.Req.Params, &target); err != nil {
			return nil, &Fault{Code: 400, Message: "bad channel params"}
		}
		id := target.ChannelID
		if id == "" {
			s.mu.Lock()
			s.sessionSeq++
			id = newSessionID(s.sessionSeq)
			s.mu.Unlock()
		}
		return rpc.ChannelOperationResult{
			ChannelID:       id,
			State:           rpc.ChannelState{Intent: intent, Version: 1, StateData: "0x", Allocations: []rpc.ChannelAllocation{}},
			ServerSignature: "0xserver",
		}, nil
	}
}
