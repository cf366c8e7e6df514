package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDecode        = errors.New("rpc: decode")
	ErrInvalidMethod = errors.New("rpc: invalid method")
)

// Method is the second element of a req/res tuple.
type Method string

const (
	MethodAuthRequest       Method = "auth_request"
	MethodAuthChallenge     Method = "auth_challenge"
	MethodAuthVerify        Method = "auth_verify"
	MethodGetConfig         Method = "get_config"
	MethodGetAssets         Method = "get_assets"
	MethodCreateAppSession  Method = "create_app_session"
	MethodSubmitAppState    Method = "submit_app_state"
	MethodCloseAppSession   Method = "close_app_session"
	MethodGetAppSessions    Method = "get_app_sessions"
	MethodGetChannels       Method = "get_channels"
	MethodCreateChannel     Method = "create_channel"
	MethodResizeChannel     Method = "resize_channel"
	MethodCloseChannel      Method = "close_channel"
	MethodGetLedgerBalances Method = "get_ledger_balances"
	MethodPing              Method = "ping"
	MethodPong              Method = "pong"
	MethodError             Method = "error"
)

// Request is one outbound call. It marshals as the positional req tuple.
type Request struct {
	ID        uint64
	Method    Method
	Params    json.RawMessage
	Timestamp uint64
}

// NewRequest marshals params into a request stamped with at (unix millis).
func NewRequest(id uint64, method Method, params any, at time.Time) (Request, error) {
	if method == "" {
		return Request{}, ErrInvalidMethod
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Request{}, fmt.Errorf("rpc: marshal %s params: %w", method, err)
	}
	return Request{
		ID:        id,
		Method:    method,
		Params:    raw,
		Timestamp: uint64(at.UnixMilli()),
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(p)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func (r Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return json.Marshal([]any{r.ID, r.Method, params, r.Timestamp})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: req tuple: %v", ErrDecode, err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("%w: req tuple has %d elements", ErrDecode, len(parts))
	}
	var out Request
	if err := json.Unmarshal(parts[0], &out.ID); err != nil {
		return fmt.Errorf("%w: req id: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(parts[1], &out.Method); err != nil {
		return fmt.Errorf("%w: req method: %v", ErrDecode, err)
	}
	out.Params = append(json.RawMessage(nil), parts[2]...)
	if err := json.Unmarshal(parts[3], &out.Timestamp); err != nil {
		return fmt.Errorf("%w: req timestamp: %v", ErrDecode, err)
	}
	*r = out
	return nil
}

// SigningPayload is the exact byte string session-key signatures cover.
func (r Request) SigningPayload() ([]byte, error) {
	return json.Marshal(r)
}

// Envelope is the signed outbound frame.
type Envelope struct {
	Req Request
	Sig []string
}

type envelopeWire struct {
	Req Request  `json:"req"`
	Sig []string `json:"sig"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	sig := e.Sig
	if sig == nil {
		sig = []string{}
	}
	return json.Marshal(envelopeWire{Req: e.Req, Sig: sig})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Req = w.Req
	e.Sig = w.Sig
	return nil
}

// ErrorBody is the coordinator's explicit error payload.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one inbound frame: either a correlated reply or a push.
type Response struct {
	ID        uint64
	Method    Method
	Payload   json.RawMessage
	Timestamp uint64
	Error     *ErrorBody
	Sig       []string
}

type responseWire struct {
	Res   []json.RawMessage `json:"res"`
	Error *ErrorBody        `json:"error,omitempty"`
	Sig   []string          `json:"sig,omitempty"`
}

// DecodeResponse parses one inbound frame.
func DecodeResponse(data []byte) (Response, error) {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Response{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if len(w.Res) < 3 || len(w.Res) > 4 {
		return Response{}, fmt.Errorf("%w: res tuple has %d elements", ErrDecode, len(w.Res))
	}
	out := Response{Error: w.Error, Sig: w.Sig}
	if err := json.Unmarshal(w.Res[0], &out.ID); err != nil {
		return Response{}, fmt.Errorf("%w: res id: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(w.Res[1], &out.Method); err != nil {
		return Response{}, fmt.Errorf("%w: res method: %v", ErrDecode, err)
	}
	if out.Method == "" {
		return Response{}, fmt.Errorf("%w: res method empty", ErrDecode)
	}
	out.Payload = append(json.RawMessage(nil), w.Res[2]...)
	if len(w.Res) == 4 {
		if err := json.Unmarshal(w.Res[3], &out.Timestamp); err != nil {
			return Response{}, fmt.Errorf("%w: res timestamp: %v", ErrDecode, err)
		}
	}
	return out, nil
}

// EncodeResponse renders r in wire form. Used by coordinators and fakes.
func EncodeResponse(r Response) ([]byte, error) {
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ts, err := json.Marshal(r.Timestamp)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(r.ID)
	if err != nil {
		return nil, err
	}
	method, err := json.Marshal(r.Method)
	if err != nil {
		return nil, err
	}
	return json.Marshal(responseWire{
		Res:   []json.RawMessage{id, method, payload, ts},
		Error: r.Error,
		Sig:   r.Sig,
	})
}

// Decode unmarshals the payload into out.
func (r Response) Decode(out any) error {
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, r.Method, err)
	}
	return nil
}

// RemoteError reports the coordinator error carried by r, if any.
// Both the top-level error object and an "error" method reply count.
func (r Response) RemoteError() *ErrorBody {
	if r.Error != nil {
		return r.Error
	}
	if r.Method != MethodError {
		return nil
	}
	var body struct {
		Code    int    `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Payload, &body); err != nil {
		return &ErrorBody{Message: string(r.Payload)}
	}
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	return &ErrorBody{Code: body.Code, Message: msg}
}
