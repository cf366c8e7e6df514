// Package rpc owns the clearnode wire contract.
//
// Ownership boundary:
// - request/response envelopes ({"req":[...],"sig":[...]} / {"res":[...]})
// - method vocabulary and push-notification tags
// - typed params and payloads per method
//
// Anything that crosses the socket is decoded here into closed Go types;
// malformed payloads surface as ErrDecode rather than passing through untyped.
package rpc
