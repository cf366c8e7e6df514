// Package auth runs the delegated session-key handshake and signs outbound
// requests with the resulting session key.
package auth

import "errors"

var (
	ErrNotAuthenticated     = errors.New("auth: not authenticated")
	ErrSessionExpired       = errors.New("auth: session expired")
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	ErrUnauthorized         = errors.New("auth: unauthorized")
)
