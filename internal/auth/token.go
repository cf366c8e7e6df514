package auth

import (
	"crypto/subtle"
	"strings"
)

// Validator checks an operator credential presented to a local surface.
type Validator interface {
	Validate(header string) error
}

// BearerToken accepts "Bearer <Token>" authorization headers.
// An empty Token leaves the surface open.
type BearerToken struct {
	Token string
}

func (b BearerToken) Validate(header string) error {
	if b.Token == "" {
		return nil
	}
	presented, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(b.Token), []byte(strings.TrimSpace(presented))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(header string) error

func (f FuncValidator) Validate(header string) error {
	return f(header)
}
