package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/clearctl/internal/testutil/testlog"
)

func TestBearerTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		header  string
		wantErr error
	}{
		{name: "open when unset", stored: "", header: "", wantErr: nil},
		{name: "missing scheme denied", stored: "abc", header: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", header: "Bearer xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", header: "Bearer abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (BearerToken{Token: tc.stored}).Validate(tc.header)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(header string) error {
		if header != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad header, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok header, got %v", err)
	}
}
