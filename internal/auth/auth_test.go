package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/token"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSignedTokenValidate(t *testing.T) {
	testlog.Start(t)
	operator, err := token.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := token.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	v := SignedToken{Keys: []token.PublicKey{operator.PublicKey()}, MaxAge: time.Minute}

	good, err := token.NewAuthenticationToken(operator, AdminBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(good.String()); err != nil {
		t.Fatalf("operator token rejected: %v", err)
	}

	foreign, err := token.NewAuthenticationToken(stranger, AdminBinding)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(foreign.String()); !errors.Is(err, token.ErrUntrustedKey) {
		t.Fatalf("stranger token: got %v", err)
	}

	var other token.Binding
	other[0] = 1
	bound, err := token.NewAuthenticationToken(operator, other)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(bound.String()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("connection-bound token: got %v", err)
	}

	late := v
	late.Now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := late.Validate(good.String()); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("stale token: got %v", err)
	}

	if err := v.Validate("not a token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage: got %v", err)
	}
}

func TestAnyAndFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := Any{
		nil,
		StaticToken{Token: "static"},
		FuncValidator(func(credential string) error {
			if credential != "ok" {
				return ErrUnauthorized
			}
			return nil
		}),
	}
	for _, cred := range []string{"static", "ok"} {
		if err := validator.Validate(cred); err != nil {
			t.Fatalf("%q rejected: %v", cred, err)
		}
	}
	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad credential, got %v", err)
	}
}

func TestBearer(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"  Bearer x.y.z": "x.y.z",
	}
	for in, want := range cases {
		got, ok := Bearer(in)
		if !ok || got != want {
			t.Fatalf("Bearer(%q) = %q, %v", in, got, ok)
		}
	}
	for _, in := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		if _, ok := Bearer(in); ok {
			t.Fatalf("Bearer(%q) accepted", in)
		}
	}
}
