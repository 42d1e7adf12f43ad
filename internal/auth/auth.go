// Package auth checks credentials presented to the admin surface.
//
// It holds no policy about who may do what; callers pick a Validator.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/genelink/internal/token"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// AdminBinding is the binding admin tokens are signed for. Admin calls do
// not ride a genelink connection, so there is no channel binding to use.
var AdminBinding = token.Binding{}

// Validator validates a presented credential.
type Validator interface {
	Validate(credential string) error
}

// StaticToken accepts one shared secret. An empty secret accepts nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(credential string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(credential)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(credential string) error

func (f FuncValidator) Validate(credential string) error {
	return f(credential)
}

// SignedToken accepts the text form of an AuthenticationToken signed for
// AdminBinding by one of Keys and no older than MaxAge.
type SignedToken struct {
	Keys   []token.PublicKey
	MaxAge time.Duration
	Now    func() time.Time
}

func (s SignedToken) Validate(credential string) error {
	tok, err := token.ParseAuthenticationToken(credential)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if err := tok.ValidateAndVerify(AdminBinding); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if tok.Expired(s.MaxAge, now()) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, token.ErrExpired)
	}
	for _, k := range s.Keys {
		if k == tok.PublicKey {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrUnauthorized, token.ErrUntrustedKey)
}

// Any accepts a credential any of vs accepts.
type Any []Validator

func (a Any) Validate(credential string) error {
	for _, v := range a {
		if v != nil && v.Validate(credential) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// Bearer extracts the credential from an Authorization header value.
func Bearer(header string) (string, bool) {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != ""
}
