package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/token"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// Stage is the rest of the pipeline as seen from a filter.
type Stage func(ctx context.Context, call *Call) Outcome

// Filter wraps a responder. It may rewrite call.Payload before calling
// next, or return its own outcome without calling next at all.
type Filter interface {
	Apply(ctx context.Context, call *Call, next Stage) Outcome
}

type FilterFunc func(ctx context.Context, call *Call, next Stage) Outcome

func (f FilterFunc) Apply(ctx context.Context, call *Call, next Stage) Outcome {
	return f(ctx, call, next)
}

// FilterSpec names a registered filter factory and the config to build it
// with.
type FilterSpec struct {
	Name   string
	Config any
}

// FilterFactory builds filters from one typed config.
type FilterFactory interface {
	Name() string
	Build(config any) (Filter, error)
}

type typedFactory[C any] struct {
	name  string
	build func(C) (Filter, error)
}

// NewFilterFactory registers build under name. Build accepts a C or a
// non-nil *C; anything else is ErrFilterConfig.
func NewFilterFactory[C any](name string, build func(C) (Filter, error)) FilterFactory {
	return typedFactory[C]{name: name, build: build}
}

func (f typedFactory[C]) Name() string {
	return f.name
}

func (f typedFactory[C]) Build(config any) (Filter, error) {
	var c C
	switch v := config.(type) {
	case C:
		c = v
	case *C:
		if v == nil {
			return nil, fmt.Errorf("%w: %s: nil %T", ErrFilterConfig, f.name, config)
		}
		c = *v
	default:
		return nil, fmt.Errorf("%w: %s wants %T, got %T", ErrFilterConfig, f.name, c, config)
	}
	flt, err := f.build(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFilterConfig, f.name, err)
	}
	return flt, nil
}

// Built-in filter names.
const (
	FilterMaxPayload = "max_payload"
	FilterRateLimit  = "rate_limit"
	FilterAllowKeys  = "allow_keys"
)

// MaxPayloadConfig refuses request bodies over MaxBytes with TooLarge.
type MaxPayloadConfig struct {
	MaxBytes int `toml:"max_bytes"`
}

// RateLimitConfig refuses calls beyond PerSecond per connection with Refused.
type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
	// Connections bounds how many per-connection limiters are remembered.
	Connections int `toml:"connections"`
}

// AllowKeysConfig admits only connections whose pinned remote key is
// listed, in hex.
type AllowKeysConfig struct {
	Keys []string `toml:"keys"`
}

// BuiltinFilters are the factories every registry starts with.
func BuiltinFilters() []FilterFactory {
	return []FilterFactory{
		NewFilterFactory(FilterMaxPayload, newMaxPayload),
		NewFilterFactory(FilterRateLimit, newRateLimit),
		NewFilterFactory(FilterAllowKeys, newAllowKeys),
	}
}

func newMaxPayload(cfg MaxPayloadConfig) (Filter, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("max_bytes must be > 0, got %d", cfg.MaxBytes)
	}
	return FilterFunc(func(ctx context.Context, call *Call, next Stage) Outcome {
		if len(call.Payload) > cfg.MaxBytes {
			return Result(protocol.ResultTooLarge)
		}
		return next(ctx, call)
	}), nil
}

func newRateLimit(cfg RateLimitConfig) (Filter, error) {
	if cfg.PerSecond <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("per_second and burst must be > 0")
	}
	if cfg.Connections <= 0 {
		cfg.Connections = 1024
	}
	limiters, err := lru.New(cfg.Connections)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(ctx context.Context, call *Call, next Stage) Outcome {
		id := call.Conn.ID()
		var l *rate.Limiter
		if v, ok := limiters.Get(id); ok {
			l = v.(*rate.Limiter)
		} else {
			l = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
			limiters.Add(id, l)
		}
		if !l.Allow() {
			call.d.log.Debug().Uint64("conn", id).Str("responder", call.Info.Name).Msg("dispatch.rate_limit refused")
			return Result(protocol.ResultRefused)
		}
		return next(ctx, call)
	}), nil
}

func newAllowKeys(cfg AllowKeysConfig) (Filter, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("keys is empty")
	}
	allowed := make(map[token.PublicKey]struct{}, len(cfg.Keys))
	for _, s := range cfg.Keys {
		k, err := token.ParsePublicKey(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		allowed[k] = struct{}{}
	}
	return FilterFunc(func(ctx context.Context, call *Call, next Stage) Outcome {
		if _, ok := allowed[call.Conn.RemotePublicKey()]; !ok {
			return Result(protocol.ResultNotAuthenticated)
		}
		return next(ctx, call)
	}), nil
}
