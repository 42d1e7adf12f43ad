// Package relay assigns and tracks relay exchanges: hops a certificate
// authority lets a client forward traffic through.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/observability"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/token"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxExchanges  = 1024
	DefaultPoints        = 1 << 30
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Second
)

type Config struct {
	MaxExchanges  int
	DefaultPoints uint64
	Retention     time.Duration
	// NetAddress is advertised to clients as where the outer hop listens.
	NetAddress string
	// Authority is the certificate authority key relay certificates must be
	// signed with. A zero key trusts nobody.
	Authority     token.PublicKey
	MaxTokenAge   time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxExchanges:  DefaultMaxExchanges,
		DefaultPoints: DefaultPoints,
		Retention:     DefaultRetention,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxExchanges <= 0 {
		c.MaxExchanges = d.MaxExchanges
	}
	if c.DefaultPoints == 0 {
		c.DefaultPoints = d.DefaultPoints
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Manager owns every live exchange on a node, indexed by inner and outer id.
type Manager struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	byInner map[uint32]*Exchange
	byOuter map[uint32]*Exchange
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		log:     logging.Component("relay.manager"),
		now:     time.Now,
		byInner: make(map[uint32]*Exchange),
		byOuter: make(map[uint32]*Exchange),
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

// verify checks the certificate without touching manager state.
func (m *Manager) verify(conn *session.Connection, tok Certificate) error {
	if err := tok.ValidateAndVerify(conn.Binding()); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrNotAuthenticated, err)
	}
	if m.cfg.Authority.IsZero() || tok.PublicKey != m.cfg.Authority {
		return fmt.Errorf("%w: %w: %s", protocol.ErrNotAuthenticated, token.ErrUntrustedKey, tok.PublicKey)
	}
	if tok.Expired(m.cfg.MaxTokenAge, m.now()) {
		return fmt.Errorf("%w: %w", protocol.ErrNotAuthenticated, token.ErrExpired)
	}
	if tok.Target == nil {
		return fmt.Errorf("%w: %w", protocol.ErrNotAuthenticated, token.ErrUnboundPayload)
	}
	return nil
}

// Assign verifies tok against the connection and the configured authority
// and opens a new exchange owned by conn. Nothing changes on failure.
func (m *Manager) Assign(conn *session.Connection, tok Certificate) (*Exchange, error) {
	if err := m.verify(conn, tok); err != nil {
		return nil, err
	}
	ex, err := newExchange(conn.ID(), tok.PublicKey, tok.Target)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.byInner) >= m.cfg.MaxExchanges {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d exchanges active", protocol.ErrRefused, m.cfg.MaxExchanges)
	}
	inner, err := m.allocLocked(m.byInner)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	outer, err := m.allocLocked(m.byOuter)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := ex.assign(inner, outer, m.cfg.DefaultPoints, m.cfg.Retention, m.now()); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.byInner[inner] = ex
	m.byOuter[outer] = ex
	count := len(m.byInner)
	m.mu.Unlock()

	observability.SetRelayExchanges(count)
	conn.ApplyRetention(uint64(m.cfg.Retention.Microseconds()))
	conn.OnClose(func(error) { m.remove(ex, "connection closed") })

	m.log.Info().
		Uint64("conn", conn.ID()).
		Uint32("inner", inner).
		Uint32("outer", outer).
		Uint64("points", m.cfg.DefaultPoints).
		Msg("relay.Manager.Assign exchange assigned")
	return ex, nil
}

// allocLocked picks a random id that is non-zero and unused in ids.
func (m *Manager) allocLocked(ids map[uint32]*Exchange) (uint32, error) {
	var b [4]byte
	for range 64 {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.LittleEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, taken := ids[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: relay id space exhausted", protocol.ErrRefused)
}

// Setup attaches the outer hop to an exchange conn owns.
func (m *Manager) Setup(conn *session.Connection, req *SetupRelay) error {
	ex, ok := m.Lookup(req.InnerRelayID)
	if !ok {
		return fmt.Errorf("%w: relay %d", protocol.ErrNotFound, req.InnerRelayID)
	}
	if ex.ConnID != conn.ID() {
		return fmt.Errorf("%w: relay %d belongs to another connection", protocol.ErrNotAuthenticated, req.InnerRelayID)
	}
	if req.OuterEndpoint == "" {
		return fmt.Errorf("%w: empty outer endpoint", protocol.ErrInvalidOperation)
	}
	if err := ex.setup(req.OuterEndpoint, req.OuterKeyAndNonce); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrInvalidOperation, err)
	}
	m.log.Debug().Uint32("inner", ex.InnerID).Str("outer_endpoint", req.OuterEndpoint).Msg("relay.Manager.Setup outer hop attached")
	return nil
}

// Spend charges n points to the exchange and drops it once exhausted.
func (m *Manager) Spend(inner uint32, n uint64) error {
	ex, ok := m.Lookup(inner)
	if !ok {
		return fmt.Errorf("%w: relay %d", protocol.ErrNotFound, inner)
	}
	err := ex.Spend(n)
	if ex.State() == StateTornDown {
		m.remove(ex, "exhausted")
	}
	return err
}

// Forward moves a payload from the inner hop to the outer hop.
func (m *Manager) Forward(inner uint32, sealed []byte) ([]byte, error) {
	ex, ok := m.Lookup(inner)
	if !ok {
		return nil, fmt.Errorf("%w: relay %d", protocol.ErrNotFound, inner)
	}
	out, err := ex.Forward(sealed)
	if ex.State() == StateTornDown {
		m.remove(ex, "exhausted")
	}
	return out, err
}

func (m *Manager) remove(ex *Exchange, reason string) {
	ex.tearDown(reason)
	m.mu.Lock()
	removed := false
	if m.byInner[ex.InnerID] == ex {
		delete(m.byInner, ex.InnerID)
		removed = true
	}
	if m.byOuter[ex.OuterID] == ex {
		delete(m.byOuter, ex.OuterID)
	}
	count := len(m.byInner)
	m.mu.Unlock()
	if !removed {
		return
	}
	observability.SetRelayExchanges(count)
	m.log.Info().Uint32("inner", ex.InnerID).Uint64("conn", ex.ConnID).Str("reason", reason).Msg("relay.Manager exchange torn down")
}

func (m *Manager) Lookup(inner uint32) (*Exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.byInner[inner]
	return ex, ok
}

func (m *Manager) LookupOuter(outer uint32) (*Exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.byOuter[outer]
	return ex, ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byInner)
}

// List returns snapshots ordered by inner id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.byInner))
	for _, ex := range m.byInner {
		out = append(out, ex.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InnerID < out[j].InnerID })
	return out
}

// Sweep tears down exchanges whose retention ran out by now and drops any
// already torn down. It returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired, dead []*Exchange
	for _, ex := range m.byInner {
		switch {
		case ex.expired(now):
			expired = append(expired, ex)
		case ex.State() == StateTornDown:
			dead = append(dead, ex)
		}
	}
	m.mu.Unlock()
	for _, ex := range expired {
		m.remove(ex, "retention expired")
	}
	for _, ex := range dead {
		m.remove(ex, "torn down")
	}
	return len(expired) + len(dead)
}

// Run sweeps on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.log.Debug().Int("removed", n).Int("active", m.Count()).Msg("relay.Manager.Run sweep")
			}
		}
	}
}
