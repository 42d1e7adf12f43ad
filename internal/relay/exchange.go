package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/token"
)

var (
	ErrExhausted   = errors.New("relay: relay points exhausted")
	ErrTornDown    = errors.New("relay: exchange torn down")
	ErrNotAssigned = errors.New("relay: exchange not assigned")
	ErrNoOuterHop  = errors.New("relay: outer hop not set up")
)

type State int

const (
	StateUnassigned State = iota
	StateAssigned
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateAssigned:
		return "assigned"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Exchange is one relay hop assignment. It only moves forward:
// Unassigned, Assigned, TornDown.
type Exchange struct {
	InnerID uint32
	OuterID uint32
	ConnID  uint64
	// Authority signed the certificate the exchange was assigned under.
	Authority            token.PublicKey
	AllowOpenSesami      bool
	AllowUnknownIncoming bool
	Retention            time.Duration

	mu            sync.Mutex
	state         State
	points        uint64
	expires       time.Time
	reason        string
	inner         *Hop
	outer         *Hop
	outerEndpoint string
}

func newExchange(connID uint64, authority token.PublicKey, block *AssignRelayBlock) (*Exchange, error) {
	inner, err := NewHop(block.KeyAndNonce, true)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		ConnID:               connID,
		Authority:            authority,
		AllowOpenSesami:      block.AllowOpenSesami,
		AllowUnknownIncoming: block.AllowUnknownIncoming,
		inner:                inner,
	}, nil
}

// assign moves Unassigned to Assigned with ids, a point budget, and an
// expiry.
func (e *Exchange) assign(inner, outer uint32, points uint64, retention time.Duration, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateUnassigned {
		return fmt.Errorf("relay: assign from %s", e.state)
	}
	e.InnerID, e.OuterID = inner, outer
	e.Retention = retention
	e.points = points
	e.expires = now.Add(retention)
	e.state = StateAssigned
	return nil
}

// tearDown reports whether this call moved the exchange to TornDown.
func (e *Exchange) tearDown(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTornDown {
		return false
	}
	e.state = StateTornDown
	e.reason = reason
	return true
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Exchange) Points() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.points
}

// Spend takes n points from the budget. Spending the last point, or more
// than remain, tears the exchange down.
func (e *Exchange) Spend(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAssigned {
		return fmt.Errorf("%w: %s", ErrNotAssigned, e.state)
	}
	if n > e.points {
		e.points = 0
		e.state, e.reason = StateTornDown, "exhausted"
		return ErrExhausted
	}
	e.points -= n
	if e.points == 0 {
		e.state, e.reason = StateTornDown, "exhausted"
	}
	return nil
}

func (e *Exchange) expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateAssigned && !now.Before(e.expires)
}

// setup attaches the outer hop. It may be repeated to re-key.
func (e *Exchange) setup(endpoint string, keyAndNonce [KeyAndNonceSize]byte) error {
	outer, err := NewHop(keyAndNonce, true)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAssigned {
		return fmt.Errorf("%w: %s", ErrNotAssigned, e.state)
	}
	e.outer, e.outerEndpoint = outer, endpoint
	return nil
}

// Forward unwraps a payload sealed for the inner hop, charges its length
// against the budget, and seals it for the outer hop.
func (e *Exchange) Forward(sealed []byte) ([]byte, error) {
	e.mu.Lock()
	inner, outer := e.inner, e.outer
	e.mu.Unlock()
	if outer == nil {
		return nil, ErrNoOuterHop
	}
	plain, err := inner.Open(sealed)
	if err != nil {
		return nil, err
	}
	if err := e.Spend(uint64(len(plain))); err != nil {
		return nil, err
	}
	return outer.Seal(plain), nil
}

// Backward is Forward for traffic arriving from the outer hop.
func (e *Exchange) Backward(sealed []byte) ([]byte, error) {
	e.mu.Lock()
	inner, outer := e.inner, e.outer
	e.mu.Unlock()
	if outer == nil {
		return nil, ErrNoOuterHop
	}
	plain, err := outer.Open(sealed)
	if err != nil {
		return nil, err
	}
	if err := e.Spend(uint64(len(plain))); err != nil {
		return nil, err
	}
	return inner.Seal(plain), nil
}

// Snapshot is a point-in-time view for admin surfaces.
type Snapshot struct {
	InnerID       uint32    `json:"inner_id"`
	OuterID       uint32    `json:"outer_id"`
	ConnID        uint64    `json:"conn_id"`
	State         State     `json:"state"`
	Points        uint64    `json:"points"`
	ExpiresAt     time.Time `json:"expires_at"`
	OuterEndpoint string    `json:"outer_endpoint,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

func (e *Exchange) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		InnerID:       e.InnerID,
		OuterID:       e.OuterID,
		ConnID:        e.ConnID,
		State:         e.state,
		Points:        e.points,
		ExpiresAt:     e.expires,
		OuterEndpoint: e.outerEndpoint,
		Reason:        e.reason,
	}
}
