package session

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/protocol/frame"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// KnockResult is what a knock learned about a remote endpoint.
type KnockResult struct {
	RTT            time.Duration
	MaxFrameLength int
}

// PendingKnock tracks one knock awaiting its response.
type PendingKnock struct {
	Nonce         uint32
	Remote        string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time

	reply chan frame.KnockResponseFrame
}

// knockTable stores pending knocks by nonce.
type knockTable struct {
	mu    sync.RWMutex
	items map[uint32]PendingKnock
}

func newKnockTable() *knockTable {
	return &knockTable{items: make(map[uint32]PendingKnock)}
}

// Upsert reports false when nonce is already pending under another knock.
func (t *knockTable) Upsert(item PendingKnock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[item.Nonce]; ok && cur.reply != item.reply {
		return false
	}
	t.items[item.Nonce] = item
	return true
}

func (t *knockTable) MarkAttempt(nonce uint32, at time.Time) (PendingKnock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[nonce]
	if !ok {
		return PendingKnock{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	t.items[nonce] = item
	return item, true
}

func (t *knockTable) Remove(nonce uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, nonce)
}

func (t *knockTable) Get(nonce uint32) (PendingKnock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[nonce]
	return item, ok
}

func (t *knockTable) List() []PendingKnock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingKnock, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// Knock probes addr without creating a connection. Unanswered knocks are
// resent on the endpoint's backoff schedule.
func (e *Endpoint) Knock(ctx context.Context, addr net.Addr) (KnockResult, error) {
	reply := make(chan frame.KnockResponseFrame, 1)
	item := PendingKnock{Remote: addr.String(), QueuedAt: time.Now(), reply: reply}
	e.rngMu.Lock()
	for {
		item.Nonce = e.rng.Uint32()
		if e.knocks.Upsert(item) {
			break
		}
	}
	e.rngMu.Unlock()
	defer e.knocks.Remove(item.Nonce)

	for attempt := 1; attempt <= e.cfg.KnockAttempts; attempt++ {
		sent := time.Now()
		e.knocks.MarkAttempt(item.Nonce, sent)
		b := e.packet(0, frame.KnockFrameSize)
		e.write(addr, frame.AppendKnock(b, frame.KnockFrame{Nonce: item.Nonce}))

		e.rngMu.Lock()
		delay := e.cfg.Backoff.KnockWait(attempt, e.rng)
		e.rngMu.Unlock()
		timer := time.NewTimer(delay)
		select {
		case r := <-reply:
			timer.Stop()
			return KnockResult{RTT: time.Since(sent), MaxFrameLength: int(r.MaxFrameLength)}, nil
		case <-timer.C:
			e.log.Debug().Str("remote", item.Remote).Int("attempt", attempt).Msg("session.Endpoint knock unanswered")
		case <-ctx.Done():
			timer.Stop()
			return KnockResult{}, contextError(ctx)
		case <-e.closing:
			timer.Stop()
			return KnockResult{}, ErrEndpointClosed
		}
	}
	return KnockResult{}, ErrKnockTimeout
}

// PendingKnocks lists knocks still waiting for an answer.
func (e *Endpoint) PendingKnocks() []PendingKnock {
	return e.knocks.List()
}

func (e *Endpoint) onKnock(addr net.Addr, rest []byte) {
	f, err := frame.DecodeKnock(rest)
	if err != nil {
		e.drop("malformed", err)
		return
	}
	if !e.knockLimiter(addr).Allow() {
		e.drop("knock_rate", nil)
		return
	}
	b := e.packet(0, frame.KnockResponseFrameSize)
	e.write(addr, frame.AppendKnockResponse(b, frame.KnockResponseFrame{
		Nonce:          f.Nonce,
		MaxFrameLength: uint32(e.cfg.MaxFrameLength()),
	}))
}

func (e *Endpoint) onKnockResponse(addr net.Addr, rest []byte) {
	f, err := frame.DecodeKnockResponse(rest)
	if err != nil {
		e.drop("malformed", err)
		return
	}
	item, ok := e.knocks.Get(f.Nonce)
	if !ok || item.Remote != addr.String() {
		e.drop("unknown_knock", nil)
		return
	}
	select {
	case item.reply <- f:
	default:
	}
}

// knockLimiter returns the per-address limiter answering knocks. Limiters for
// addresses not seen recently are evicted.
func (e *Endpoint) knockLimiter(addr net.Addr) *rate.Limiter {
	key := addr.String()
	if v, ok := e.knockLimits.Get(key); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(e.cfg.KnockRate), e.cfg.KnockBurst)
	e.knockLimits.Add(key, l)
	return l
}

func newKnockLimits(size int) *lru.Cache {
	c, _ := lru.New(size)
	return c
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
