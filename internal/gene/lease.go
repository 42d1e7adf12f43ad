package gene

import (
	"errors"
	"sync/atomic"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog/log"
)

var ErrDoubleRelease = errors.New("gene: lease released twice")

// Pool rents reassembly buffers and counts rentals so leaks and double
// returns are observable.
type Pool struct {
	buffers  *pool.BufferPool
	rented   atomic.Int64
	released atomic.Int64
}

func NewPool() *Pool {
	return &Pool{buffers: new(pool.BufferPool)}
}

// Rent returns a lease over a buffer of exactly n bytes.
func (p *Pool) Rent(n int) *Lease {
	p.rented.Add(1)
	return &Lease{pool: p, buf: p.buffers.Get(n)}
}

// Outstanding is the number of leases not yet released.
func (p *Pool) Outstanding() int64 {
	return p.rented.Load() - p.released.Load()
}

func (p *Pool) Released() int64 {
	return p.released.Load()
}

// Lease is a rented buffer. It must be released exactly once.
type Lease struct {
	pool     *Pool
	buf      []byte
	released atomic.Bool
}

// NewLease wraps a caller-owned buffer that is not returned to any pool.
func NewLease(b []byte) *Lease {
	return &Lease{buf: b}
}

// Bytes is valid until Release.
func (l *Lease) Bytes() []byte {
	return l.buf
}

func (l *Lease) Len() int {
	return len(l.buf)
}

// Truncate shortens the visible buffer.
func (l *Lease) Truncate(n int) {
	if n < len(l.buf) {
		l.buf = l.buf[:n]
	}
}

// TryRelease returns the buffer, or ErrDoubleRelease if already returned.
func (l *Lease) TryRelease() error {
	if l == nil {
		return nil
	}
	if !l.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	buf := l.buf
	l.buf = nil
	if l.pool != nil {
		l.pool.released.Add(1)
		l.pool.buffers.Put(buf)
	}
	return nil
}

// Release returns the buffer; repeated calls are ignored and logged.
func (l *Lease) Release() {
	if err := l.TryRelease(); err != nil {
		log.Warn().Err(err).Msg("gene.Lease double release")
	}
}
