package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryAddr addresses a MemoryConn on its Network.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "memory" }
func (a MemoryAddr) String() string  { return string(a) }

// Impairment degrades delivery on a Network for tests.
type Impairment struct {
	// Drop decides per datagram whether it is lost. seq counts datagrams
	// written on the network.
	Drop func(seq uint64, from, to net.Addr, b []byte) bool
	// MaxDelay delivers each datagram after a random delay up to MaxDelay,
	// which reorders traffic.
	MaxDelay time.Duration
	Seed     int64
}

// Network is an in-process switch joining MemoryConns by name.
type Network struct {
	mu     sync.RWMutex
	conns  map[string]*MemoryConn
	nextID int
	imp    Impairment
	rng    *rand.Rand
	rngMu  sync.Mutex
	seq    atomic.Uint64
	max    int
}

// NewNetwork returns a network whose conns accept datagrams up to maxPacketLength.
func NewNetwork(maxPacketLength int) *Network {
	return &Network{conns: make(map[string]*MemoryConn), max: maxPacketLength, rng: rand.New(rand.NewSource(1))}
}

// Impair replaces the network's impairment.
func (n *Network) Impair(imp Impairment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.imp = imp
	n.rngMu.Lock()
	n.rng = rand.New(rand.NewSource(imp.Seed))
	n.rngMu.Unlock()
}

// Listen attaches a conn; an empty name picks a unique one.
func (n *Network) Listen(name string) (*MemoryConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == "" {
		n.nextID++
		name = fmt.Sprintf("mem-%d", n.nextID)
	}
	if _, ok := n.conns[name]; ok {
		return nil, fmt.Errorf("transport: memory address %q in use", name)
	}
	c := &MemoryConn{
		net:   n,
		addr:  MemoryAddr(name),
		inbox: make(chan datagram, 4096),
		done:  make(chan struct{}),
	}
	n.conns[name] = c
	return c, nil
}

func (n *Network) Resolve(addr string) (net.Addr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if _, ok := n.conns[addr]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRemote, addr)
	}
	return MemoryAddr(addr), nil
}

func (n *Network) delay() time.Duration {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	if n.imp.MaxDelay <= 0 {
		return 0
	}
	return time.Duration(n.rng.Int63n(int64(n.imp.MaxDelay)))
}

type datagram struct {
	b    []byte
	from net.Addr
}

// MemoryConn is one endpoint on a Network.
type MemoryConn struct {
	net   *Network
	addr  MemoryAddr
	inbox chan datagram
	once  sync.Once
	done  chan struct{}
}

func (c *MemoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(p, d.b), d.from, nil
	case <-c.done:
		return 0, nil, ErrClosed
	}
}

func (c *MemoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}
	if len(p) > c.net.max {
		return 0, ErrTooLarge
	}
	c.net.mu.RLock()
	dst, ok := c.net.conns[addr.String()]
	imp := c.net.imp
	c.net.mu.RUnlock()
	if !ok {
		// unreachable destinations swallow datagrams like a real network
		return len(p), nil
	}
	seq := c.net.seq.Add(1)
	if imp.Drop != nil && imp.Drop(seq, c.addr, addr, p) {
		return len(p), nil
	}
	d := datagram{b: append([]byte(nil), p...), from: c.addr}
	if wait := c.net.delay(); wait > 0 {
		time.AfterFunc(wait, func() { dst.deliver(d) })
	} else {
		dst.deliver(d)
	}
	return len(p), nil
}

func (c *MemoryConn) deliver(d datagram) {
	select {
	case <-c.done:
	case c.inbox <- d:
	default:
		// inbox overflow drops, as a full socket buffer would
	}
}

func (c *MemoryConn) LocalAddr() net.Addr {
	return c.addr
}

func (c *MemoryConn) Resolve(addr string) (net.Addr, error) {
	return c.net.Resolve(addr)
}

func (c *MemoryConn) MaxPacketLength() int {
	return c.net.max
}

func (c *MemoryConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		delete(c.net.conns, string(c.addr))
		c.net.mu.Unlock()
	})
	return nil
}
