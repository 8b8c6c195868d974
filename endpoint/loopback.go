package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

type loopbackDatagram struct {
	from *net.UDPAddr
	data []byte
}

// LoopbackNetwork is a shared registry of Loopback endpoints keyed by
// address, so one test can wire up several overlay instances that can
// reach each other without a real network. Endpoints created from the
// same network can Send to one another by address; an unknown address is
// a silent no-op, matching UDP's fire-and-forget delivery semantics.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	peers map[string]*Loopback
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{peers: make(map[string]*Loopback)}
}

// NewEndpoint registers and returns a new Loopback bound to addr within
// this network.
func (n *LoopbackNetwork) NewEndpoint(addr *net.UDPAddr) *Loopback {
	l := &Loopback{
		addr:    addr,
		network: n,
		inbox:   make(chan loopbackDatagram, 256),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[addr.String()] = l
	n.mu.Unlock()
	return l
}

func (n *LoopbackNetwork) lookup(addr *net.UDPAddr) (*Loopback, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.peers[addr.String()]
	return l, ok
}

// Loopback is an in-process Endpoint: Send delivers directly into the
// destination peer's inbox channel, never touching a real socket. It
// exists so the multi-instance test harness can exercise the full engine
// pipeline deterministically, without port binding or OS scheduling noise.
type Loopback struct {
	addr    *net.UDPAddr
	network *LoopbackNetwork
	inbox   chan loopbackDatagram

	bytesSent uint64
	bytesRecv uint64

	closed chan struct{}
	once   sync.Once
}

func (l *Loopback) Open(ctx context.Context) error { return nil }

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *Loopback) LocalAddr() *net.UDPAddr { return l.addr }

func (l *Loopback) BytesSent() uint64     { return atomic.LoadUint64(&l.bytesSent) }
func (l *Loopback) BytesReceived() uint64 { return atomic.LoadUint64(&l.bytesRecv) }

// Send enqueues b on the destination Loopback's inbox. An unknown address
// (no endpoint registered at addr in this network) is silently dropped,
// matching how a real UDP send to an address with nothing listening
// simply vanishes.
func (l *Loopback) Send(addr *net.UDPAddr, b []byte) error {
	dst, ok := l.network.lookup(addr)
	if !ok {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case dst.inbox <- loopbackDatagram{from: l.addr, data: cp}:
		atomic.AddUint64(&l.bytesSent, uint64(len(b)))
		return nil
	case <-dst.closed:
		return fmt.Errorf("endpoint: loopback: destination %s closed", addr)
	default:
		return fmt.Errorf("endpoint: loopback: destination %s inbox full", addr)
	}
}

func (l *Loopback) Recv(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-l.closed:
		return nil, nil, fmt.Errorf("endpoint: loopback closed")
	case dg := <-l.inbox:
		atomic.AddUint64(&l.bytesRecv, uint64(len(dg.data)))
		return dg.data, dg.from, nil
	}
}
