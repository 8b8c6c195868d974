// Package endpoint is the transport boundary of the engine. UDPEndpoint
// is the production implementation; Loopback pairs endpoints in-process
// for the multi-instance test harness, never opening a real socket.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Endpoint is the transport surface the engine depends on. Recv blocks
// until a datagram arrives, ctx is canceled, or the endpoint is closed.
type Endpoint interface {
	Open(ctx context.Context) error
	Close() error
	Send(addr *net.UDPAddr, b []byte) error
	Recv(ctx context.Context) (b []byte, from *net.UDPAddr, err error)
	LocalAddr() *net.UDPAddr
	BytesSent() uint64
	BytesReceived() uint64
}

// MaxDatagramSize bounds a single read buffer; UDP over Ethernet never
// carries a meaningfully larger unfragmented payload in practice.
const MaxDatagramSize = 1 << 16

// UDPEndpoint is the production transport: a bound *net.UDPConn, with
// would-block retry/backoff on Send and atomic byte counters.
type UDPEndpoint struct {
	conn *net.UDPConn
	addr *net.UDPAddr

	bytesSent uint64
	bytesRecv uint64

	// MaxBackoff caps the would-block retry delay; MaxRetries bounds
	// attempts before the send is abandoned.
	MaxBackoff time.Duration
	MaxRetries int
}

// NewUDPEndpoint constructs an endpoint bound to addr once Open is called.
func NewUDPEndpoint(addr *net.UDPAddr) *UDPEndpoint {
	return &UDPEndpoint{addr: addr, MaxBackoff: 200 * time.Millisecond, MaxRetries: 8}
}

func (e *UDPEndpoint) Open(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", e.addr)
	if err != nil {
		return fmt.Errorf("endpoint: listen: %w", err)
	}
	e.conn = conn
	e.addr = conn.LocalAddr().(*net.UDPAddr)
	return nil
}

func (e *UDPEndpoint) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func (e *UDPEndpoint) LocalAddr() *net.UDPAddr { return e.addr }

func (e *UDPEndpoint) BytesSent() uint64     { return atomic.LoadUint64(&e.bytesSent) }
func (e *UDPEndpoint) BytesReceived() uint64 { return atomic.LoadUint64(&e.bytesRecv) }

// Send writes b to addr, retrying on a would-block error with exponential
// backoff up to MaxRetries before giving up.
func (e *UDPEndpoint) Send(addr *net.UDPAddr, b []byte) error {
	backoff := time.Millisecond
	for attempt := 0; ; attempt++ {
		n, err := e.conn.WriteToUDP(b, addr)
		if err == nil {
			atomic.AddUint64(&e.bytesSent, uint64(n))
			return nil
		}
		if !isWouldBlock(err) || attempt >= e.MaxRetries {
			return fmt.Errorf("endpoint: send to %s: %w", addr, err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > e.MaxBackoff {
			backoff = e.MaxBackoff
		}
	}
}

// Recv blocks for the next datagram, honoring ctx cancellation through
// the conn's read deadline loop.
func (e *UDPEndpoint) Recv(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, nil, fmt.Errorf("endpoint: recv: %w", err)
		}
		atomic.AddUint64(&e.bytesRecv, uint64(n))
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, from, nil
	}
}
