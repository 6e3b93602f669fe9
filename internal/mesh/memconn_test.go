package mesh

import (
	"net"
	"sync"
	"time"
)

// memConn is an in-memory net.PacketConn for pipeline tests: datagrams are
// injected on a channel, transmissions are captured for inspection.
type memConn struct {
	in     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
	sent     [][]byte
}

type memAddr string

func (memAddr) Network() string  { return "mem" }
func (a memAddr) String() string { return string(a) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newMemConn() *memConn {
	return &memConn{
		in:     make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// listen adapts the conn to the listener's socket factory.
func (c *memConn) listen(group string, port int, iface string) (net.PacketConn, *net.UDPAddr, error) {
	return c, &net.UDPAddr{IP: net.ParseIP(group), Port: port}, nil
}

// inject queues a datagram for the receive loop.
func (c *memConn) inject(p []byte) {
	c.in <- append([]byte(nil), p...)
}

// failRead makes the pending (or next) read return err.
func (c *memConn) failRead(err error) {
	c.fail <- err
}

// transmitted returns a snapshot of everything written so far.
func (c *memConn) transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case err := <-c.fail:
		return 0, nil, err
	case <-timer:
		return 0, nil, timeoutError{}
	case p, ok := <-c.in:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(b, p)
		return n, memAddr("peer"), nil
	}
}

func (c *memConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	c.mu.Unlock()
	return len(b), nil
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return memAddr("local") }

func (c *memConn) SetDeadline(t time.Time) error      { return c.SetReadDeadline(t) }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}
