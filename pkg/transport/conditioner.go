package transport

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// LinkCondition describes a simulated impairment applied to inbound
// datagrams. Test-only: production links supply their own misery.
type LinkCondition struct {
	Latency time.Duration
	Jitter  time.Duration
	// LossRate is the probability in [0,1] that a datagram is dropped.
	LossRate float64
}

// conditionedConn wraps a DatagramConn, delaying and dropping inbound
// datagrams per the configured condition. Outbound traffic is untouched.
type conditionedConn struct {
	inner DatagramConn
	cond  LinkCondition

	inbox chan pipeDatagram
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	rng *rand.Rand
}

// Condition wraps conn with a simulated link. seed makes test runs
// reproducible.
func Condition(conn DatagramConn, cond LinkCondition, seed int64) DatagramConn {
	c := &conditionedConn{
		inner: conn,
		cond:  cond,
		inbox: make(chan pipeDatagram, 256),
		done:  make(chan struct{}),
		rng:   rand.New(rand.NewSource(seed)),
	}
	go c.readLoop()
	return c
}

func (c *conditionedConn) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := c.inner.ReadFrom(buf)
		if err != nil {
			c.Close()
			return
		}

		c.mu.Lock()
		drop := c.rng.Float64() < c.cond.LossRate
		var delay time.Duration
		if !drop && c.cond.Latency > 0 {
			delay = c.cond.Latency
			if c.cond.Jitter > 0 {
				delay += time.Duration(c.rng.Int63n(int64(2*c.cond.Jitter))) - c.cond.Jitter
			}
			if delay < 0 {
				delay = 0
			}
		}
		c.mu.Unlock()

		if drop {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		dgram := pipeDatagram{data: data, from: addr}

		if delay == 0 {
			c.deliver(dgram)
			continue
		}
		time.AfterFunc(delay, func() { c.deliver(dgram) })
	}
}

func (c *conditionedConn) deliver(dgram pipeDatagram) {
	select {
	case c.inbox <- dgram:
	case <-c.done:
	default:
	}
}

func (c *conditionedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dgram := <-c.inbox:
		n := copy(p, dgram.data)
		return n, dgram.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *conditionedConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.inner.WriteTo(p, addr)
}

func (c *conditionedConn) LocalAddr() net.Addr {
	return c.inner.LocalAddr()
}

func (c *conditionedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.inner.Close()
}
