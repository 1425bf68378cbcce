package comm

import (
	"io"
	"sync"
	"time"
)

// Pool holds one or more connections to a device, closing them when idle
// past a timeout and re-opening them on demand.  It is concurrent safe.
// Pools must be created with NewPool.
type Pool struct {
	maxSize int
	onLease int
	timeout time.Duration
	conns   chan io.ReadWriteCloser
	timer   *time.Timer
	maker   CreationFunc

	mu sync.Mutex
}

// NewPool creates a Pool of up to maxSize connections made by maker.  Once
// every connection has been returned and timeout elapses, the connections
// are closed and freed.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	// nothing to reclaim yet
	p.timer.Stop()
	return p
}

// Get checks a connection out of the pool, blocking if all are in use.
// The caller has exclusive use of it until it is returned with Put or
// discarded with Destroy.  A non-nil error means nothing was checked out;
// do not Put in that case.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	if p.onLease == p.maxSize {
		// all given out; wait for one to come back
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put returns a connection to the pool for reuse.  Junk connections (ones
// that always error) should be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	idle := p.onLease == 0
	p.mu.Unlock()
	if idle {
		p.timer.Reset(p.timeout)
		go p.reclaimAfterIdle()
	}
}

// Destroy closes a connection checked out with Get instead of returning
// it.  The pool will make a fresh one when next needed.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// Size returns the number of connections owned by the pool, idle or
// checked out.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently checked out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

func (p *Pool) reclaimAfterIdle() {
	<-p.timer.C
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		// woke up stale; something was checked out again
		return
	}
	for len(p.conns) > 0 {
		c := <-p.conns
		c.Close()
	}
}
