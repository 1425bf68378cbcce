package comm

import (
	"io"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	closed *int32
}

func (f fakeConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f fakeConn) Close() error                { atomic.AddInt32(f.closed, 1); return nil }

func countingMaker() (func() (io.ReadWriteCloser, error), *int32, *int32) {
	var made, closed int32
	return func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(&made, 1)
		return fakeConn{closed: &closed}, nil
	}, &made, &closed
}

func TestPoolReusesConnections(t *testing.T) {
	maker, made, _ := countingMaker()
	p := NewPool(1, time.Minute, maker)
	for i := 0; i < 5; i++ {
		c, err := p.Get()
		if err != nil {
			t.Fatal(err)
		}
		p.Put(c)
	}
	if *made != 1 {
		t.Errorf("made %d connections, want 1", *made)
	}
	if p.Size() != 1 {
		t.Errorf("size = %d, want 1", p.Size())
	}
}

func TestPoolDestroyMakesFresh(t *testing.T) {
	maker, made, closed := countingMaker()
	p := NewPool(1, time.Minute, maker)
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Destroy(c)
	if *closed != 1 {
		t.Errorf("closed %d connections, want 1", *closed)
	}
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
	if *made != 2 {
		t.Errorf("made %d connections, want 2", *made)
	}
	if p.Active() != 1 {
		t.Errorf("active = %d, want 1", p.Active())
	}
}

func TestPoolReclaimsIdle(t *testing.T) {
	maker, _, closed := countingMaker()
	p := NewPool(1, 10*time.Millisecond, maker)
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(closed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle connection never reclaimed")
		}
		time.Sleep(time.Millisecond)
	}
	if p.Size() != 0 {
		t.Errorf("size = %d after reclaim, want 0", p.Size())
	}
}
