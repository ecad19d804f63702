package realtime

import (
	"context"
	"sync"
)

// Lanes serializes work per key. Work for one key runs one at a time in arrival order;
// different keys run in parallel. Idle lanes are released.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

// NewLanes constructs an empty lane set.
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Do runs fn inside key's lane. If ctx is done before the lane is acquired, fn is not run and
// ctx.Err() is returned, even when the lane is free.
func (l *Lanes) Do(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ln := l.acquireRef(key)
	defer l.releaseRef(key, ln)

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ln.sem }()

	return fn()
}

func (l *Lanes) acquireRef(key string) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.lanes[key]
	if ln == nil {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.refs++
	return ln
}

func (l *Lanes) releaseRef(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
}

// Len reports the number of live lanes.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
