package dispatch

import (
	"context"
	"sync"
)

// gate holds back row processing while an exclusive operation runs.
// The current channel is closed while the gate is open.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch}
}

func (g *gate) current() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate is open.
func (g *gate) Wait(ctx context.Context) error {
	select {
	case <-g.current():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open reports whether the gate is currently open.
func (g *gate) Open() bool {
	select {
	case <-g.current():
		return true
	default:
		return false
	}
}

// Acquire closes the gate, waiting for any other holder to release it first.
// The returned function reopens it.
func (g *gate) Acquire(ctx context.Context) (func(), error) {
	for {
		g.mu.Lock()
		ch := g.ch
		select {
		case <-ch:
			held := make(chan struct{})
			g.ch = held
			g.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { close(held) }) }, nil
		default:
		}
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
