// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import "sync"

// pump decouples store-side producers from subscriber-side consumers.
// Producers enqueue without blocking; a single goroutine drains the
// queue into the output channel in order. A slow consumer therefore
// delays only its own subscription, never a store write.
type pump[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []T
	closed  bool

	out  chan T
	done chan struct{}
}

func newPump[T any]() *pump[T] {
	p := &pump[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

// enqueue appends items for delivery. Items enqueued after close are
// dropped.
func (p *pump[T]) enqueue(items ...T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = append(p.pending, items...)
	p.cond.Signal()
}

// close stops the pump even when the consumer has stopped reading.
// Items not yet delivered are discarded and the output channel is
// closed.
func (p *pump[T]) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.cond.Signal()
}

func (p *pump[T]) run() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			close(p.out)
			return
		}
		item := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		select {
		case p.out <- item:
		case <-p.done:
			close(p.out)
			return
		}
	}
}
