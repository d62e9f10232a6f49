package chromedpengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
)

// browserPool hands out tab leases on a single live browser instance and
// swaps the instance for a fresh process once it has served retireAfter
// pages. A retired browser keeps running until its last open tab closes, so
// in-flight pages are never interrupted by the swap.
type browserPool struct {
	allocator   context.Context
	maxOpen     int
	retireAfter int

	mu      sync.Mutex
	current *browserInstance
	closed  bool
}

type browserInstance struct {
	ctx     context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	served  int
	open    int
	retired bool
}

func newBrowserPool(allocator context.Context, maxOpen, retireAfter int) *browserPool {
	if maxOpen < 1 {
		maxOpen = 1
	}
	if retireAfter < 1 {
		retireAfter = 1
	}
	return &browserPool{allocator: allocator, maxOpen: maxOpen, retireAfter: retireAfter}
}

// lease blocks until a tab slot is free and returns the browser context to
// open the tab against, plus a release func the caller must invoke once the
// tab is closed.
func (p *browserPool) lease(ctx context.Context) (context.Context, func(), error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("browser pool is closed")
		}
		inst := p.instanceLocked()
		inst.served++
		p.mu.Unlock()

		select {
		case inst.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		p.mu.Lock()
		if inst.ctx.Err() != nil {
			// The instance died between pick and slot acquire, typically a
			// retire that raced a closing tab. Try again on the replacement.
			<-inst.slots
			p.mu.Unlock()
			continue
		}
		inst.open++
		p.mu.Unlock()
		return inst.ctx, func() { p.release(inst) }, nil
	}
}

// instanceLocked returns the live instance, replacing it first when it has
// served its quota. Callers hold p.mu.
func (p *browserPool) instanceLocked() *browserInstance {
	cur := p.current
	if cur != nil && cur.served < p.retireAfter {
		return cur
	}
	if cur != nil {
		cur.retired = true
		if cur.open == 0 {
			cur.cancel()
		}
	}
	ctx, cancel := chromedp.NewContext(p.allocator)
	inst := &browserInstance{
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, p.maxOpen),
	}
	p.current = inst
	return inst
}

func (p *browserPool) release(inst *browserInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst.open--
	<-inst.slots
	if inst.retired && inst.open == 0 {
		inst.cancel()
	}
}

// Close shuts the pool down. The engine calls it after every worker has
// returned, so no tabs are open by the time the live instance is canceled.
func (p *browserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.current != nil {
		p.current.retired = true
		p.current.cancel()
		p.current = nil
	}
}
