// Package pipeline implements the ordered, bidirectional chain of protocol
// handlers. Inbound messages run head to tail, outbound messages tail to head.
package pipeline

import (
	"errors"
	"sync"
)

var (
	// ErrSealed is returned when the chain is modified after Seal.
	ErrSealed = errors.New("pipeline: handlers are fixed once a session has opened")
	// ErrHandlerNotFound is returned when the reference handler is not registered.
	ErrHandlerNotFound = errors.New("pipeline: handler not found")
)

// Handler is one protocol layer.
//
// Read and Write return the message passed to the next handler; returning
// nil stops propagation. Open, Close and Error return whether the event
// should continue down the chain.
//
// Handlers are shared by every session using the pipeline; per-session state
// belongs in the Context's session items.
type Handler interface {
	Read(ctx *Context, msg any) any
	Write(ctx *Context, msg any) any
	Open(ctx *Context) bool
	Close(ctx *Context, reason string) bool
	Error(ctx *Context, err error) bool
}

// Base passes everything through. Embed it and override what you need.
type Base struct{}

func (Base) Read(_ *Context, msg any) any     { return msg }
func (Base) Write(_ *Context, msg any) any    { return msg }
func (Base) Open(_ *Context) bool             { return true }
func (Base) Close(_ *Context, _ string) bool { return true }
func (Base) Error(_ *Context, _ error) bool   { return true }

// Pipeline owns an ordered collection of handlers. Handlers are compared by
// identity, so register pointers.
type Pipeline struct {
	mu       sync.RWMutex
	handlers []Handler
	sealed   bool
}

// New creates a pipeline with handlers in decode order.
func New(handlers ...Handler) *Pipeline {
	p := &Pipeline{}
	p.handlers = append(p.handlers, handlers...)
	return p
}

// AddFirst makes h the new head.
func (p *Pipeline) AddFirst(h Handler) error {
	return p.insert(0, h)
}

// AddLast makes h the new tail.
func (p *Pipeline) AddLast(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	p.handlers = append(p.handlers, h)
	return nil
}

// AddBefore inserts h in front of mark.
func (p *Pipeline) AddBefore(mark, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	idx := p.indexLocked(mark)
	if idx < 0 {
		return ErrHandlerNotFound
	}
	p.insertLocked(idx, h)
	return nil
}

// AddAfter inserts h behind mark.
func (p *Pipeline) AddAfter(mark, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	idx := p.indexLocked(mark)
	if idx < 0 {
		return ErrHandlerNotFound
	}
	p.insertLocked(idx+1, h)
	return nil
}

// Remove unregisters h.
func (p *Pipeline) Remove(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	idx := p.indexLocked(h)
	if idx < 0 {
		return ErrHandlerNotFound
	}
	p.handlers = append(p.handlers[:idx], p.handlers[idx+1:]...)
	return nil
}

// Seal fixes the handler order. Sessions call it when they open.
func (p *Pipeline) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

// Handlers returns a copy of the chain in decode order.
func (p *Pipeline) Handlers() []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Handler(nil), p.handlers...)
}

// Len is the number of handlers.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers)
}

// Read decodes msg head to tail. It returns nil when a handler swallowed it.
func (p *Pipeline) Read(ctx *Context, msg any) any {
	for _, h := range p.snapshot() {
		msg = h.Read(ctx, msg)
		if msg == nil {
			return nil
		}
	}
	return msg
}

// Write encodes msg tail to head. It returns nil when a handler swallowed it.
func (p *Pipeline) Write(ctx *Context, msg any) any {
	hs := p.snapshot()
	for i := len(hs) - 1; i >= 0; i-- {
		msg = hs[i].Write(ctx, msg)
		if msg == nil {
			return nil
		}
	}
	return msg
}

// Open broadcasts the open event from the head.
func (p *Pipeline) Open(ctx *Context) {
	for _, h := range p.snapshot() {
		if !h.Open(ctx) {
			return
		}
	}
}

// Close broadcasts the close event from the head.
func (p *Pipeline) Close(ctx *Context, reason string) {
	for _, h := range p.snapshot() {
		if !h.Close(ctx, reason) {
			return
		}
	}
}

// Error broadcasts err from the head.
func (p *Pipeline) Error(ctx *Context, err error) {
	for _, h := range p.snapshot() {
		if !h.Error(ctx, err) {
			return
		}
	}
}

func (p *Pipeline) snapshot() []Handler {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sealed {
		// Sealed chains are never mutated again, so the slice can be shared.
		return p.handlers
	}
	return append([]Handler(nil), p.handlers...)
}

func (p *Pipeline) insert(idx int, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	p.insertLocked(idx, h)
	return nil
}

func (p *Pipeline) insertLocked(idx int, h Handler) {
	p.handlers = append(p.handlers, nil)
	copy(p.handlers[idx+1:], p.handlers[idx:])
	p.handlers[idx] = h
}

func (p *Pipeline) indexLocked(h Handler) int {
	for i, cur := range p.handlers {
		if cur == h {
			return i
		}
	}
	return -1
}
