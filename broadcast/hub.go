package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by a closed hub endpoint.
var ErrTransportClosed = errors.New("bastion: broadcast transport closed")

// Hub is an in-memory medium shared by several endpoints, one per
// Broadcaster. A write on one endpoint is delivered synchronously to the
// observers of every endpoint, including the writer's own. The hub keeps the
// last value written under each key until it is cleared.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*HubEndpoint]struct{}
	values    map[string][]byte
	writes    int
	clears    int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[*HubEndpoint]struct{}),
		values:    make(map[string][]byte),
	}
}

// Endpoint attaches a new transport to the hub.
func (h *Hub) Endpoint() *HubEndpoint {
	ep := &HubEndpoint{hub: h, observers: make(map[string][]hubObserver)}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

// Value returns the retained value under key.
func (h *Hub) Value(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[key]
	return v, ok
}

// Counts returns the number of writes and clears seen by the hub.
func (h *Hub) Counts() (writes, clears int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes, h.clears
}

func (h *Hub) write(key string, payload []byte) {
	h.mu.Lock()
	h.values[key] = append([]byte(nil), payload...)
	h.writes++
	var fns []func([]byte)
	for ep := range h.endpoints {
		fns = append(fns, ep.observersFor(key)...)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

func (h *Hub) clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.values, key)
	h.clears++
}

func (h *Hub) detach(ep *HubEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, ep)
}

// HubEndpoint is a Transport backed by a Hub.
type HubEndpoint struct {
	hub *Hub

	mu        sync.Mutex
	observers map[string][]hubObserver
	nextID    uint64
	closed    bool
}

type hubObserver struct {
	id uint64
	fn func([]byte)
}

var _ Transport = (*HubEndpoint)(nil)

func (e *HubEndpoint) Write(_ context.Context, key string, payload []byte) error {
	if e.isClosed() {
		return ErrTransportClosed
	}
	e.hub.write(key, payload)
	return nil
}

func (e *HubEndpoint) Clear(_ context.Context, key string) error {
	if e.isClosed() {
		return ErrTransportClosed
	}
	e.hub.clear(key)
	return nil
}

func (e *HubEndpoint) Observe(ctx context.Context, key string, fn func(payload []byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	e.nextID++
	oid := e.nextID
	e.observers[key] = append(e.observers[key], hubObserver{id: oid, fn: fn})
	go func() {
		<-ctx.Done()
		e.remove(key, oid)
	}()
	return nil
}

func (e *HubEndpoint) remove(key string, oid uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obs := e.observers[key]
	for i, o := range obs {
		if o.id == oid {
			e.observers[key] = append(obs[:i:i], obs[i+1:]...)
			break
		}
	}
	if len(e.observers[key]) == 0 {
		delete(e.observers, key)
	}
}

func (e *HubEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.observers = make(map[string][]hubObserver)
	e.mu.Unlock()
	e.hub.detach(e)
	return nil
}

func (e *HubEndpoint) observersFor(key string) []func([]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obs := e.observers[key]
	fns := make([]func([]byte), 0, len(obs))
	for _, o := range obs {
		fns = append(fns, o.fn)
	}
	return fns
}

func (e *HubEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
