// Package rendezvous implements the keyed one-shot correlation map the
// Design Notes call for in place of event-emitter "once" callbacks: a
// caller registers a waiter for an id before publishing the request that
// will eventually produce the matching reply, then awaits it with a
// deadline. No process-wide globals — one Registry instance per event kind,
// owned by whichever component correlates that kind of reply (here, C10).
package rendezvous

import "context"

// Registry is a keyed map from correlation id to a one-shot waiter of T.
type Registry[T any] struct {
	register chan registration[T]
	resolve  chan resolution[T]
	forget   chan string
}

type registration[T any] struct {
	id   string
	resp chan chan T
}

type resolution[T any] struct {
	id    string
	value T
}

// NewRegistry starts the registry's dispatch loop, cancelled by ctx.
func NewRegistry[T any](ctx context.Context) *Registry[T] {
	r := &Registry[T]{
		register: make(chan registration[T]),
		resolve:  make(chan resolution[T]),
		forget:   make(chan string),
	}
	go r.run(ctx)
	return r
}

func (r *Registry[T]) run(ctx context.Context) {
	waiters := make(map[string]chan T)
	for {
		select {
		case <-ctx.Done():
			return
		case reg := <-r.register:
			ch := make(chan T, 1)
			waiters[reg.id] = ch
			reg.resp <- ch
		case res := <-r.resolve:
			if ch, ok := waiters[res.id]; ok {
				delete(waiters, res.id)
				ch <- res.value
			}
		case id := <-r.forget:
			delete(waiters, id)
		}
	}
}

// Await registers a waiter for id, then blocks until Resolve(id, ...) is
// called or ctx is done. The waiter is cleared either way.
func (r *Registry[T]) Await(ctx context.Context, id string) (T, bool) {
	resp := make(chan chan T, 1)
	select {
	case r.register <- registration[T]{id: id, resp: resp}:
	case <-ctx.Done():
		var zero T
		return zero, false
	}
	ch := <-resp

	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		r.forget <- id
		// A resolution may have raced the timeout and already landed in
		// the buffered channel; take it rather than dropping it silently.
		select {
		case v := <-ch:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

// Resolve delivers value to id's waiter, if one is registered. A resolve
// with no matching waiter (never registered, or already timed out) is a
// silent no-op — the reply arrived for a request nobody is awaiting.
func (r *Registry[T]) Resolve(ctx context.Context, id string, value T) {
	select {
	case r.resolve <- resolution[T]{id: id, value: value}:
	case <-ctx.Done():
	}
}
