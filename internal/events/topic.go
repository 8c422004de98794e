// Package events provides typed publish/subscribe topics used by the
// replication components to announce state changes.
package events

import "sync"

// Handler receives published values.
type Handler[T any] func(T)

// Topic is a typed fan-out point. The zero value is ready to use.
// Handlers run synchronously on the publishing goroutine, in subscription order.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	order  []int
	subs   map[int]Handler[T]
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs == nil {
		t.subs = make(map[int]Handler[T])
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.order = append(t.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.subs, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := make([]Handler[T], 0, len(t.order))
	for _, id := range t.order {
		handlers = append(handlers, t.subs[id])
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// Len reports the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
