package central

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type subscription[T any] struct {
	id string
	fn func(T)
}

// registry keeps callbacks in registration order under uuid keys.
type registry[T any] struct {
	mu   sync.RWMutex
	subs []subscription[T]
	log  logrus.FieldLogger
}

func (r *registry[T]) add(fn func(T)) string {
	id := uuid.New().String()

	r.mu.Lock()
	r.subs = append(r.subs, subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	return id
}

func (r *registry[T]) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// publish calls every callback synchronously. A panicking callback is logged and skipped.
func (r *registry[T]) publish(v T) {
	r.mu.RLock()
	subs := make([]subscription[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, s := range subs {
		r.call(s, v)
	}
}

func (r *registry[T]) call(s subscription[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("subscription", s.id).Errorf("observer panicked: %v", rec)
		}
	}()
	s.fn(v)
}
