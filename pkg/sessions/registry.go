package sessions

import (
	"sync"
	"time"

	"returnflow/pkg/models"
)

// Registry is a mutex-guarded, process-local map of sessions keyed by id.
// Values are copied in and out; mutation goes through Update.
type Registry[T any] struct {
	mu    sync.RWMutex
	kind  string
	items map[string]*T
	order []string
	touch func(*T, time.Time)
	clone func(T) T
	now   func() time.Time
}

// NewRegistry builds a registry. touch stamps lastActivity on every write;
// clone deep-copies values handed to callers. Either may be nil.
func NewRegistry[T any](kind string, touch func(*T, time.Time), clone func(T) T) *Registry[T] {
	return &Registry[T]{
		kind:  kind,
		items: map[string]*T{},
		touch: touch,
		clone: clone,
		now:   time.Now,
	}
}

func (r *Registry[T]) WithClock(now func() time.Time) *Registry[T] {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Registry[T]) copyOut(v *T) T {
	if r.clone != nil {
		return r.clone(*v)
	}
	return *v
}

func (r *Registry[T]) Put(id string, v T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touch != nil {
		r.touch(&v, r.now().UTC())
	}
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	stored := v
	if r.clone != nil {
		stored = r.clone(v)
	}
	r.items[id] = &stored
	return r.copyOut(&stored)
}

func (r *Registry[T]) Get(id string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	if !ok {
		var zero T
		return zero, models.Errorf(models.KindSessionNotFound, "%s %s", r.kind, id)
	}
	return r.copyOut(v), nil
}

// Update applies fn to the stored session under the write lock. If fn
// returns an error the session is left unchanged.
func (r *Registry[T]) Update(id string, fn func(*T) error) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		var zero T
		return zero, models.Errorf(models.KindSessionNotFound, "%s %s", r.kind, id)
	}
	next := r.copyOut(cur)
	if err := fn(&next); err != nil {
		return r.copyOut(cur), err
	}
	if r.touch != nil {
		r.touch(&next, r.now().UTC())
	}
	r.items[id] = &next
	return r.copyOut(&next), nil
}

func (r *Registry[T]) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return models.Errorf(models.KindSessionNotFound, "%s %s", r.kind, id)
	}
	delete(r.items, id)
	for i, k := range r.order {
		if k == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns matching sessions in insertion order. A nil filter matches all.
func (r *Registry[T]) List(filter func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		v := r.items[id]
		if filter != nil && !filter(*v) {
			continue
		}
		out = append(out, r.copyOut(v))
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
