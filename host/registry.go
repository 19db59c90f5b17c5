package host

import (
	"sort"
	"sync"
)

// Handle identifies a registered controller.
type Handle int

// NoHandle is the handle of a controller that is not registered.
const NoHandle Handle = -1

// A Registry hands out handles for controllers so that tools can find them
// by number.
type Registry struct {
	lock  sync.Mutex
	next  Handle
	ctrls map[Handle]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctrls: make(map[Handle]*Controller)}
}

// Register adds a controller and returns its handle.
func (r *Registry) Register(c *Controller) Handle {
	r.lock.Lock()
	defer r.lock.Unlock()

	h := r.next
	r.next++
	r.ctrls[h] = c

	return h
}

// Lookup returns the controller with the handle.
func (r *Registry) Lookup(h Handle) (*Controller, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	c, ok := r.ctrls[h]

	return c, ok
}

// Unregister removes the controller with the handle.
func (r *Registry) Unregister(h Handle) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.ctrls, h)
}

// List returns the registered controllers ordered by handle.
func (r *Registry) List() []*Controller {
	r.lock.Lock()
	defer r.lock.Unlock()

	list := make([]*Controller, 0, len(r.ctrls))
	for _, c := range r.ctrls {
		list = append(list, c)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].handle < list[j].handle
	})

	return list
}
