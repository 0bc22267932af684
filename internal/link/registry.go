package link

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/srg/btspp/internal/device"
)

// slot holds the current link for one identity. Slots are never removed from the
// table, so every per-identity operation reduces to an atomic pointer operation.
type slot struct {
	link atomic.Pointer[Link]
}

// EvictFunc is invoked when Lookup discovers and removes a link that is no longer alive.
type EvictFunc func(*Link)

// Registry maps device identity to its live Link, at most one per identity.
//
// Operations on different identities never contend; operations on the same identity
// are linearizable through compare-and-swap on the identity's slot.
type Registry struct {
	slots   *hashmap.Map[string, *slot]
	onEvict EvictFunc
}

// NewRegistry creates an empty registry. onEvict may be nil.
func NewRegistry(onEvict EvictFunc) *Registry {
	return &Registry{
		slots:   hashmap.New[string, *slot](),
		onEvict: onEvict,
	}
}

func (r *Registry) slot(address device.Address) *slot {
	s, _ := r.slots.GetOrInsert(string(address), &slot{})
	return s
}

// Lookup returns the registered link if it is still alive.
// A registered link that fails its liveness probe is removed and reported to the evict hook.
func (r *Registry) Lookup(address device.Address) *Link {
	s, ok := r.slots.Get(string(address))
	if !ok {
		return nil
	}

	l := s.link.Load()
	if l == nil {
		return nil
	}
	if l.IsAlive() {
		return l
	}

	// only the caller that actually removed the stale entry reports it
	if s.link.CompareAndSwap(l, nil) && r.onEvict != nil {
		r.onEvict(l)
	}
	return nil
}

// Current returns the registered link without probing it.
func (r *Registry) Current(address device.Address) *Link {
	s, ok := r.slots.Get(string(address))
	if !ok {
		return nil
	}
	return s.link.Load()
}

// Insert unconditionally registers l for address and returns the link it replaced, if any.
// The caller is responsible for releasing the replaced link.
func (r *Registry) Insert(address device.Address, l *Link) *Link {
	return r.slot(address).link.Swap(l)
}

// Claim registers l unless a live link is already registered for address.
//
// On success it returns (l, replaced, true), where replaced is a dead link that was
// displaced (or nil). If a live link already holds the slot it returns (winner, nil, false)
// and l is left untouched for the caller to close.
func (r *Registry) Claim(address device.Address, l *Link) (current *Link, replaced *Link, ok bool) {
	s := r.slot(address)
	for {
		existing := s.link.Load()
		if existing != nil && existing != l && existing.IsAlive() {
			return existing, nil, false
		}
		if s.link.CompareAndSwap(existing, l) {
			if existing == l {
				existing = nil
			}
			return l, existing, true
		}
	}
}

// Remove deletes whatever link is registered for address. Removing an absent key is a no-op.
func (r *Registry) Remove(address device.Address) *Link {
	s, ok := r.slots.Get(string(address))
	if !ok {
		return nil
	}
	return s.link.Swap(nil)
}

// RemoveIf deletes the entry for address only if l is still the registered link.
// This prevents a stale path from evicting a newer link that replaced it.
func (r *Registry) RemoveIf(address device.Address, l *Link) bool {
	s, ok := r.slots.Get(string(address))
	if !ok {
		return false
	}
	return s.link.CompareAndSwap(l, nil)
}

// Links returns a snapshot of all registered links, without probing them.
func (r *Registry) Links() []*Link {
	links := make([]*Link, 0, r.slots.Len())
	r.slots.Range(func(_ string, s *slot) bool {
		if l := s.link.Load(); l != nil {
			links = append(links, l)
		}
		return true
	})
	return links
}

// Len returns the number of registered links, without probing them.
func (r *Registry) Len() int {
	n := 0
	r.slots.Range(func(_ string, s *slot) bool {
		if s.link.Load() != nil {
			n++
		}
		return true
	})
	return n
}
