package pipeline

import "sync"

// KeyRegistry assigns transport keys to tensor names. Keys are
// handed out in declaration order, so workers that declare their
// tensors in the same order agree on every key without coordination.
type KeyRegistry struct {
	mu   sync.Mutex
	keys map[string]uint64
	next uint64
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]uint64)}
}

// Declare returns the key for name, assigning the next free key on
// first declaration.
func (r *KeyRegistry) Declare(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[name]; ok {
		return k
	}
	k := r.next
	r.next++
	r.keys[name] = k
	return k
}

// Lookup returns the key for a declared name.
func (r *KeyRegistry) Lookup(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[name]
	return k, ok
}

// Len returns the number of declared names.
func (r *KeyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
