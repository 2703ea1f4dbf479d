package dispatch

import "sync"

// keyedMutex hands out one mutex per entity id so operations on different
// rides (or drivers) proceed fully in parallel while operations on the
// same entity are linearized. Entries are never evicted; the map is
// bounded by the number of distinct entities seen by this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
