// Package directory maps ring ids to the relays hosted by this process.
package directory

import (
	"sort"
	"sync"

	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// Relay is the part of a relay handle the directory needs.
type Relay interface {
	RingID() model.RingID
	ChunkNum() uint64
}

// Entry is a hosted ring.
type Entry[R Relay] struct {
	Relay    R
	ChunkNum uint64
}

// Directory is a concurrent map from ring id to entry. Once closed it refuses new
// entries.
type Directory[R Relay] struct {
	mu      sync.RWMutex
	entries map[model.RingID]Entry[R]
	closed  bool
}

// New creates an empty directory.
func New[R Relay]() *Directory[R] {
	return &Directory[R]{entries: make(map[model.RingID]Entry[R])}
}

// Insert registers a relay. It fails if the ring is already hosted or the directory
// is closed.
func (d *Directory[R]) Insert(r R) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.ShuttingDown()
	}
	if _, ok := d.entries[r.RingID()]; ok {
		return errors.RingExists(uint64(r.RingID()))
	}
	d.entries[r.RingID()] = Entry[R]{Relay: r, ChunkNum: r.ChunkNum()}
	return nil
}

// Lookup returns the entry for a ring.
func (d *Directory[R]) Lookup(id model.RingID) (Entry[R], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	return e, ok
}

// Remove deletes a ring's entry and returns it.
func (d *Directory[R]) Remove(id model.RingID) (Entry[R], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if ok {
		delete(d.entries, id)
	}
	return e, ok
}

// List returns every hosted ring ordered by id.
func (d *Directory[R]) List() []model.RingInfo {
	d.mu.RLock()
	infos := make([]model.RingInfo, 0, len(d.entries))
	for id, e := range d.entries {
		infos = append(infos, model.RingInfo{RingID: id, ChunkNum: e.ChunkNum})
	}
	d.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].RingID < infos[j].RingID })
	return infos
}

// Len returns the number of hosted rings.
func (d *Directory[R]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Drain closes the directory and removes and returns every entry.
func (d *Directory[R]) Drain() []Entry[R] {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	out := make([]Entry[R], 0, len(d.entries))
	for id, e := range d.entries {
		out = append(out, e)
		delete(d.entries, id)
	}
	return out
}

// Closed reports whether Drain has been called.
func (d *Directory[R]) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
