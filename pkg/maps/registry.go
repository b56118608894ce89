package maps

import (
	"fmt"
	"sort"
	"sync"
)

// Config bounds a registry. Zero limits mean unlimited.
type Config struct {
	MaxMaps     int    // maximum live maps
	MemoryLimit uint64 // total footprint budget in bytes
}

type entry struct {
	m    Map
	refs int
}

// Registry owns all live maps and hands out numeric ids. Programs
// reference maps by id; references are counted so a map cannot be
// removed while a program or attachment still holds it.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	maps   map[uint32]*entry
	nextID uint32
	mem    uint64
}

// Info is a point-in-time view of a registered map.
type Info struct {
	ID        uint32
	Spec      Spec
	Refs      int
	Footprint uint64
}

// NewRegistry returns an empty registry bounded by cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, maps: make(map[uint32]*entry), nextID: 1}
}

// Create validates the spec, builds the map and registers it.
func (r *Registry) Create(spec Spec) (uint32, Map, error) {
	m, err := New(spec)
	if err != nil {
		return 0, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxMaps > 0 && len(r.maps) >= r.cfg.MaxMaps {
		return 0, nil, fmt.Errorf("%w: limit %d", ErrTooManyMaps, r.cfg.MaxMaps)
	}
	fp := spec.Footprint()
	if r.cfg.MemoryLimit > 0 && r.mem+fp > r.cfg.MemoryLimit {
		return 0, nil, fmt.Errorf("%w: %d+%d over %d", ErrMemoryLimit, r.mem, fp, r.cfg.MemoryLimit)
	}
	id := r.nextID
	r.nextID++
	r.maps[id] = &entry{m: m}
	r.mem += fp
	return id, m, nil
}

// Get returns the map registered under id.
func (r *Registry) Get(id uint32) (Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.maps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMap, id)
	}
	return e.m, nil
}

// IncRef records a holder of id. Fails if id is unknown.
func (r *Registry) IncRef(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.maps[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMap, id)
	}
	e.refs++
	return nil
}

// DecRef releases a holder of id.
func (r *Registry) DecRef(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.maps[id]; ok && e.refs > 0 {
		e.refs--
	}
}

// Remove drops the map if nothing references it.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.maps[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMap, id)
	}
	if e.refs > 0 {
		return fmt.Errorf("%w: %d holders", ErrMapBusy, e.refs)
	}
	r.mem -= e.m.Spec().Footprint()
	delete(r.maps, id)
	return nil
}

// MemoryUsed returns the accounted footprint of all live maps.
func (r *Registry) MemoryUsed() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mem
}

// List returns all live maps ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.maps))
	for id, e := range r.maps {
		out = append(out, Info{ID: id, Spec: e.m.Spec(), Refs: e.refs, Footprint: e.m.Spec().Footprint()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
