package descriptor

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when no descriptor serves a capability.
var ErrNotFound = errors.New("no worker serves capability")

// Snapshot is one immutable version of the descriptor table.
type Snapshot struct {
	version      uint64
	byID         map[string]Descriptor
	ids          []string
	byCapability map[string][]string
}

func newSnapshot(version uint64, ds []Descriptor) *Snapshot {
	s := &Snapshot{
		version:      version,
		byID:         make(map[string]Descriptor, len(ds)),
		ids:          make([]string, 0, len(ds)),
		byCapability: make(map[string][]string),
	}
	for _, d := range ds {
		s.byID[d.ID] = d
		s.ids = append(s.ids, d.ID)
		for _, c := range d.Capabilities {
			s.byCapability[c.Name] = append(s.byCapability[c.Name], d.ID)
		}
	}
	sort.Strings(s.ids)
	for _, ids := range s.byCapability {
		sort.Strings(ids)
	}
	return s
}

// Version increases by one on every successful reload.
func (s *Snapshot) Version() uint64 { return s.version }

// Resolve returns every descriptor advertising capability, ordered by id.
func (s *Snapshot) Resolve(capability string) ([]Descriptor, error) {
	ids := s.byCapability[capability]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, capability)
	}
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// Get returns the descriptor with the given id.
func (s *Snapshot) Get(id string) (Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// All returns every descriptor ordered by id.
func (s *Snapshot) All() []Descriptor {
	out := make([]Descriptor, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

// Capabilities returns the sorted set of capability names.
func (s *Snapshot) Capabilities() []string {
	out := make([]string, 0, len(s.byCapability))
	for name := range s.byCapability {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Diff summarises what a reload changed.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the reload changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Table holds the current descriptor snapshot. Readers never block.
type Table struct {
	mu      sync.Mutex // serialises reloads
	current atomic.Pointer[Snapshot]
}

// NewTable validates ds and builds a table at version 1.
func NewTable(ds []Descriptor) (*Table, error) {
	if err := ValidateAll(ds); err != nil {
		return nil, err
	}
	t := &Table{}
	t.current.Store(newSnapshot(1, ds))
	return t, nil
}

// Snapshot returns the current version of the table.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Resolve looks capability up in the current snapshot.
func (t *Table) Resolve(capability string) ([]Descriptor, error) {
	return t.Snapshot().Resolve(capability)
}

// Get looks id up in the current snapshot.
func (t *Table) Get(id string) (Descriptor, bool) {
	return t.Snapshot().Get(id)
}

// All returns every descriptor in the current snapshot.
func (t *Table) All() []Descriptor {
	return t.Snapshot().All()
}

// Reload validates ds and swaps it in atomically. On validation failure the
// previous snapshot stays in place.
func (t *Table) Reload(ds []Descriptor) (Diff, error) {
	if err := ValidateAll(ds); err != nil {
		return Diff{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current.Load()
	next := newSnapshot(prev.version+1, ds)

	var diff Diff
	for _, id := range next.ids {
		old, ok := prev.byID[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case !sameDescriptor(old, next.byID[id]):
			diff.Changed = append(diff.Changed, id)
		}
	}
	for _, id := range prev.ids {
		if _, ok := next.byID[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}

	t.current.Store(next)
	return diff, nil
}

func sameDescriptor(a, b Descriptor) bool {
	a.Source, b.Source = "", ""
	return reflect.DeepEqual(a, b)
}
