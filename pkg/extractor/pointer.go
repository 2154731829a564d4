package extractor

import (
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// AuthData is the pointer-authentication context recovered from a slid
// pointer slot.
type AuthData struct {
	Diversity  uint16
	HasAddrDiv bool
	Key        uint8
}

// Pointer is one tracked rebase: the un-slid target of a pointer slot plus
// any authentication bits the cache recorded for it.
type Pointer struct {
	Target uint64
	Auth   *AuthData
	Bind   *SymbolicInfo
}

// PointerTracker remembers every pointer slot the slide processor un-slid,
// so later stages can follow chased pointers without re-reading the slide
// tables. Later registrations win, matching slide-region tie-breaking.
type PointerTracker struct {
	cache *dyld.File
	arch  macho.Arch

	pointers map[uint64]Pointer
}

// NewPointerTracker creates an empty tracker for one image run.
func NewPointerTracker(cache *dyld.File, arch macho.Arch) *PointerTracker {
	return &PointerTracker{
		cache:    cache,
		arch:     arch,
		pointers: make(map[uint64]Pointer),
	}
}

// Add registers (or overwrites) the target of the pointer slot at addr.
func (t *PointerTracker) Add(addr, target uint64) {
	p := t.pointers[addr]
	p.Target = target
	t.pointers[addr] = p
}

// AddAuth attaches pointer-auth context to the slot at addr.
func (t *PointerTracker) AddAuth(addr uint64, auth AuthData) {
	p := t.pointers[addr]
	p.Auth = &auth
	t.pointers[addr] = p
}

// AddBind marks the slot at addr as a binding to an external symbol.
func (t *PointerTracker) AddBind(addr uint64, info *SymbolicInfo) {
	p := t.pointers[addr]
	p.Bind = info
	t.pointers[addr] = p
}

// Lookup returns the tracked pointer at addr.
func (t *PointerTracker) Lookup(addr uint64) (Pointer, bool) {
	p, ok := t.pointers[addr]
	return p, ok
}

// SlideP returns the un-slid target of the pointer slot at addr: the tracked
// value when the slide processor saw the slot, otherwise the raw value in
// the (already un-slid) cache bytes.
func (t *PointerTracker) SlideP(addr uint64) uint64 {
	if p, ok := t.pointers[addr]; ok {
		return p.Target
	}
	v, err := t.cache.ReadPointer(addr, t.arch.PointerSize)
	if err != nil {
		return 0
	}
	return v
}

// Len returns the number of tracked slots.
func (t *PointerTracker) Len() int { return len(t.pointers) }
