package extractor

import "sort"

// StringPool is the append-only de-duplicating pool the linkedit optimizer
// interns symbol names into. Offset 0 is historically the empty string, and
// an issued offset never moves.
type StringPool struct {
	offsets map[string]uint32
	length  uint32
}

// NewStringPool creates a pool with the empty-string sentinel at offset 0.
func NewStringPool() *StringPool {
	p := &StringPool{offsets: make(map[string]uint32)}
	p.Add("")
	return p
}

// Add interns a string and returns its stable byte offset.
func (p *StringPool) Add(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := p.length
	p.offsets[s] = off
	p.length += uint32(len(s)) + 1
	return off
}

// Size returns the byte size of the pool as laid out by Write.
func (p *StringPool) Size() uint32 {
	return p.length
}

// Write lays the strings out in ascending offset order and returns the
// number of bytes written. The layout is deterministic across runs.
func (p *StringPool) Write(dst []byte) uint32 {
	type entry struct {
		off uint32
		s   string
	}
	entries := make([]entry, 0, len(p.offsets))
	for s, off := range p.offsets {
		entries = append(entries, entry{off, s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].off < entries[j].off })

	for _, e := range entries {
		copy(dst[e.off:], e.s)
		dst[e.off+uint32(len(e.s))] = 0
	}
	last := entries[len(entries)-1]
	return last.off + uint32(len(last.s)) + 1
}
