// Package macho implements a writable Mach-O view pinned to an image inside
// a dyld shared cache. Reads parse the backing bytes on demand; writes go
// straight back into the cache's copy-on-write buffers.
package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// Arch describes the pointer width of an image. The extractor picks one of
// the two values below at the top of the driver; everything downstream is
// parameterized by it instead of by struct layout.
type Arch struct {
	Name        string
	Is64        bool
	PointerSize uint32
	NlistSize   uint32
	HeaderSize  uint32
	SegmentCmd  types.LoadCmd
	SegCmdSize  uint32
	SectSize    uint32
}

var (
	// Arch64 covers x86_64, x86_64h, arm64 and arm64e images.
	Arch64 = Arch{
		Name:        "64-bit",
		Is64:        true,
		PointerSize: 8,
		NlistSize:   16,
		HeaderSize:  32,
		SegmentCmd:  types.LC_SEGMENT_64,
		SegCmdSize:  72,
		SectSize:    80,
	}
	// Arch32 covers armv7 and arm64_32 images.
	Arch32 = Arch{
		Name:        "32-bit",
		Is64:        false,
		PointerSize: 4,
		NlistSize:   12,
		HeaderSize:  28,
		SegmentCmd:  types.LC_SEGMENT,
		SegCmdSize:  56,
		SectSize:    68,
	}
)

// ReadPointer reads a pointer-width little-endian value.
func (a Arch) ReadPointer(b []byte) uint64 {
	if a.Is64 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

// WritePointer writes a pointer-width little-endian value.
func (a Arch) WritePointer(b []byte, v uint64) {
	if a.Is64 {
		binary.LittleEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// Nlist is the width-independent form of a symbol table entry.
type Nlist struct {
	Strx  uint32
	Type  types.NType
	Sect  uint8
	Desc  uint16
	Value uint64
}

// ReadNlist decodes one nlist entry.
func (a Arch) ReadNlist(b []byte) Nlist {
	n := Nlist{
		Strx: binary.LittleEndian.Uint32(b),
		Type: types.NType(b[4]),
		Sect: b[5],
		Desc: binary.LittleEndian.Uint16(b[6:]),
	}
	if a.Is64 {
		n.Value = binary.LittleEndian.Uint64(b[8:])
	} else {
		n.Value = uint64(binary.LittleEndian.Uint32(b[8:]))
	}
	return n
}

// WriteNlist encodes one nlist entry.
func (a Arch) WriteNlist(b []byte, n Nlist) {
	binary.LittleEndian.PutUint32(b, n.Strx)
	b[4] = byte(n.Type)
	b[5] = n.Sect
	binary.LittleEndian.PutUint16(b[6:], n.Desc)
	if a.Is64 {
		binary.LittleEndian.PutUint64(b[8:], n.Value)
	} else {
		binary.LittleEndian.PutUint32(b[8:], uint32(n.Value))
	}
}

// ArchForCache maps a cache arch name to a pointer width descriptor; the
// second return is false for unsupported arch names.
func ArchForCache(name string) (Arch, bool) {
	switch name {
	case "x86_64", "x86_64h", "arm64", "arm64e":
		return Arch64, true
	case "arm64_32", "armv7":
		return Arch32, true
	}
	return Arch{}, false
}
