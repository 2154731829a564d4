package macho

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/dyldex/pkg/dyld"
)

// Section type and attribute masks (from the section flags field).
const (
	SectionType               = 0x000000ff
	SymbolStubs               = 0x8
	NonLazySymbolPointers     = 0x6
	LazySymbolPointers        = 0x7
	ThreadLocalVariablePointers = 0x14
	LazyDylibSymbolPointers   = 0x10
	AttrSomeInstructions      = 0x00000400
	AttrPureInstructions      = 0x80000000
)

// Indirect symbol table sentinels.
const (
	IndirectSymbolLocal = 0x80000000
	IndirectSymbolAbs   = 0x40000000
)

// File is a writable logical Mach-O rooted inside a shared cache. It does not
// own its backing bytes; the cache does.
type File struct {
	Arch  Arch
	cache *dyld.File
	image *dyld.Image

	hdr []byte // bytes from the mach header to the end of its sub-cache mapping

	segments []*Segment
}

// NewFile pins a writable view to the image's mach header.
func NewFile(cache *dyld.File, image *dyld.Image, arch Arch) (*File, error) {
	hdr, err := image.HeaderData()
	if err != nil {
		return nil, err
	}
	f := &File{Arch: arch, cache: cache, image: image, hdr: hdr}

	magic := binary.LittleEndian.Uint32(hdr)
	if arch.Is64 && types.Magic(magic) != types.Magic64 {
		return nil, fmt.Errorf("image %s is not a 64-bit Mach-O (magic %#x)", image.Name, magic)
	}
	if !arch.Is64 && types.Magic(magic) != types.Magic32 {
		return nil, fmt.Errorf("image %s is not a 32-bit Mach-O (magic %#x)", image.Name, magic)
	}

	if err := f.parseSegments(); err != nil {
		return nil, err
	}
	return f, nil
}

// Cache returns the cache backing this view.
func (f *File) Cache() *dyld.File { return f.cache }

// Image returns the cache image this view is pinned to.
func (f *File) Image() *dyld.Image { return f.image }

// HeaderBytes returns the writable header region (mach header + commands).
func (f *File) HeaderBytes() []byte { return f.hdr }

// Ncmds returns the header's load command count.
func (f *File) Ncmds() uint32 { return binary.LittleEndian.Uint32(f.hdr[16:]) }

// SetNcmds overwrites the header's load command count.
func (f *File) SetNcmds(n uint32) { binary.LittleEndian.PutUint32(f.hdr[16:], n) }

// Sizeofcmds returns the byte size of the load command region.
func (f *File) Sizeofcmds() uint32 { return binary.LittleEndian.Uint32(f.hdr[20:]) }

// SetSizeofcmds overwrites the byte size of the load command region.
func (f *File) SetSizeofcmds(n uint32) { binary.LittleEndian.PutUint32(f.hdr[20:], n) }

// SetReserved overwrites the 64-bit header's reserved field.
func (f *File) SetReserved(v uint32) error {
	if !f.Arch.Is64 {
		return fmt.Errorf("mach_header has no reserved field on 32-bit images")
	}
	binary.LittleEndian.PutUint32(f.hdr[28:], v)
	return nil
}

// Reserved returns the 64-bit header's reserved field.
func (f *File) Reserved() uint32 {
	if !f.Arch.Is64 {
		return 0
	}
	return binary.LittleEndian.Uint32(f.hdr[28:])
}

// A LoadCommand locates one command inside the header region.
type LoadCommand struct {
	Cmd types.LoadCmd
	Len uint32
	Off uint32 // offset from the mach header start
}

// Data returns the command's writable bytes.
func (f *File) Data(lc LoadCommand) []byte {
	return f.hdr[lc.Off : lc.Off+lc.Len]
}

// LoadCommands iterates the load command list.
func (f *File) LoadCommands() ([]LoadCommand, error) {
	var cmds []LoadCommand
	off := f.Arch.HeaderSize
	end := f.Arch.HeaderSize + f.Sizeofcmds()
	if end > uint32(len(f.hdr)) {
		return nil, fmt.Errorf("load commands extend past mapped header region")
	}
	for i := uint32(0); i < f.Ncmds(); i++ {
		if off+8 > end {
			return nil, fmt.Errorf("load command %d extends past sizeofcmds", i)
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(f.hdr[off:]))
		sz := binary.LittleEndian.Uint32(f.hdr[off+4:])
		if sz < 8 || off+sz > end {
			return nil, fmt.Errorf("load command %d has bad cmdsize %d", i, sz)
		}
		cmds = append(cmds, LoadCommand{Cmd: cmd, Len: sz, Off: off})
		off += sz
	}
	return cmds, nil
}

// FindLoadCommand returns the first command matching any of the given types.
func (f *File) FindLoadCommand(want ...types.LoadCmd) (LoadCommand, bool) {
	cmds, err := f.LoadCommands()
	if err != nil {
		return LoadCommand{}, false
	}
	for _, lc := range cmds {
		for _, w := range want {
			if lc.Cmd == w {
				return lc, true
			}
		}
	}
	return LoadCommand{}, false
}

// A Segment is a mutable view of one segment command and its sections.
type Segment struct {
	f      *File
	cmdOff uint32

	Name     string
	Sections []*Section
}

// A Section is a mutable view of one section header.
type Section struct {
	f      *File
	hdrOff uint32

	Name    string
	SegName string
}

func (f *File) parseSegments() error {
	f.segments = nil
	cmds, err := f.LoadCommands()
	if err != nil {
		return err
	}
	for _, lc := range cmds {
		if lc.Cmd != f.Arch.SegmentCmd {
			continue
		}
		seg := &Segment{f: f, cmdOff: lc.Off}
		seg.Name = cstr16(f.hdr[lc.Off+8 : lc.Off+24])
		nsects := seg.Nsects()
		sectOff := lc.Off + f.Arch.SegCmdSize
		for s := uint32(0); s < nsects; s++ {
			sect := &Section{f: f, hdrOff: sectOff}
			sect.Name = cstr16(f.hdr[sectOff : sectOff+16])
			sect.SegName = cstr16(f.hdr[sectOff+16 : sectOff+32])
			seg.Sections = append(seg.Sections, sect)
			sectOff += f.Arch.SectSize
		}
		f.segments = append(f.segments, seg)
	}
	return nil
}

func cstr16(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Reparse rebuilds the segment views after a structural header change
// (e.g. an inserted load command).
func (f *File) Reparse() error {
	return f.parseSegments()
}

// Segments returns the parsed segment views in load-command order.
func (f *File) Segments() []*Segment { return f.segments }

// GetSegment returns the named segment or nil.
func (f *File) GetSegment(name string) *Segment {
	for _, s := range f.segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// GetSection returns the named section, searching all segments when segName
// is empty.
func (f *File) GetSection(segName, sectName string) *Section {
	for _, s := range f.segments {
		if segName != "" && s.Name != segName {
			continue
		}
		for _, sect := range s.Sections {
			if sect.Name == sectName {
				return sect
			}
		}
	}
	return nil
}

// EnumerateSections calls fn for every section until it returns false.
func (f *File) EnumerateSections(fn func(seg *Segment, sect *Section) bool) {
	for _, seg := range f.segments {
		for _, sect := range seg.Sections {
			if !fn(seg, sect) {
				return
			}
		}
	}
}

// ContainsAddr reports whether addr falls inside one of the image's segments.
func (f *File) ContainsAddr(addr uint64) bool {
	for _, seg := range f.segments {
		if seg.Vmaddr() <= addr && addr < seg.Vmaddr()+seg.Vmsize() {
			return true
		}
	}
	return false
}

// ConvertAddr returns the writable bytes at the given vm address, delegating
// to the cache's mappings.
func (f *File) ConvertAddr(addr uint64) ([]byte, error) {
	sc, off, err := f.cache.ConvertAddr(addr)
	if err != nil {
		return nil, err
	}
	return sc.Data[off:], nil
}

// segment command field accessors; offsets differ between widths

func (s *Segment) ptrField(off64, off32 uint32) uint32 {
	if s.f.Arch.Is64 {
		return s.cmdOff + off64
	}
	return s.cmdOff + off32
}

func (s *Segment) Vmaddr() uint64 {
	return s.f.Arch.ReadPointer(s.f.hdr[s.ptrField(24, 24):])
}

func (s *Segment) SetVmaddr(v uint64) {
	s.f.Arch.WritePointer(s.f.hdr[s.ptrField(24, 24):], v)
}

func (s *Segment) Vmsize() uint64 {
	return s.f.Arch.ReadPointer(s.f.hdr[s.ptrField(32, 28):])
}

func (s *Segment) SetVmsize(v uint64) {
	s.f.Arch.WritePointer(s.f.hdr[s.ptrField(32, 28):], v)
}

func (s *Segment) Fileoff() uint64 {
	return s.f.Arch.ReadPointer(s.f.hdr[s.ptrField(40, 32):])
}

func (s *Segment) SetFileoff(v uint64) {
	s.f.Arch.WritePointer(s.f.hdr[s.ptrField(40, 32):], v)
}

func (s *Segment) Filesize() uint64 {
	return s.f.Arch.ReadPointer(s.f.hdr[s.ptrField(48, 36):])
}

func (s *Segment) SetFilesize(v uint64) {
	s.f.Arch.WritePointer(s.f.hdr[s.ptrField(48, 36):], v)
}

func (s *Segment) Nsects() uint32 {
	return binary.LittleEndian.Uint32(s.f.hdr[s.ptrField(64, 48):])
}

// section header field accessors

func (s *Section) addrField() uint32 { return s.hdrOff + 32 }

func (s *Section) Addr() uint64 {
	return s.f.Arch.ReadPointer(s.f.hdr[s.addrField():])
}

func (s *Section) Size() uint64 {
	if s.f.Arch.Is64 {
		return s.f.Arch.ReadPointer(s.f.hdr[s.hdrOff+40:])
	}
	return s.f.Arch.ReadPointer(s.f.hdr[s.hdrOff+36:])
}

func (s *Section) offsetField() uint32 {
	if s.f.Arch.Is64 {
		return s.hdrOff + 48
	}
	return s.hdrOff + 40
}

func (s *Section) Offset() uint32 {
	return binary.LittleEndian.Uint32(s.f.hdr[s.offsetField():])
}

func (s *Section) SetOffset(v uint32) {
	binary.LittleEndian.PutUint32(s.f.hdr[s.offsetField():], v)
}

func (s *Section) flagsField() uint32 {
	if s.f.Arch.Is64 {
		return s.hdrOff + 64
	}
	return s.hdrOff + 56
}

func (s *Section) Flags() uint32 {
	return binary.LittleEndian.Uint32(s.f.hdr[s.flagsField():])
}

func (s *Section) SetFlags(v uint32) {
	binary.LittleEndian.PutUint32(s.f.hdr[s.flagsField():], v)
}

func (s *Section) Type() uint32 { return s.Flags() & SectionType }

func (s *Section) reserved1Field() uint32 {
	if s.f.Arch.Is64 {
		return s.hdrOff + 68
	}
	return s.hdrOff + 60
}

func (s *Section) Reserved1() uint32 {
	return binary.LittleEndian.Uint32(s.f.hdr[s.reserved1Field():])
}

func (s *Section) SetReserved1(v uint32) {
	binary.LittleEndian.PutUint32(s.f.hdr[s.reserved1Field():], v)
}

func (s *Section) Reserved2() uint32 {
	if s.f.Arch.Is64 {
		return binary.LittleEndian.Uint32(s.f.hdr[s.hdrOff+72:])
	}
	return binary.LittleEndian.Uint32(s.f.hdr[s.hdrOff+64:])
}
