package extractor

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/blacktop/dyldex/internal/activity"
	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// Synthetic arm64 cache layout used by the pipeline tests:
//
//	0x0000  cache header
//	0x0200  mapping-with-slide table (TEXT, DATA, LINKEDIT)
//	0x0400  image info
//	0x0500  image path
//	0x0900  slide info v3 for the DATA mapping
//	0x1000  __TEXT  (vm base+0x0000): mach header, commands, __text @ +0x1000
//	0x5000  __DATA  (vm base+0x4000): __la_symbol_ptr slots
//	0x9000  __LINKEDIT (vm base+0x8000): nlists, strings, indirect, trie
const (
	fixBase     = uint64(0x180000000)
	fixPageSize = 0x4000

	fixTextFileOff     = 0x1000
	fixDataFileOff     = 0x5000
	fixLinkeditFileOff = 0x9000

	fixSymOff      = fixLinkeditFileOff
	fixStrOff      = fixLinkeditFileOff + 0x100
	fixIndirectOff = fixLinkeditFileOff + 0x200
	fixTrieOff     = fixLinkeditFileOff + 0x300

	fixLocalAddr    = fixBase + 0x1010
	fixExportedAddr = fixBase + 0x1030
	fixLaPtr0       = fixBase + 0x4000
	fixLaPtr1       = fixBase + 0x4008
)

var fixStrings = []string{"", "_local_sym", "<redacted>", "_exported_sym", "_imported_sym"}

func fixStringOffset(s string) uint32 {
	off := uint32(0)
	for _, have := range fixStrings {
		if have == s {
			return off
		}
		off += uint32(len(have)) + 1
	}
	return 0
}

type fixtureOpts struct {
	// useDyldInfo emits LC_DYLD_INFO_ONLY instead of LC_DYLD_EXPORTS_TRIE
	useDyldInfo bool
	// chainSlots links the two la_symbol_ptr slots into one slide chain
	chainSlots bool
}

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func writeFixtureCache(t *testing.T, opts fixtureOpts) string {
	t.Helper()
	buf := make([]byte, 0xD000)

	// cache header
	var hdr dyld.CacheHeader
	copy(hdr.Magic[:], "dyld_v1   arm64")
	hdr.MappingOffset = 0x200
	hdr.MappingCount = 0
	hdr.MappingWithSlideOffset = 0x200
	hdr.MappingWithSlideCount = 3
	hdr.ImagesOffset = 0x400
	hdr.ImagesCount = 1
	hdr.SharedRegionStart = fixBase
	hdr.SharedRegionSize = 0xC000
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("failed to encode cache header: %v", err)
	}
	if hb.Len() != 0x200 {
		t.Fatalf("cache header size = %#x, want 0x200", hb.Len())
	}
	copy(buf, hb.Bytes())

	// mappings
	writeMapping := func(off int, addr, size, fileOff, slideOff, slideSize uint64) {
		putU64(buf, off, addr)
		putU64(buf, off+8, size)
		putU64(buf, off+16, fileOff)
		putU64(buf, off+24, slideOff)
		putU64(buf, off+32, slideSize)
		putU64(buf, off+40, 0) // flags
	}
	writeMapping(0x200, fixBase, fixPageSize, fixTextFileOff, 0, 0)
	writeMapping(0x230, fixBase+0x4000, fixPageSize, fixDataFileOff, 0x900, 0x100)
	writeMapping(0x260, fixBase+0x8000, fixPageSize, fixLinkeditFileOff, 0, 0)

	// image info
	putU64(buf, 0x400, fixBase) // address
	putU32(buf, 0x418, 0x500)   // path file offset
	copy(buf[0x500:], "/usr/lib/libdemo.dylib\x00")

	// slide info v3
	putU32(buf, 0x900, 3)           // version
	putU32(buf, 0x904, fixPageSize) // page size
	putU32(buf, 0x908, 1)           // page starts count
	putU64(buf, 0x910, fixBase)     // auth value add
	putU32(buf, 0x918, 0)           // page_starts[0] = chain begins at slot 0

	// la_symbol_ptr slots (packed plain v3 pointers)
	next0 := uint64(0)
	if opts.chainSlots {
		next0 = 1 // 8 bytes to the next slot
	}
	putU64(buf, fixDataFileOff, (fixExportedAddr)|(next0<<51))
	putU64(buf, fixDataFileOff+8, fixBase+0x1040)

	// mach header + load commands
	writeFixtureImage(t, buf, opts)

	// symbol table
	writeNlist := func(i int, strx uint32, typ byte, desc uint16, value uint64) {
		off := fixSymOff + i*16
		putU32(buf, off, strx)
		buf[off+4] = typ
		buf[off+5] = 1
		binary.LittleEndian.PutUint16(buf[off+6:], desc)
		putU64(buf, off+8, value)
	}
	writeNlist(0, fixStringOffset("_local_sym"), 0x0e, 0, fixLocalAddr)
	writeNlist(1, fixStringOffset("<redacted>"), 0x0e, 0, fixBase+0x1020)
	writeNlist(2, fixStringOffset("_exported_sym"), 0x0f, 0, fixExportedAddr)
	writeNlist(3, fixStringOffset("_imported_sym"), 0x01, 1<<8, 0)

	// string pool
	strOff := fixStrOff
	for _, s := range fixStrings {
		copy(buf[strOff:], s)
		strOff += len(s) + 1
	}

	// indirect symbol table: first entry redacted, second points at the import
	putU32(buf, fixIndirectOff, 0)
	putU32(buf, fixIndirectOff+4, 3)

	// export trie for _exported_sym
	trie := buildFixtureTrie(t)
	copy(buf[fixTrieOff:], trie)

	dir := t.TempDir()
	path := filepath.Join(dir, "dyld_shared_cache_arm64")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("failed to write fixture cache: %v", err)
	}
	return path
}

func writeFixtureImage(t *testing.T, buf []byte, opts fixtureOpts) {
	t.Helper()
	h := buf[fixTextFileOff:]

	cur := 32 // after mach_header_64
	ncmds := 0

	segment := func(name string, vmaddr, vmsize, fileoff, filesize uint64, sects ...func([]byte)) {
		nsects := len(sects)
		cmdsize := 72 + nsects*80
		putU32(h, cur, 0x19) // LC_SEGMENT_64
		putU32(h, cur+4, uint32(cmdsize))
		copy(h[cur+8:cur+24], name)
		putU64(h, cur+24, vmaddr)
		putU64(h, cur+32, vmsize)
		putU64(h, cur+40, fileoff)
		putU64(h, cur+48, filesize)
		putU32(h, cur+56, 7) // maxprot
		putU32(h, cur+60, 3) // initprot
		putU32(h, cur+64, uint32(nsects))
		for i, fill := range sects {
			fill(h[cur+72+i*80:])
		}
		cur += cmdsize
		ncmds++
	}
	section := func(name, seg string, addr, size uint64, offset, flags, reserved1, reserved2 uint32) func([]byte) {
		return func(b []byte) {
			copy(b[0:16], name)
			copy(b[16:32], seg)
			putU64(b, 32, addr)
			putU64(b, 40, size)
			putU32(b, 48, offset)
			putU32(b, 52, 3) // align
			putU32(b, 64, flags)
			putU32(b, 68, reserved1)
			putU32(b, 72, reserved2)
		}
	}

	segment("__TEXT", fixBase, fixPageSize, fixTextFileOff, fixPageSize,
		section("__text", "__TEXT", fixBase+0x1000, 0x100, fixTextFileOff+0x1000, macho.AttrSomeInstructions|macho.AttrPureInstructions, 0, 0))
	segment("__DATA", fixBase+0x4000, fixPageSize, fixDataFileOff, fixPageSize,
		section("__la_symbol_ptr", "__DATA", fixLaPtr0, 0x10, fixDataFileOff, macho.LazySymbolPointers, 0, 0))
	segment("__LINKEDIT", fixBase+0x8000, fixPageSize, fixLinkeditFileOff, fixPageSize)

	// LC_SYMTAB
	putU32(h, cur, 0x2)
	putU32(h, cur+4, 24)
	putU32(h, cur+8, fixSymOff)
	putU32(h, cur+12, 4)
	putU32(h, cur+16, fixStrOff)
	strsize := uint32(0)
	for _, s := range fixStrings {
		strsize += uint32(len(s)) + 1
	}
	putU32(h, cur+20, strsize)
	cur += 24
	ncmds++

	// LC_DYSYMTAB
	putU32(h, cur, 0xb)
	putU32(h, cur+4, 80)
	putU32(h, cur+8, 0)  // ilocalsym
	putU32(h, cur+12, 2) // nlocalsym
	putU32(h, cur+16, 2) // iextdefsym
	putU32(h, cur+20, 1) // nextdefsym
	putU32(h, cur+24, 3) // iundefsym
	putU32(h, cur+28, 1) // nundefsym
	putU32(h, cur+56, fixIndirectOff)
	putU32(h, cur+60, 2)
	cur += 80
	ncmds++

	trieSize := uint32(len(buildFixtureTrie(t)))
	if opts.useDyldInfo {
		// LC_DYLD_INFO_ONLY with only the export blob populated
		putU32(h, cur, 0x22|0x80000000)
		putU32(h, cur+4, 48)
		putU32(h, cur+40, fixTrieOff)
		putU32(h, cur+44, trieSize)
		cur += 48
		ncmds++
	} else {
		// LC_DYLD_EXPORTS_TRIE
		putU32(h, cur, 0x33|0x80000000)
		putU32(h, cur+4, 16)
		putU32(h, cur+8, fixTrieOff)
		putU32(h, cur+12, trieSize)
		cur += 16
		ncmds++
	}

	// mach_header_64
	putU32(h, 0, 0xfeedfacf)
	putU32(h, 4, 0x0100000C) // CPU_TYPE_ARM64
	putU32(h, 12, 6)         // MH_DYLIB
	putU32(h, 16, uint32(ncmds))
	putU32(h, 20, uint32(cur-32))
}

// buildFixtureTrie emits an export trie with the single entry _exported_sym
// at image offset 0x1030.
func buildFixtureTrie(t *testing.T) []byte {
	t.Helper()
	name := "_exported_sym"

	var root bytes.Buffer
	root.WriteByte(0) // terminal size
	root.WriteByte(1) // one child
	root.WriteString(name)
	root.WriteByte(0)
	childOff := root.Len() + 1
	root.WriteByte(byte(childOff))

	var child bytes.Buffer
	var term bytes.Buffer
	term.WriteByte(0) // flags: regular
	writeUlebTo(&term, 0x1030)
	child.WriteByte(byte(term.Len()))
	child.Write(term.Bytes())
	child.WriteByte(0) // no children

	return append(root.Bytes(), child.Bytes()...)
}

func writeUlebTo(buf *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

// openFixture opens the synthetic cache and builds a fresh per-image context.
func openFixture(t *testing.T, opts fixtureOpts) (*dyld.File, *Context) {
	t.Helper()
	path := writeFixtureCache(t, opts)
	cache, err := dyld.Open(path)
	if err != nil {
		t.Fatalf("failed to open fixture cache: %v", err)
	}
	image := cache.Image("libdemo.dylib")
	if image == nil {
		t.Fatal("fixture image not found")
	}
	m, err := macho.NewFile(cache, image, macho.Arch64)
	if err != nil {
		t.Fatalf("failed to pin image view: %v", err)
	}
	alog := activity.New(&log.Logger{Handler: discard.Default, Level: log.ErrorLevel})
	ctx := NewContext(cache, image, m, NewAccelerator(), alog, Config{Modules: AllModules()})
	return cache, ctx
}
