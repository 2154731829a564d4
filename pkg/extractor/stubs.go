package extractor

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/macho"
)

// FixStubs rewrites the image's stub islands and symbol-pointer sections so
// every surviving stub targets this image's own linkedit instead of the
// cache's shared helpers. x86_64 images need no rewriting: their jmpq stubs
// already go through pointers inside the image.
func FixStubs(ctx *Context) error {
	ctx.Log.SetModule("Stub Fixer")

	arch := ctx.Cache.ArchName()
	if arch != "arm64" && arch != "arm64e" && arch != "arm64_32" && arch != "armv7" {
		return nil
	}

	f := newStubFixer(ctx)
	return f.fix()
}

type pointerKind int

const (
	ptrNormal pointerKind = iota
	ptrLazy
	ptrAuth
)

// symbolPointerCache indexes the image's symbol-pointer slots three ways:
// by address, by name (reverse), and by whether a stub has claimed them.
type symbolPointerCache struct {
	fixer *stubFixer

	ptr     map[pointerKind]map[uint64]*SymbolicInfo
	unnamed map[pointerKind]map[uint64]bool
	used    map[pointerKind]map[uint64]bool
	reverse map[pointerKind]map[string]map[uint64]bool
}

func newSymbolPointerCache(f *stubFixer) *symbolPointerCache {
	c := &symbolPointerCache{
		fixer:   f,
		ptr:     make(map[pointerKind]map[uint64]*SymbolicInfo),
		unnamed: make(map[pointerKind]map[uint64]bool),
		used:    make(map[pointerKind]map[uint64]bool),
		reverse: make(map[pointerKind]map[string]map[uint64]bool),
	}
	for _, k := range []pointerKind{ptrNormal, ptrLazy, ptrAuth} {
		c.ptr[k] = make(map[uint64]*SymbolicInfo)
		c.unnamed[k] = make(map[uint64]bool)
		c.used[k] = make(map[uint64]bool)
		c.reverse[k] = make(map[string]map[uint64]bool)
	}
	return c
}

func (c *symbolPointerCache) pointerType(sect *macho.Section) pointerKind {
	isAuth := strings.Contains(sect.SegName, "AUTH") || strings.Contains(sect.Name, "auth")
	switch sect.Type() {
	case macho.LazySymbolPointers:
		if isAuth {
			c.fixer.ctx.Log.Errorf("unexpected auth lazy symbol pointer section %s", sect.Name)
		}
		return ptrLazy
	case macho.NonLazySymbolPointers:
		if isAuth {
			return ptrAuth
		}
		return ptrNormal
	default:
		c.fixer.ctx.Log.Errorf("unexpected section type %#x for %s", sect.Type(), sect.Name)
		return ptrNormal
	}
}

func (c *symbolPointerCache) addPointerInfo(kind pointerKind, addr uint64, info *SymbolicInfo) {
	have, ok := c.ptr[kind][addr]
	if !ok {
		have = &SymbolicInfo{}
		c.ptr[kind][addr] = have
	}
	for _, sym := range info.Symbols {
		have.add(sym)
		if c.reverse[kind][sym.Name] == nil {
			c.reverse[kind][sym.Name] = make(map[uint64]bool)
		}
		c.reverse[kind][sym.Name][addr] = true
	}
}

func (c *symbolPointerCache) isAvailable(kind pointerKind, addr uint64) bool {
	_, named := c.ptr[kind][addr]
	return named && !c.used[kind][addr]
}

func (c *symbolPointerCache) namePointer(kind pointerKind, addr uint64, info *SymbolicInfo) {
	delete(c.unnamed[kind], addr)
	c.addPointerInfo(kind, addr, info)
}

func (c *symbolPointerCache) pointerInfo(kind pointerKind, addr uint64) *SymbolicInfo {
	return c.ptr[kind][addr]
}

// scanPointers names every symbol-pointer slot it can, via bind records, the
// indirect table, and the slot's slid target.
func (c *symbolPointerCache) scanPointers() {
	f := c.fixer
	bindRecords := f.bindRecordsByAddr()
	ptrSize := uint64(f.m.Arch.PointerSize)

	f.m.EnumerateSections(func(seg *macho.Segment, sect *macho.Section) bool {
		t := sect.Type()
		if t != macho.NonLazySymbolPointers && t != macho.LazySymbolPointers {
			return true
		}
		kind := c.pointerType(sect)

		indirectI := sect.Reserved1()
		for pAddr := sect.Addr(); pAddr < sect.Addr()+sect.Size(); pAddr, indirectI = pAddr+ptrSize, indirectI+1 {
			f.ctx.Log.Update()
			info := &SymbolicInfo{}

			if rec, ok := bindRecords[pAddr]; ok {
				info.add(Symbol{Name: rec.SymbolName, Ordinal: uint64(rec.LibOrdinal)})
			}

			if entry, name, ok := f.lookupIndirectEntry(indirectI); ok {
				info.add(Symbol{Name: name, Ordinal: uint64(entry.Desc >> 8)})
			}

			if target := f.ctx.PointerTracker.SlideP(pAddr); target != 0 {
				fn := f.utils.ResolveStubChain(target)
				if set := f.symbolizer.SymbolizeAddr(fn); set != nil {
					for _, s := range set.Symbols {
						info.add(s)
					}
				}
			}

			if len(info.Symbols) > 0 {
				c.addPointerInfo(kind, pAddr, info)
			} else {
				c.unnamed[kind][pAddr] = true
			}
		}
		return true
	})
}

type brokenStub struct {
	format StubFormat
	target uint64
	addr   uint64
	size   uint64
}

type stubFixer struct {
	ctx *Context
	m   *macho.File

	utils      *arm64Utils
	symbolizer *Symbolizer
	cache      *symbolPointerCache

	symtab   macho.SymtabView
	dysymtab macho.DysymtabView
	dyldInfo macho.DyldInfoView
	hasInfo  bool

	stubMap        map[uint64]*SymbolicInfo
	reverseStubMap map[string]map[uint64]bool
	brokenStubs    []brokenStub
}

func newStubFixer(ctx *Context) *stubFixer {
	f := &stubFixer{
		ctx:            ctx,
		m:              ctx.Mach,
		utils:          newArm64Utils(ctx),
		stubMap:        make(map[uint64]*SymbolicInfo),
		reverseStubMap: make(map[string]map[uint64]bool),
	}
	f.symbolizer = NewSymbolizer(ctx)
	ctx.Symbolizer = f.symbolizer
	f.cache = newSymbolPointerCache(f)
	return f
}

func (f *stubFixer) fix() error {
	var ok bool
	if f.symtab, ok = f.m.Symtab(); !ok {
		f.ctx.Log.Warnf("unable to fix stubs without LC_SYMTAB")
		return nil
	}
	if f.dysymtab, ok = f.m.Dysymtab(); !ok {
		f.ctx.Log.Warnf("unable to fix stubs without LC_DYSYMTAB")
		return nil
	}
	f.dyldInfo, f.hasInfo = f.m.DyldInfo()

	if f.ctx.LinkeditTracker == nil {
		f.ctx.Log.Warnf("stub fixing depends on the linkedit optimizer")
		return nil
	}

	f.fillCodeRegions()
	f.checkIndirectEntries()
	if err := f.symbolizer.Enumerate(); err != nil {
		return err
	}
	f.cache.scanPointers()

	f.fixStubHelpers()
	f.scanStubs()
	f.fixPass1()
	f.fixPass2()
	f.fixCallsites()

	f.fixIndirectEntries()
	return nil
}

// fillCodeRegions sweeps every cache image once per run, recording the vm
// ranges that hold instructions.
func (f *stubFixer) fillCodeRegions() {
	if f.ctx.Accel.HasCodeRegions() {
		return
	}
	for _, image := range f.ctx.Cache.Images {
		m, err := macho.NewFile(f.ctx.Cache, image, f.m.Arch)
		if err != nil {
			continue
		}
		m.EnumerateSections(func(seg *macho.Segment, sect *macho.Section) bool {
			if sect.Flags()&macho.AttrSomeInstructions != 0 {
				f.ctx.Accel.AddCodeRegion(CodeRegion{Start: sect.Addr(), End: sect.Addr() + sect.Size()})
			}
			return true
		})
	}
}

// linkeditBytes returns the rebuilt-linkedit bytes behind a command's file
// offset field.
func (f *stubFixer) linkeditBytes(fileOff uint32) []byte {
	t := f.ctx.LinkeditTracker
	return t.Linkedit()[fileOff-t.FileOffset():]
}

func isRedactedIndirect(entry uint32) bool {
	return entry == 0 || entry == macho.IndirectSymbolAbs || entry == macho.IndirectSymbolLocal ||
		entry == macho.IndirectSymbolAbs|macho.IndirectSymbolLocal
}

// lookupIndirectEntry returns the symbol an indirect-table slot references,
// unless it is redacted or a sentinel.
func (f *stubFixer) lookupIndirectEntry(index uint32) (macho.Nlist, string, bool) {
	if index >= f.dysymtab.Nindirectsyms() {
		return macho.Nlist{}, "", false
	}
	entries := f.linkeditBytes(f.dysymtab.Indirectsymoff())
	entry := binary.LittleEndian.Uint32(entries[index*4:])
	if isRedactedIndirect(entry) {
		return macho.Nlist{}, "", false
	}
	syms := f.linkeditBytes(f.symtab.Symoff())
	strs := f.linkeditBytes(f.symtab.Stroff())
	n := f.m.Arch.ReadNlist(syms[entry*f.m.Arch.NlistSize:])
	return n, cstringAt(strs, uint64(n.Strx)), true
}

// bindRecordsByAddr decodes all bind streams into a vm-address-keyed map.
func (f *stubFixer) bindRecordsByAddr() map[uint64]BindRecord {
	records := make(map[uint64]BindRecord)
	if !f.hasInfo {
		return records
	}

	segs := f.m.Segments()
	addRecords := func(off, size uint32) {
		if size == 0 {
			return
		}
		recs, err := readBindInfo(f.linkeditBytes(off)[:size])
		if err != nil {
			// some caches leave bind info pointing at unrelated data
			f.ctx.Log.Debugf("error parsing bind info: %v", err)
		}
		for _, r := range recs {
			if int(r.SegIndex) >= len(segs) {
				continue
			}
			records[segs[r.SegIndex].Vmaddr()+r.SegOffset] = r
		}
	}

	addRecords(f.dyldInfo.BindOff(), f.dyldInfo.BindSize())
	addRecords(f.dyldInfo.WeakBindOff(), f.dyldInfo.WeakBindSize())
	addRecords(f.dyldInfo.LazyBindOff(), f.dyldInfo.LazyBindSize())
	return records
}

// setPointer writes a new target into a pointer slot and keeps the tracker
// in sync.
func (f *stubFixer) setPointer(addr, value uint64) {
	if data, err := f.m.ConvertAddr(addr); err == nil {
		f.m.Arch.WritePointer(data, value)
	}
	f.ctx.PointerTracker.Add(addr, value)
}

// fixStubHelpers points each lazy pointer back at its own stub helper, so
// lazy binding starts from this image rather than the cache's shared binder.
func (f *stubFixer) fixStubHelpers() {
	const regHelperSize = 0xC

	helperSect := f.m.GetSection("__TEXT", "__stub_helper")
	if helperSect == nil {
		return
	}

	canFixReg := f.hasInfo && f.dyldInfo.LazyBindSize() != 0
	var lazyBind []byte
	if canFixReg {
		lazyBind = f.linkeditBytes(f.dyldInfo.LazyBindOff())[:f.dyldInfo.LazyBindSize()]
	}

	helperAddr := helperSect.Addr()
	helperEnd := helperSect.Addr() + helperSect.Size()
	if f.utils.IsStubBinder(helperAddr) {
		helperAddr += 0x18 // size of binder
	}

	for helperAddr < helperEnd {
		f.ctx.Log.Update()

		if bindInfoOff, ok := f.utils.GetStubHelperData(helperAddr); ok {
			if canFixReg {
				rec, err := readBindRecordAt(lazyBind, bindInfoOff)
				if err == nil && int(rec.SegIndex) < len(f.m.Segments()) {
					pAddr := f.m.Segments()[rec.SegIndex].Vmaddr() + rec.SegOffset
					f.setPointer(pAddr, helperAddr)
				}
			} else {
				f.ctx.Log.Warnf("unable to fix stub helper at %#x without bind info", helperAddr)
			}
			helperAddr += regHelperSize
			continue
		}

		if res, ok := f.utils.GetResolverData(helperAddr); ok {
			if !f.m.ContainsAddr(res.TargetFunc) {
				f.ctx.Log.Warnf("stub resolver at %#x points outside of image", helperAddr)
			}
			f.setPointer(res.TargetPtr, helperAddr)
			helperAddr += res.Size
			continue
		}

		f.ctx.Log.Errorf("unknown stub helper format at %#x", helperAddr)
		helperAddr += regHelperSize // try to recover, will probably fail
	}
}

func (f *stubFixer) addStubInfo(addr uint64, info *SymbolicInfo) {
	have, ok := f.stubMap[addr]
	if !ok {
		have = &SymbolicInfo{}
		f.stubMap[addr] = have
	}
	for _, sym := range info.Symbols {
		have.add(sym)
		if f.reverseStubMap[sym.Name] == nil {
			f.reverseStubMap[sym.Name] = make(map[uint64]bool)
		}
		f.reverseStubMap[sym.Name][addr] = true
	}
}

func (f *stubFixer) scanStubs() {
	f.m.EnumerateSections(func(seg *macho.Segment, sect *macho.Section) bool {
		if sect.Type() != macho.SymbolStubs {
			return true
		}
		stubSize := uint64(sect.Reserved2())
		if stubSize == 0 {
			return true
		}
		indirectI := sect.Reserved1()

		for sAddr := sect.Addr(); sAddr < sect.Addr()+sect.Size(); sAddr, indirectI = sAddr+stubSize, indirectI+1 {
			f.ctx.Log.Update()

			stub, ok := f.utils.ResolveStub(sAddr)
			if !ok {
				f.ctx.Log.Errorf("unknown arm64 stub format at %#x", sAddr)
				continue
			}

			info := &SymbolicInfo{}

			if entry, name, ok := f.lookupIndirectEntry(indirectI); ok {
				info.add(Symbol{Name: name, Ordinal: uint64(entry.Desc >> 8)})
			}

			var ptrKinds []pointerKind
			switch stub.Format {
			case StubNormal:
				ptrKinds = []pointerKind{ptrLazy, ptrNormal}
			case AuthStubNormal:
				ptrKinds = []pointerKind{ptrAuth}
			}
			if pAddr := stub.TargetPtr; len(ptrKinds) > 0 && f.m.ContainsAddr(pAddr) {
				for _, kind := range ptrKinds {
					if pi := f.cache.pointerInfo(kind, pAddr); pi != nil {
						for _, s := range pi.Symbols {
							info.add(s)
						}
						break
					}
				}
			}

			targetFunc := f.utils.ResolveStubChain(sAddr)
			if set := f.symbolizer.SymbolizeAddr(targetFunc); set != nil {
				for _, s := range set.Symbols {
					info.add(s)
				}
			}

			if len(info.Symbols) == 0 {
				f.ctx.Log.Warnf("unable to symbolize stub at %#x", sAddr)
				continue
			}
			f.addStubInfo(sAddr, info)
			f.brokenStubs = append(f.brokenStubs, brokenStub{
				format: stub.Format,
				target: targetFunc,
				addr:   sAddr,
				size:   stubSize,
			})
		}
		return true
	})
}

// fixPass1 clears stubs that are not broken, or are trivially fixable by
// claiming the pointer they already use.
func (f *stubFixer) fixPass1() {
	remaining := f.brokenStubs[:0]
	for _, s := range f.brokenStubs {
		f.ctx.Log.Update()
		symbols := f.stubMap[s.addr]
		fixed := false

		switch s.format {
		case StubNormal:
			if pAddr, ok := f.utils.GetStubLdrAddr(s.addr); ok && f.m.ContainsAddr(pAddr) {
				switch {
				case f.cache.isAvailable(ptrLazy, pAddr):
					f.cache.used[ptrLazy][pAddr] = true
					fixed = true
				case f.cache.isAvailable(ptrNormal, pAddr):
					f.cache.used[ptrNormal][pAddr] = true
					f.setPointer(pAddr, 0)
					fixed = true
				case f.cache.unnamed[ptrLazy][pAddr]:
					f.cache.namePointer(ptrLazy, pAddr, symbols)
					f.cache.used[ptrLazy][pAddr] = true
					fixed = true
				case f.cache.unnamed[ptrNormal][pAddr]:
					f.cache.namePointer(ptrNormal, pAddr, symbols)
					f.cache.used[ptrNormal][pAddr] = true
					f.setPointer(pAddr, 0)
					fixed = true
				default:
					f.ctx.Log.Warnf("unable to find the pointer a normal stub at %#x uses", s.addr)
				}
			}

		case AuthStubNormal:
			if pAddr, ok := f.utils.GetAuthStubLdrAddr(s.addr); ok && f.m.ContainsAddr(pAddr) {
				switch {
				case f.cache.isAvailable(ptrAuth, pAddr):
					f.cache.used[ptrAuth][pAddr] = true
					f.setPointer(pAddr, 0)
					fixed = true
				case f.cache.unnamed[ptrAuth][pAddr]:
					f.cache.namePointer(ptrAuth, pAddr, symbols)
					f.cache.used[ptrAuth][pAddr] = true
					f.setPointer(pAddr, 0)
					fixed = true
				default:
					f.ctx.Log.Warnf("unable to find the pointer a normal auth stub at %#x uses", s.addr)
				}
			}

		case StubOptimized:
			if s.size == 0x10 && len(f.cache.ptr[ptrAuth]) > 0 {
				// older caches: optimized auth stubs resemble regular optimized stubs
				s.format = AuthStubOptimized
			}

		case StubResolver:
			if f.m.ContainsAddr(s.target) {
				fixed = true
			}
		}

		if !fixed {
			remaining = append(remaining, s)
		}
	}
	f.brokenStubs = remaining
}

// claimPointer finds an unused pointer for the given symbols, preferring
// named pointers, then unnamed ones.
func (f *stubFixer) claimPointer(kinds []pointerKind, symbols *SymbolicInfo, zeroOut bool) uint64 {
	for _, kind := range kinds {
		for _, sym := range symbols.Symbols {
			for addr := range f.cache.reverse[kind][sym.Name] {
				if f.cache.used[kind][addr] {
					continue
				}
				f.cache.used[kind][addr] = true
				if zeroOut && kind != ptrLazy {
					f.setPointer(addr, 0)
				}
				return addr
			}
		}
	}
	for _, kind := range kinds {
		for addr := range f.cache.unnamed[kind] {
			f.cache.namePointer(kind, addr, symbols)
			f.cache.used[kind][addr] = true
			if zeroOut && kind != ptrLazy {
				f.setPointer(addr, 0)
			}
			return addr
		}
	}
	return 0
}

// fixPass2 rewrites optimized stubs back into normal form through a claimed
// pointer slot.
func (f *stubFixer) fixPass2() {
	for _, s := range f.brokenStubs {
		f.ctx.Log.Update()
		symbols := f.stubMap[s.addr]

		loc, err := f.m.ConvertAddr(s.addr)
		if err != nil {
			continue
		}

		switch s.format {
		case StubNormal, StubOptimized:
			pAddr := f.claimPointer([]pointerKind{ptrLazy, ptrNormal}, symbols, true)
			if pAddr == 0 {
				f.ctx.Log.Warnf("unable to fix optimized stub at %#x", s.addr)
				continue
			}
			f.utils.WriteNormalStub(loc, s.addr, pAddr)

		case AuthStubNormal, AuthStubOptimized:
			pAddr := f.claimPointer([]pointerKind{ptrAuth}, symbols, false)
			if pAddr == 0 {
				f.ctx.Log.Warnf("unable to fix optimized auth stub at %#x", s.addr)
				continue
			}
			f.utils.WriteNormalAuthStub(loc, s.addr, pAddr)
			f.cache.used[ptrAuth][pAddr] = true
			f.setPointer(pAddr, 0)

		case StubResolver:
			f.ctx.Log.Errorf("unable to fix stub resolver at %#x", s.addr)
		}
	}
}

// fixCallsites retargets b/bl instructions whose targets were folded into
// another image's text, pointing them back at this image's stubs.
func (f *stubFixer) fixCallsites() {
	textSect := f.m.GetSection("__TEXT", "__text")
	if textSect == nil {
		f.ctx.Log.Warnf("unable to find text section")
		return
	}

	data, err := f.m.ConvertAddr(textSect.Addr())
	if err != nil {
		return
	}
	size := textSect.Size()

	for off := uint64(0); off+4 <= size; off += 4 {
		iAddr := textSect.Addr() + off
		raw := data[off : off+4]
		op := binary.LittleEndian.Uint32(raw)

		if !isBranchImm(op, raw) {
			continue
		}

		brOff := signExtend(uint64(op&0x3FFFFFF)<<2, 28)
		brTarget := uint64(int64(iAddr) + brOff)

		if f.m.ContainsAddr(brTarget) {
			continue
		}

		brTargetFunc := f.utils.ResolveStubChain(brTarget)
		names := f.symbolizer.SymbolizeAddr(brTargetFunc)
		if names == nil {
			// data in __text can match the branch filter; skip the usual
			// false-positive shapes
			if off >= 4 {
				lastTop := data[off-1] & 0xFC
				if lastTop == 0x94 || lastTop == 0x14 || lastTop == 0xD4 {
					continue
				}
			}
			if brTarget == brTargetFunc {
				continue
			}
			if !f.ctx.Accel.InCodeRegion(brTargetFunc) {
				continue
			}
			f.ctx.Log.Warnf("unable to symbolize branch at %#x with target %#x", iAddr, brTarget)
			continue
		}

		fixed := false
		for _, name := range names.Symbols {
			for stubAddr := range f.reverseStubMap[name.Name] {
				imm26 := uint32((int64(stubAddr)-int64(iAddr))>>2) & 0x3FFFFFF
				binary.LittleEndian.PutUint32(raw, op&0xFC000000|imm26)
				fixed = true
				break
			}
			if fixed {
				break
			}
		}
		if fixed {
			f.ctx.Log.Update()
		} else {
			f.ctx.Log.Warnf("unable to find stub for branch at %#x with target %#x", iAddr, brTarget)
		}
	}
}

// checkIndirectEntries rebuilds the indirect table in section order and
// synthesizes redacted entries for __got/__auth_got sections whose type the
// cache builder stripped.
func (f *stubFixer) checkIndirectEntries() {
	if f.dysymtab.Indirectsymoff() == 0 {
		f.ctx.Log.Warnf("image does not contain indirect entries")
		return
	}

	changed := false
	hasStubs := false
	var newEntries []uint32
	entries := f.linkeditBytes(f.dysymtab.Indirectsymoff())
	ptrSize := uint64(f.m.Arch.PointerSize)

	readEntries := func(start, n uint32) []uint32 {
		out := make([]uint32, 0, n)
		for i := uint32(0); i < n; i++ {
			out = append(out, binary.LittleEndian.Uint32(entries[(start+i)*4:]))
		}
		return out
	}

	f.m.EnumerateSections(func(seg *macho.Segment, sect *macho.Section) bool {
		f.ctx.Log.Update()
		newStart := uint32(len(newEntries))

		switch sect.Type() {
		case macho.NonLazySymbolPointers, macho.LazySymbolPointers,
			macho.ThreadLocalVariablePointers, macho.LazyDylibSymbolPointers:
			n := uint32(sect.Size() / ptrSize)
			newEntries = append(newEntries, readEntries(sect.Reserved1(), n)...)
			if sect.Reserved1() != newStart {
				sect.SetReserved1(newStart)
				changed = true
			}
			return true
		case macho.SymbolStubs:
			hasStubs = true
			if sect.Reserved2() == 0 {
				return true
			}
			n := uint32(sect.Size() / uint64(sect.Reserved2()))
			newEntries = append(newEntries, readEntries(sect.Reserved1(), n)...)
			if sect.Reserved1() != newStart {
				sect.SetReserved1(newStart)
				changed = true
			}
			return true
		}

		if (sect.Name == "__got" || sect.Name == "__auth_got") && sect.Type() == 0 {
			sect.SetFlags(sect.Flags() | macho.NonLazySymbolPointers)

			n := uint32(sect.Size() / ptrSize)
			if (hasStubs && sect.Reserved1() != 0) || (!hasStubs && sect.Reserved1() == 0) {
				// section type was stripped but the index is still valid
				newEntries = append(newEntries, readEntries(sect.Reserved1(), n)...)
				if sect.Reserved1() != newStart {
					sect.SetReserved1(newStart)
					changed = true
				}
			} else {
				// need to add redacted entries
				f.ctx.HasRedactedIndirect = true
				changed = true
				sect.SetReserved1(newStart)
				newEntries = append(newEntries, make([]uint32, n)...)
			}
		}
		return true
	})

	if !changed {
		return
	}

	tracker := f.ctx.LinkeditTracker
	meta := tracker.FindTag(TagIndirectSymtab)
	if meta == nil {
		f.ctx.Log.Errorf("unable to find indirect entries data")
		return
	}
	size := uint32(len(newEntries)) * 4
	if !tracker.ResizeData(meta, utils.Align32(size, 8)) {
		f.ctx.Log.Errorf("unable to resize indirect entries data")
		return
	}

	dst := tracker.Linkedit()[meta.DataOff:]
	for i, e := range newEntries {
		binary.LittleEndian.PutUint32(dst[i*4:], e)
	}
	f.dysymtab.SetNindirectsyms(uint32(len(newEntries)))
}

// fixIndirectEntries back-fills each redacted indirect entry with a fresh
// imported symbol, using the trailing nlist slots the linkedit optimizer
// reserved.
func (f *stubFixer) fixIndirectEntries() {
	if !f.ctx.HasRedactedIndirect {
		return
	}

	tracker := f.ctx.LinkeditTracker
	arch := f.m.Arch
	entryIndex := f.dysymtab.Iundefsym() + f.dysymtab.Nundefsym()
	stringsIndex := f.symtab.Strsize()

	var newEntries []macho.Nlist
	var newStrings []string

	indirect := func(i uint32) uint32 {
		return binary.LittleEndian.Uint32(f.linkeditBytes(f.dysymtab.Indirectsymoff())[i*4:])
	}
	setIndirect := func(i, v uint32) {
		binary.LittleEndian.PutUint32(f.linkeditBytes(f.dysymtab.Indirectsymoff())[i*4:], v)
	}

	backfill := func(info *SymbolicInfo, indirectI uint32) {
		preferred := info.Preferred()
		newEntries = append(newEntries, macho.Nlist{
			Strx: stringsIndex,
			Type: 1, // undefined external import
			Desc: uint16(preferred.Ordinal) << 8,
		})
		newStrings = append(newStrings, preferred.Name)
		setIndirect(indirectI, entryIndex)
		entryIndex++
		stringsIndex += uint32(len(preferred.Name)) + 1
	}

	ptrSize := uint64(arch.PointerSize)
	f.m.EnumerateSections(func(seg *macho.Segment, sect *macho.Section) bool {
		switch sect.Type() {
		case macho.NonLazySymbolPointers, macho.LazySymbolPointers:
			kind := f.cache.pointerType(sect)
			indirectI := sect.Reserved1()
			for pAddr := sect.Addr(); pAddr < sect.Addr()+sect.Size(); pAddr, indirectI = pAddr+ptrSize, indirectI+1 {
				if indirect(indirectI) != 0 {
					continue
				}
				info := f.cache.pointerInfo(kind, pAddr)
				if info == nil {
					if !f.m.ContainsAddr(f.ctx.PointerTracker.SlideP(pAddr)) {
						f.ctx.Log.Debugf("unable to symbolize pointer at %#x for redacted indirect entry", pAddr)
					}
					continue
				}
				backfill(info, indirectI)
			}

		case macho.SymbolStubs:
			if sect.Reserved2() == 0 {
				return true
			}
			indirectI := sect.Reserved1()
			for sAddr := sect.Addr(); sAddr < sect.Addr()+sect.Size(); sAddr, indirectI = sAddr+uint64(sect.Reserved2()), indirectI+1 {
				if indirect(indirectI) != 0 {
					continue
				}
				info, ok := f.stubMap[sAddr]
				if !ok {
					f.ctx.Log.Debugf("unable to symbolize stub at %#x for redacted indirect entry", sAddr)
					continue
				}
				backfill(info, indirectI)
			}

		case macho.ThreadLocalVariablePointers:
			// ignore
		case macho.LazyDylibSymbolPointers:
			f.ctx.Log.Warnf("unable to handle indirect entries for lazy dylib symbol pointer section")
		}
		return true
	})

	if len(newEntries) == 0 {
		return
	}

	// extend the symbol entries region
	symsMeta := tracker.FindTag(TagSymbolEntries)
	if symsMeta == nil {
		f.ctx.Log.Errorf("unable to find symbol entries data")
		return
	}
	newEntriesOff := symsMeta.DataOff + f.symtab.Nsyms()*arch.NlistSize
	sizeOfNewEntries := uint32(len(newEntries)) * arch.NlistSize
	need := f.symtab.Nsyms()*arch.NlistSize + sizeOfNewEntries
	if need > symsMeta.Size {
		if !tracker.ResizeData(symsMeta, utils.Align32(need, 8)) {
			f.ctx.Log.Errorf("unable to extend the symbol entries region")
			return
		}
	}
	dst := tracker.Linkedit()[newEntriesOff:]
	for i, n := range newEntries {
		arch.WriteNlist(dst[uint32(i)*arch.NlistSize:], n)
	}

	// extend the string pool region
	strsMeta := tracker.FindTag(TagStringPool)
	if strsMeta == nil {
		f.ctx.Log.Errorf("unable to find the strings data")
		return
	}
	newStringsOff := strsMeta.DataOff + f.symtab.Strsize()
	sizeOfNewStrings := stringsIndex - f.symtab.Strsize()
	if f.symtab.Strsize()+sizeOfNewStrings > strsMeta.Size {
		if !tracker.ResizeData(strsMeta, utils.Align32(f.symtab.Strsize()+sizeOfNewStrings, 8)) {
			f.ctx.Log.Errorf("unable to extend the strings region")
			return
		}
	}
	sdst := tracker.Linkedit()[newStringsOff:]
	for _, s := range newStrings {
		copy(sdst, s)
		sdst[len(s)] = 0
		sdst = sdst[len(s)+1:]
	}

	f.symtab.SetNsyms(f.symtab.Nsyms() + uint32(len(newEntries)))
	f.symtab.SetStrsize(f.symtab.Strsize() + sizeOfNewStrings)
	f.dysymtab.SetNundefsym(f.dysymtab.Nundefsym() + uint32(len(newEntries)))
}
