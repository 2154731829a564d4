package extractor

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/macho"
)

// OptimizeLinkedit rebuilds the image's __LINKEDIT from the cache-wide pools
// into per-image-local form. Region order: binding, weak binding, lazy
// binding, export info, symbol entries, function starts, data-in-code,
// indirect symbol table, string pool; every region 8-byte aligned and
// registered with the context's LinkeditTracker.
func OptimizeLinkedit(ctx *Context) error {
	ctx.Log.SetModule("Linkedit Optimizer")
	checkLoadCommands(ctx)

	tracker, err := NewLinkeditTracker(ctx.Mach)
	if err != nil {
		return err
	}
	ctx.LinkeditTracker = tracker

	opt, err := newLinkeditOptimizer(ctx, tracker)
	if err != nil {
		return err
	}

	opt.copyBindingInfo()
	opt.copyWeakBindingInfo()
	opt.copyLazyBindingInfo()
	opt.copyExportInfo()

	opt.startSymbolEntries()
	opt.searchRedactedSymbol()
	opt.copyLocalSymbols()
	opt.copyExportedSymbols()
	opt.copyImportedSymbols()
	opt.endSymbolEntries()

	opt.copyFunctionStarts()
	opt.copyDataInCode()
	opt.copyIndirectSymbolTable()
	opt.copyStringPool()

	opt.commit()
	return nil
}

type linkeditOptimizer struct {
	ctx     *Context
	m       *macho.File
	tracker *LinkeditTracker

	pool        *StringPool
	newLinkedit []byte
	offset      uint32

	// the sub-cache file holding the old __LINKEDIT; command offset fields
	// are relative to it
	linkeditFile []byte
	linkeditOff  uint32

	symtab       macho.SymtabView
	hasSymtab    bool
	dysymtab     macho.DysymtabView
	hasDysymtab  bool
	dyldInfo     macho.DyldInfoView
	hasDyldInfo  bool
	exportTrie   macho.LinkeditDataView
	hasExpTrie   bool

	symbolsCount          uint32
	redactedSymbolsCount  uint32
	newSymbolEntriesStart uint32
	newSymbolIndices      map[uint32]uint32
}

func newLinkeditOptimizer(ctx *Context, tracker *LinkeditTracker) (*linkeditOptimizer, error) {
	m := ctx.Mach
	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil, fmt.Errorf("image has no __LINKEDIT segment")
	}

	sc, fileOff, err := m.Cache().ConvertAddr(linkeditSeg.Vmaddr())
	if err != nil {
		return nil, err
	}

	opt := &linkeditOptimizer{
		ctx:              ctx,
		m:                m,
		tracker:          tracker,
		pool:             NewStringPool(),
		newLinkedit:      make([]byte, linkeditSeg.Vmsize()),
		linkeditFile:     sc.Data,
		linkeditOff:      uint32(fileOff),
		newSymbolIndices: make(map[uint32]uint32),
	}
	opt.symtab, opt.hasSymtab = m.Symtab()
	opt.dysymtab, opt.hasDysymtab = m.Dysymtab()
	opt.dyldInfo, opt.hasDyldInfo = m.DyldInfo()
	opt.exportTrie, opt.hasExpTrie = m.LinkeditDataCmd(types.LC_DYLD_EXPORTS_TRIE)
	if !opt.hasSymtab {
		return nil, fmt.Errorf("image has no LC_SYMTAB")
	}
	return opt, nil
}

// copyRegion copies size bytes from the old linkedit file at oldOff into the
// rebuild buffer, registers the region against fieldOff, and stores the new
// file offset into the command field.
func (o *linkeditOptimizer) copyRegion(tag TrackerTag, fieldOff uint32, oldOff, size uint32, set func(uint32)) {
	if size == 0 {
		return
	}
	copy(o.newLinkedit[o.offset:], o.linkeditFile[oldOff:oldOff+size])

	aligned := utils.Align32(size, 8)
	o.tracker.TrackData(&TrackedData{Tag: tag, FieldOff: fieldOff, DataOff: o.offset, Size: aligned})
	set(o.linkeditOff + o.offset)

	o.offset += aligned
	o.ctx.Log.Update()
}

func (o *linkeditOptimizer) copyBindingInfo() {
	if !o.hasDyldInfo {
		return
	}
	o.copyRegion(TagBindInfo, o.dyldInfo.BindOffField(), o.dyldInfo.BindOff(), o.dyldInfo.BindSize(), o.dyldInfo.SetBindOff)
}

func (o *linkeditOptimizer) copyWeakBindingInfo() {
	if !o.hasDyldInfo {
		return
	}
	o.copyRegion(TagWeakBindInfo, o.dyldInfo.WeakBindOffField(), o.dyldInfo.WeakBindOff(), o.dyldInfo.WeakBindSize(), o.dyldInfo.SetWeakBindOff)
}

func (o *linkeditOptimizer) copyLazyBindingInfo() {
	if !o.hasDyldInfo {
		return
	}
	o.copyRegion(TagLazyBindInfo, o.dyldInfo.LazyBindOffField(), o.dyldInfo.LazyBindOff(), o.dyldInfo.LazyBindSize(), o.dyldInfo.SetLazyBindOff)
}

// copyExportInfo prefers LC_DYLD_EXPORTS_TRIE over LC_DYLD_INFO's export blob.
func (o *linkeditOptimizer) copyExportInfo() {
	if o.hasExpTrie {
		o.copyRegion(TagExportTrie, o.exportTrie.DataoffField(), o.exportTrie.Dataoff(), o.exportTrie.Datasize(), o.exportTrie.SetDataoff)
	} else if o.hasDyldInfo {
		o.copyRegion(TagExportTrie, o.dyldInfo.ExportOffField(), o.dyldInfo.ExportOff(), o.dyldInfo.ExportSize(), o.dyldInfo.SetExportOff)
	}
}

func (o *linkeditOptimizer) startSymbolEntries() {
	o.newSymbolEntriesStart = o.offset
}

// searchRedactedSymbol scans the indirect table for zeroed entries; any
// found get one literal "<redacted>" placeholder symbol prepended.
func (o *linkeditOptimizer) searchRedactedSymbol() {
	if !o.hasDysymtab {
		return
	}
	indirect := o.linkeditFile[o.dysymtab.Indirectsymoff():]
	for i := uint32(0); i < o.dysymtab.Nindirectsyms(); i++ {
		if binary.LittleEndian.Uint32(indirect[i*4:]) == 0 {
			o.redactedSymbolsCount++
		}
	}

	if o.redactedSymbolsCount > 0 {
		strx := o.pool.Add(RedactedSymbolName)
		o.m.Arch.WriteNlist(o.newLinkedit[o.offset:], macho.Nlist{
			Strx: strx,
			Type: types.N_EXT, // external undefined placeholder
		})
		o.symbolsCount++
		o.offset += o.m.Arch.NlistSize
		o.ctx.HasRedactedIndirect = true
	}
}

func (o *linkeditOptimizer) copyLocalSymbols() {
	start := o.symbolsCount
	n := o.copyPublicLocalSymbols()
	n += o.copyRedactedLocalSymbols()

	if n > 0 && o.hasDysymtab {
		o.dysymtab.SetIlocalsym(start)
		o.dysymtab.SetNlocalsym(n)
	}
}

// copyPublicLocalSymbols copies the image's own local symbols, skipping the
// literal "<redacted>" placeholders the cache builder left.
func (o *linkeditOptimizer) copyPublicLocalSymbols() uint32 {
	if !o.hasDysymtab || o.dysymtab.Nlocalsym() == 0 {
		return 0
	}
	var count uint32
	syms := o.linkeditFile[o.symtab.Symoff():]
	strs := o.linkeditFile[o.symtab.Stroff():]
	arch := o.m.Arch

	for i := o.dysymtab.Ilocalsym(); i < o.dysymtab.Ilocalsym()+o.dysymtab.Nlocalsym(); i++ {
		entry := arch.ReadNlist(syms[i*arch.NlistSize:])
		name := cstringAt(strs, uint64(entry.Strx))
		if name == RedactedSymbolName {
			continue
		}
		entry.Strx = o.pool.Add(name)
		arch.WriteNlist(o.newLinkedit[o.offset+count*arch.NlistSize:], entry)
		count++
		o.symbolsCount++
		o.ctx.Log.Update()
	}

	o.offset += count * arch.NlistSize
	return count
}

// copyRedactedLocalSymbols recovers this image's stripped locals from the
// symbols sub-cache, matching its entry by __TEXT file offset (old caches)
// or vm offset from the shared region start (new caches).
func (o *linkeditOptimizer) copyRedactedLocalSymbols() uint32 {
	cache := o.ctx.Cache
	nlists, strs, ok := cache.LocalSymbolsBlob()
	if !ok {
		return 0
	}

	textSeg := o.m.GetSegment("__TEXT")
	if textSeg == nil {
		return 0
	}
	var machoOffset uint64
	if cache.LocalSymbolsEntryUses64BitOffsets() {
		machoOffset = textSeg.Vmaddr() - cache.SharedRegionStart
	} else {
		_, off, err := cache.ConvertAddr(textSeg.Vmaddr())
		if err != nil {
			return 0
		}
		machoOffset = off
	}

	var entry *CacheLocalSymbolsEntryRef
	for i := range cache.LocalSymEntries {
		if cache.LocalSymEntries[i].DylibOffset == machoOffset {
			entry = &CacheLocalSymbolsEntryRef{
				NlistStartIndex: cache.LocalSymEntries[i].NlistStartIndex,
				NlistCount:      cache.LocalSymEntries[i].NlistCount,
			}
			break
		}
	}
	if entry == nil {
		o.ctx.Log.Warnf("unable to find local symbol entries for %s", o.ctx.Image.Name)
		return 0
	}

	arch := o.m.Arch
	var count uint32
	for i := entry.NlistStartIndex; i < entry.NlistStartIndex+entry.NlistCount; i++ {
		sym := arch.ReadNlist(nlists[i*arch.NlistSize:])
		sym.Strx = o.pool.Add(cstringAt(strs, uint64(sym.Strx)))
		arch.WriteNlist(o.newLinkedit[o.offset+count*arch.NlistSize:], sym)
		count++
		o.symbolsCount++
		o.ctx.Log.Update()
	}

	o.offset += count * arch.NlistSize
	return count
}

// copySymbolRange copies [start,start+n) of the original symbol table,
// re-interning names and recording the old->new index mapping.
func (o *linkeditOptimizer) copySymbolRange(start, n uint32) uint32 {
	arch := o.m.Arch
	syms := o.linkeditFile[o.symtab.Symoff():]
	strs := o.linkeditFile[o.symtab.Stroff():]

	var count uint32
	for i := start; i < start+n; i++ {
		entry := arch.ReadNlist(syms[i*arch.NlistSize:])
		entry.Strx = o.pool.Add(cstringAt(strs, uint64(entry.Strx)))
		arch.WriteNlist(o.newLinkedit[o.offset+count*arch.NlistSize:], entry)

		o.newSymbolIndices[i] = o.symbolsCount
		count++
		o.symbolsCount++
		o.ctx.Log.Update()
	}
	o.offset += count * arch.NlistSize
	return count
}

func (o *linkeditOptimizer) copyExportedSymbols() {
	if !o.hasDysymtab {
		o.ctx.Log.Warnf("unable to copy exported symbols without LC_DYSYMTAB")
		return
	}
	start := o.symbolsCount
	count := o.copySymbolRange(o.dysymtab.Iextdefsym(), o.dysymtab.Nextdefsym())
	if count > 0 {
		o.dysymtab.SetIextdefsym(start)
		o.dysymtab.SetNextdefsym(count)
	}
}

func (o *linkeditOptimizer) copyImportedSymbols() {
	if !o.hasDysymtab {
		o.ctx.Log.Warnf("unable to copy imported symbols without LC_DYSYMTAB")
		return
	}
	start := o.symbolsCount
	count := o.copySymbolRange(o.dysymtab.Iundefsym(), o.dysymtab.Nundefsym())
	if count > 0 {
		o.dysymtab.SetIundefsym(start)
		o.dysymtab.SetNundefsym(count)
	}
}

// endSymbolEntries reserves one empty nlist slot per redacted indirect entry
// (back-filled by the stub fixer) and registers the whole symbol region.
func (o *linkeditOptimizer) endSymbolEntries() {
	o.offset += o.m.Arch.NlistSize * o.redactedSymbolsCount

	size := utils.Align32(o.offset-o.newSymbolEntriesStart, 8)
	o.tracker.TrackData(&TrackedData{
		Tag:      TagSymbolEntries,
		FieldOff: o.symtab.SymoffField(),
		DataOff:  o.newSymbolEntriesStart,
		Size:     size,
	})
	o.symtab.SetSymoff(o.linkeditOff + o.newSymbolEntriesStart)
	o.symtab.SetNsyms(o.symbolsCount)
	o.offset = o.newSymbolEntriesStart + size
}

func (o *linkeditOptimizer) copyFunctionStarts() {
	cmd, ok := o.m.LinkeditDataCmd(types.LC_FUNCTION_STARTS)
	if !ok {
		return
	}
	o.copyRegion(TagFunctionStarts, cmd.DataoffField(), cmd.Dataoff(), cmd.Datasize(), cmd.SetDataoff)
}

func (o *linkeditOptimizer) copyDataInCode() {
	cmd, ok := o.m.LinkeditDataCmd(types.LC_DATA_IN_CODE)
	if !ok {
		return
	}
	o.copyRegion(TagDataInCode, cmd.DataoffField(), cmd.Dataoff(), cmd.Datasize(), cmd.SetDataoff)
}

// copyIndirectSymbolTable copies the table, passing the ABS/LOCAL/zero
// sentinels through unchanged and remapping everything else through the
// old->new symbol index map.
func (o *linkeditOptimizer) copyIndirectSymbolTable() {
	if !o.hasDysymtab {
		return
	}
	entries := o.linkeditFile[o.dysymtab.Indirectsymoff():]
	n := o.dysymtab.Nindirectsyms()

	for i := uint32(0); i < n; i++ {
		entry := binary.LittleEndian.Uint32(entries[i*4:])
		if entry == macho.IndirectSymbolAbs || entry == macho.IndirectSymbolLocal ||
			entry == macho.IndirectSymbolAbs|macho.IndirectSymbolLocal || entry == 0 {
			binary.LittleEndian.PutUint32(o.newLinkedit[o.offset+i*4:], entry)
			continue
		}
		binary.LittleEndian.PutUint32(o.newLinkedit[o.offset+i*4:], o.newSymbolIndices[entry])
		o.ctx.Log.Update()
	}

	size := utils.Align32(n*4, 8)
	o.tracker.TrackData(&TrackedData{
		Tag:      TagIndirectSymtab,
		FieldOff: o.dysymtab.IndirectsymoffField(),
		DataOff:  o.offset,
		Size:     size,
	})
	o.dysymtab.SetIndirectsymoff(o.linkeditOff + o.offset)
	o.offset += size
}

func (o *linkeditOptimizer) copyStringPool() {
	size := o.pool.Write(o.newLinkedit[o.offset:])
	o.symtab.SetStroff(o.linkeditOff + o.offset)
	o.symtab.SetStrsize(size)

	aligned := utils.Align32(size, 8)
	o.tracker.TrackData(&TrackedData{
		Tag:      TagStringPool,
		FieldOff: o.symtab.StroffField(),
		DataOff:  o.offset,
		Size:     aligned,
	})
	o.offset += aligned
	o.ctx.Log.Update()
}

// commit overwrites the old __LINKEDIT with the rebuilt buffer and shrinks
// the segment to the final cursor.
func (o *linkeditOptimizer) commit() {
	le := o.tracker.Linkedit()
	copy(le, o.newLinkedit[:o.offset])
	for i := o.offset; i < uint32(len(le)); i++ {
		le[i] = 0
	}

	linkeditSeg := o.m.GetSegment("__LINKEDIT")
	linkeditSeg.SetVmsize(uint64(o.offset))
	linkeditSeg.SetFilesize(uint64(o.offset))
}

// CacheLocalSymbolsEntryRef is the located range of an image's redacted
// locals inside the symbols sub-cache blob.
type CacheLocalSymbolsEntryRef struct {
	NlistStartIndex uint32
	NlistCount      uint32
}

// checkLoadCommands classifies every load command, warning about linkedit
// data the rebuild does not carry over.
func checkLoadCommands(ctx *Context) {
	cmds, err := ctx.Mach.LoadCommands()
	if err != nil {
		ctx.Log.Errorf("unable to walk load commands: %v", err)
		return
	}
	for _, lc := range cmds {
		switch lc.Cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64,
			types.LC_IDFVMLIB, types.LC_LOADFVMLIB,
			types.LC_ID_DYLIB, types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB,
			types.LC_REEXPORT_DYLIB, types.LC_LOAD_UPWARD_DYLIB, types.LC_LAZY_LOAD_DYLIB,
			types.LC_SUB_FRAMEWORK, types.LC_SUB_CLIENT, types.LC_SUB_UMBRELLA, types.LC_SUB_LIBRARY,
			types.LC_PREBOUND_DYLIB, types.LC_ID_DYLINKER, types.LC_LOAD_DYLINKER, types.LC_DYLD_ENVIRONMENT,
			types.LC_THREAD, types.LC_UNIXTHREAD, types.LC_ROUTINES, types.LC_ROUTINES_64,
			types.LC_PREBIND_CKSUM, types.LC_UUID, types.LC_RPATH, types.LC_FILESET_ENTRY,
			types.LC_ENCRYPTION_INFO, types.LC_ENCRYPTION_INFO_64,
			types.LC_VERSION_MIN_MACOSX, types.LC_VERSION_MIN_IPHONEOS,
			types.LC_VERSION_MIN_WATCHOS, types.LC_VERSION_MIN_TVOS,
			types.LC_BUILD_VERSION, types.LC_LINKER_OPTION, types.LC_IDENT,
			types.LC_FVMFILE, types.LC_MAIN, types.LC_SOURCE_VERSION:
			// no linkedit data

		case types.LC_SYMTAB, types.LC_DYSYMTAB, types.LC_DYLD_EXPORTS_TRIE,
			types.LC_FUNCTION_STARTS, types.LC_DATA_IN_CODE,
			types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			// linkedit data, handled by the rebuild

		case types.LC_TWOLEVEL_HINTS, types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO,
			types.LC_DYLIB_CODE_SIGN_DRS, types.LC_LINKER_OPTIMIZATION_HINT,
			types.LC_DYLD_CHAINED_FIXUPS, types.LC_SYMSEG, types.LC_NOTE:
			ctx.Log.Warnf("unhandled load command %#x, may contain linkedit data", uint32(lc.Cmd))

		default:
			ctx.Log.Warnf("unknown load command %#x, may contain linkedit data", uint32(lc.Cmd))
		}
	}
}
