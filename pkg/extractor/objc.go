package extractor

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/dyldex/pkg/macho"
)

// objc image-info flag set by the cache builder.
const objcImageInfoOptimizedByDyld = 0x8

// method_list_t entsize flag marking the "small" (relative offset) form.
const objcSmallMethodListFlag = 0x80000000

// FixObjc unpacks the dyld cache's Objective-C optimizations back into the
// shapes compilers emit: per-image selector strings, local class/category/
// protocol metadata, and absolute-form method lists. New data that cannot
// live inside the image's vm range is placed in an extra-data region.
func FixObjc(ctx *Context) error {
	ctx.Log.SetModule("ObjC Fixer")

	if ctx.Symbolizer == nil {
		ctx.Symbolizer = NewSymbolizer(ctx)
		if err := ctx.Symbolizer.Enumerate(); err != nil {
			return err
		}
	}

	f := &objcFixer{ctx: ctx, m: ctx.Mach}
	return f.fix()
}

type objcFixer struct {
	ctx *Context
	m   *macho.File

	// relMethodNameBase is the selector base address small method lists are
	// relative to (libobjc opt data version >= 16), 0 when entry-relative.
	relMethodNameBase uint64

	classes       map[uint64]uint64 // processed class addr -> final addr
	methodLists   map[uint64]uint64
	protocolLists map[uint64]uint64
	selectors     map[string]uint64 // per-image selector string addr
	processing    map[uint64]bool
}

func (f *objcFixer) fix() error {
	imageInfo := f.m.GetSection("", "__objc_imageinfo")
	if imageInfo == nil {
		return nil
	}
	info, err := f.m.ConvertAddr(imageInfo.Addr())
	if err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint32(info[4:])
	if flags&objcImageInfoOptimizedByDyld == 0 {
		f.ctx.Log.Debugf("objc not optimized by dyld")
		return nil
	}
	binary.LittleEndian.PutUint32(info[4:], flags&^objcImageInfoOptimizedByDyld)

	f.classes = make(map[uint64]uint64)
	f.methodLists = make(map[uint64]uint64)
	f.protocolLists = make(map[uint64]uint64)
	f.selectors = make(map[string]uint64)
	f.processing = make(map[uint64]bool)

	f.detectMethodNameStorage()
	f.allocateDataRegion()

	f.processSelRefs()
	f.processClassList()
	f.processCategoryList()
	f.processProtocolList()
	return nil
}

// detectMethodNameStorage locates libobjc's optimization data; from version
// 16 on, small method-list name offsets are relative to a shared selector
// base instead of to the entry itself.
func (f *objcFixer) detectMethodNameStorage() {
	var libobjc *macho.File
	for _, image := range f.ctx.Cache.Images {
		if strings.Contains(image.Name, "/libobjc.") {
			m, err := macho.NewFile(f.ctx.Cache, image, f.m.Arch)
			if err == nil {
				libobjc = m
			}
			break
		}
	}
	if libobjc == nil {
		f.ctx.Log.Warnf("unable to find libobjc in the cache")
		return
	}

	optRo := libobjc.GetSection("", "__objc_opt_ro")
	if optRo == nil {
		return
	}
	data, err := libobjc.ConvertAddr(optRo.Addr())
	if err != nil {
		return
	}
	version := binary.LittleEndian.Uint32(data)
	if version >= 16 {
		// relativeMethodSelectorBaseAddressOffset lives at +0x18
		off := binary.LittleEndian.Uint64(data[0x18:])
		if off != 0 {
			f.relMethodNameBase = optRo.Addr() + off
		}
	}
}

// allocateDataRegion starts the extra-data region after the highest segment
// below __LINKEDIT.
func (f *objcFixer) allocateDataRegion() {
	var dataStart uint64
	extendsSeg := "__DATA"
	for _, seg := range f.m.Segments() {
		if seg.Name == "__LINKEDIT" {
			continue
		}
		if end := seg.Vmaddr() + seg.Vmsize(); end > dataStart {
			dataStart = end
			extendsSeg = seg.Name
		}
	}
	dataStart = (dataStart + uint64(f.m.Arch.PointerSize) - 1) &^ (uint64(f.m.Arch.PointerSize) - 1)
	f.ctx.ExObjc = NewExtraData(extendsSeg, dataStart)
}

// readString reads a NUL-terminated string at a cache vm address.
func (f *objcFixer) readString(addr uint64) (string, bool) {
	sc, off, err := f.ctx.Cache.ConvertAddr(addr)
	if err != nil {
		return "", false
	}
	return cstringAt(sc.Data, off), true
}

// localSelector returns a per-image address for a selector string,
// synthesizing a copy in extra data when the cache's pool is unreachable.
func (f *objcFixer) localSelector(name string) uint64 {
	if addr, ok := f.selectors[name]; ok {
		return addr
	}
	addr := f.ctx.ExObjc.AddString(name)
	f.selectors[name] = addr
	return addr
}

// setSlot rewrites a pointer slot and keeps the tracker in sync.
func (f *objcFixer) setSlot(addr, value uint64) {
	loc, err := f.m.ConvertAddr(addr)
	if err == nil {
		f.m.Arch.WritePointer(loc, value)
	} else if f.ctx.ExObjc.Contains(addr) {
		f.m.Arch.WritePointer(f.ctx.ExObjc.Bytes(addr), value)
	}
	f.ctx.PointerTracker.Add(addr, value)
}

// slotValue reads a pointer slot from the image or extra data.
func (f *objcFixer) slotValue(addr uint64) uint64 {
	if f.ctx.ExObjc != nil && f.ctx.ExObjc.Contains(addr) {
		return f.m.Arch.ReadPointer(f.ctx.ExObjc.Bytes(addr))
	}
	return f.ctx.PointerTracker.SlideP(addr)
}

// processSelRefs points every selector reference at a string this image can
// reach.
func (f *objcFixer) processSelRefs() {
	sect := f.m.GetSection("", "__objc_selrefs")
	if sect == nil {
		return
	}
	ptrSize := uint64(f.m.Arch.PointerSize)
	for addr := sect.Addr(); addr < sect.Addr()+sect.Size(); addr += ptrSize {
		f.ctx.Log.Update()
		target := f.ctx.PointerTracker.SlideP(addr)
		if target == 0 {
			continue
		}
		name, ok := f.readString(target)
		if !ok {
			f.ctx.Log.Warnf("selref at %#x targets unmapped address %#x", addr, target)
			continue
		}
		f.ctx.Accel.AddSelector(name, target)
		if f.m.ContainsAddr(target) {
			continue
		}
		f.setSlot(addr, f.localSelector(name))
	}
}

func (f *objcFixer) processClassList() {
	sect := f.m.GetSection("", "__objc_classlist")
	if sect == nil {
		return
	}
	ptrSize := uint64(f.m.Arch.PointerSize)
	for addr := sect.Addr(); addr < sect.Addr()+sect.Size(); addr += ptrSize {
		f.ctx.Log.Update()
		cAddr := f.ctx.PointerTracker.SlideP(addr)
		if cAddr == 0 {
			continue
		}
		if !f.m.ContainsAddr(cAddr) && !f.ctx.Cache.ContainsAddr(cAddr) {
			f.ctx.Log.Warnf("class pointer at %#x points outside the cache", addr)
			continue
		}
		newAddr := f.processClass(cAddr)
		if newAddr != cAddr {
			f.setSlot(addr, newAddr)
		}
	}
}

// processClass fixes one class_t (isa, superclass, ro data), synthesizing a
// local copy when the class lives in another image's tables.
func (f *objcFixer) processClass(cAddr uint64) uint64 {
	if newAddr, ok := f.classes[cAddr]; ok {
		return newAddr
	}
	if f.processing[cAddr] {
		return cAddr // cycle; keep original address
	}
	f.processing[cAddr] = true
	defer delete(f.processing, cAddr)

	ptrSize := uint64(f.m.Arch.PointerSize)

	// class_t: isa, superclass, cache, vtable, data
	fields := make([]uint64, 5)
	for i := range fields {
		fields[i] = f.slotValue(cAddr + uint64(i)*ptrSize)
	}

	fixClassRef := func(ref uint64, slot uint64, what string) uint64 {
		if ref == 0 {
			return 0
		}
		if f.m.ContainsAddr(ref) {
			return f.processClass(ref)
		}
		if info := f.ctx.Symbolizer.SymbolizeAddr(ref); info != nil {
			f.ctx.PointerTracker.AddBind(slot, info)
			return ref
		}
		f.ctx.Log.Warnf("unable to symbolize %s for class_t at %#x", what, cAddr)
		return ref
	}

	inImage := f.m.ContainsAddr(cAddr)
	newCAddr := cAddr
	if !inImage {
		// synthesize a local copy in extra data
		buf := make([]byte, 5*ptrSize)
		newCAddr = f.ctx.ExObjc.Add(buf, ptrSize)
	}
	f.classes[cAddr] = newCAddr

	fields[0] = fixClassRef(fields[0], newCAddr, "isa")
	fields[1] = fixClassRef(fields[1], newCAddr+ptrSize, "superclass")
	// the method cache and vtable are runtime state
	if fields[4] != 0 {
		// class_ro_t, minus the Swift flag bits
		roAddr := fields[4] &^ 0x3
		fields[4] = f.processClassData(roAddr) | (fields[4] & 0x3)
	}

	for i, v := range fields {
		f.setSlot(newCAddr+uint64(i)*ptrSize, v)
	}
	return newCAddr
}

// class_ro_t pointer field order after the fixed-size header.
var classRoPtrFields = []string{"ivarLayout", "name", "baseMethods", "baseProtocols", "ivars", "weakIvarLayout", "baseProperties"}

// processClassData fixes a class_ro_t, copying it into extra data when it
// lives outside the image.
func (f *objcFixer) processClassData(roAddr uint64) uint64 {
	ptrSize := uint64(f.m.Arch.PointerSize)
	headerSize := uint64(12)
	if f.m.Arch.Is64 {
		headerSize = 16 // flags, instanceStart, instanceSize, reserved
	}

	newRoAddr := roAddr
	if !f.m.ContainsAddr(roAddr) {
		raw, err := f.ctx.Cache.ReadBytes(roAddr, headerSize+uint64(len(classRoPtrFields))*ptrSize)
		if err != nil {
			f.ctx.Log.Warnf("class_ro_t at %#x is unmapped", roAddr)
			return roAddr
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		newRoAddr = f.ctx.ExObjc.Add(cp, ptrSize)
	}

	for i, what := range classRoPtrFields {
		slot := roAddr + headerSize + uint64(i)*ptrSize
		newSlot := newRoAddr + headerSize + uint64(i)*ptrSize
		v := f.slotValue(slot)
		if v == 0 {
			f.setSlot(newSlot, 0)
			continue
		}
		switch what {
		case "name":
			if !f.m.ContainsAddr(v) {
				if name, ok := f.readString(v); ok {
					v = f.localSelector(name)
				}
			}
		case "baseMethods":
			v = f.processMethodList(v)
		case "baseProtocols":
			v = f.processProtocolListPtr(v)
		case "ivars", "baseProperties":
			v = f.copyListIfNeeded(v)
		case "ivarLayout", "weakIvarLayout":
			// layout strings stay put; they are inside the image's data
		}
		f.setSlot(newSlot, v)
	}
	return newRoAddr
}

// processMethodList rebuilds a method_list_t: the small relative form is
// expanded to the absolute form, and out-of-image lists are copied local.
// Unknown list formats are left untouched with a warning.
func (f *objcFixer) processMethodList(listAddr uint64) uint64 {
	if newAddr, ok := f.methodLists[listAddr]; ok {
		return newAddr
	}

	hdr, err := f.ctx.Cache.ReadBytes(listAddr, 8)
	if err != nil {
		f.ctx.Log.Warnf("method list at %#x is unmapped", listAddr)
		return listAddr
	}
	entsizeAndFlags := binary.LittleEndian.Uint32(hdr)
	count := binary.LittleEndian.Uint32(hdr[4:])
	entsize := entsizeAndFlags &^ 0xC0000003
	small := entsizeAndFlags&objcSmallMethodListFlag != 0

	ptrSize := uint64(f.m.Arch.PointerSize)
	absEntsize := uint32(3 * ptrSize)

	switch {
	case small && entsize != 12:
		f.ctx.Log.Warnf("unknown small method list entsize %d at %#x", entsize, listAddr)
		return listAddr
	case !small && entsize != absEntsize:
		f.ctx.Log.Warnf("unknown method list entsize %d at %#x", entsize, listAddr)
		return listAddr
	}

	if !small && f.m.ContainsAddr(listAddr) {
		// already absolute and local; just localize selector names
		f.fixAbsoluteMethodNames(listAddr, count)
		f.methodLists[listAddr] = listAddr
		return listAddr
	}

	// rebuild in absolute form
	out := make([]byte, 8+uint64(count)*uint64(absEntsize))
	binary.LittleEndian.PutUint32(out, absEntsize)
	binary.LittleEndian.PutUint32(out[4:], count)
	newAddr := f.ctx.ExObjc.Add(out, ptrSize)
	f.methodLists[listAddr] = newAddr

	for i := uint32(0); i < count; i++ {
		var name, types, imp uint64
		if small {
			entryAddr := listAddr + 8 + uint64(i)*12
			raw, err := f.ctx.Cache.ReadBytes(entryAddr, 12)
			if err != nil {
				continue
			}
			nameOff := int32(binary.LittleEndian.Uint32(raw))
			typesOff := int32(binary.LittleEndian.Uint32(raw[4:]))
			impOff := int32(binary.LittleEndian.Uint32(raw[8:]))

			if f.relMethodNameBase != 0 {
				selRefAddr := uint64(int64(f.relMethodNameBase) + int64(nameOff))
				name = selRefAddr
			} else {
				// entry-relative offset to a selref slot
				name = f.ctx.PointerTracker.SlideP(uint64(int64(entryAddr) + int64(nameOff)))
			}
			types = uint64(int64(entryAddr) + 4 + int64(typesOff))
			imp = uint64(int64(entryAddr) + 8 + int64(impOff))
		} else {
			entryAddr := listAddr + 8 + uint64(i)*uint64(absEntsize)
			name = f.ctx.PointerTracker.SlideP(entryAddr)
			types = f.ctx.PointerTracker.SlideP(entryAddr + ptrSize)
			imp = f.ctx.PointerTracker.SlideP(entryAddr + 2*ptrSize)
		}

		if selName, ok := f.readString(name); ok && !f.m.ContainsAddr(name) {
			name = f.localSelector(selName)
		}
		if !f.m.ContainsAddr(types) {
			if typeStr, ok := f.readString(types); ok {
				types = f.localSelector(typeStr)
			}
		}

		entrySlot := newAddr + 8 + uint64(i)*uint64(absEntsize)
		f.setSlot(entrySlot, name)
		f.setSlot(entrySlot+ptrSize, types)
		f.setSlot(entrySlot+2*ptrSize, imp)
	}
	return newAddr
}

// fixAbsoluteMethodNames localizes the selector names of an in-image
// absolute method list.
func (f *objcFixer) fixAbsoluteMethodNames(listAddr uint64, count uint32) {
	ptrSize := uint64(f.m.Arch.PointerSize)
	for i := uint32(0); i < count; i++ {
		nameSlot := listAddr + 8 + uint64(i)*3*ptrSize
		name := f.ctx.PointerTracker.SlideP(nameSlot)
		if name == 0 || f.m.ContainsAddr(name) {
			continue
		}
		if selName, ok := f.readString(name); ok {
			f.setSlot(nameSlot, f.localSelector(selName))
		}
	}
}

// processProtocolListPtr fixes a protocol_list_t (count + pointers).
func (f *objcFixer) processProtocolListPtr(listAddr uint64) uint64 {
	if newAddr, ok := f.protocolLists[listAddr]; ok {
		return newAddr
	}
	ptrSize := uint64(f.m.Arch.PointerSize)

	raw, err := f.ctx.Cache.ReadBytes(listAddr, ptrSize)
	if err != nil {
		return listAddr
	}
	count := f.m.Arch.ReadPointer(raw)
	if count > 1<<16 {
		f.ctx.Log.Warnf("implausible protocol list count %d at %#x", count, listAddr)
		return listAddr
	}

	newAddr := listAddr
	if !f.m.ContainsAddr(listAddr) {
		full, err := f.ctx.Cache.ReadBytes(listAddr, (count+1)*ptrSize)
		if err != nil {
			return listAddr
		}
		cp := make([]byte, len(full))
		copy(cp, full)
		newAddr = f.ctx.ExObjc.Add(cp, ptrSize)
	}
	f.protocolLists[listAddr] = newAddr

	for i := uint64(0); i < count; i++ {
		slot := listAddr + (i+1)*ptrSize
		pAddr := f.slotValue(slot)
		newP := f.processProtocol(pAddr)
		f.setSlot(newAddr+(i+1)*ptrSize, newP)
	}
	return newAddr
}

// protocol_t pointer fields after isa: name, protocols, instanceMethods,
// classMethods, optionalInstanceMethods, optionalClassMethods,
// instanceProperties.
func (f *objcFixer) processProtocol(pAddr uint64) uint64 {
	if pAddr == 0 {
		return 0
	}
	if newAddr, ok := f.classes[pAddr]; ok {
		return newAddr
	}
	if f.processing[pAddr] {
		return pAddr
	}
	f.processing[pAddr] = true
	defer delete(f.processing, pAddr)

	ptrSize := uint64(f.m.Arch.PointerSize)
	nPtr := uint64(8)
	structSize := nPtr*ptrSize + 8 // pointers + size/flags words

	newAddr := pAddr
	if !f.m.ContainsAddr(pAddr) {
		raw, err := f.ctx.Cache.ReadBytes(pAddr, structSize)
		if err != nil {
			return pAddr
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		newAddr = f.ctx.ExObjc.Add(cp, ptrSize)
	}
	f.classes[pAddr] = newAddr

	for i := uint64(0); i < nPtr; i++ {
		slot := pAddr + i*ptrSize
		v := f.slotValue(slot)
		if v == 0 {
			f.setSlot(newAddr+i*ptrSize, 0)
			continue
		}
		switch i {
		case 0: // isa, runtime state
		case 1: // name
			if !f.m.ContainsAddr(v) {
				if name, ok := f.readString(v); ok {
					v = f.localSelector(name)
				}
			}
		case 2: // protocols
			v = f.processProtocolListPtr(v)
		case 3, 4, 5, 6: // method lists
			v = f.processMethodList(v)
		case 7: // instanceProperties
			v = f.copyListIfNeeded(v)
		}
		f.setSlot(newAddr+i*ptrSize, v)
	}
	return newAddr
}

// copyListIfNeeded copies an entsize/count table (ivar or property list)
// into extra data when it lives outside the image.
func (f *objcFixer) copyListIfNeeded(listAddr uint64) uint64 {
	if listAddr == 0 || f.m.ContainsAddr(listAddr) {
		return listAddr
	}
	hdr, err := f.ctx.Cache.ReadBytes(listAddr, 8)
	if err != nil {
		return listAddr
	}
	entsize := binary.LittleEndian.Uint32(hdr) &^ 0xC0000003
	count := binary.LittleEndian.Uint32(hdr[4:])
	size := uint64(8) + uint64(entsize)*uint64(count)

	raw, err := f.ctx.Cache.ReadBytes(listAddr, size)
	if err != nil {
		return listAddr
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return f.ctx.ExObjc.Add(cp, uint64(f.m.Arch.PointerSize))
}

func (f *objcFixer) processCategoryList() {
	sect := f.m.GetSection("", "__objc_catlist")
	if sect == nil {
		return
	}
	ptrSize := uint64(f.m.Arch.PointerSize)

	// category_t: name, cls, instanceMethods, classMethods, protocols,
	// instanceProperties
	for addr := sect.Addr(); addr < sect.Addr()+sect.Size(); addr += ptrSize {
		f.ctx.Log.Update()
		catAddr := f.ctx.PointerTracker.SlideP(addr)
		if catAddr == 0 || !f.m.ContainsAddr(catAddr) {
			continue
		}
		for i := uint64(0); i < 6; i++ {
			slot := catAddr + i*ptrSize
			v := f.slotValue(slot)
			if v == 0 {
				continue
			}
			switch i {
			case 0: // name
				if !f.m.ContainsAddr(v) {
					if name, ok := f.readString(v); ok {
						f.setSlot(slot, f.localSelector(name))
					}
				}
			case 1: // cls
				if f.m.ContainsAddr(v) {
					f.setSlot(slot, f.processClass(v))
				} else if info := f.ctx.Symbolizer.SymbolizeAddr(v); info != nil {
					f.ctx.PointerTracker.AddBind(slot, info)
				}
			case 2, 3: // method lists
				f.setSlot(slot, f.processMethodList(v))
			case 4: // protocols
				f.setSlot(slot, f.processProtocolListPtr(v))
			case 5: // properties
				f.setSlot(slot, f.copyListIfNeeded(v))
			}
		}
	}
}

func (f *objcFixer) processProtocolList() {
	sect := f.m.GetSection("", "__objc_protolist")
	if sect == nil {
		return
	}
	ptrSize := uint64(f.m.Arch.PointerSize)
	for addr := sect.Addr(); addr < sect.Addr()+sect.Size(); addr += ptrSize {
		f.ctx.Log.Update()
		pAddr := f.ctx.PointerTracker.SlideP(addr)
		if pAddr == 0 {
			continue
		}
		newAddr := f.processProtocol(pAddr)
		if newAddr != pAddr {
			f.setSlot(addr, newAddr)
		}
	}
}
