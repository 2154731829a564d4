package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// Typed views over load-command bytes. Each view records the command's
// offset from the mach header so offset fields can be registered with the
// linkedit tracker as (header-relative) field locations.

// SymtabView wraps an LC_SYMTAB command.
type SymtabView struct {
	f  *File
	lc LoadCommand
}

// Symtab returns a view of the image's LC_SYMTAB command.
func (f *File) Symtab() (SymtabView, bool) {
	lc, ok := f.FindLoadCommand(types.LC_SYMTAB)
	return SymtabView{f: f, lc: lc}, ok
}

func (v SymtabView) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(v.f.hdr[v.lc.Off+off:])
}

func (v SymtabView) setU32(off uint32, val uint32) {
	binary.LittleEndian.PutUint32(v.f.hdr[v.lc.Off+off:], val)
}

func (v SymtabView) Symoff() uint32      { return v.u32(8) }
func (v SymtabView) SetSymoff(x uint32)  { v.setU32(8, x) }
func (v SymtabView) Nsyms() uint32       { return v.u32(12) }
func (v SymtabView) SetNsyms(x uint32)   { v.setU32(12, x) }
func (v SymtabView) Stroff() uint32      { return v.u32(16) }
func (v SymtabView) SetStroff(x uint32)  { v.setU32(16, x) }
func (v SymtabView) Strsize() uint32     { return v.u32(20) }
func (v SymtabView) SetStrsize(x uint32) { v.setU32(20, x) }

// Field offsets (from the mach header) for tracker registration.
func (v SymtabView) SymoffField() uint32 { return v.lc.Off + 8 }
func (v SymtabView) StroffField() uint32 { return v.lc.Off + 16 }

// DysymtabView wraps an LC_DYSYMTAB command.
type DysymtabView struct {
	f  *File
	lc LoadCommand
}

// Dysymtab returns a view of the image's LC_DYSYMTAB command.
func (f *File) Dysymtab() (DysymtabView, bool) {
	lc, ok := f.FindLoadCommand(types.LC_DYSYMTAB)
	return DysymtabView{f: f, lc: lc}, ok
}

func (v DysymtabView) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(v.f.hdr[v.lc.Off+off:])
}

func (v DysymtabView) setU32(off uint32, val uint32) {
	binary.LittleEndian.PutUint32(v.f.hdr[v.lc.Off+off:], val)
}

func (v DysymtabView) Ilocalsym() uint32          { return v.u32(8) }
func (v DysymtabView) SetIlocalsym(x uint32)      { v.setU32(8, x) }
func (v DysymtabView) Nlocalsym() uint32          { return v.u32(12) }
func (v DysymtabView) SetNlocalsym(x uint32)      { v.setU32(12, x) }
func (v DysymtabView) Iextdefsym() uint32         { return v.u32(16) }
func (v DysymtabView) SetIextdefsym(x uint32)     { v.setU32(16, x) }
func (v DysymtabView) Nextdefsym() uint32         { return v.u32(20) }
func (v DysymtabView) SetNextdefsym(x uint32)     { v.setU32(20, x) }
func (v DysymtabView) Iundefsym() uint32          { return v.u32(24) }
func (v DysymtabView) SetIundefsym(x uint32)      { v.setU32(24, x) }
func (v DysymtabView) Nundefsym() uint32          { return v.u32(28) }
func (v DysymtabView) SetNundefsym(x uint32)      { v.setU32(28, x) }
func (v DysymtabView) Indirectsymoff() uint32     { return v.u32(56) }
func (v DysymtabView) SetIndirectsymoff(x uint32) { v.setU32(56, x) }
func (v DysymtabView) Nindirectsyms() uint32      { return v.u32(60) }
func (v DysymtabView) SetNindirectsyms(x uint32)  { v.setU32(60, x) }

func (v DysymtabView) IndirectsymoffField() uint32 { return v.lc.Off + 56 }

// DyldInfoView wraps an LC_DYLD_INFO or LC_DYLD_INFO_ONLY command.
type DyldInfoView struct {
	f  *File
	lc LoadCommand
}

// DyldInfo returns a view of the image's LC_DYLD_INFO(_ONLY) command.
func (f *File) DyldInfo() (DyldInfoView, bool) {
	lc, ok := f.FindLoadCommand(types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY)
	return DyldInfoView{f: f, lc: lc}, ok
}

func (v DyldInfoView) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(v.f.hdr[v.lc.Off+off:])
}

func (v DyldInfoView) setU32(off uint32, val uint32) {
	binary.LittleEndian.PutUint32(v.f.hdr[v.lc.Off+off:], val)
}

func (v DyldInfoView) RebaseOff() uint32        { return v.u32(8) }
func (v DyldInfoView) SetRebaseOff(x uint32)    { v.setU32(8, x) }
func (v DyldInfoView) RebaseSize() uint32       { return v.u32(12) }
func (v DyldInfoView) BindOff() uint32          { return v.u32(16) }
func (v DyldInfoView) SetBindOff(x uint32)      { v.setU32(16, x) }
func (v DyldInfoView) BindSize() uint32         { return v.u32(20) }
func (v DyldInfoView) WeakBindOff() uint32      { return v.u32(24) }
func (v DyldInfoView) SetWeakBindOff(x uint32)  { v.setU32(24, x) }
func (v DyldInfoView) WeakBindSize() uint32     { return v.u32(28) }
func (v DyldInfoView) LazyBindOff() uint32      { return v.u32(32) }
func (v DyldInfoView) SetLazyBindOff(x uint32)  { v.setU32(32, x) }
func (v DyldInfoView) LazyBindSize() uint32     { return v.u32(36) }
func (v DyldInfoView) ExportOff() uint32        { return v.u32(40) }
func (v DyldInfoView) SetExportOff(x uint32)    { v.setU32(40, x) }
func (v DyldInfoView) ExportSize() uint32       { return v.u32(44) }

func (v DyldInfoView) RebaseOffField() uint32   { return v.lc.Off + 8 }
func (v DyldInfoView) BindOffField() uint32     { return v.lc.Off + 16 }
func (v DyldInfoView) WeakBindOffField() uint32 { return v.lc.Off + 24 }
func (v DyldInfoView) LazyBindOffField() uint32 { return v.lc.Off + 32 }
func (v DyldInfoView) ExportOffField() uint32   { return v.lc.Off + 40 }

// LinkeditDataView wraps a linkedit_data_command
// (LC_FUNCTION_STARTS, LC_DATA_IN_CODE, LC_DYLD_EXPORTS_TRIE, ...).
type LinkeditDataView struct {
	f  *File
	lc LoadCommand
}

// LinkeditDataCmd returns a view of the first matching linkedit_data_command.
func (f *File) LinkeditDataCmd(want ...types.LoadCmd) (LinkeditDataView, bool) {
	lc, ok := f.FindLoadCommand(want...)
	return LinkeditDataView{f: f, lc: lc}, ok
}

func (v LinkeditDataView) Dataoff() uint32      { return binary.LittleEndian.Uint32(v.f.hdr[v.lc.Off+8:]) }
func (v LinkeditDataView) SetDataoff(x uint32)  { binary.LittleEndian.PutUint32(v.f.hdr[v.lc.Off+8:], x) }
func (v LinkeditDataView) Datasize() uint32     { return binary.LittleEndian.Uint32(v.f.hdr[v.lc.Off+12:]) }
func (v LinkeditDataView) SetDatasize(x uint32) { binary.LittleEndian.PutUint32(v.f.hdr[v.lc.Off+12:], x) }
func (v LinkeditDataView) DataoffField() uint32 { return v.lc.Off + 8 }
