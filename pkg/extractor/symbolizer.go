package extractor

import (
	"encoding/binary"
	"sort"

	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/dyldex/pkg/dyld"
	"github.com/blacktop/dyldex/pkg/macho"
)

// SelfLibraryOrdinal marks a symbol defined by the image itself.
const SelfLibraryOrdinal = 0

// Symbol is one name for an address, qualified by the library ordinal that
// provides it.
type Symbol struct {
	Name    string
	Ordinal uint64
}

// SymbolicInfo is the set of names known for one address.
type SymbolicInfo struct {
	Symbols []Symbol
}

// Preferred returns a deterministic representative symbol: the
// lexicographically first non-empty name.
func (s *SymbolicInfo) Preferred() Symbol {
	best := Symbol{}
	for _, sym := range s.Symbols {
		if sym.Name == "" {
			continue
		}
		if best.Name == "" || sym.Name < best.Name {
			best = sym
		}
	}
	return best
}

func (s *SymbolicInfo) add(sym Symbol) {
	for _, have := range s.Symbols {
		if have == sym {
			return
		}
	}
	s.Symbols = append(s.Symbols, sym)
	sort.Slice(s.Symbols, func(i, j int) bool {
		if s.Symbols[i].Name != s.Symbols[j].Name {
			return s.Symbols[i].Name < s.Symbols[j].Name
		}
		return s.Symbols[i].Ordinal < s.Symbols[j].Ordinal
	})
}

// Symbolizer names cache addresses using the image's own symbol table and
// the export tries of its dependencies. Dependency export tables are cached
// in the run-wide Accelerator since most images share them.
type Symbolizer struct {
	ctx *Context

	symbols map[uint64]*SymbolicInfo
}

// NewSymbolizer creates a symbolizer for the context's image.
func NewSymbolizer(ctx *Context) *Symbolizer {
	return &Symbolizer{ctx: ctx, symbols: make(map[uint64]*SymbolicInfo)}
}

// Enumerate builds the address-to-symbol table.
func (s *Symbolizer) Enumerate() error {
	s.enumerateSymbolTable()
	return s.enumerateDependencies()
}

// SymbolizeAddr returns the known names of addr, or nil.
func (s *Symbolizer) SymbolizeAddr(addr uint64) *SymbolicInfo {
	if info, ok := s.symbols[addr]; ok {
		return info
	}
	return nil
}

func (s *Symbolizer) addSymbol(addr uint64, sym Symbol) {
	info, ok := s.symbols[addr]
	if !ok {
		info = &SymbolicInfo{}
		s.symbols[addr] = info
	}
	info.add(sym)
}

// enumerateSymbolTable adds the image's own defined symbols.
func (s *Symbolizer) enumerateSymbolTable() {
	m := s.ctx.Mach
	symtab, ok := m.Symtab()
	if !ok {
		return
	}
	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg == nil {
		return
	}
	le, err := m.ConvertAddr(linkeditSeg.Vmaddr())
	if err != nil {
		return
	}
	leFileOff := linkeditSeg.Fileoff()

	syms := le[uint64(symtab.Symoff())-leFileOff:]
	strs := le[uint64(symtab.Stroff())-leFileOff:]
	for i := uint32(0); i < symtab.Nsyms(); i++ {
		n := m.Arch.ReadNlist(syms[i*m.Arch.NlistSize:])
		if n.Type.IsDebugSym() || n.Type.IsUndefinedSym() || n.Value == 0 {
			continue
		}
		name := cstringAt(strs, uint64(n.Strx))
		if name == "" || name == RedactedSymbolName {
			continue
		}
		s.addSymbol(n.Value, Symbol{Name: name, Ordinal: SelfLibraryOrdinal})
	}
}

// enumerateDependencies adds each dependency's exported symbols under its
// library ordinal.
func (s *Symbolizer) enumerateDependencies() error {
	m := s.ctx.Mach
	cmds, err := m.LoadCommands()
	if err != nil {
		return err
	}

	ordinal := uint64(0)
	for _, lc := range cmds {
		switch lc.Cmd {
		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB,
			types.LC_LOAD_UPWARD_DYLIB, types.LC_LAZY_LOAD_DYLIB:
		default:
			continue
		}
		ordinal++

		data := m.Data(lc)
		nameOff := binary.LittleEndian.Uint32(data[8:])
		if nameOff >= lc.Len {
			continue
		}
		depName := cstringAt(data, uint64(nameOff))

		depImage := s.ctx.Cache.Image(depName)
		if depImage == nil {
			s.ctx.Log.Warnf("unable to find dependency %s", depName)
			continue
		}

		exports, err := s.imageExports(depImage)
		if err != nil {
			s.ctx.Log.Warnf("unable to enumerate exports of %s: %v", depName, err)
			continue
		}
		for addr, syms := range exports {
			for _, e := range syms {
				s.addSymbol(addr, Symbol{Name: e.Name, Ordinal: ordinal})
			}
		}
	}
	return nil
}

// imageExports parses (and memoizes) one image's export trie.
func (s *Symbolizer) imageExports(image *dyld.Image) (map[uint64][]ExportedSymbol, error) {
	if cached, ok := s.ctx.Accel.Exports(image.Name); ok {
		return cached, nil
	}

	trieData, err := exportTrieData(s.ctx.Cache, image, s.ctx.Mach.Arch)
	if err != nil {
		return nil, err
	}
	entries, err := parseExportTrie(trieData, image.Address())
	if err != nil {
		return nil, err
	}

	exports := make(map[uint64][]ExportedSymbol, len(entries))
	for _, e := range entries {
		exports[e.Address] = append(exports[e.Address], e)
	}
	s.ctx.Accel.AddExports(image.Name, exports)
	return exports, nil
}

// exportTrieData locates an image's export blob, from either LC_DYLD_INFO or
// LC_DYLD_EXPORTS_TRIE.
func exportTrieData(cache *dyld.File, image *dyld.Image, arch macho.Arch) ([]byte, error) {
	m, err := macho.NewFile(cache, image, arch)
	if err != nil {
		return nil, err
	}

	var off, size uint32
	if trieCmd, ok := m.LinkeditDataCmd(types.LC_DYLD_EXPORTS_TRIE); ok {
		off, size = trieCmd.Dataoff(), trieCmd.Datasize()
	} else if dyldInfo, ok := m.DyldInfo(); ok {
		off, size = dyldInfo.ExportOff(), dyldInfo.ExportSize()
	}
	if size == 0 {
		return nil, nil
	}

	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil, nil
	}
	addr := linkeditSeg.Vmaddr() + (uint64(off) - linkeditSeg.Fileoff())
	return cache.ReadBytes(addr, uint64(size))
}

func cstringAt(b []byte, off uint64) string {
	if off >= uint64(len(b)) {
		return ""
	}
	end := off
	for end < uint64(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}
