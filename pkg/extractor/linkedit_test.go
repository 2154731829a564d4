package extractor

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-macho/types"
)

func optimizeFixtureLinkedit(t *testing.T, opts fixtureOpts) *Context {
	t.Helper()
	_, ctx := openFixture(t, opts)
	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatalf("slide processor: %v", err)
	}
	if err := OptimizeLinkedit(ctx); err != nil {
		t.Fatalf("linkedit optimizer: %v", err)
	}
	return ctx
}

func TestLinkeditLayoutRoundTrip(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	symtab, _ := m.Symtab()
	linkeditSeg := m.GetSegment("__LINKEDIT")
	leStart := ctx.LinkeditTracker.FileOffset()
	leEnd := leStart + uint32(linkeditSeg.Filesize())

	if symtab.Symoff()+symtab.Nsyms()*m.Arch.NlistSize > symtab.Stroff() {
		t.Errorf("symbol entries (end %#x) overlap the string pool (%#x)",
			symtab.Symoff()+symtab.Nsyms()*m.Arch.NlistSize, symtab.Stroff())
	}
	if symtab.Stroff()+symtab.Strsize() > leEnd {
		t.Errorf("string pool ends at %#x, past linkedit end %#x", symtab.Stroff()+symtab.Strsize(), leEnd)
	}
	for _, d := range ctx.LinkeditTracker.Tracked() {
		val := binary.LittleEndian.Uint32(m.HeaderBytes()[d.FieldOff:])
		if val < leStart || val >= leEnd {
			t.Errorf("tracked field (tag %d) points at %#x, outside [%#x,%#x)", d.Tag, val, leStart, leEnd)
		}
	}
}

func TestRedactedInvariant(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	if !ctx.HasRedactedIndirect {
		t.Fatal("zeroed indirect entry did not set HasRedactedIndirect")
	}

	symtab, _ := m.Symtab()
	le := ctx.LinkeditTracker.Linkedit()
	syms := le[symtab.Symoff()-ctx.LinkeditTracker.FileOffset():]
	strs := le[symtab.Stroff()-ctx.LinkeditTracker.FileOffset():]

	found := false
	for i := uint32(0); i < symtab.Nsyms(); i++ {
		n := m.Arch.ReadNlist(syms[i*m.Arch.NlistSize:])
		if cstringAt(strs, uint64(n.Strx)) == RedactedSymbolName {
			found = true
		}
	}
	if !found {
		t.Errorf("output symbol table has no %q entry", RedactedSymbolName)
	}
}

func TestIndirectRemapTotality(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	symtab, _ := m.Symtab()
	dysymtab, _ := m.Dysymtab()
	indirect := ctx.LinkeditTracker.Linkedit()[dysymtab.Indirectsymoff()-ctx.LinkeditTracker.FileOffset():]

	for i := uint32(0); i < dysymtab.Nindirectsyms(); i++ {
		entry := binary.LittleEndian.Uint32(indirect[i*4:])
		if isRedactedIndirect(entry) {
			continue
		}
		if entry >= symtab.Nsyms() {
			t.Errorf("indirect entry %d remapped to %d, past nsyms %d", i, entry, symtab.Nsyms())
		}
	}

	// the import slot must still reference _imported_sym
	entry := binary.LittleEndian.Uint32(indirect[4:])
	syms := ctx.LinkeditTracker.Linkedit()[symtab.Symoff()-ctx.LinkeditTracker.FileOffset():]
	strs := ctx.LinkeditTracker.Linkedit()[symtab.Stroff()-ctx.LinkeditTracker.FileOffset():]
	n := m.Arch.ReadNlist(syms[entry*m.Arch.NlistSize:])
	if got := cstringAt(strs, uint64(n.Strx)); got != "_imported_sym" {
		t.Errorf("remapped indirect entry resolves to %q, want _imported_sym", got)
	}
}

func TestPublicLocalSkipsRedactedLiteral(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	dysymtab, _ := m.Dysymtab()
	// the fixture has 2 original locals, one of them a "<redacted>" literal
	if got := dysymtab.Nlocalsym(); got != 1 {
		t.Errorf("nlocalsym = %d, want 1 (literal <redacted> must be dropped)", got)
	}
}

func TestHeaderCommandConsistency(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	cmds, err := m.LoadCommands()
	if err != nil {
		t.Fatalf("load commands: %v", err)
	}
	if uint32(len(cmds)) != m.Ncmds() {
		t.Errorf("ncmds = %d but %d commands parsed", m.Ncmds(), len(cmds))
	}
	var total uint32
	for _, lc := range cmds {
		total += lc.Len
	}
	if total != m.Sizeofcmds() {
		t.Errorf("sizeofcmds = %d, want %d", m.Sizeofcmds(), total)
	}

	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg.Vmsize() != linkeditSeg.Filesize() {
		t.Errorf("__LINKEDIT vmsize %#x != filesize %#x", linkeditSeg.Vmsize(), linkeditSeg.Filesize())
	}
	if linkeditSeg.Filesize() != uint64(ctx.LinkeditTracker.DataEnd()) {
		t.Errorf("__LINKEDIT filesize %#x != rebuild cursor %#x", linkeditSeg.Filesize(), ctx.LinkeditTracker.DataEnd())
	}
}

func TestExportBlobCarriedFromEitherCommand(t *testing.T) {
	for name, opts := range map[string]fixtureOpts{
		"exports_trie": {chainSlots: true},
		"dyld_info":    {chainSlots: true, useDyldInfo: true},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := optimizeFixtureLinkedit(t, opts)
			m := ctx.Mach

			exp := ctx.LinkeditTracker.FindTag(TagExportTrie)
			if exp == nil {
				t.Fatal("export blob was not carried into the rebuilt linkedit")
			}

			var off, size uint32
			if trieCmd, ok := m.LinkeditDataCmd(types.LC_DYLD_EXPORTS_TRIE); ok {
				off, size = trieCmd.Dataoff(), trieCmd.Datasize()
			} else if dyldInfo, ok := m.DyldInfo(); ok {
				off, size = dyldInfo.ExportOff(), dyldInfo.ExportSize()
			} else {
				t.Fatal("no export command present")
			}
			if size == 0 {
				t.Fatal("export blob size is 0")
			}
			if off != ctx.LinkeditTracker.FileOffset()+exp.DataOff {
				t.Errorf("export offset field %#x does not match tracked region %#x",
					off, ctx.LinkeditTracker.FileOffset()+exp.DataOff)
			}

			data := ctx.LinkeditTracker.Linkedit()[exp.DataOff:]
			entries, err := parseExportTrie(data[:size], fixBase)
			if err != nil {
				t.Fatalf("rebuilt export trie does not parse: %v", err)
			}
			if len(entries) != 1 || entries[0].Name != "_exported_sym" || entries[0].Address != fixExportedAddr {
				t.Errorf("rebuilt trie entries = %+v", entries)
			}
		})
	}
}
