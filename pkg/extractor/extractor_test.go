package extractor

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/blacktop/dyldex/internal/activity"
	"github.com/blacktop/dyldex/pkg/dyld"
)

func runFixture(t *testing.T, opts fixtureOpts, cfg Config) (*dyld.File, []ImageResult, string) {
	t.Helper()
	path := writeFixtureCache(t, opts)
	cache, err := dyld.Open(path)
	if err != nil {
		t.Fatalf("failed to open fixture cache: %v", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	alog := activity.New(&log.Logger{Handler: discard.Default, Level: log.ErrorLevel})
	results := Run(cache, cache.Images, alog, cfg)
	return cache, results, cfg.OutputDir
}

func TestExtractWritesWellFormedImage(t *testing.T) {
	_, results, outDir := runFixture(t, fixtureOpts{chainSlots: true}, Config{Modules: AllModules()})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("extraction failed: %+v", results)
	}

	outPath := OutputPath(outDir, "/usr/lib/libdemo.dylib")
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}

	if got := binary.LittleEndian.Uint32(data); got != 0xfeedfacf {
		t.Fatalf("output magic = %#x", got)
	}
	ncmds := binary.LittleEndian.Uint32(data[16:])
	if ncmds == 0 {
		t.Fatal("output has no load commands")
	}

	// walk the commands for LC_SYMTAB / LC_DYSYMTAB, verifying the symbol
	// table landed inside the file
	var sawSymtab, sawDysymtab bool
	off := uint32(32)
	for i := uint32(0); i < ncmds; i++ {
		cmd := binary.LittleEndian.Uint32(data[off:])
		size := binary.LittleEndian.Uint32(data[off+4:])
		switch cmd {
		case 0x2:
			sawSymtab = true
			symoff := binary.LittleEndian.Uint32(data[off+8:])
			nsyms := binary.LittleEndian.Uint32(data[off+12:])
			stroff := binary.LittleEndian.Uint32(data[off+16:])
			strsize := binary.LittleEndian.Uint32(data[off+20:])
			if nsyms < 1 {
				t.Error("output nsyms < 1")
			}
			if uint64(symoff)+uint64(nsyms)*16 > uint64(len(data)) {
				t.Errorf("symbol table [%#x +%d*16] extends past the file", symoff, nsyms)
			}
			if uint64(stroff)+uint64(strsize) > uint64(len(data)) {
				t.Errorf("string pool [%#x +%#x] extends past the file (len=%#x, symoff=%#x, nsyms=%d)", stroff, strsize, len(data), symoff, nsyms)
			}
		case 0xb:
			sawDysymtab = true
		}
		off += size
	}
	if !sawSymtab || !sawDysymtab {
		t.Errorf("output missing LC_SYMTAB (%v) or LC_DYSYMTAB (%v)", sawSymtab, sawDysymtab)
	}
}

func TestSkipLinkeditProducesNonLoadableOutput(t *testing.T) {
	// bit 1 disables the linkedit optimizer; the file is still written but
	// its symbol offsets keep referencing the original cache
	mods := ModulesFromSkipMask(1 << 1)
	if mods.OptimizeLinkedit {
		t.Fatal("skip mask did not disable the linkedit optimizer")
	}
	_, results, outDir := runFixture(t, fixtureOpts{chainSlots: true}, Config{Modules: mods})
	if results[0].Err != nil {
		t.Fatalf("extraction failed: %v", results[0].Err)
	}

	data, err := os.ReadFile(OutputPath(outDir, "/usr/lib/libdemo.dylib"))
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	// the original symoff pointed into the cache's linkedit region
	off := uint32(32)
	ncmds := binary.LittleEndian.Uint32(data[16:])
	for i := uint32(0); i < ncmds; i++ {
		cmd := binary.LittleEndian.Uint32(data[off:])
		size := binary.LittleEndian.Uint32(data[off+4:])
		if cmd == 0x2 {
			symoff := binary.LittleEndian.Uint32(data[off+8:])
			if symoff != fixSymOff {
				t.Errorf("symoff = %#x, want untouched cache offset %#x", symoff, fixSymOff)
			}
		}
		off += size
	}
}

func TestOnlyValidateWritesNothing(t *testing.T) {
	outDir := t.TempDir()
	_, results, _ := runFixture(t, fixtureOpts{chainSlots: true},
		Config{Modules: AllModules(), OnlyValidate: true, OutputDir: outDir})
	if results[0].Err != nil {
		t.Fatalf("validation run failed: %v", results[0].Err)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("validation run wrote %d entries", len(entries))
	}
}

func TestValidateFixture(t *testing.T) {
	path := writeFixtureCache(t, fixtureOpts{chainSlots: true})
	cache, err := dyld.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range Validate(cache, cache.Images) {
		if res.Err != nil {
			t.Errorf("%s failed validation: %v", res.Name, res.Err)
		}
	}
}

func TestRedactedBackfillEndToEnd(t *testing.T) {
	// run the stages by hand so the context stays observable
	_, ctx := openFixture(t, fixtureOpts{chainSlots: true})
	m := ctx.Mach

	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatal(err)
	}
	if err := OptimizeLinkedit(ctx); err != nil {
		t.Fatal(err)
	}
	if !ctx.HasRedactedIndirect {
		t.Fatal("HasRedactedIndirect not observed before the stub fixer")
	}
	if err := FixStubs(ctx); err != nil {
		t.Fatal(err)
	}

	// the formerly-zero indirect entry now references a named symbol
	symtab, _ := m.Symtab()
	dysymtab, _ := m.Dysymtab()
	le := ctx.LinkeditTracker.Linkedit()
	fo := ctx.LinkeditTracker.FileOffset()
	entry := binary.LittleEndian.Uint32(le[dysymtab.Indirectsymoff()-fo:])
	if entry == 0 {
		t.Fatal("redacted indirect entry was not back-filled")
	}
	if entry >= symtab.Nsyms() {
		t.Fatalf("back-filled entry %d out of range (nsyms %d)", entry, symtab.Nsyms())
	}
	n := m.Arch.ReadNlist(le[symtab.Symoff()-fo+entry*m.Arch.NlistSize:])
	name := cstringAt(le[symtab.Stroff()-fo:], uint64(n.Strx))
	if name == "" {
		t.Error("back-filled symbol has an empty name")
	}
}

func TestImbedVersion(t *testing.T) {
	const version = uint32(0x00020100)
	_, results, outDir := runFixture(t, fixtureOpts{chainSlots: true},
		Config{Modules: AllModules(), ImbedVersion: true, ToolVersion: version})
	if results[0].Err != nil {
		t.Fatalf("extraction failed: %v", results[0].Err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "usr/lib/libdemo.dylib"))
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data[28:]); got != version {
		t.Errorf("reserved field = %#x, want %#x", got, version)
	}
}

func TestModulesFromSkipMask(t *testing.T) {
	tests := []struct {
		mask uint32
		want Modules
	}{
		{0, Modules{true, true, true, true, true}},
		{1 << 0, Modules{false, true, true, true, true}},
		{1 << 2, Modules{true, true, false, true, true}},
		{1<<1 | 1<<4, Modules{true, false, true, true, false}},
	}
	for _, tt := range tests {
		if got := ModulesFromSkipMask(tt.mask); got != tt.want {
			t.Errorf("ModulesFromSkipMask(%#x) = %+v, want %+v", tt.mask, got, tt.want)
		}
	}
}
