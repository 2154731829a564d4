package dyld

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeTestCache(t *testing.T, arch string) string {
	t.Helper()
	buf := make([]byte, 0x1000)

	var hdr CacheHeader
	copy(hdr.Magic[:], "dyld_v1"+arch)
	hdr.MappingOffset = 0x200
	hdr.MappingCount = 2
	hdr.SharedRegionStart = 0x180000000
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	copy(buf, hb.Bytes())

	// two legacy mappings: TEXT and LINKEDIT
	writeMapping := func(off int, addr, size, fileOff uint64) {
		binary.LittleEndian.PutUint64(buf[off:], addr)
		binary.LittleEndian.PutUint64(buf[off+8:], size)
		binary.LittleEndian.PutUint64(buf[off+16:], fileOff)
	}
	writeMapping(0x200, 0x180000000, 0x800, 0x0)
	writeMapping(0x220, 0x180001000, 0x800, 0x800)

	dir := t.TempDir()
	path := filepath.Join(dir, "dyld_shared_cache_test")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenRejectsUnsupportedMagic(t *testing.T) {
	for _, arch := range []string{"    i386", "   armv5", "   armv6"} {
		path := writeTestCache(t, arch)
		if _, err := Open(path); err == nil {
			t.Errorf("Open accepted unsupported arch %q", arch)
		}
	}
}

func TestOpenRejectsGarbageMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not_a_cache")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 0x400), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open accepted a non-cache file")
	}
}

func TestArchName(t *testing.T) {
	tests := map[string]string{
		"  x86_64": "x86_64",
		" x86_64h": "x86_64h",
		"   arm64": "arm64",
		"  arm64e": "arm64e",
		"arm64_32": "arm64_32",
		"   armv7": "armv7",
	}
	for suffix, want := range tests {
		path := writeTestCache(t, suffix)
		f, err := Open(path)
		if err != nil {
			t.Fatalf("Open(%q): %v", suffix, err)
		}
		if got := f.ArchName(); got != want {
			t.Errorf("ArchName() = %q, want %q", got, want)
		}
	}
}

func TestConvertAddr(t *testing.T) {
	path := writeTestCache(t, "   arm64")
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	sc, off, err := f.ConvertAddr(0x180001010)
	if err != nil {
		t.Fatalf("ConvertAddr: %v", err)
	}
	if off != 0x810 {
		t.Errorf("offset = %#x, want 0x810", off)
	}
	if sc != f.SubCaches[0] {
		t.Error("address resolved to the wrong sub-cache")
	}

	if _, _, err := f.ConvertAddr(0x190000000); err == nil {
		t.Error("ConvertAddr accepted an unmapped address")
	}
}

func TestMappingNames(t *testing.T) {
	path := writeTestCache(t, "   arm64")
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ms := f.SubCaches[0].Mappings
	if len(ms) != 2 {
		t.Fatalf("parsed %d mappings, want 2", len(ms))
	}
	if ms[0].Name != "__TEXT" || ms[1].Name != "__LINKEDIT" {
		t.Errorf("mapping names = %q, %q", ms[0].Name, ms[1].Name)
	}
}
