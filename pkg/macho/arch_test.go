package macho

import (
	"testing"

	"github.com/blacktop/go-macho/types"
)

func TestNlistRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		arch Arch
		n    Nlist
	}{
		{"64-bit", Arch64, Nlist{Strx: 42, Type: types.N_SECT | types.N_EXT, Sect: 1, Desc: 0x0100, Value: 0x180001030}},
		{"32-bit", Arch32, Nlist{Strx: 7, Type: types.N_UNDF | types.N_EXT, Desc: 0x0200, Value: 0x4000}},
		{"zero", Arch64, Nlist{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.arch.NlistSize)
			tt.arch.WriteNlist(buf, tt.n)
			if got := tt.arch.ReadNlist(buf); got != tt.n {
				t.Errorf("round trip = %+v, want %+v", got, tt.n)
			}
		})
	}
}

func TestPointerRoundTrip(t *testing.T) {
	buf := make([]byte, 8)

	Arch64.WritePointer(buf, 0x1800012345678)
	if got := Arch64.ReadPointer(buf); got != 0x1800012345678 {
		t.Errorf("64-bit pointer = %#x", got)
	}

	Arch32.WritePointer(buf, 0x40001020)
	if got := Arch32.ReadPointer(buf); got != 0x40001020 {
		t.Errorf("32-bit pointer = %#x", got)
	}
}

func TestArchForCache(t *testing.T) {
	tests := map[string]struct {
		arch Arch
		ok   bool
	}{
		"x86_64":   {Arch64, true},
		"x86_64h":  {Arch64, true},
		"arm64":    {Arch64, true},
		"arm64e":   {Arch64, true},
		"arm64_32": {Arch32, true},
		"armv7":    {Arch32, true},
		"i386":     {Arch{}, false},
		"armv6":    {Arch{}, false},
	}
	for name, tt := range tests {
		arch, ok := ArchForCache(name)
		if ok != tt.ok {
			t.Errorf("ArchForCache(%q) ok = %v, want %v", name, ok, tt.ok)
			continue
		}
		if ok && arch.Is64 != tt.arch.Is64 {
			t.Errorf("ArchForCache(%q).Is64 = %v", name, arch.Is64)
		}
	}
}
