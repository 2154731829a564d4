package extractor

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestInsertLinkeditDataShiftsTrackedRegions(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	tracker := ctx.LinkeditTracker
	m := ctx.Mach

	symtab, _ := m.Symtab()
	oldSymoff := symtab.Symoff()
	symsRegion := tracker.FindTag(TagSymbolEntries)
	oldSyms := make([]byte, symsRegion.Size)
	copy(oldSyms, tracker.Linkedit()[symsRegion.DataOff:symsRegion.DataOff+symsRegion.Size])

	payload := []byte{1, 2, 3, 4, 5}
	d := &TrackedData{Tag: TagRebaseInfo, FieldOff: mustDyldField(t, m)}
	if !tracker.InsertLinkeditData(nil, d, payload) {
		t.Fatal("insert at linkedit start failed")
	}

	if d.DataOff != 0 || d.Size != 8 {
		t.Errorf("inserted region = {off %d size %d}, want {0, 8}", d.DataOff, d.Size)
	}
	if got := symtab.Symoff(); got != oldSymoff+8 {
		t.Errorf("symoff = %#x after insert, want %#x", got, oldSymoff+8)
	}
	moved := tracker.Linkedit()[symsRegion.DataOff : symsRegion.DataOff+symsRegion.Size]
	if !bytes.Equal(moved, oldSyms) {
		t.Error("symbol entries were corrupted by the shift")
	}
	// alignment tail must be zero
	for i := len(payload); i < 8; i++ {
		if tracker.Linkedit()[i] != 0 {
			t.Errorf("alignment byte %d = %#x, want 0", i, tracker.Linkedit()[i])
		}
	}
}

func mustDyldField(t *testing.T, m interface {
	HeaderBytes() []byte
	Sizeofcmds() uint32
}) uint32 {
	t.Helper()
	// any writable u32 inside the header region works as a field target for
	// shift bookkeeping; borrow the byte right after the commands
	return 32 + m.Sizeofcmds()
}

func TestInsertLoadCommandBudget(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	tracker := ctx.LinkeditTracker
	m := ctx.Mach

	oldNcmds := m.Ncmds()
	oldSize := m.Sizeofcmds()

	cmd := make([]byte, 16)
	binary.LittleEndian.PutUint32(cmd, 0x26) // LC_FUNCTION_STARTS shape
	binary.LittleEndian.PutUint32(cmd[4:], 16)
	if !tracker.InsertLoadCommand(nil, cmd) {
		t.Fatal("insert within budget failed")
	}
	if m.Ncmds() != oldNcmds+1 || m.Sizeofcmds() != oldSize+16 {
		t.Errorf("header counts not updated: ncmds %d sizeofcmds %d", m.Ncmds(), m.Sizeofcmds())
	}

	huge := make([]byte, tracker.HeaderSpaceAvailable())
	binary.LittleEndian.PutUint32(huge, 0x26)
	binary.LittleEndian.PutUint32(huge[4:], uint32(len(huge)))
	if tracker.InsertLoadCommand(nil, huge) {
		t.Error("insert past the __text start succeeded")
	}
}

func TestResizeDataPatchesFollowingFields(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	tracker := ctx.LinkeditTracker
	m := ctx.Mach

	symtab, _ := m.Symtab()
	symsRegion := tracker.FindTag(TagSymbolEntries)
	oldStroff := symtab.Stroff()
	oldSize := symsRegion.Size

	if !tracker.ResizeData(symsRegion, oldSize+32) {
		t.Fatal("grow failed")
	}
	if symsRegion.Size != oldSize+32 {
		t.Errorf("region size = %d, want %d", symsRegion.Size, oldSize+32)
	}
	if got := symtab.Stroff(); got != oldStroff+32 {
		t.Errorf("stroff = %#x after grow, want %#x", got, oldStroff+32)
	}
}

func TestChangeOffsetRewritesAllFields(t *testing.T) {
	ctx := optimizeFixtureLinkedit(t, fixtureOpts{chainSlots: true})
	tracker := ctx.LinkeditTracker
	m := ctx.Mach

	tracker.ChangeOffset(0x1000)
	for _, d := range tracker.Tracked() {
		val := binary.LittleEndian.Uint32(m.HeaderBytes()[d.FieldOff:])
		if val != 0x1000+d.DataOff {
			t.Errorf("field for tag %d = %#x, want %#x", d.Tag, val, 0x1000+d.DataOff)
		}
	}
}
