package extractor

import (
	"sort"

	"github.com/blacktop/go-macho/types"
)

// GenerateMetadata re-encodes the image's rebase info from the pointer
// tracker, so the extracted file carries rebase opcodes that match its own
// (un-slid) pointers instead of the cache's slide tables.
func GenerateMetadata(ctx *Context) error {
	ctx.Log.SetModule("Metadata Generator")

	if ctx.LinkeditTracker == nil {
		ctx.Log.Warnf("metadata generation depends on the linkedit optimizer")
		return nil
	}
	dyldInfo, ok := ctx.Mach.DyldInfo()
	if !ok {
		return nil
	}

	blob := encodeRebaseInfo(ctx)
	if len(blob) == 0 {
		dyldInfo.SetRebaseOff(0)
		setU32(ctx.Mach.HeaderBytes(), dyldInfo.RebaseOffField()+4, 0)
		return nil
	}

	d := &TrackedData{Tag: TagRebaseInfo, FieldOff: dyldInfo.RebaseOffField()}
	if !ctx.LinkeditTracker.InsertLinkeditData(nil, d, blob) {
		ctx.Log.Warnf("no room in __LINKEDIT for regenerated rebase info")
		return nil
	}
	// the insert patched rebase_off; the size field sits right after it
	setU32(ctx.Mach.HeaderBytes(), dyldInfo.RebaseOffField()+4, uint32(len(blob)))

	// the linkedit grew by the inserted (aligned) region
	linkeditSeg := ctx.Mach.GetSegment("__LINKEDIT")
	linkeditSeg.SetVmsize(uint64(ctx.LinkeditTracker.DataEnd()))
	linkeditSeg.SetFilesize(uint64(ctx.LinkeditTracker.DataEnd()))
	return nil
}

func setU32(b []byte, off uint32, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// encodeRebaseInfo emits a v1 rebase opcode stream covering every tracked
// pointer that falls inside the image's writable segments.
func encodeRebaseInfo(ctx *Context) []byte {
	m := ctx.Mach
	segs := m.Segments()

	type segPointers struct {
		index int
		addrs []uint64
	}
	bySeg := make([]segPointers, len(segs))
	for i := range segs {
		bySeg[i].index = i
	}

	for i, seg := range segs {
		if seg.Name == "__TEXT" || seg.Name == "__LINKEDIT" {
			continue
		}
		start, end := seg.Vmaddr(), seg.Vmaddr()+seg.Vmsize()
		for addr := range allTracked(ctx.PointerTracker) {
			if addr >= start && addr < end {
				bySeg[i].addrs = append(bySeg[i].addrs, addr)
			}
		}
		sort.Slice(bySeg[i].addrs, func(a, b int) bool { return bySeg[i].addrs[a] < bySeg[i].addrs[b] })
	}

	var out []byte
	emit := func(b byte) { out = append(out, b) }
	emitUleb := func(v uint64) {
		for {
			c := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				c |= 0x80
			}
			emit(c)
			if v == 0 {
				break
			}
		}
	}

	ptrSize := uint64(m.Arch.PointerSize)
	wrote := false
	for _, sp := range bySeg {
		if len(sp.addrs) == 0 {
			continue
		}
		if !wrote {
			emit(types.REBASE_OPCODE_SET_TYPE_IMM | types.REBASE_TYPE_POINTER)
			wrote = true
		}
		seg := segs[sp.index]
		emit(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | byte(sp.index))
		emitUleb(sp.addrs[0] - seg.Vmaddr())

		for i := 0; i < len(sp.addrs); {
			// count a run of consecutive slots
			run := 1
			for i+run < len(sp.addrs) && sp.addrs[i+run] == sp.addrs[i+run-1]+ptrSize {
				run++
			}
			if run <= 15 {
				emit(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES | byte(run))
			} else {
				emit(types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES)
				emitUleb(uint64(run))
			}
			i += run
			if i < len(sp.addrs) {
				gap := sp.addrs[i] - (sp.addrs[i-1] + ptrSize)
				emit(types.REBASE_OPCODE_ADD_ADDR_ULEB)
				emitUleb(gap)
			}
		}
	}
	if wrote {
		emit(types.REBASE_OPCODE_DONE)
	}
	return out
}

// allTracked exposes the tracker's slots for the encoder.
func allTracked(t *PointerTracker) map[uint64]Pointer {
	return t.pointers
}
