package extractor

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/macho"
)

// segmentAlignment is the file alignment of each output segment.
const segmentAlignment = 0x4000

// extraSegName is the synthesized segment holding reconstituted objc data.
const extraSegName = "__OBJC_EXTRA"

// WriteProcedure is one span of the output file.
type WriteProcedure struct {
	WriteOffset uint64
	Data        []byte
}

// OptimizeOffsets assigns dense, monotonic file offsets to every segment
// (and the extra-data region), updates all segment/section offsets and
// tracked linkedit fields in place, and returns the write plan.
func OptimizeOffsets(ctx *Context) ([]WriteProcedure, error) {
	ctx.Log.SetModule("Offset Optimizer")

	// without the linkedit optimizer the symbol offsets keep referencing the
	// cache file; the output is written anyway but is not loadable
	if ctx.LinkeditTracker == nil {
		ctx.Log.Warnf("linkedit was not optimized; output symbol offsets still reference the cache")
	}
	m := ctx.Mach

	for _, seg := range m.Segments() {
		if seg.Fileoff() > 0xFFFFFFFF || seg.Filesize() > 0xFFFFFFFF {
			return nil, fmt.Errorf("segment %s has an implausible file offset or size", seg.Name)
		}
	}

	writeExtra := ctx.ExObjc != nil && len(ctx.ExObjc.Data()) > 0
	if writeExtra {
		if err := materializeExtraData(ctx); err != nil {
			ctx.Log.Errorf("unable to materialize extra objc data: %v", err)
			writeExtra = false
		}
	}

	var procedures []WriteProcedure
	var dataHead uint64

	for _, seg := range m.Segments() {
		var data []byte
		switch {
		case seg.Name == "__LINKEDIT" && ctx.LinkeditTracker != nil:
			data = ctx.LinkeditTracker.Linkedit()[:seg.Filesize()]
		case seg.Name == extraSegName:
			data = ctx.ExObjc.Data()
		default:
			raw, err := m.ConvertAddr(seg.Vmaddr())
			if err != nil {
				return nil, err
			}
			data = raw[:seg.Filesize()]
		}
		procedures = append(procedures, WriteProcedure{WriteOffset: dataHead, Data: data})

		shift := int64(dataHead) - int64(seg.Fileoff())
		seg.SetFileoff(dataHead)
		for _, sect := range seg.Sections {
			if off := sect.Offset(); off != 0 {
				sect.SetOffset(uint32(int64(off) + shift))
			}
		}

		if seg.Name == "__LINKEDIT" && ctx.LinkeditTracker != nil {
			ctx.LinkeditTracker.ChangeOffset(uint32(dataHead))
		}

		dataHead = utils.Align(dataHead+seg.Filesize(), segmentAlignment)
	}

	return procedures, nil
}

// materializeExtraData appends a fresh segment command for the extra-data
// region, placed just before __LINKEDIT in both the command list and the vm
// layout. The linkedit tracker's header-space check is the hard limit.
func materializeExtraData(ctx *Context) error {
	m := ctx.Mach
	ex := ctx.ExObjc
	tracker := ctx.LinkeditTracker

	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg == nil {
		return fmt.Errorf("image has no __LINKEDIT segment")
	}

	// make vm room: the region sits between the last data segment and the
	// linkedit; push the linkedit up when they overlap
	end := utils.Align(ex.EndAddr(), segmentAlignment)
	if ex.EndAddr() > linkeditSeg.Vmaddr() {
		for _, seg := range m.Segments() {
			if seg.Name != "__LINKEDIT" && seg.Vmaddr() >= ex.BaseAddr() {
				return fmt.Errorf("segment %s overlaps the extra data region", seg.Name)
			}
		}
		linkeditSeg.SetVmaddr(end)
	}

	cmd := buildSegmentCommand(ctx, extraSegName, ex.BaseAddr(), uint64(len(ex.Data())))

	// insert ahead of the __LINKEDIT segment command so file order matches
	// vm order
	cmds, err := m.LoadCommands()
	if err != nil {
		return err
	}
	var before *macho.LoadCommand
	for i := range cmds {
		if cmds[i].Cmd == m.Arch.SegmentCmd {
			name := cstringFixed(m.Data(cmds[i])[8:24])
			if name == "__LINKEDIT" && i > 0 {
				before = &cmds[i-1]
				break
			}
		}
	}

	if !tracker.InsertLoadCommand(before, cmd) {
		return fmt.Errorf("no header space for the %s segment command", extraSegName)
	}
	return m.Reparse()
}

func buildSegmentCommand(ctx *Context, name string, vmaddr, size uint64) []byte {
	arch := ctx.Mach.Arch
	cmd := make([]byte, arch.SegCmdSize)
	binary.LittleEndian.PutUint32(cmd, uint32(arch.SegmentCmd))
	binary.LittleEndian.PutUint32(cmd[4:], arch.SegCmdSize)
	copy(cmd[8:24], name)
	if arch.Is64 {
		binary.LittleEndian.PutUint64(cmd[24:], vmaddr)
		binary.LittleEndian.PutUint64(cmd[32:], utils.Align(size, uint64(arch.PointerSize)))
		binary.LittleEndian.PutUint64(cmd[48:], size) // filesize; fileoff patched later
		binary.LittleEndian.PutUint32(cmd[56:], 0x3)  // maxprot rw-
		binary.LittleEndian.PutUint32(cmd[60:], 0x3)  // initprot rw-
	} else {
		binary.LittleEndian.PutUint32(cmd[24:], uint32(vmaddr))
		binary.LittleEndian.PutUint32(cmd[28:], uint32(utils.Align(size, uint64(arch.PointerSize))))
		binary.LittleEndian.PutUint32(cmd[36:], uint32(size))
		binary.LittleEndian.PutUint32(cmd[40:], 0x3)
		binary.LittleEndian.PutUint32(cmd[44:], 0x3)
	}
	return cmd
}

func cstringFixed(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
