package extractor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/macho"
)

// TrackerTag identifies a tracked linkedit region.
type TrackerTag int

const (
	TagRebaseInfo TrackerTag = iota + 1
	TagBindInfo
	TagWeakBindInfo
	TagLazyBindInfo
	TagExportTrie
	TagSymbolEntries
	TagFunctionStarts
	TagDataInCode
	TagIndirectSymtab
	TagStringPool
)

// TrackedData is one linkedit region whose originating load-command offset
// field must stay consistent as regions shift.
type TrackedData struct {
	Tag TrackerTag
	// FieldOff is the offset (from the mach header) of the uint32 file-offset
	// field in the load command that points at this region.
	FieldOff uint32
	// DataOff is the region's offset inside the rebuilt __LINKEDIT.
	DataOff uint32
	// Size is the region's 8-byte-aligned size.
	Size uint32
}

// End returns the region's end offset inside __LINKEDIT.
func (d *TrackedData) End() uint32 { return d.DataOff + d.Size }

// LinkeditTracker registers every rebuilt linkedit region and keeps the load
// commands' offset fields in lock-step whenever a region shifts or the
// command list grows.
type LinkeditTracker struct {
	m *macho.File

	// headerSpace is the byte budget for load commands: the gap between the
	// end of the mach header and the start of __text.
	headerSpace uint32

	linkedit []byte // writable __LINKEDIT bytes (capacity = vmsize at creation)
	capacity uint32
	// fileOff is the file offset the tracked command fields are currently
	// expressed against (the cache file offset until the offset optimizer
	// rewrites it).
	fileOff uint32

	data []*TrackedData // sorted by DataOff
}

// NewLinkeditTracker pins a tracker to the image's __LINKEDIT segment.
func NewLinkeditTracker(m *macho.File) (*LinkeditTracker, error) {
	textSect := m.GetSection("__TEXT", "__text")
	if textSect == nil {
		return nil, fmt.Errorf("image has no __TEXT,__text section")
	}
	textSeg := m.GetSegment("__TEXT")
	if textSeg == nil {
		return nil, fmt.Errorf("image has no __TEXT segment")
	}
	linkeditSeg := m.GetSegment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil, fmt.Errorf("image has no __LINKEDIT segment")
	}

	commandsEnd := textSect.Addr() - textSeg.Vmaddr()
	if commandsEnd < uint64(m.Arch.HeaderSize) {
		return nil, fmt.Errorf("__text starts inside the mach header")
	}

	le, err := m.ConvertAddr(linkeditSeg.Vmaddr())
	if err != nil {
		return nil, err
	}
	capacity := uint32(linkeditSeg.Vmsize())
	if uint64(len(le)) < uint64(capacity) {
		return nil, fmt.Errorf("__LINKEDIT extends past its sub-cache mapping")
	}

	_, fileOff, err := m.Cache().ConvertAddr(linkeditSeg.Vmaddr())
	if err != nil {
		return nil, err
	}

	return &LinkeditTracker{
		m:           m,
		headerSpace: uint32(commandsEnd) - m.Arch.HeaderSize,
		linkedit:    le[:capacity],
		capacity:    capacity,
		fileOff:     uint32(fileOff),
	}, nil
}

// Linkedit returns the writable rebuilt __LINKEDIT bytes.
func (t *LinkeditTracker) Linkedit() []byte { return t.linkedit }

// FileOffset returns the file offset command fields currently point through.
func (t *LinkeditTracker) FileOffset() uint32 { return t.fileOff }

// HeaderSpaceAvailable returns the load-command byte budget.
func (t *LinkeditTracker) HeaderSpaceAvailable() uint32 { return t.headerSpace }

// TrackData binary-inserts a region into the sorted tracking list.
func (t *LinkeditTracker) TrackData(d *TrackedData) {
	i := sort.Search(len(t.data), func(i int) bool {
		return t.data[i].DataOff >= d.DataOff
	})
	t.data = append(t.data, nil)
	copy(t.data[i+1:], t.data[i:])
	t.data[i] = d
}

// FindTag returns the tracked region with the given tag, or nil.
func (t *LinkeditTracker) FindTag(tag TrackerTag) *TrackedData {
	for _, d := range t.data {
		if d.Tag == tag {
			return d
		}
	}
	return nil
}

// Tracked returns the tracked regions in data order.
func (t *LinkeditTracker) Tracked() []*TrackedData { return t.data }

// DataEnd returns the end offset of the last tracked region.
func (t *LinkeditTracker) DataEnd() uint32 {
	if len(t.data) == 0 {
		return 0
	}
	return t.data[len(t.data)-1].End()
}

// InsertLoadCommand splices a new load command after the given one (nil
// appends at the end). It fails when the commands would grow past the start
// of __text.
func (t *LinkeditTracker) InsertLoadCommand(after *macho.LoadCommand, cmd []byte) bool {
	hdr := t.m.HeaderBytes()
	sizeofcmds := t.m.Sizeofcmds()
	if sizeofcmds+uint32(len(cmd)) > t.headerSpace {
		return false
	}

	commandsEnd := t.m.Arch.HeaderSize + sizeofcmds
	shiftStart := commandsEnd
	if after != nil {
		shiftStart = after.Off + after.Len
	}
	delta := uint32(len(cmd))

	copy(hdr[shiftStart+delta:commandsEnd+delta], hdr[shiftStart:commandsEnd])
	copy(hdr[shiftStart:], cmd)

	for _, d := range t.data {
		if d.FieldOff >= shiftStart {
			d.FieldOff += delta
		}
	}

	t.m.SetNcmds(t.m.Ncmds() + 1)
	t.m.SetSizeofcmds(sizeofcmds + delta)
	return true
}

// InsertLinkeditData places a new region after the given one (nil prepends
// at the linkedit start), shifting every later region and patching their
// offset fields. The 8-byte alignment tail is zeroed. Fails when the region
// does not fit inside __LINKEDIT.
func (t *LinkeditTracker) InsertLinkeditData(after *TrackedData, d *TrackedData, payload []byte) bool {
	shiftDelta := utils.Align32(uint32(len(payload)), 8)
	if shiftDelta == 0 {
		shiftDelta = 8
	}

	lastEnd := t.DataEnd()
	if lastEnd+shiftDelta > t.capacity {
		return false
	}

	shiftStart := uint32(0)
	if after != nil {
		shiftStart = after.End()
	}

	copy(t.linkedit[shiftStart+shiftDelta:lastEnd+shiftDelta], t.linkedit[shiftStart:lastEnd])

	for _, td := range t.data {
		if td.DataOff >= shiftStart {
			t.patchField(td, shiftDelta)
			td.DataOff += shiftDelta
		}
	}

	for i := shiftStart + shiftDelta - 8; i < shiftStart+shiftDelta; i++ {
		t.linkedit[i] = 0
	}
	copy(t.linkedit[shiftStart:], payload)

	d.DataOff = shiftStart
	d.Size = shiftDelta
	t.TrackData(d)
	t.setField(d, t.fileOff+d.DataOff)
	return true
}

// ResizeData grows or shrinks a tracked region in place, shifting the
// regions after it and patching their offset fields.
func (t *LinkeditTracker) ResizeData(d *TrackedData, newSize uint32) bool {
	newSize = utils.Align32(newSize, 8)
	if newSize == d.Size {
		return true
	}
	delta := int64(newSize) - int64(d.Size)

	lastEnd := t.DataEnd()
	if int64(lastEnd)+delta > int64(t.capacity) {
		return false
	}

	shiftStart := d.End()
	newShiftStart := uint32(int64(shiftStart) + delta)
	copy(t.linkedit[newShiftStart:int64(lastEnd)+delta], t.linkedit[shiftStart:lastEnd])
	if delta > 0 {
		for i := shiftStart; i < newShiftStart; i++ {
			t.linkedit[i] = 0
		}
	}

	for _, td := range t.data {
		if td == d || td.DataOff < shiftStart {
			continue
		}
		t.setField(td, uint32(int64(t.fieldValue(td))+delta))
		td.DataOff = uint32(int64(td.DataOff) + delta)
	}

	d.Size = newSize
	return true
}

// ChangeOffset rewrites every tracked command field against a new __LINKEDIT
// file offset (used by the offset optimizer once final offsets are known).
func (t *LinkeditTracker) ChangeOffset(newFileOff uint32) {
	t.fileOff = newFileOff
	for _, d := range t.data {
		t.setField(d, newFileOff+d.DataOff)
	}
}

func (t *LinkeditTracker) fieldValue(d *TrackedData) uint32 {
	return binary.LittleEndian.Uint32(t.m.HeaderBytes()[d.FieldOff:])
}

func (t *LinkeditTracker) setField(d *TrackedData, v uint32) {
	binary.LittleEndian.PutUint32(t.m.HeaderBytes()[d.FieldOff:], v)
}

func (t *LinkeditTracker) patchField(d *TrackedData, delta uint32) {
	t.setField(d, t.fieldValue(d)+delta)
}
