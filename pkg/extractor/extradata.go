package extractor

import "github.com/blacktop/dyldex/internal/utils"

// ExtraData is the synthesized vm region appended after the image's original
// segments to hold reconstituted objc metadata. The offset optimizer later
// materializes it as a real segment.
type ExtraData struct {
	extendsSeg string
	baseAddr   uint64
	buf        []byte
}

// NewExtraData starts an empty region at baseAddr, logically extending the
// named segment.
func NewExtraData(extendsSeg string, baseAddr uint64) *ExtraData {
	return &ExtraData{extendsSeg: extendsSeg, baseAddr: baseAddr}
}

// ExtendsSeg returns the name of the segment this region extends.
func (e *ExtraData) ExtendsSeg() string { return e.extendsSeg }

// BaseAddr returns the region's first vm address.
func (e *ExtraData) BaseAddr() uint64 { return e.baseAddr }

// EndAddr returns the region's end vm address.
func (e *ExtraData) EndAddr() uint64 { return e.baseAddr + uint64(len(e.buf)) }

// Data returns the region's bytes.
func (e *ExtraData) Data() []byte { return e.buf }

// Contains reports whether addr falls inside the region.
func (e *ExtraData) Contains(addr uint64) bool {
	return addr >= e.baseAddr && addr < e.EndAddr()
}

// Bytes returns the writable bytes at a region address.
func (e *ExtraData) Bytes(addr uint64) []byte {
	return e.buf[addr-e.baseAddr:]
}

// Add appends data to the region, aligned to align, and returns its vm
// address.
func (e *ExtraData) Add(data []byte, align uint64) uint64 {
	if align > 1 {
		padded := utils.Align(uint64(len(e.buf)), align)
		for uint64(len(e.buf)) < padded {
			e.buf = append(e.buf, 0)
		}
	}
	addr := e.baseAddr + uint64(len(e.buf))
	e.buf = append(e.buf, data...)
	return addr
}

// AddString appends a NUL-terminated string and returns its vm address.
func (e *ExtraData) AddString(s string) uint64 {
	addr := e.baseAddr + uint64(len(e.buf))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return addr
}
