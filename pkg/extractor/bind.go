package extractor

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// BindRecord is one decoded binding: the location (segment index + offset)
// and the symbol it binds to.
type BindRecord struct {
	SegIndex   uint8
	SegOffset  uint64
	LibOrdinal int64
	SymbolName string
	Type       uint8
	Flags      uint8
	Addend     int64
}

// readBindInfo decodes a (lazy/weak/regular) bind opcode stream into records.
func readBindInfo(data []byte) ([]BindRecord, error) {
	var records []BindRecord
	r := bytes.NewReader(data)

	var rec BindRecord
	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		opcode := b & types.BIND_OPCODE_MASK
		imm := b & types.BIND_IMMEDIATE_MASK

		switch opcode {
		case types.BIND_OPCODE_DONE:
			// lazy bind streams separate records with DONE; keep going
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			rec.LibOrdinal = int64(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			rec.LibOrdinal = int64(v)
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				rec.LibOrdinal = 0
			} else {
				rec.LibOrdinal = int64(int8(types.BIND_OPCODE_MASK | imm))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			var name []byte
			for {
				c, err := r.ReadByte()
				if err != nil || c == 0 {
					break
				}
				name = append(name, c)
			}
			rec.SymbolName = string(name)
			rec.Flags = imm
		case types.BIND_OPCODE_SET_TYPE_IMM:
			rec.Type = imm
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, err := readSleb128(r)
			if err != nil {
				return records, err
			}
			rec.Addend = v
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			rec.SegIndex = imm
			v, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			rec.SegOffset = v
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			v, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			rec.SegOffset += v
		case types.BIND_OPCODE_DO_BIND:
			records = append(records, rec)
			rec.SegOffset += 8
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			records = append(records, rec)
			v, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			rec.SegOffset += v + 8
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			records = append(records, rec)
			rec.SegOffset += uint64(imm)*8 + 8
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			skip, err := readUleb128(r)
			if err != nil {
				return records, err
			}
			for i := uint64(0); i < count; i++ {
				records = append(records, rec)
				rec.SegOffset += skip + 8
			}
		case types.BIND_OPCODE_THREADED:
			// chained fixups era; not produced for cache dylibs
		default:
			return records, fmt.Errorf("unknown bind opcode %#x", opcode)
		}
	}
	return records, nil
}

// readBindRecordAt decodes the single record a lazy-bind stub helper points
// at: the stream from off up to its first DO_BIND.
func readBindRecordAt(data []byte, off uint64) (BindRecord, error) {
	if off >= uint64(len(data)) {
		return BindRecord{}, fmt.Errorf("bind info offset %#x out of range", off)
	}
	records, err := readBindInfo(data[off:])
	if len(records) > 0 {
		return records[0], nil
	}
	if err == nil {
		err = fmt.Errorf("no bind record at offset %#x", off)
	}
	return BindRecord{}, err
}
