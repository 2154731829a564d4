package extractor

import (
	"bytes"
	"io"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

func readUleb128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint64

	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse ULEB128 value")
		}

		result |= uint64(uint(b)&0x7f) << shift

		// Stop once the high-order (continuation) bit is clear.
		if (b & 0x80) == 0 {
			break
		}

		shift += 7
	}

	return result, nil
}

func readSleb128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint64
	var b byte
	var err error

	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not parse SLEB128 value")
		}
		result |= int64(uint64(b&0x7f) << shift)
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

type trieNode struct {
	offset   uint64
	symBytes []byte
}

// parseExportTrie walks the export trie and returns every exported symbol,
// with Regular/ThreadLocal values rebased onto loadAddress.
func parseExportTrie(trieData []byte, loadAddress uint64) ([]ExportedSymbol, error) {
	if len(trieData) == 0 {
		return nil, nil
	}

	var tNode trieNode
	var entries []ExportedSymbol

	nodes := []trieNode{{offset: 0, symBytes: make([]byte, 0)}}

	r := bytes.NewReader(trieData)

	for len(nodes) > 0 {
		tNode, nodes = nodes[len(nodes)-1], nodes[:len(nodes)-1]

		r.Seek(int64(tNode.offset), io.SeekStart)

		terminalSize, err := readUleb128(r)
		if err != nil {
			return nil, err
		}

		if terminalSize != 0 {
			symFlagInt, err := readUleb128(r)
			if err != nil {
				return nil, err
			}
			flags := types.ExportFlag(symFlagInt)

			if flags.ReExport() {
				if _, err := readUleb128(r); err != nil { // ordinal
					return nil, err
				}
				for { // re-export name
					s, err := r.ReadByte()
					if err == io.EOF || s == '\x00' {
						break
					}
				}
			}

			symValueInt, err := readUleb128(r)
			if err != nil {
				return nil, err
			}

			if flags.StubAndResolver() {
				if _, err := readUleb128(r); err != nil {
					return nil, err
				}
			}

			if flags.Regular() || flags.ThreadLocal() {
				symValueInt += loadAddress
			}

			entries = append(entries, ExportedSymbol{
				Name:    string(tNode.symBytes),
				Address: symValueInt,
				Flags:   symFlagInt,
			})
		}

		r.Seek(int64(tNode.offset+terminalSize+1), io.SeekStart)
		childrenRemaining, err := r.ReadByte()
		if err == io.EOF {
			break
		}

		for i := 0; i < int(childrenRemaining); i++ {
			tmp := make([]byte, len(tNode.symBytes), len(tNode.symBytes)+32)
			copy(tmp, tNode.symBytes)

			for {
				s, err := r.ReadByte()
				if err == io.EOF || s == '\x00' {
					break
				}
				tmp = append(tmp, s)
			}

			childNodeOffset, err := readUleb128(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, trieNode{offset: childNodeOffset, symBytes: tmp})
		}
	}

	return entries, nil
}
