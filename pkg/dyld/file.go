package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FormatError is returned by some operations if the data does
// not have the correct format for a dyld shared cache.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// SubCache is one mapped cache file. Data is a private copy of the file's
// bytes, so pipeline mutations behave like a copy-on-write mapping: they
// persist across stages of one extraction but never reach the disk.
type SubCache struct {
	Path     string
	UUID     types.UUID
	Data     []byte
	Header   CacheHeader
	Mappings []*CacheMapping

	IsSymbols bool
}

// ContainsAddr reports whether any mapping of this sub-cache covers addr.
func (sc *SubCache) ContainsAddr(addr uint64) bool {
	for _, m := range sc.Mappings {
		if m.ContainsAddr(addr) {
			return true
		}
	}
	return false
}

// ConvertAddr translates a vm address into a file offset inside this sub-cache.
func (sc *SubCache) ConvertAddr(addr uint64) (uint64, error) {
	for _, m := range sc.Mappings {
		if m.ContainsAddr(addr) {
			return (addr - m.Address) + m.FileOffset, nil
		}
	}
	return 0, fmt.Errorf("address %#x not within any mappings of %s", addr, filepath.Base(sc.Path))
}

// File represents an open dyld shared cache: the primary file plus any
// sub-caches (".01".."" and ".symbols").
type File struct {
	CacheHeader
	ByteOrder binary.ByteOrder

	SubCaches []*SubCache
	Images    []*Image

	LocalSymInfo    CacheLocalSymbolsInfo
	LocalSymEntries []CacheLocalSymbolsEntry
	hasLocalSymInfo bool

	symbolsCache *SubCache
}

// Open opens the named shared cache (the primary file; sub-caches are
// discovered next to it) and reads every file into a private buffer.
func Open(name string) (*File, error) {
	f := &File{ByteOrder: binary.LittleEndian}

	primary, err := openSubCache(name)
	if err != nil {
		return nil, err
	}
	f.CacheHeader = primary.Header
	f.SubCaches = append(f.SubCaches, primary)

	if err := f.openSubCaches(name); err != nil {
		return nil, err
	}

	if err := f.parseImages(primary); err != nil {
		return nil, err
	}

	if err := f.parseLocalSymbolsInfo(); err != nil {
		return nil, err
	}

	return f, nil
}

func openSubCache(path string) (*SubCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cache file %s", path)
	}
	if len(data) < 16 {
		return nil, &FormatError{0, "file too small for dyld cache header", nil}
	}

	ident := strings.TrimRight(string(data[:16]), "\x00")
	if !strings.HasSuffix(path, ".symbols") { // symbols caches reuse the arch magic
		if contains(badMagic, ident) {
			return nil, &FormatError{0, "unsupported architecture", ident}
		}
		if !contains(magic, ident) {
			return nil, &FormatError{0, "invalid magic number", ident}
		}
	}

	sc := &SubCache{Path: path, Data: data, IsSymbols: strings.HasSuffix(path, ".symbols")}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &sc.Header); err != nil {
		return nil, err
	}
	sc.UUID = sc.Header.UUID

	if err := sc.parseMappings(); err != nil {
		return nil, err
	}
	return sc, nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

func (sc *SubCache) parseMappings() error {
	h := &sc.Header
	r := bytes.NewReader(sc.Data)

	if h.HeaderContainsField(offsetOfMappingWithSlideOffset) && h.MappingWithSlideCount > 0 {
		if _, err := r.Seek(int64(h.MappingWithSlideOffset), 0); err != nil {
			return err
		}
		for i := uint32(0); i != h.MappingWithSlideCount; i++ {
			var info CacheMappingAndSlideInfo
			if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
				return err
			}
			m := &CacheMapping{CacheMappingAndSlideInfo: info}
			if info.SlideInfoSize > 0 {
				if info.SlideInfoOffset+info.SlideInfoSize > uint64(len(sc.Data)) {
					return &FormatError{int64(info.SlideInfoOffset), "slide info extends past file", nil}
				}
				m.SlideInfo = sc.Data[info.SlideInfoOffset : info.SlideInfoOffset+info.SlideInfoSize]
				m.SlideVersion = binary.LittleEndian.Uint32(m.SlideInfo)
			}
			sc.Mappings = append(sc.Mappings, m)
		}
	} else {
		if _, err := r.Seek(int64(h.MappingOffset), 0); err != nil {
			return err
		}
		for i := uint32(0); i != h.MappingCount; i++ {
			var info CacheMappingInfo
			if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
				return err
			}
			m := &CacheMapping{CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
				Address:    info.Address,
				Size:       info.Size,
				FileOffset: info.FileOffset,
			}}
			sc.Mappings = append(sc.Mappings, m)
		}
	}

	for _, m := range sc.Mappings {
		// name mappings by flags and position: auth-data mappings are __AUTH,
		// the first is __TEXT, the last __LINKEDIT, the rest __DATA
		switch {
		case m.Flags.IsAuthData():
			m.Name = "__AUTH"
		case len(sc.Mappings) > 0 && m == sc.Mappings[0]:
			m.Name = "__TEXT"
		default:
			m.Name = "__DATA"
		}
	}
	if n := len(sc.Mappings); n > 1 {
		sc.Mappings[n-1].Name = "__LINKEDIT"
	}
	return nil
}

// openSubCaches discovers and loads the ".N" and ".symbols" files next to the
// primary cache, concurrently (read-only I/O; the pipeline itself stays
// sequential).
func (f *File) openSubCaches(primaryPath string) error {
	h := &f.CacheHeader
	if !h.HeaderContainsField(offsetOfSubCacheArrayOffset) || h.SubCacheArrayCount == 0 {
		// still probe for a .symbols file on old multi-file layouts
		return f.openSymbolsSubCache(primaryPath)
	}

	entries, err := f.parseSubCacheEntries()
	if err != nil {
		return err
	}

	subs := make([]*SubCache, len(entries))
	var eg errgroup.Group
	for i, entry := range entries {
		eg.Go(func() error {
			suffix := entry.FileSuffix
			if suffix == "" {
				suffix = fmt.Sprintf(".%d", i+1)
			}
			sc, err := openSubCache(primaryPath + suffix)
			if err != nil {
				return err
			}
			if sc.UUID != entry.UUID {
				return fmt.Errorf("sub-cache %s UUID mismatch: expected %s got %s",
					primaryPath+suffix, entry.UUID, sc.UUID)
			}
			subs[i] = sc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	f.SubCaches = append(f.SubCaches, subs...)

	return f.openSymbolsSubCache(primaryPath)
}

func (f *File) openSymbolsSubCache(primaryPath string) error {
	symPath := primaryPath + ".symbols"
	if _, err := os.Stat(symPath); err != nil {
		return nil // no symbols sub-cache
	}
	sc, err := openSubCache(symPath)
	if err != nil {
		return err
	}
	sc.IsSymbols = true
	if f.HeaderContainsField(offsetOfSymbolFileUUID) && f.SymbolFileUUID != sc.UUID {
		log.Warnf("symbols sub-cache UUID does not match %s", symPath)
	}
	f.symbolsCache = sc
	f.SubCaches = append(f.SubCaches, sc)
	return nil
}

func (f *File) parseSubCacheEntries() ([]SubCacheEntry, error) {
	h := &f.CacheHeader
	primary := f.SubCaches[0]
	r := bytes.NewReader(primary.Data)
	if _, err := r.Seek(int64(h.SubCacheArrayOffset), 0); err != nil {
		return nil, err
	}

	entries := make([]SubCacheEntry, 0, h.SubCacheArrayCount)
	if h.HeaderContainsField(offsetOfCacheSubType) {
		for i := uint32(0); i != h.SubCacheArrayCount; i++ {
			var e subCacheEntryV2
			if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
				return nil, err
			}
			entries = append(entries, SubCacheEntry{
				UUID:          e.UUID,
				CacheVMOffset: e.CacheVMOffset,
				FileSuffix:    strings.TrimRight(string(e.FileSuffix[:]), "\x00"),
			})
		}
	} else {
		for i := uint32(0); i != h.SubCacheArrayCount; i++ {
			var e subCacheEntryV1
			if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
				return nil, err
			}
			entries = append(entries, SubCacheEntry{UUID: e.UUID, CacheVMOffset: e.CacheVMOffset})
		}
	}
	return entries, nil
}

func (f *File) parseImages(primary *SubCache) error {
	h := &f.CacheHeader
	imagesOffset, imagesCount := h.ImagesOffsetOld, h.ImagesCountOld
	if h.HeaderContainsField(offsetOfImagesOffset) && h.ImagesOffset != 0 {
		imagesOffset, imagesCount = h.ImagesOffset, h.ImagesCount
	}

	r := bytes.NewReader(primary.Data)
	if _, err := r.Seek(int64(imagesOffset), 0); err != nil {
		return err
	}
	for i := uint32(0); i != imagesCount; i++ {
		var info CacheImageInfo
		if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
			return err
		}
		f.Images = append(f.Images, &Image{Index: i, Info: info, cache: f})
	}
	for _, image := range f.Images {
		image.Name = readCString(primary.Data, uint64(image.Info.PathFileOffset))
	}

	// text segment info, when present
	if h.ImagesTextCount > 0 && h.ImagesTextOffset > 0 {
		if _, err := r.Seek(int64(h.ImagesTextOffset), 0); err != nil {
			return err
		}
		for i := uint64(0); i != h.ImagesTextCount && i < uint64(len(f.Images)); i++ {
			if err := binary.Read(r, binary.LittleEndian, &f.Images[i].CacheImageTextInfo); err != nil {
				return err
			}
		}
	}
	return nil
}

func readCString(data []byte, off uint64) string {
	if off >= uint64(len(data)) {
		return ""
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return string(data[off:])
	}
	return string(data[off : off+uint64(end)])
}

// parseLocalSymbolsInfo reads the dyld_cache_local_symbols_info from the
// symbols sub-cache (new layout) or the primary cache (old layout), and
// attaches each image's local-symbols entry.
func (f *File) parseLocalSymbolsInfo() error {
	sc := f.symbolsCache
	if sc == nil {
		sc = f.SubCaches[0]
	}
	if sc.Header.LocalSymbolsOffset == 0 {
		return nil
	}

	r := bytes.NewReader(sc.Data)
	if _, err := r.Seek(int64(sc.Header.LocalSymbolsOffset), 0); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &f.LocalSymInfo); err != nil {
		return err
	}
	f.hasLocalSymInfo = true

	if _, err := r.Seek(int64(sc.Header.LocalSymbolsOffset+uint64(f.LocalSymInfo.EntriesOffset)), 0); err != nil {
		return err
	}
	use64 := sc.Header.HeaderContainsField(offsetOfSymbolFileUUID)
	for i := 0; i < int(f.LocalSymInfo.EntriesCount); i++ {
		var entry CacheLocalSymbolsEntry
		if use64 {
			var e cacheLocalSymbolsEntry64
			if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
				return err
			}
			entry = CacheLocalSymbolsEntry{DylibOffset: e.DylibOffset, NlistStartIndex: e.NlistStartIndex, NlistCount: e.NlistCount}
		} else {
			var e cacheLocalSymbolsEntry32
			if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
				return err
			}
			entry = CacheLocalSymbolsEntry{DylibOffset: uint64(e.DylibOffset), NlistStartIndex: e.NlistStartIndex, NlistCount: e.NlistCount}
		}
		f.LocalSymEntries = append(f.LocalSymEntries, entry)
		if i < len(f.Images) {
			f.Images[i].CacheLocalSymbolsEntry = entry
		}
	}
	return nil
}

// LocalSymbolsBlob returns the raw nlist and string-pool bytes of the
// local-symbols blob, or ok=false when the cache has none.
func (f *File) LocalSymbolsBlob() (nlists, strs []byte, ok bool) {
	sc := f.SymbolsCache()
	if sc == nil || !f.hasLocalSymInfo {
		return nil, nil, false
	}
	base := sc.Header.LocalSymbolsOffset
	nlists = sc.Data[base+uint64(f.LocalSymInfo.NlistOffset):]
	strs = sc.Data[base+uint64(f.LocalSymInfo.StringsOffset) : base+uint64(f.LocalSymInfo.StringsOffset)+uint64(f.LocalSymInfo.StringsSize)]
	return nlists, strs, true
}

// SymbolsCache returns the sub-cache holding the unmapped local symbols, or
// nil when the cache shipped without one.
func (f *File) SymbolsCache() *SubCache {
	if f.symbolsCache != nil {
		return f.symbolsCache
	}
	if f.SubCaches[0].Header.LocalSymbolsOffset != 0 {
		return f.SubCaches[0]
	}
	return nil
}

// HasLocalSymbols reports whether the cache carries a local-symbols blob.
func (f *File) HasLocalSymbols() bool {
	return f.hasLocalSymInfo
}

// LocalSymbolsEntryUses64BitOffsets reports which dylibOffset convention the
// local-symbols entries use (see CacheLocalSymbolsEntry).
func (f *File) LocalSymbolsEntryUses64BitOffsets() bool {
	sc := f.SymbolsCache()
	if sc == nil {
		return false
	}
	return sc.Header.HeaderContainsField(offsetOfSymbolFileUUID)
}

// ConvertAddr translates a vm address into its sub-cache and file offset.
func (f *File) ConvertAddr(addr uint64) (*SubCache, uint64, error) {
	for _, sc := range f.SubCaches {
		if sc.IsSymbols {
			continue
		}
		if off, err := sc.ConvertAddr(addr); err == nil {
			return sc, off, nil
		}
	}
	return nil, 0, fmt.Errorf("address %#x not within any sub-cache mapping", addr)
}

// ContainsAddr reports whether the cache maps addr.
func (f *File) ContainsAddr(addr uint64) bool {
	_, _, err := f.ConvertAddr(addr)
	return err == nil
}

// ReadBytes returns size bytes at the given vm address.
func (f *File) ReadBytes(addr, size uint64) ([]byte, error) {
	sc, off, err := f.ConvertAddr(addr)
	if err != nil {
		return nil, err
	}
	if off+size > uint64(len(sc.Data)) {
		return nil, fmt.Errorf("read of %d bytes at %#x extends past sub-cache", size, addr)
	}
	return sc.Data[off : off+size], nil
}

// ReadPointer reads a pointer-sized little-endian value at the vm address.
func (f *File) ReadPointer(addr uint64, ptrSize uint32) (uint64, error) {
	data, err := f.ReadBytes(addr, uint64(ptrSize))
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(data)), nil
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Image returns the first image whose path or basename matches name.
func (f *File) Image(name string) *Image {
	for _, i := range f.Images {
		if strings.EqualFold(i.Name, name) {
			return i
		}
	}
	for _, i := range f.Images {
		if strings.EqualFold(filepath.Base(i.Name), name) {
			return i
		}
	}
	// partial path match: the first image whose path ends with name
	for _, i := range f.Images {
		if strings.HasSuffix(strings.ToLower(i.Name), strings.ToLower(name)) {
			return i
		}
	}
	return nil
}

// FilterImages returns the images whose install name contains filter
// (case-insensitive); an empty filter matches everything.
func (f *File) FilterImages(filter string) []*Image {
	if filter == "" {
		return f.Images
	}
	var out []*Image
	for _, i := range f.Images {
		if strings.Contains(strings.ToLower(i.Name), strings.ToLower(filter)) {
			out = append(out, i)
		}
	}
	return out
}
