package dyld

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// Known good magic
var magic = []string{
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

// Unsupported magics we recognize but refuse to process
var badMagic = []string{
	"dyld_v1    i386",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
}

// CacheHeader is the dyld_cache_header struct. Only fields with
// (file offset) < MappingOffset are valid for a given cache; use
// HeaderContainsField to test coverage before trusting a field.
type CacheHeader struct {
	Magic                     [16]byte // e.g. "dyld_v1  x86_64"
	MappingOffset             uint32   // file offset to first dyld_cache_mapping_info
	MappingCount              uint32   // number of dyld_cache_mapping_info entries
	ImagesOffsetOld           uint32   // UNUSED: moved to imagesOffset to prevent older dsc_extarctors from crashing
	ImagesCountOld            uint32   // UNUSED: moved to imagesCount to prevent older dsc_extarctors from crashing
	DyldBaseAddress           uint64   // base address of dyld when cache was built
	CodeSignatureOffset       uint64   // file offset of code signature blob
	CodeSignatureSize         uint64   // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused     uint64   // unused.  Used to be file offset of kernel slid info
	SlideInfoSizeUnused       uint64   // unused.  Used to be size of kernel slid info
	LocalSymbolsOffset        uint64   // file offset of where local symbols are stored
	LocalSymbolsSize          uint64   // size of local symbols information
	UUID                      types.UUID // unique value for each shared cache file
	CacheType                 uint64   // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset         uint32   // file offset to table of uint64_t pool addresses
	BranchPoolsCount          uint32   // number of uint64_t entries
	DyldInCacheMH             uint64   // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry          uint64   // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset          uint64   // file offset to first dyld_cache_image_text_info
	ImagesTextCount           uint64   // number of dyld_cache_image_text_info entries
	PatchInfoAddr             uint64   // (unslid) address of dyld_cache_patch_info
	PatchInfoSize             uint64   // Size of all of the patch information pointed to via the dyld_cache_patch_info
	OtherImageGroupAddrUnused uint64   // unused
	OtherImageGroupSizeUnused uint64   // unused
	ProgClosuresAddr          uint64   // (unslid) address of list of program launch closures
	ProgClosuresSize          uint64   // size of list of program launch closures
	ProgClosuresTrieAddr      uint64   // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize      uint64   // size of trie of indexes into program launch closures
	Platform                  uint32   // platform number (macOS=1, etc)
	FormatVersion             uint32   // dyld_format_version plus bit flags
	SharedRegionStart         uint64   // base load address of cache if not slid
	SharedRegionSize          uint64   // overall size of region cache can be mapped into
	MaxSlide                  uint64   // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr      uint64   // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize      uint64   // size of ImageArray for dylibs in this cache
	DylibsTrieAddr            uint64   // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize            uint64   // size of trie of cached dylib paths
	OtherImageArrayAddr       uint64   // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize       uint64   // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr             uint64   // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize             uint64   // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset    uint32   // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount     uint32   // number of dyld_cache_mapping_and_slide_info entries
	DylibsPBLStateArrayAddrUnused uint64 // unused
	DylibsPBLSetAddr          uint64   // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPBLSetPoolAddr    uint64   // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPBLSetPoolSize    uint64   // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr           uint64   // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize           uint32
	OsVersion                 types.Version // OS Version of dylibs in this cache for the main platform
	AltPlatform               uint32        // e.g. iOSMac on macOS
	AltOsVersion              types.Version // e.g. 14.0 for iOSMac
	SwiftOptsOffset           uint64   // file offset to Swift optimizations header
	SwiftOptsSize             uint64   // size of Swift optimizations header
	SubCacheArrayOffset       uint32   // file offset to first dyld_subcache_entry
	SubCacheArrayCount        uint32   // number of subCache entries
	SymbolFileUUID            types.UUID // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr       uint64   // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize       uint64   // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr      uint64   // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize      uint64   // maximum size of the Rosetta read-write region
	ImagesOffset              uint32   // file offset to first dyld_cache_image_info
	ImagesCount               uint32   // number of dyld_cache_image_info entries
	CacheSubType              uint32   // 0 for development, 1 for production
	_                         uint32   // padding
	ObjcOptsOffset            uint64   // file offset to ObjC optimizations header
	ObjcOptsSize              uint64   // size of ObjC optimizations header
	CacheAtlasOffset          uint64   // file offset to embedded atlas of this cache file
	CacheAtlasSize            uint64   // size of embedded atlas of this cache file
	DynamicDataOffset         uint64   // file offset in cache file for sanctioned dyld to use
	DynamicDataMaxSize        uint64   // maximum size of space reserved from dynamic data
}

// Header field file offsets used for coverage checks.
const (
	offsetOfMappingWithSlideOffset = 0x138
	offsetOfSubCacheArrayOffset    = 0x188
	offsetOfSymbolFileUUID         = 0x190
	offsetOfCacheSubType           = 0x1c8
	offsetOfImagesOffset           = 0x1c0
)

// HeaderContainsField reports whether a header field at the given file offset
// was written by the builder of this cache (older caches have shorter headers).
func (h *CacheHeader) HeaderContainsField(fieldOffset uint32) bool {
	return h.MappingOffset > fieldOffset
}

func (h *CacheHeader) Is64bit() bool {
	m := string(h.Magic[7:15])
	return m == "  x86_64" || m == " x86_64h" || m == "   arm64" || m == "  arm64e"
}

// ArchName returns the space-trimmed architecture from the cache magic.
func (h *CacheHeader) ArchName() string {
	m := string(h.Magic[:16])
	for i, c := range m {
		if c == 0 {
			m = m[:i]
			break
		}
	}
	if len(m) <= len("dyld_v1") {
		return ""
	}
	return trimLeadingSpaces(m[len("dyld_v1"):])
}

func trimLeadingSpaces(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}

// CacheMappingInfo is the dyld_cache_mapping_info struct
type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// CacheMappingAndSlideInfo is the dyld_cache_mapping_and_slide_info struct
type CacheMappingAndSlideInfo struct {
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           CacheMappingFlag
}

type CacheMappingFlag uint64

const (
	DYLD_CACHE_MAPPING_AUTH_DATA   CacheMappingFlag = 1 << 0
	DYLD_CACHE_MAPPING_DIRTY_DATA  CacheMappingFlag = 1 << 1
	DYLD_CACHE_MAPPING_CONST_DATA  CacheMappingFlag = 1 << 2
	DYLD_CACHE_MAPPING_TEXT_STUBS  CacheMappingFlag = 1 << 3
	DYLD_CACHE_READ_ONLY_DATA      CacheMappingFlag = 1 << 5
)

func (f CacheMappingFlag) IsAuthData() bool {
	return f&DYLD_CACHE_MAPPING_AUTH_DATA != 0
}

// CacheMapping wraps a mapping with its resolved name and slide info.
type CacheMapping struct {
	CacheMappingAndSlideInfo
	Name         string
	SlideVersion uint32
	SlideInfo    []byte // raw slide-info bytes (version header included)
}

func (m *CacheMapping) ContainsAddr(addr uint64) bool {
	return m.Address <= addr && addr < m.Address+m.Size
}

// CacheImageInfo is the dyld_cache_image_info struct
type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// CacheImageTextInfo is the dyld_cache_image_text_info struct
type CacheImageTextInfo struct {
	UUID            types.UUID
	LoadAddress     uint64
	TextSegmentSize uint32
	PathOffset      uint32
}

// SubCacheEntry is the dyld_subcache_entry struct (v2 adds FileSuffix).
type SubCacheEntry struct {
	UUID          types.UUID
	CacheVMOffset uint64
	FileSuffix    string
}

type subCacheEntryV1 struct {
	UUID          types.UUID
	CacheVMOffset uint64
}

type subCacheEntryV2 struct {
	UUID          types.UUID
	CacheVMOffset uint64
	FileSuffix    [32]byte
}

// CacheLocalSymbolsInfo is the dyld_cache_local_symbols_info struct
type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

// CacheLocalSymbolsEntry is the dyld_cache_local_symbols_entry struct.
// Older caches use a 32-bit DylibOffset that is the __TEXT file offset;
// newer caches (those with a SymbolFileUUID) use a 64-bit vm offset from
// SharedRegionStart.
type CacheLocalSymbolsEntry struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

type cacheLocalSymbolsEntry32 struct {
	DylibOffset     uint32
	NlistStartIndex uint32
	NlistCount      uint32
}

type cacheLocalSymbolsEntry64 struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

// CacheSlideInfo is the dyld_cache_slide_info (v1) struct
type CacheSlideInfo struct {
	Version       uint32 // currently 1
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32 // currently 128
	// uint16_t toc[toc_count];
	// entrybitmap entries[entries_count];
}

type CacheSlideInfo2 struct {
	Version          uint32 // currently 2
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location
	ValueAdd         uint64
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

const (
	DYLD_CACHE_SLIDE_PAGE_ATTRS          = 0xC000 // high bits of uint16_t are flags
	DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA     = 0x8000 // index is into extras array (not starts array)
	DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE = 0x4000 // page has no rebasing
	DYLD_CACHE_SLIDE_PAGE_ATTR_END       = 0x8000 // last chain entry for page
)

type CacheSlideInfo3 struct {
	Version         uint32 // currently 3
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	_               uint32 // padding for 64bit alignment
	AuthValueAdd    uint64
	// uint16_t page_starts[page_starts_count]
}

const DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE = 0xFFFF // page has no rebasing

// CacheSlidePointer3 is the packed on-disk form of a v3 slid pointer.
type CacheSlidePointer3 uint64

// SignExtend51 returns a regular pointer which needs to fit in 51-bits of value.
// C++ RTTI uses the top bit, so we'll allow the whole top-byte
// and the signed-extended bottom 43-bits to be fit in to 51-bits.
func (p CacheSlidePointer3) SignExtend51() uint64 {
	top8Bits := uint64(p & 0x007F80000000000)
	bottom43Bits := uint64(p & 0x000007FFFFFFFFFF)
	return (top8Bits << 13) | bottom43Bits
}

// Value returns the chained pointer's value
func (p CacheSlidePointer3) Value() uint64 {
	return types.ExtractBits(uint64(p), 0, 51)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer3) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 51, 11)
}

// OffsetFromSharedCacheBase returns the chained pointer's offset from the base
func (p CacheSlidePointer3) OffsetFromSharedCacheBase() uint64 {
	return types.ExtractBits(uint64(p), 0, 32)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer3) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 32, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer3) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 48, 1) != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer3) Key() uint64 {
	return types.ExtractBits(uint64(p), 49, 2)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer3) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

func (p CacheSlidePointer3) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("value: %#x, next: %02x, diversity: %04x, addr_div: %t, auth: %t",
			p.Value(), p.OffsetToNextPointer(), p.DiversityData(), p.HasAddressDiversity(), p.Authenticated())
	}
	return fmt.Sprintf("value: %#x, next: %02x", p.Value(), p.OffsetToNextPointer())
}

type CacheSlideInfo4 struct {
	Version          uint32 // currently 4
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location (0xC0000000)
	ValueAdd         uint64 // base address of cache
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

const (
	DYLD_CACHE_SLIDE4_PAGE_NO_REBASE = 0xFFFF // page has no rebasing
	DYLD_CACHE_SLIDE4_PAGE_INDEX     = 0x7FFF // mask of page_starts[] values
	DYLD_CACHE_SLIDE4_PAGE_USE_EXTRA = 0x8000 // index is into extras array (not a chain start offset)
	DYLD_CACHE_SLIDE4_PAGE_EXTRA_END = 0x8000 // last chain entry for page
)

type CacheSlideInfo5 struct {
	Version         uint32 // currently 5
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	_               uint32 // padding for 64bit alignment
	ValueAdd        uint64
	// uint16_t page_starts[page_starts_count]
}

const DYLD_CACHE_SLIDE_V5_PAGE_ATTR_NO_REBASE = 0xFFFF // page has no rebasing

// CacheSlidePointer5 is the packed on-disk form of a v5 slid pointer.
type CacheSlidePointer5 uint64

// RuntimeOffset returns the target's offset from the shared region start.
func (p CacheSlidePointer5) RuntimeOffset() uint64 {
	return types.ExtractBits(uint64(p), 0, 34)
}

// High8 returns the top byte to reapply to a plain pointer.
func (p CacheSlidePointer5) High8() uint64 {
	return types.ExtractBits(uint64(p), 34, 8)
}

// OffsetToNextPointer returns the offset to the next chained pointer in 8-byte strides.
func (p CacheSlidePointer5) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 52, 11)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer5) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 34, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer5) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 50, 1) != 0
}

// KeyIsData returns if the DA key (rather than IA) signs the pointer
func (p CacheSlidePointer5) KeyIsData() bool {
	return types.ExtractBits(uint64(p), 51, 1) != 0
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer5) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}
