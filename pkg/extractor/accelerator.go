package extractor

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	resolvedChainCacheSize = 1 << 20
	decodedStubCacheSize   = 1 << 18
)

// RedactedSymbolName is the literal placeholder the cache builder leaves for
// stripped local symbols.
const RedactedSymbolName = "<redacted>"

// CodeRegion is a [start,end) vm range known to hold instructions.
type CodeRegion struct {
	Start uint64
	End   uint64
}

// Accelerator memoizes cache-wide facts reused across all image runs of one
// process: resolved stub chains, decoded stub instructions, exported-symbol
// tables per image, selector strings, and the executable code regions of the
// whole cache. The export, selector and code-region tables are insert-only;
// the resolved-chain and decoded-stub memos are bounded LRU caches that
// overwrite on Add and may evict older entries. The sequential driver shares
// one instance across every image.
type Accelerator struct {
	mu sync.Mutex

	// resolvedChains caches stub-chain terminal addresses keyed by stub vm.
	resolvedChains *lru.Cache[uint64, uint64]
	// decodedStubs caches decoded stub targets keyed by stub vm.
	decodedStubs *lru.Cache[uint64, DecodedStub]

	// exports caches each dependency's exported symbols (vm addr -> symbols
	// exported at that address), keyed by image install name.
	exports map[string]map[uint64][]ExportedSymbol

	// selectors maps selector string -> canonical vm address of its bytes.
	selectors map[string]uint64

	codeRegions []CodeRegion
	codeSorted  bool
}

// ExportedSymbol is one entry of a dependency's export trie.
type ExportedSymbol struct {
	Name    string
	Address uint64
	Flags   uint64
}

// DecodedStub is the result of decoding one stub's instruction sequence.
type DecodedStub struct {
	Format    StubFormat
	TargetPtr uint64 // vm address of the pointer slot the stub loads
	Target    uint64 // branch target for direct-branch formats
}

// NewAccelerator creates the process-wide memo.
func NewAccelerator() *Accelerator {
	chains, _ := lru.New[uint64, uint64](resolvedChainCacheSize)
	stubs, _ := lru.New[uint64, DecodedStub](decodedStubCacheSize)
	return &Accelerator{
		resolvedChains: chains,
		decodedStubs:   stubs,
		exports:        make(map[string]map[uint64][]ExportedSymbol),
		selectors:      make(map[string]uint64),
	}
}

// ResolvedChain returns a memoized stub-chain result.
func (a *Accelerator) ResolvedChain(addr uint64) (uint64, bool) {
	return a.resolvedChains.Get(addr)
}

// AddResolvedChain memoizes a stub-chain result.
func (a *Accelerator) AddResolvedChain(addr, target uint64) {
	a.resolvedChains.Add(addr, target)
}

// DecodedStub returns a memoized stub decode.
func (a *Accelerator) DecodedStub(addr uint64) (DecodedStub, bool) {
	return a.decodedStubs.Get(addr)
}

// AddDecodedStub memoizes a stub decode.
func (a *Accelerator) AddDecodedStub(addr uint64, s DecodedStub) {
	a.decodedStubs.Add(addr, s)
}

// Exports returns the cached export table for an image, if enumerated.
func (a *Accelerator) Exports(imageName string) (map[uint64][]ExportedSymbol, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.exports[imageName]
	return m, ok
}

// AddExports caches an image's export table.
func (a *Accelerator) AddExports(imageName string, syms map[uint64][]ExportedSymbol) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.exports[imageName]; !ok {
		a.exports[imageName] = syms
	}
}

// Selector returns the canonical vm address for a selector string.
func (a *Accelerator) Selector(name string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.selectors[name]
	return addr, ok
}

// AddSelector records the canonical address for a selector string,
// keeping the first registration.
func (a *Accelerator) AddSelector(name string, addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.selectors[name]; !ok {
		a.selectors[name] = addr
	}
}

// AddCodeRegion records a vm range holding instructions.
func (a *Accelerator) AddCodeRegion(r CodeRegion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codeRegions = append(a.codeRegions, r)
	a.codeSorted = false
}

// HasCodeRegions reports whether the code-region sweep has run.
func (a *Accelerator) HasCodeRegions() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.codeRegions) > 0
}

// InCodeRegion reports whether addr falls inside any recorded code region.
func (a *Accelerator) InCodeRegion(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.codeSorted {
		sort.Slice(a.codeRegions, func(i, j int) bool {
			return a.codeRegions[i].Start < a.codeRegions[j].Start
		})
		a.codeSorted = true
	}
	i := sort.Search(len(a.codeRegions), func(i int) bool {
		return a.codeRegions[i].Start > addr
	})
	if i == 0 {
		return false
	}
	r := a.codeRegions[i-1]
	return addr >= r.Start && addr < r.End
}
