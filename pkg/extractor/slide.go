package extractor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/blacktop/dyldex/internal/utils"
	"github.com/blacktop/dyldex/pkg/dyld"
)

// ProcessSlideInfo walks every slide-info mapping that overlaps the image's
// segments, writes the un-slid pointer values back into the cache bytes, and
// registers each slot with the context's PointerTracker.
func ProcessSlideInfo(ctx *Context) error {
	ctx.Log.SetModule("Slide Info")

	var found bool
	for _, sc := range ctx.Cache.SubCaches {
		if sc.IsSymbols {
			continue
		}
		for _, mapping := range sc.Mappings {
			if mapping.SlideInfo == nil {
				continue
			}
			found = true
			if err := processMapping(ctx, sc, mapping); err != nil {
				return err
			}
		}
	}
	if !found {
		ctx.Log.Warnf("no slide mappings found")
	}
	return nil
}

func processMapping(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	switch mapping.SlideVersion {
	case 1:
		if ctx.Mach.Arch.Is64 {
			ctx.Log.Errorf("unable to handle 64-bit v1 slide info")
			return nil
		}
		return processSlideV1(ctx, sc, mapping)
	case 2:
		return processSlideV2(ctx, sc, mapping)
	case 3:
		if !ctx.Mach.Arch.Is64 {
			ctx.Log.Errorf("unable to handle 32-bit v3 slide info")
			return nil
		}
		return processSlideV3(ctx, sc, mapping)
	case 4:
		if ctx.Mach.Arch.Is64 {
			ctx.Log.Errorf("unable to handle 64-bit v4 slide info")
			return nil
		}
		return processSlideV4(ctx, sc, mapping)
	case 5:
		if !ctx.Mach.Arch.Is64 {
			ctx.Log.Errorf("unable to handle 32-bit v5 slide info")
			return nil
		}
		return processSlideV5(ctx, sc, mapping)
	default:
		return fmt.Errorf("unknown slide info version %d", mapping.SlideVersion)
	}
}

// pageRange returns the page indexes of the mapping that overlap one of the
// image's segments.
func pageRange(ctx *Context, mapping *dyld.CacheMapping, pageSize uint32) [][2]uint64 {
	var ranges [][2]uint64
	for _, seg := range ctx.Mach.Segments() {
		if !mapping.ContainsAddr(seg.Vmaddr()) {
			continue
		}
		start := (seg.Vmaddr() - mapping.Address) / uint64(pageSize)
		end := utils.Align(seg.Vmaddr()+seg.Vmsize()-mapping.Address, uint64(pageSize)) / uint64(pageSize)
		ranges = append(ranges, [2]uint64{start, end})
	}
	return ranges
}

// trackTarget registers the un-slid value, warning when the target escapes
// the cache's vm range.
func trackTarget(ctx *Context, slotAddr, target uint64) bool {
	if target != 0 && !ctx.Cache.ContainsAddr(target) {
		ctx.Log.Warnf("slid pointer at %#x targets %#x outside the cache; leaving unchanged", slotAddr, target)
		return false
	}
	ctx.PointerTracker.Add(slotAddr, target)
	return true
}

func processSlideV1(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	var info dyld.CacheSlideInfo
	if err := binary.Read(bytes.NewReader(mapping.SlideInfo), binary.LittleEndian, &info); err != nil {
		return err
	}
	toc := mapping.SlideInfo[info.TocOffset:]
	entries := mapping.SlideInfo[info.EntriesOffset:]

	dataOff, err := sc.ConvertAddr(mapping.Address)
	if err != nil {
		return err
	}
	data := sc.Data[dataOff:]

	for _, r := range pageRange(ctx, mapping, 4096) {
		for tocI := r[0]; tocI < r[1] && tocI < uint64(info.TocCount); tocI++ {
			entryIdx := binary.LittleEndian.Uint16(toc[tocI*2:])
			entry := entries[uint32(entryIdx)*info.EntriesSize : uint32(entryIdx)*info.EntriesSize+info.EntriesSize]
			page := data[4096*tocI:]

			for entryI, b := range entry {
				if b == 0 {
					continue
				}
				for bitI := 0; bitI < 8; bitI++ {
					if b&(1<<bitI) == 0 {
						continue
					}
					slotOff := uint64(entryI*8*4 + bitI*4)
					slotAddr := mapping.Address + 4096*tocI + slotOff
					value := uint64(binary.LittleEndian.Uint32(page[slotOff:]))
					trackTarget(ctx, slotAddr, value)
				}
			}
			ctx.Log.Update()
		}
	}
	return nil
}

func processSlideV2(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	var info dyld.CacheSlideInfo2
	if err := binary.Read(bytes.NewReader(mapping.SlideInfo), binary.LittleEndian, &info); err != nil {
		return err
	}
	pageStarts := mapping.SlideInfo[info.PageStartsOffset:]
	pageExtras := mapping.SlideInfo[info.PageExtrasOffset:]

	deltaMask := info.DeltaMask
	deltaShift := uint(trailingZeros(deltaMask)) - 2
	valueMask := ^deltaMask
	valueAdd := info.ValueAdd

	dataOff, err := sc.ConvertAddr(mapping.Address)
	if err != nil {
		return err
	}
	data := sc.Data[dataOff:]
	arch := ctx.Mach.Arch

	processPage := func(pageIdx uint64, pageOffset uint64) {
		page := data[pageIdx*uint64(info.PageSize):]
		pageAddr := mapping.Address + pageIdx*uint64(info.PageSize)
		delta := uint64(1)
		for delta != 0 {
			raw := arch.ReadPointer(page[pageOffset:])
			delta = (raw & deltaMask) >> deltaShift
			newValue := raw & valueMask
			if newValue != 0 {
				newValue += valueAdd
			}
			if trackTarget(ctx, pageAddr+pageOffset, newValue) {
				arch.WritePointer(page[pageOffset:], newValue)
			}
			pageOffset += delta
		}
	}

	for _, r := range pageRange(ctx, mapping, info.PageSize) {
		for i := r[0]; i < r[1] && i < uint64(info.PageStartsCount); i++ {
			page := binary.LittleEndian.Uint16(pageStarts[i*2:])
			switch {
			case page == dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_NO_REBASE:
				// no rebasing on this page
			case page&dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_EXTRA != 0:
				chainI := page & 0x3FFF
				for {
					pInfo := binary.LittleEndian.Uint16(pageExtras[uint64(chainI)*2:])
					processPage(i, uint64(pInfo&0x3FFF)*4)
					if pInfo&dyld.DYLD_CACHE_SLIDE_PAGE_ATTR_END != 0 {
						break
					}
					chainI++
				}
			default:
				processPage(i, uint64(page)*4)
			}
			ctx.Log.Update()
		}
	}
	return nil
}

func processSlideV3(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	var info dyld.CacheSlideInfo3
	if err := binary.Read(bytes.NewReader(mapping.SlideInfo), binary.LittleEndian, &info); err != nil {
		return err
	}
	pageStartsOff := uint32(binary.Size(info))
	pageStarts := mapping.SlideInfo[pageStartsOff:]

	dataOff, err := sc.ConvertAddr(mapping.Address)
	if err != nil {
		return err
	}
	data := sc.Data[dataOff:]

	for _, r := range pageRange(ctx, mapping, info.PageSize) {
		for i := r[0]; i < r[1] && i < uint64(info.PageStartsCount); i++ {
			start := binary.LittleEndian.Uint16(pageStarts[i*2:])
			if start == dyld.DYLD_CACHE_SLIDE_V3_PAGE_ATTR_NO_REBASE {
				continue
			}
			page := data[i*uint64(info.PageSize):]
			pageAddr := mapping.Address + i*uint64(info.PageSize)

			off := uint64(start)
			for {
				ptr := dyld.CacheSlidePointer3(binary.LittleEndian.Uint64(page[off:]))
				var newValue uint64
				if ptr.Authenticated() {
					newValue = info.AuthValueAdd + ptr.OffsetFromSharedCacheBase()
					ctx.PointerTracker.AddAuth(pageAddr+off, AuthData{
						Diversity:  uint16(ptr.DiversityData()),
						HasAddrDiv: ptr.HasAddressDiversity(),
						Key:        uint8(ptr.Key()),
					})
				} else {
					newValue = ptr.SignExtend51()
				}
				if trackTarget(ctx, pageAddr+off, newValue) {
					binary.LittleEndian.PutUint64(page[off:], newValue)
				}
				delta := ptr.OffsetToNextPointer()
				if delta == 0 {
					break
				}
				off += delta * 8
			}
			ctx.Log.Update()
		}
	}
	return nil
}

func processSlideV4(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	var info dyld.CacheSlideInfo4
	if err := binary.Read(bytes.NewReader(mapping.SlideInfo), binary.LittleEndian, &info); err != nil {
		return err
	}
	pageStarts := mapping.SlideInfo[info.PageStartsOffset:]
	pageExtras := mapping.SlideInfo[info.PageExtrasOffset:]

	deltaMask := info.DeltaMask
	deltaShift := uint(trailingZeros(deltaMask)) - 2
	valueMask := uint32(^deltaMask)
	valueAdd := uint32(info.ValueAdd)

	dataOff, err := sc.ConvertAddr(mapping.Address)
	if err != nil {
		return err
	}
	data := sc.Data[dataOff:]

	processPage := func(pageIdx uint64, pageOffset uint64) {
		page := data[pageIdx*uint64(info.PageSize):]
		pageAddr := mapping.Address + pageIdx*uint64(info.PageSize)
		delta := uint64(1)
		for delta != 0 {
			raw := binary.LittleEndian.Uint32(page[pageOffset:])
			delta = uint64(raw&uint32(deltaMask)) >> deltaShift
			newValue := raw & valueMask
			switch {
			case newValue&0xFFFF8000 == 0:
				// small positive non-pointer, use as-is
			case newValue&0x3FFF8000 == 0x3FFF8000:
				// small negative non-pointer
				newValue |= 0xC0000000
			default:
				newValue += valueAdd
				if !trackTarget(ctx, pageAddr+pageOffset, uint64(newValue)) {
					newValue = raw
				}
			}
			binary.LittleEndian.PutUint32(page[pageOffset:], newValue)
			pageOffset += delta
		}
	}

	for _, r := range pageRange(ctx, mapping, info.PageSize) {
		for i := r[0]; i < r[1] && i < uint64(info.PageStartsCount); i++ {
			page := binary.LittleEndian.Uint16(pageStarts[i*2:])
			switch {
			case page == dyld.DYLD_CACHE_SLIDE4_PAGE_NO_REBASE:
			case page&dyld.DYLD_CACHE_SLIDE4_PAGE_USE_EXTRA == 0:
				processPage(i, uint64(page)*4)
			default:
				extraI := uint64(page & dyld.DYLD_CACHE_SLIDE4_PAGE_INDEX)
				for {
					extra := binary.LittleEndian.Uint16(pageExtras[extraI*2:])
					processPage(i, uint64(extra&dyld.DYLD_CACHE_SLIDE4_PAGE_INDEX)*4)
					if extra&dyld.DYLD_CACHE_SLIDE4_PAGE_EXTRA_END != 0 {
						break
					}
					extraI++
				}
			}
			ctx.Log.Update()
		}
	}
	return nil
}

func processSlideV5(ctx *Context, sc *dyld.SubCache, mapping *dyld.CacheMapping) error {
	var info dyld.CacheSlideInfo5
	if err := binary.Read(bytes.NewReader(mapping.SlideInfo), binary.LittleEndian, &info); err != nil {
		return err
	}
	pageStartsOff := uint32(binary.Size(info))
	pageStarts := mapping.SlideInfo[pageStartsOff:]

	dataOff, err := sc.ConvertAddr(mapping.Address)
	if err != nil {
		return err
	}
	data := sc.Data[dataOff:]

	for _, r := range pageRange(ctx, mapping, info.PageSize) {
		for i := r[0]; i < r[1] && i < uint64(info.PageStartsCount); i++ {
			start := binary.LittleEndian.Uint16(pageStarts[i*2:])
			if start == dyld.DYLD_CACHE_SLIDE_V5_PAGE_ATTR_NO_REBASE {
				continue
			}
			page := data[i*uint64(info.PageSize):]
			pageAddr := mapping.Address + i*uint64(info.PageSize)

			off := uint64(start)
			for {
				ptr := dyld.CacheSlidePointer5(binary.LittleEndian.Uint64(page[off:]))
				newValue := info.ValueAdd + ptr.RuntimeOffset()
				if ptr.Authenticated() {
					key := uint8(0) // IA
					if ptr.KeyIsData() {
						key = 2 // DA
					}
					ctx.PointerTracker.AddAuth(pageAddr+off, AuthData{
						Diversity:  uint16(ptr.DiversityData()),
						HasAddrDiv: ptr.HasAddressDiversity(),
						Key:        key,
					})
				} else {
					newValue |= ptr.High8() << 56
				}
				if trackTarget(ctx, pageAddr+off, newValue) {
					binary.LittleEndian.PutUint64(page[off:], newValue)
				}
				delta := ptr.OffsetToNextPointer()
				if delta == 0 {
					break
				}
				off += delta * 8
			}
			ctx.Log.Update()
		}
	}
	return nil
}

func trailingZeros(v uint64) int {
	return bits.TrailingZeros64(v)
}
