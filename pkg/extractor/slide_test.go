package extractor

import (
	"testing"

	"github.com/blacktop/dyldex/pkg/macho"
)

func TestSlideV3UnslidesChainedPointers(t *testing.T) {
	cache, ctx := openFixture(t, fixtureOpts{chainSlots: true})
	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatalf("slide processor: %v", err)
	}

	v0, err := cache.ReadPointer(fixLaPtr0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if v0 != fixExportedAddr {
		t.Errorf("slot 0 = %#x, want %#x", v0, fixExportedAddr)
	}
	v1, err := cache.ReadPointer(fixLaPtr1, 8)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != fixBase+0x1040 {
		t.Errorf("slot 1 = %#x, want %#x", v1, fixBase+0x1040)
	}

	if got, ok := ctx.PointerTracker.Lookup(fixLaPtr0); !ok || got.Target != fixExportedAddr {
		t.Errorf("tracker slot 0 = %+v, want target %#x", got, fixExportedAddr)
	}
	if got, ok := ctx.PointerTracker.Lookup(fixLaPtr1); !ok || got.Target != fixBase+0x1040 {
		t.Errorf("tracker slot 1 = %+v, want target %#x", got, fixBase+0x1040)
	}
}

func TestSlideIdempotence(t *testing.T) {
	cache, ctx := openFixture(t, fixtureOpts{})
	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatalf("first slide pass: %v", err)
	}

	snapshot := make([]byte, len(cache.SubCaches[0].Data))
	copy(snapshot, cache.SubCaches[0].Data)
	firstTracked := ctx.PointerTracker.Len()

	ctx.PointerTracker = NewPointerTracker(cache, macho.Arch64)
	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatalf("second slide pass: %v", err)
	}

	for i, b := range cache.SubCaches[0].Data {
		if snapshot[i] != b {
			t.Fatalf("byte %#x changed on the second slide pass", i)
		}
	}
	if ctx.PointerTracker.Len() != firstTracked {
		t.Errorf("tracker has %d slots after re-run, want %d", ctx.PointerTracker.Len(), firstTracked)
	}
	if got, ok := ctx.PointerTracker.Lookup(fixLaPtr0); !ok || got.Target != fixExportedAddr {
		t.Errorf("tracker slot 0 after re-run = %+v", got)
	}
}
