package extractor

import (
	"encoding/binary"
	"testing"
)

func TestWriteNormalStubRoundTrip(t *testing.T) {
	cache, ctx := openFixture(t, fixtureOpts{chainSlots: true})
	u := newArm64Utils(ctx)

	stubAddr := fixBase + 0x1000 // inside __text
	ldrAddr := fixLaPtr0

	sc, off, err := cache.ConvertAddr(stubAddr)
	if err != nil {
		t.Fatal(err)
	}
	u.WriteNormalStub(sc.Data[off:], stubAddr, ldrAddr)

	got, ok := u.GetStubLdrAddr(stubAddr)
	if !ok {
		t.Fatal("freshly written stub did not decode")
	}
	if got != ldrAddr {
		t.Errorf("decoded pointer slot = %#x, want %#x", got, ldrAddr)
	}

	stub, ok := u.ResolveStub(stubAddr)
	if !ok || stub.Format != StubNormal {
		t.Fatalf("stub decode = %+v, ok=%v; want StubNormal", stub, ok)
	}
	if stub.TargetPtr != ldrAddr {
		t.Errorf("stub target pointer = %#x, want %#x", stub.TargetPtr, ldrAddr)
	}
}

func TestWriteNormalAuthStubRoundTrip(t *testing.T) {
	cache, ctx := openFixture(t, fixtureOpts{chainSlots: true})
	u := newArm64Utils(ctx)

	stubAddr := fixBase + 0x1040
	ldrAddr := fixLaPtr1

	sc, off, err := cache.ConvertAddr(stubAddr)
	if err != nil {
		t.Fatal(err)
	}
	u.WriteNormalAuthStub(sc.Data[off:], stubAddr, ldrAddr)

	got, ok := u.GetAuthStubLdrAddr(stubAddr)
	if !ok {
		t.Fatal("freshly written auth stub did not decode")
	}
	if got != ldrAddr {
		t.Errorf("decoded pointer slot = %#x, want %#x", got, ldrAddr)
	}
}

func TestResolveStubChainFollowsPointer(t *testing.T) {
	cache, ctx := openFixture(t, fixtureOpts{chainSlots: true})
	if err := ProcessSlideInfo(ctx); err != nil {
		t.Fatal(err)
	}
	u := newArm64Utils(ctx)

	// write a normal stub whose pointer slot targets _exported_sym
	stubAddr := fixBase + 0x1000
	sc, off, err := cache.ConvertAddr(stubAddr)
	if err != nil {
		t.Fatal(err)
	}
	u.WriteNormalStub(sc.Data[off:], stubAddr, fixLaPtr0)

	if got := u.ResolveStubChain(stubAddr); got != fixExportedAddr {
		t.Errorf("chain target = %#x, want %#x", got, fixExportedAddr)
	}
	// memoized result must be identical
	if got := u.ResolveStubChain(stubAddr); got != fixExportedAddr {
		t.Errorf("memoized chain target = %#x, want %#x", got, fixExportedAddr)
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		v    uint64
		bit  uint
		want int64
	}{
		{0x3FFFFFC << 2, 28, -16},
		{0x4, 28, 4},
		{0x0, 28, 0},
	}
	for _, tt := range tests {
		if got := signExtend(tt.v, tt.bit); got != tt.want {
			t.Errorf("signExtend(%#x, %d) = %d, want %d", tt.v, tt.bit, got, tt.want)
		}
	}
}

func TestIsBranchImm(t *testing.T) {
	bl := make([]byte, 4)
	binary.LittleEndian.PutUint32(bl, 0x94000001) // bl +4
	if !isBranchImm(0x94000001, bl) {
		t.Error("bl +4 not recognized as a branch")
	}

	mov := make([]byte, 4)
	binary.LittleEndian.PutUint32(mov, 0xD2800000) // mov x0, #0
	if isBranchImm(0xD2800000, mov) {
		t.Error("mov recognized as a branch")
	}
}
