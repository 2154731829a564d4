package extractor

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
)

// StubFormat classifies the instruction sequence a stub uses.
type StubFormat int

const (
	// StubNormal is adrp x16; ldr x16 [x16, off]; br x16
	StubNormal StubFormat = iota
	// StubOptimized is adrp x16; add x16, x16, off; br x16
	StubOptimized
	// AuthStubNormal is adrp x17; add x17; ldr x16 [x17]; braa x16, x17
	AuthStubNormal
	// AuthStubOptimized is adrp x16; add x16; br x16; trap
	AuthStubOptimized
	// AuthStubResolver is adrp x16; ldr x16; braaz x16
	AuthStubResolver
	// StubResolver is a full lazy-resolver prologue ending in a braaz
	StubResolver
)

// ResolverData describes a decoded lazy-resolver island.
type ResolverData struct {
	TargetFunc uint64
	TargetPtr  uint64
	Size       uint64
}

// arm64Utils decodes and rewrites arm64 (and arm64_32) stub islands against
// the cache's un-slid bytes.
type arm64Utils struct {
	ctx *Context
}

func newArm64Utils(ctx *Context) *arm64Utils {
	return &arm64Utils{ctx: ctx}
}

func (u *arm64Utils) instr(addr uint64, i uint64) (uint32, bool) {
	data, err := u.ctx.Cache.ReadBytes(addr+i*4, 4)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

func signExtend(v uint64, bit uint) int64 {
	shift := 64 - bit
	return int64(v<<shift) >> shift
}

func decodeAdrp(adrp uint32, addr uint64) uint64 {
	immlo := uint64(adrp&0x60000000) >> 29
	immhi := uint64(adrp&0xFFFFE0) >> 3
	imm := signExtend((immhi|immlo)<<12, 33)
	return uint64(int64(addr&^0xFFF) + imm)
}

// ResolveStub decodes the stub at addr, returning its branch target and
// format. Results are memoized in the run-wide accelerator.
func (u *arm64Utils) ResolveStub(addr uint64) (DecodedStub, bool) {
	if s, ok := u.ctx.Accel.DecodedStub(addr); ok {
		return s, true
	}

	type resolver struct {
		format StubFormat
		fn     func(uint64) (DecodedStub, bool)
	}
	resolvers := []resolver{
		{StubNormal, u.stubNormalTarget},
		{StubOptimized, u.stubOptimizedTarget},
		{AuthStubNormal, u.authStubNormalTarget},
		{AuthStubOptimized, u.authStubOptimizedTarget},
		{AuthStubResolver, u.authStubResolverTarget},
		{StubResolver, u.resolverTarget},
	}
	for _, r := range resolvers {
		if s, ok := r.fn(addr); ok {
			u.ctx.Accel.AddDecodedStub(addr, s)
			return s, true
		}
	}
	return DecodedStub{}, false
}

// ResolveStubChain follows stubs until reaching a non-stub address.
func (u *arm64Utils) ResolveStubChain(addr uint64) uint64 {
	if t, ok := u.ctx.Accel.ResolvedChain(addr); ok {
		return t
	}
	target := addr
	for {
		s, ok := u.ResolveStub(target)
		if !ok {
			break
		}
		target = s.Target
	}
	u.ctx.Accel.AddResolvedChain(addr, target)
	return target
}

// GetStubHelperData returns the bind-info offset a regular stub helper
// carries (ldr w16, #8; b binder; .word bindOff).
func (u *arm64Utils) GetStubHelperData(addr uint64) (uint64, bool) {
	ldr, ok := u.instr(addr, 0)
	if !ok {
		return 0, false
	}
	b, ok := u.instr(addr, 1)
	if !ok {
		return 0, false
	}
	if ldr&0xBF000000 != 0x18000000 || b&0xFC000000 != 0x14000000 {
		return 0, false
	}
	data, ok := u.instr(addr, 2)
	if !ok {
		return 0, false
	}
	return uint64(data), true
}

// IsStubBinder matches the dyld_stub_binder entry island at the top of
// __stub_helper.
func (u *arm64Utils) IsStubBinder(addr uint64) bool {
	var ops [6]uint32
	for i := range ops {
		op, ok := u.instr(addr, uint64(i))
		if !ok {
			return false
		}
		ops[i] = op
	}
	adrp, add, stp, adrp2, ldr, br := ops[0], ops[1], ops[2], ops[3], ops[4], ops[5]
	return adrp&0x9F000000 == 0x90000000 && add&0xFFC00000 == 0x91000000 &&
		stp&0x7FC00000 == 0x29800000 && adrp2&0x9F000000 == 0x90000000 &&
		ldr&0xFFC00000 == 0xF9400000 && br == 0xD61F0200
}

// GetResolverData matches a full lazy-resolver prologue. The format varies
// across OS versions, so this verifies the landmarks (stp/mov entry, a bl in
// the middle, adrp/add/str after it, ldp before the terminal braaz).
func (u *arm64Utils) GetResolverData(addr uint64) (ResolverData, bool) {
	const searchLimit = 50 // instructions

	stp, ok := u.instr(addr, 0)
	if !ok {
		return ResolverData{}, false
	}
	mov, ok := u.instr(addr, 1)
	if !ok {
		return ResolverData{}, false
	}
	if stp&0x7FC00000 != 0x29800000 || mov&0x7F3FFC00 != 0x11000000 {
		return ResolverData{}, false
	}

	braazIdx := uint64(0)
	for i := uint64(2); i < searchLimit; i++ {
		op, ok := u.instr(addr, i)
		if !ok {
			return ResolverData{}, false
		}
		if op&0xFE9FF000 == 0xD61F0000 {
			braazIdx = i
			break
		}
	}
	if braazIdx == 0 {
		return ResolverData{}, false
	}

	blIdx := uint64(0)
	var bl uint32
	for i := uint64(2); i < braazIdx; i++ {
		op, _ := u.instr(addr, i)
		if op&0xFC000000 == 0x94000000 {
			blIdx, bl = i, op
			break
		}
	}
	if blIdx == 0 {
		return ResolverData{}, false
	}

	ldp, _ := u.instr(addr, braazIdx-1)
	adrp, _ := u.instr(addr, blIdx+1)
	add, _ := u.instr(addr, blIdx+2)
	str, _ := u.instr(addr, blIdx+3)
	if ldp&0x7FC00000 != 0x28C00000 || adrp&0x9F00001F != 0x90000010 ||
		add&0xFFC00000 != 0x91000000 || str&0xFFC00000 != 0xF9000000 {
		return ResolverData{}, false
	}

	blImm := signExtend(uint64(bl&0x3FFFFFF)<<2, 28)
	blResult := uint64(int64(addr+blIdx*4) + blImm)

	adrpResult := decodeAdrp(adrp, addr)
	addResult := adrpResult + uint64(add&0x3FFC00)>>10
	strImm := signExtend(uint64(str&0x3FFC00), 12)
	strResult := uint64(int64(addResult) + strImm)

	return ResolverData{
		TargetFunc: blResult,
		TargetPtr:  strResult,
		Size:       braazIdx*4 + 4,
	}, true
}

// GetStubLdrAddr returns the pointer slot a normal stub loads through.
func (u *arm64Utils) GetStubLdrAddr(addr uint64) (uint64, bool) {
	adrp, ok1 := u.instr(addr, 0)
	ldr, ok2 := u.instr(addr, 1)
	br, ok3 := u.instr(addr, 2)
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	if adrp&0x9F00001F != 0x90000010 || ldr&0xFFC003FF != 0xF9400210 || br != 0xD61F0200 {
		return 0, false
	}
	adrpResult := decodeAdrp(adrp, addr)
	return adrpResult + uint64(ldr&0x3FFC00)>>7, true
}

// GetAuthStubLdrAddr returns the pointer slot an auth stub loads through.
func (u *arm64Utils) GetAuthStubLdrAddr(addr uint64) (uint64, bool) {
	adrp, ok1 := u.instr(addr, 0)
	add, ok2 := u.instr(addr, 1)
	ldr, ok3 := u.instr(addr, 2)
	braa, ok4 := u.instr(addr, 3)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	if adrp&0x9F000000 != 0x90000000 || add&0xFFC00000 != 0x91000000 ||
		ldr&0xFFC00000 != 0xF9400000 || braa&0xFEFFF800 != 0xD61F0800 {
		return 0, false
	}
	adrpResult := decodeAdrp(adrp, addr)
	addResult := adrpResult + uint64(add&0x3FFC00)>>10
	return addResult + uint64(ldr&0x3FFC00)>>7, true
}

// WriteNormalStub rewrites loc with adrp/ldr/br targeting ldrAddr.
func (u *arm64Utils) WriteNormalStub(loc []byte, stubAddr, ldrAddr uint64) {
	adrpDelta := (ldrAddr &^ 4095) - (stubAddr &^ 4095)
	immhi := (adrpDelta >> 9) & 0x00FFFFE0
	immlo := (adrpDelta << 17) & 0x60000000
	binary.LittleEndian.PutUint32(loc, uint32(0x90000010|immlo|immhi))

	ldrOffset := ldrAddr - (ldrAddr &^ 4095)
	imm12 := (ldrOffset << 7) & 0x3FFC00
	binary.LittleEndian.PutUint32(loc[4:], uint32(0xF9400210|imm12))

	binary.LittleEndian.PutUint32(loc[8:], 0xD61F0200)
}

// WriteNormalAuthStub rewrites loc with adrp/add/ldr/braa targeting ldrAddr.
func (u *arm64Utils) WriteNormalAuthStub(loc []byte, stubAddr, ldrAddr uint64) {
	adrpDelta := (ldrAddr &^ 4095) - (stubAddr &^ 4095)
	immhi := (adrpDelta >> 9) & 0x00FFFFE0
	immlo := (adrpDelta << 17) & 0x60000000
	binary.LittleEndian.PutUint32(loc, uint32(0x90000011|immlo|immhi))

	addOffset := ldrAddr - (ldrAddr &^ 4095)
	imm12 := (addOffset << 10) & 0x3FFC00
	binary.LittleEndian.PutUint32(loc[4:], uint32(0x91000231|imm12))

	binary.LittleEndian.PutUint32(loc[8:], 0xF9400230)
	binary.LittleEndian.PutUint32(loc[12:], 0xD71F0A11)
}

func (u *arm64Utils) stubNormalTarget(addr uint64) (DecodedStub, bool) {
	ptrAddr, ok := u.GetStubLdrAddr(addr)
	if !ok {
		return DecodedStub{}, false
	}
	return DecodedStub{
		Format:    StubNormal,
		TargetPtr: ptrAddr,
		Target:    u.ctx.PointerTracker.SlideP(ptrAddr),
	}, true
}

func (u *arm64Utils) stubOptimizedTarget(addr uint64) (DecodedStub, bool) {
	adrp, ok1 := u.instr(addr, 0)
	add, ok2 := u.instr(addr, 1)
	br, ok3 := u.instr(addr, 2)
	if !ok1 || !ok2 || !ok3 {
		return DecodedStub{}, false
	}
	if adrp&0x9F00001F != 0x90000010 || add&0xFFC003FF != 0x91000210 || br != 0xD61F0200 {
		return DecodedStub{}, false
	}
	adrpResult := decodeAdrp(adrp, addr)
	return DecodedStub{
		Format: StubOptimized,
		Target: adrpResult + uint64(add&0x3FFC00)>>10,
	}, true
}

func (u *arm64Utils) authStubNormalTarget(addr uint64) (DecodedStub, bool) {
	ptrAddr, ok := u.GetAuthStubLdrAddr(addr)
	if !ok {
		return DecodedStub{}, false
	}
	return DecodedStub{
		Format:    AuthStubNormal,
		TargetPtr: ptrAddr,
		Target:    u.ctx.PointerTracker.SlideP(ptrAddr),
	}, true
}

func (u *arm64Utils) authStubOptimizedTarget(addr uint64) (DecodedStub, bool) {
	adrp, ok1 := u.instr(addr, 0)
	add, ok2 := u.instr(addr, 1)
	br, ok3 := u.instr(addr, 2)
	trap, ok4 := u.instr(addr, 3)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return DecodedStub{}, false
	}
	if adrp&0x9F000000 != 0x90000000 || add&0xFFC00000 != 0x91000000 ||
		br != 0xD61F0200 || trap != 0xD4200020 {
		return DecodedStub{}, false
	}
	adrpResult := decodeAdrp(adrp, addr)
	return DecodedStub{
		Format: AuthStubOptimized,
		Target: adrpResult + uint64(add&0x3FFC00)>>10,
	}, true
}

func (u *arm64Utils) authStubResolverTarget(addr uint64) (DecodedStub, bool) {
	adrp, ok1 := u.instr(addr, 0)
	ldr, ok2 := u.instr(addr, 1)
	braaz, ok3 := u.instr(addr, 2)
	if !ok1 || !ok2 || !ok3 {
		return DecodedStub{}, false
	}
	if adrp&0x9F000000 != 0x90000000 || ldr&0xFFC00000 != 0xF9400000 ||
		braaz&0xFEFFF800 != 0xD61F0800 {
		return DecodedStub{}, false
	}
	adrpResult := decodeAdrp(adrp, addr)
	ldrTarget := adrpResult + uint64(ldr&0x3FFC00)>>7
	return DecodedStub{
		Format:    AuthStubResolver,
		TargetPtr: ldrTarget,
		Target:    u.ctx.PointerTracker.SlideP(ldrTarget),
	}, true
}

func (u *arm64Utils) resolverTarget(addr uint64) (DecodedStub, bool) {
	res, ok := u.GetResolverData(addr)
	if !ok {
		return DecodedStub{}, false
	}
	return DecodedStub{
		Format:    StubResolver,
		TargetPtr: res.TargetPtr,
		Target:    res.TargetFunc,
	}, true
}

// isBranchImm reports whether the instruction at loc is a direct b/bl. The
// top-byte filter is cheap; arm64asm confirms the match so stray data that
// happens to share the top bits is rejected.
func isBranchImm(op uint32, raw []byte) bool {
	top := (op >> 24) & 0xFC
	if top != 0x94 && top != 0x14 {
		return false
	}
	inst, err := arm64asm.Decode(raw)
	if err != nil {
		return false
	}
	return inst.Op == arm64asm.B || inst.Op == arm64asm.BL
}
