package rv32

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHiLo(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 2047, 2048, -2048, -2049, 0x7ffff7ff, -0x80000000, 0x12345678, -0x12345678} {
		hi, lo := HiLo(v)

		assert.Equal(t, v, hi+lo, "v %#x hi %#x lo %#x", v, hi, lo)
		assert.Zero(t, hi&0xfff, "hi %#x must fit the U immediate", hi)
		assert.True(t, FitsImm12(int64(lo)), "lo %d", lo)
	}
}

func TestBranchImmRoundtrip(t *testing.T) {
	for _, d := range []int32{0, 2, -2, 256, -258, 4094, -4096} {
		w := B(BEQ, A0, A1, d)

		assert.Equal(t, d, immB(w), "disp %d word %#x", d, w)
	}
}

func TestJumpImmRoundtrip(t *testing.T) {
	for _, d := range []int32{0, 2, -2, 4096, -4098, 1<<20 - 2, -1 << 20} {
		w := J(JAL, Zero, d)

		assert.Equal(t, d, immJ(w), "disp %d word %#x", d, w)
	}
}

func TestPatchB(t *testing.T) {
	w := B(BLT, A2, A3, 0)
	w = PatchB(w, -64)

	op, rs1, rs2 := decodeB(w)

	assert.Equal(t, BLT, op)
	assert.Equal(t, A2, rs1)
	assert.Equal(t, A3, rs2)
	assert.Equal(t, int32(-64), immB(w))
}

func TestPatchJ(t *testing.T) {
	w := J(JAL, RA, 0)
	w = PatchJ(w, 2048)

	assert.Equal(t, RA, Reg(w>>7&0x1f))
	assert.Equal(t, int32(2048), immJ(w))
}

func TestPatchCallPair(t *testing.T) {
	for _, d := range []int32{0, 4, -4, 0x1000, -0x1000, 0x123454, -0x7ff8} {
		hi, lo := HiLo(d)

		auipc := PatchU(U(AUIPC, RA, 0), hi)
		jalr := PatchI(I(JALR, RA, RA, 0), lo)

		got := int32(auipc&0xfffff000) + immI(jalr)

		assert.Equal(t, d, got, "disp %#x", d)
	}
}

func TestFits(t *testing.T) {
	assert.True(t, FitsImm12(2047))
	assert.True(t, FitsImm12(-2048))
	assert.False(t, FitsImm12(2048))
	assert.False(t, FitsImm12(-2049))

	assert.True(t, FitsBranch(4094))
	assert.False(t, FitsBranch(4096))
	assert.False(t, FitsBranch(3))

	assert.True(t, FitsJump(1<<20-2))
	assert.False(t, FitsJump(1<<20))
}

func TestInvert(t *testing.T) {
	for op := BEQ; op <= BGEU; op++ {
		assert.Equal(t, op, op.Invert().Invert())
		assert.NotEqual(t, op, op.Invert())
	}
}
