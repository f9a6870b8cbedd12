package rv32

// Instruction word layouts follow the RV32I base encoding.
// Immediates are caller-checked; encoders mask without range checking.

func R(op Op, rd, rs1, rs2 Reg) uint32 {
	e := enc[op]

	return e.f7<<25 | reg(rs2)<<20 | reg(rs1)<<15 | e.f3<<12 | reg(rd)<<7 | e.opcode
}

func I(op Op, rd, rs1 Reg, imm int32) uint32 {
	e := enc[op]

	im := uint32(imm) & 0xfff
	if op == SRAI {
		im = uint32(imm)&0x1f | 0x400
	}

	return im<<20 | reg(rs1)<<15 | e.f3<<12 | reg(rd)<<7 | e.opcode
}

func S(op Op, src, base Reg, imm int32) uint32 {
	e := enc[op]
	im := uint32(imm) & 0xfff

	return im>>5<<25 | reg(src)<<20 | reg(base)<<15 | e.f3<<12 | im&0x1f<<7 | e.opcode
}

func B(op Op, rs1, rs2 Reg, imm int32) uint32 {
	e := enc[op]
	im := uint32(imm)

	return im>>12&1<<31 | im>>5&0x3f<<25 | reg(rs2)<<20 | reg(rs1)<<15 |
		e.f3<<12 | im>>1&0xf<<8 | im>>11&1<<7 | e.opcode
}

func U(op Op, rd Reg, imm int32) uint32 {
	e := enc[op]

	return uint32(imm)&0xfffff000 | reg(rd)<<7 | e.opcode
}

func J(op Op, rd Reg, imm int32) uint32 {
	e := enc[op]
	im := uint32(imm)

	return im>>20&1<<31 | im>>1&0x3ff<<21 | im>>11&1<<20 | im>>12&0xff<<12 |
		reg(rd)<<7 | e.opcode
}

// PatchB rewrites the displacement of an encoded conditional branch.
func PatchB(w uint32, imm int32) uint32 {
	op, rs1, rs2 := decodeB(w)

	return B(op, rs1, rs2, imm)
}

// PatchJ rewrites the displacement of an encoded JAL.
func PatchJ(w uint32, imm int32) uint32 {
	rd := Reg(w >> 7 & 0x1f)

	return J(JAL, rd, imm)
}

// PatchU rewrites the upper immediate of an encoded LUI or AUIPC.
func PatchU(w uint32, imm int32) uint32 {
	return w&0xfff | uint32(imm)&0xfffff000
}

// PatchI rewrites the immediate of an encoded I format instruction.
func PatchI(w uint32, imm int32) uint32 {
	return w&0xfffff | uint32(imm)&0xfff<<20
}

// FitsImm12 reports whether v fits the signed 12-bit immediate field.
func FitsImm12(v int64) bool {
	return v >= -2048 && v <= 2047
}

// FitsBranch reports whether a branch displacement is encodable (±4KiB).
func FitsBranch(d int32) bool {
	return d >= -4096 && d <= 4094 && d%2 == 0
}

// FitsJump reports whether a JAL displacement is encodable (±1MiB).
func FitsJump(d int32) bool {
	return d >= -1<<20 && d <= 1<<20-2 && d%2 == 0
}

// HiLo splits v into LUI/AUIPC upper bits and a sign-extended low 12,
// such that hi + signext(lo) == v.
func HiLo(v int32) (hi, lo int32) {
	lo = v << 20 >> 20
	hi = v - lo

	return hi, lo
}

func reg(r Reg) uint32 {
	if r < 0 || r >= NumRegs {
		panic(r)
	}

	return uint32(r)
}

func decodeB(w uint32) (op Op, rs1, rs2 Reg) {
	f3 := w >> 12 & 7

	for op := BEQ; op <= BGEU; op++ {
		if enc[op].f3 == f3 {
			return op, Reg(w >> 15 & 0x1f), Reg(w >> 20 & 0x1f)
		}
	}

	panic(w)
}
