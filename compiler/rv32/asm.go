package rv32

import (
	"encoding/binary"

	"github.com/nikandfor/hacked/hfmt"
)

// AppendDisasm appends a textual listing of encoded code to b,
// one instruction per line, with code offsets. Used for dumps only.
func AppendDisasm(b, code []byte) []byte {
	for off := 0; off+4 <= len(code); off += 4 {
		w := binary.LittleEndian.Uint32(code[off:])

		b = hfmt.Appendf(b, "%6x:  %08x  ", off, w)
		b = appendInsn(b, w)
		b = append(b, '\n')
	}

	return b
}

func appendInsn(b []byte, w uint32) []byte {
	opcode := w & 0x7f
	rd := Reg(w >> 7 & 0x1f)
	rs1 := Reg(w >> 15 & 0x1f)
	rs2 := Reg(w >> 20 & 0x1f)
	f3 := w >> 12 & 7
	f7 := w >> 25

	switch opcode {
	case 0b0110011: // R
		op := findOp(fmtR, opcode, f3, f7)

		return hfmt.Appendf(b, "%-6v %v, %v, %v", op, rd, rs1, rs2)
	case 0b0010011: // I arith
		ef7 := uint32(0)
		imm := immI(w)

		if f3 == 0b001 || f3 == 0b101 { // shifts keep funct7
			ef7 = f7 & 0b0100000
			imm = int32(w >> 20 & 0x1f)
		}

		op := findOp(fmtI, opcode, f3, ef7)

		return hfmt.Appendf(b, "%-6v %v, %v, %d", op, rd, rs1, imm)
	case 0b0000011: // load
		return hfmt.Appendf(b, "%-6v %v, %d(%v)", LW, rd, immI(w), rs1)
	case 0b0100011: // store
		imm := int32(w)>>25<<5 | int32(w>>7&0x1f)

		return hfmt.Appendf(b, "%-6v %v, %d(%v)", SW, rs2, imm, rs1)
	case 0b0110111:
		return hfmt.Appendf(b, "%-6v %v, %#x", LUI, rd, w>>12)
	case 0b0010111:
		return hfmt.Appendf(b, "%-6v %v, %#x", AUIPC, rd, w>>12)
	case 0b1101111:
		return hfmt.Appendf(b, "%-6v %v, %d", JAL, rd, immJ(w))
	case 0b1100111:
		return hfmt.Appendf(b, "%-6v %v, %d(%v)", JALR, rd, immI(w), rs1)
	case 0b1100011: // branch
		op := findOp(fmtB, opcode, f3, 0)

		return hfmt.Appendf(b, "%-6v %v, %v, %d", op, rs1, rs2, immB(w))
	default:
		return hfmt.Appendf(b, ".word  %#08x", w)
	}
}

func findOp(f fmt, opcode, f3, f7 uint32) Op {
	for op := Op(1); op < numOps; op++ {
		e := enc[op]

		if e.fmt == f && e.opcode == opcode && e.f3 == f3 && e.f7 == f7 {
			return op
		}
	}

	return NOP
}

func immI(w uint32) int32 {
	return int32(w) >> 20
}

func immB(w uint32) int32 {
	return int32(w)>>31<<12 |
		int32(w>>25&0x3f)<<5 |
		int32(w>>8&0xf)<<1 |
		int32(w>>7&1)<<11
}

func immJ(w uint32) int32 {
	return int32(w)>>31<<20 |
		int32(w>>21&0x3ff)<<1 |
		int32(w>>20&1)<<11 |
		int32(w>>12&0xff)<<12
}
