// Package rv32 describes the target machine: registers, calling convention
// register lists and RV32IM instruction encodings.
package rv32

import "math/bits"

type (
	// Reg is a physical register, x0 to x31.
	Reg int8

	// RegSet is a set of physical registers.
	RegSet uint32
)

const (
	Zero Reg = iota // x0, hardwired zero
	RA              // x1, return address
	SP              // x2, stack pointer
	GP              // x3
	TP              // x4
	T0
	T1
	T2
	FP // x8, frame pointer (s0)
	S1
	A0 // x10
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2 // x18
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3 // x28
	T4
	T5
	T6

	NumRegs = 32

	None Reg = -1
)

const WordSize = 4

var (
	// ArgRegs are the integer argument registers, in argument order.
	ArgRegs = [8]Reg{A0, A1, A2, A3, A4, A5, A6, A7}

	// RetRegs are the integer result registers, in result order.
	RetRegs = [2]Reg{A0, A1}

	// SpillScratch are reserved for spill reloads and stores and are
	// never handed out by the allocator.
	SpillScratch = [2]Reg{T5, T6}

	regname = [NumRegs]string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
		"s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
		"t3", "t4", "t5", "t6",
	}
)

// CalleeSaved returns the registers a function body must preserve.
// FP is excluded: it is unconditionally saved in the setup area.
func CalleeSaved() (s RegSet) {
	s.Add(S1)

	for r := S2; r <= S11; r++ {
		s.Add(r)
	}

	return s
}

// CallerSaved returns the registers a call may overwrite.
func CallerSaved() (s RegSet) {
	s.Add(RA)

	for r := T0; r <= T2; r++ {
		s.Add(r)
	}

	for _, r := range ArgRegs {
		s.Add(r)
	}

	for r := T3; r <= T6; r++ {
		s.Add(r)
	}

	return s
}

func (r Reg) String() string {
	if r < 0 || int(r) >= NumRegs {
		return "r?"
	}

	return regname[r]
}

func (s *RegSet) Add(r Reg)     { *s |= 1 << uint(r) }
func (s *RegSet) Remove(r Reg)  { *s &^= 1 << uint(r) }
func (s RegSet) Has(r Reg) bool { return s&(1<<uint(r)) != 0 }
func (s RegSet) Size() int      { return bits.OnesCount32(uint32(s)) }

func (s RegSet) Range(f func(r Reg) bool) {
	for w := uint32(s); w != 0; {
		j := bits.TrailingZeros32(w)
		w &^= 1 << j

		if !f(Reg(j)) {
			return
		}
	}
}
