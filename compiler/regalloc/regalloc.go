// Package regalloc assigns physical registers to the virtual registers
// of a lowered function.
//
// The lowered form is consumed through the Code interface: a block graph,
// per-instruction operand lists (use/def/use-and-def roles, optional
// fixed-register constraints) and explicit clobber sets. The result maps
// every vreg to a register or a spill slot plus an ordered list of
// spill/reload edits to splice into the instruction stream.
//
// Allocation is atomic: it returns a complete assignment or fails for
// the whole function. An operand graph whose fixed constraints collide
// with each other or with a clobber set is a fatal failure.
package regalloc

import (
	"github.com/slowlang/riscback/compiler/rv32"
)

type (
	// VReg is a virtual register handle, one per SSA value plus
	// extras for ABI pseudo values.
	VReg int32

	// Role tags how an instruction touches an operand.
	Role int8

	Operand struct {
		V     VReg
		Role  Role
		Fixed rv32.Reg // rv32.None if unconstrained
	}

	// Code is the lowered-form view the allocator works on.
	// Blocks are in final emission order, instructions flat-indexed.
	Code interface {
		NumBlocks() int
		BlockInsns(b int) (start, end int)
		BlockSuccs(b int) []int

		InsnOperands(i int) []Operand
		InsnClobbers(i int) rv32.RegSet

		// InsnIsCopy reports parallel-copy members. Spilled operands
		// of copies are resolved by the consumer when it sequences
		// the copy group, so the allocator emits no edits for them.
		InsnIsCopy(i int) bool

		NumVRegs() int
	}

	// Loc is the final location of a vreg.
	Loc struct {
		Reg  rv32.Reg // rv32.None if spilled
		Slot int32
	}

	// Edit is a spill or reload to splice next to instruction At.
	// It binds vreg V to scratch register Reg around that instruction.
	Edit struct {
		At     int
		Before bool
		Load   bool // reload from slot; otherwise store to slot
		V      VReg
		Reg    rv32.Reg
		Slot   int32
	}

	// Result is a complete allocation for one function.
	Result struct {
		Locs  []Loc
		Edits []Edit

		Clobbered rv32.RegSet // callee-saved registers written
		Slots     int         // spill slots used
	}
)

const (
	Use Role = iota
	Def
	UseDef
)

const NoVReg VReg = -1

func (r Role) String() string {
	switch r {
	case Use:
		return "use"
	case Def:
		return "def"
	case UseDef:
		return "usedef"
	default:
		return "role?"
	}
}
