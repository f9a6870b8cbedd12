package lower

import (
	"github.com/slowlang/riscback/compiler/abi"
	"github.com/slowlang/riscback/compiler/ir"
	"github.com/slowlang/riscback/compiler/regalloc"
	"github.com/slowlang/riscback/compiler/rv32"
)

type (
	// Kind classifies pseudo instructions beyond the opcode.
	Kind int8

	// Base adjusts a memory offset at emission time.
	Base int8

	// Insn is one target pseudo instruction. Register fields hold
	// either a vreg or, when the vreg is NoVReg, a physical register.
	Insn struct {
		Op   rv32.Op
		Kind Kind

		Rd, Rs1, Rs2 regalloc.VReg
		Pd, Ps1, Ps2 rv32.Reg

		Imm  int32
		Base Base

		Sym string // call target

		Succ [2]int // block successors; -1 unused

		ops [2]int32 // operand range in VCode.Operands
	}

	// VBlock is one block's instruction range plus CFG links.
	VBlock struct {
		Start, End int

		Succ   []int
		Params []regalloc.VReg

		IRBlock int
	}

	// VCode is the lowered form of one function. Built once,
	// consumed destructively by allocation and emission.
	VCode struct {
		Name string
		Sig  ir.Sig
		Info abi.Info

		Insns    []Insn
		Operands []regalloc.Operand
		Blocks   []VBlock

		// Outgoing is the largest call-site footprint
		// (stack args + return area) in the body.
		Outgoing int32

		nvregs int32
	}
)

var _ regalloc.Code = &VCode{}

const (
	KindNormal Kind = iota
	KindArgs        // defines fixed-constrained incoming argument vregs
	KindPCopy       // member of a parallel-copy group
	KindCall
	KindB
	KindBCond
	KindRet
)

const (
	BaseNone     Base = iota
	BaseIncoming      // offset is into the incoming argument area
)

func (c *VCode) NumBlocks() int { return len(c.Blocks) }

func (c *VCode) BlockInsns(b int) (start, end int) {
	return c.Blocks[b].Start, c.Blocks[b].End
}

func (c *VCode) BlockSuccs(b int) []int { return c.Blocks[b].Succ }

func (c *VCode) InsnOperands(i int) []regalloc.Operand {
	in := c.Insns[i]

	return c.Operands[in.ops[0]:in.ops[1]]
}

// InsnClobbers is the implicit-effect set: calls overwrite every
// caller-saved register.
func (c *VCode) InsnClobbers(i int) rv32.RegSet {
	if c.Insns[i].Kind == KindCall {
		return rv32.CallerSaved()
	}

	return 0
}

func (c *VCode) InsnIsCopy(i int) bool {
	return c.Insns[i].Kind == KindPCopy
}

func (c *VCode) NumVRegs() int { return int(c.nvregs) }

func (c *VCode) vreg() regalloc.VReg {
	v := regalloc.VReg(c.nvregs)
	c.nvregs++

	return v
}

func (c *VCode) begin(irBlock int, params []regalloc.VReg) int {
	c.Blocks = append(c.Blocks, VBlock{
		Start:   len(c.Insns),
		IRBlock: irBlock,
		Params:  params,
	})

	return len(c.Blocks) - 1
}

func (c *VCode) seal() {
	b := len(c.Blocks) - 1
	c.Blocks[b].End = len(c.Insns)
}

func (c *VCode) emit(in Insn, ops ...regalloc.Operand) int {
	in.ops[0] = int32(len(c.Operands))
	c.Operands = append(c.Operands, ops...)
	in.ops[1] = int32(len(c.Operands))

	switch in.Kind {
	case KindB:
		in.Succ[1] = -1
	case KindBCond:
	default:
		in.Succ = [2]int{-1, -1}
	}

	c.Insns = append(c.Insns, in)

	return len(c.Insns) - 1
}

// linkBlocks fills successor lists from terminators.
func (c *VCode) linkBlocks() {
	for b := range c.Blocks {
		last := c.Insns[c.Blocks[b].End-1]

		for _, s := range last.Succ {
			if s < 0 {
				continue
			}

			c.Blocks[b].Succ = append(c.Blocks[b].Succ, s)
		}
	}
}

func use(v regalloc.VReg) regalloc.Operand {
	return regalloc.Operand{V: v, Role: regalloc.Use, Fixed: rv32.None}
}

func def(v regalloc.VReg) regalloc.Operand {
	return regalloc.Operand{V: v, Role: regalloc.Def, Fixed: rv32.None}
}

func useFixed(v regalloc.VReg, r rv32.Reg) regalloc.Operand {
	return regalloc.Operand{V: v, Role: regalloc.Use, Fixed: r}
}

func defFixed(v regalloc.VReg, r rv32.Reg) regalloc.Operand {
	return regalloc.Operand{V: v, Role: regalloc.Def, Fixed: r}
}
