package regalloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/riscback/compiler/rv32"
)

// testCode is a hand-built Code for allocator tests: one block,
// explicit operand lists per instruction.
type testCode struct {
	ops    [][]Operand
	clob   []rv32.RegSet
	copies []bool
	nvregs int
}

func (c *testCode) NumBlocks() int               { return 1 }
func (c *testCode) BlockInsns(int) (int, int)    { return 0, len(c.ops) }
func (c *testCode) BlockSuccs(int) []int         { return nil }
func (c *testCode) InsnOperands(i int) []Operand { return c.ops[i] }
func (c *testCode) NumVRegs() int                { return c.nvregs }

func (c *testCode) InsnClobbers(i int) rv32.RegSet {
	if c.clob == nil {
		return 0
	}

	return c.clob[i]
}

func (c *testCode) InsnIsCopy(i int) bool {
	return c.copies != nil && c.copies[i]
}

func TestAllocStraightLine(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{def(0)},
			{def(1)},
			{def(2), use(0), use(1)},
		},
		nvregs: 3,
	}

	res, err := Alloc(context.Background(), code)
	require.NoError(t, err)

	require.Zero(t, res.Slots)
	require.Empty(t, res.Edits)

	for v, l := range res.Locs {
		require.NotEqual(t, rv32.None, l.Reg, "vreg %d", v)
	}

	require.NotEqual(t, res.Locs[0].Reg, res.Locs[1].Reg)
}

func TestAllocFixed(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{defFixed(0, rv32.A0)},
			{def(1), use(0)},
			{useFixed(1, rv32.A1)},
		},
		nvregs: 2,
	}

	res, err := Alloc(context.Background(), code)
	require.NoError(t, err)

	require.Equal(t, rv32.A0, res.Locs[0].Reg)
	require.Equal(t, rv32.A1, res.Locs[1].Reg)
}

func TestAllocAcrossCall(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{def(0)},
			nil, // call
			{def(1), use(0)},
		},
		clob:   []rv32.RegSet{0, rv32.CallerSaved(), 0},
		nvregs: 2,
	}

	res, err := Alloc(context.Background(), code)
	require.NoError(t, err)

	r := res.Locs[0].Reg
	require.NotEqual(t, rv32.None, r)
	require.True(t, rv32.CalleeSaved().Has(r), "vreg 0 lives across the call, got %v", r)
	require.True(t, res.Clobbered.Has(r))
}

func TestAllocPinConflict(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{defFixed(0, rv32.A0)},
			{defFixed(1, rv32.A0)},
			{def(2), use(0), use(1)},
		},
		nvregs: 3,
	}

	_, err := Alloc(context.Background(), code)
	require.Error(t, err)
}

func TestAllocDoublePin(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{defFixed(0, rv32.A0)},
			{useFixed(0, rv32.A1)},
		},
		nvregs: 1,
	}

	_, err := Alloc(context.Background(), code)
	require.Error(t, err)
}

func TestAllocPinnedThroughCall(t *testing.T) {
	code := &testCode{
		ops: [][]Operand{
			{defFixed(0, rv32.A0)},
			nil, // call
			{useFixed(0, rv32.A0)},
		},
		clob:   []rv32.RegSet{0, rv32.CallerSaved(), 0},
		nvregs: 1,
	}

	_, err := Alloc(context.Background(), code)
	require.Error(t, err)
}

func TestAllocSpill(t *testing.T) {
	const n = 26 // two more than allocatable registers

	code := &testCode{nvregs: n}

	for v := 0; v < n; v++ {
		code.ops = append(code.ops, []Operand{def(VReg(v))})
	}

	for v := 0; v < n; v += 2 {
		code.ops = append(code.ops, []Operand{use(VReg(v)), use(VReg(v + 1))})
	}

	res, err := Alloc(context.Background(), code)
	require.NoError(t, err)

	require.Equal(t, 2, res.Slots)
	require.NotEmpty(t, res.Edits)

	for _, ed := range res.Edits {
		require.Contains(t, rv32.SpillScratch[:], ed.Reg)
	}

	for v, l := range res.Locs {
		if l.Reg == rv32.None {
			require.Less(t, l.Slot, int32(res.Slots), "vreg %d", v)
		}
	}
}

func TestAllocSkipsCopyEdits(t *testing.T) {
	const n = 25 // one spill

	code := &testCode{nvregs: n}

	for v := 0; v < n; v++ {
		code.ops = append(code.ops, []Operand{def(VReg(v))})
	}

	for v := 0; v < n; v++ {
		code.ops = append(code.ops, []Operand{use(VReg(v))})
	}

	// the whole group is parallel copies, spills and all
	code.copies = make([]bool, 2*n)
	for i := range code.copies {
		code.copies[i] = true
	}

	res, err := Alloc(context.Background(), code)
	require.NoError(t, err)

	require.Equal(t, 1, res.Slots)
	require.Empty(t, res.Edits)
}

func use(v VReg) Operand { return Operand{V: v, Role: Use, Fixed: rv32.None} }
func def(v VReg) Operand { return Operand{V: v, Role: Def, Fixed: rv32.None} }

func useFixed(v VReg, r rv32.Reg) Operand { return Operand{V: v, Role: Use, Fixed: r} }
func defFixed(v VReg, r rv32.Reg) Operand { return Operand{V: v, Role: Def, Fixed: r} }
