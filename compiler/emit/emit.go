// Package emit turns allocated VCode into RV32 machine code bytes:
// frame setup and teardown, branch fixups, parallel-copy sequencing and
// call relocations against not yet placed symbols.
package emit

import (
	"context"
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler/abi"
	"github.com/slowlang/riscback/compiler/lower"
	"github.com/slowlang/riscback/compiler/regalloc"
	"github.com/slowlang/riscback/compiler/rv32"
)

type (
	// Reloc is a call site to patch: an AUIPC+JALR pair at Off whose
	// target symbol was not known at emission time.
	Reloc struct {
		Off int32
		Sym string
	}

	// Obj is the emitted code of one function.
	Obj struct {
		Name string
		Code []byte

		Relocs []Reloc
		Frame  abi.Frame
	}

	fixup struct {
		off int32
		to  int
		jal bool
	}

	// cloc is a copy endpoint: a register, or a frame slot at sp+off.
	cloc struct {
		reg rv32.Reg
		off int32
	}

	cmove struct {
		dst, src cloc
	}

	emitter struct {
		c     *lower.VCode
		res   regalloc.Result
		frame abi.Frame

		edits map[int][]regalloc.Edit

		labels []int32
		fix    []fixup

		obj *Obj
	}
)

// Func emits machine code for one allocated function.
func Func(ctx context.Context, c *lower.VCode, res regalloc.Result) (obj *Obj, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "emit func", "name", c.Name)
	defer tr.Finish("err", &err)

	e := &emitter{
		c:     c,
		res:   res,
		frame: abi.ComputeFrame(c.Info, res.Clobbered, res.Slots, c.Outgoing),
		edits: map[int][]regalloc.Edit{},

		obj: &Obj{Name: c.Name},
	}

	e.obj.Frame = e.frame

	if total := e.frame.Total(); !rv32.FitsImm12(int64(total)) {
		return nil, errors.New("frame size %d exceeds the addressable range", total)
	}

	for _, ed := range res.Edits {
		e.edits[ed.At] = append(e.edits[ed.At], ed)
	}

	e.labels = make([]int32, len(c.Blocks))

	for b := range c.Blocks {
		e.labels[b] = int32(len(e.obj.Code))

		if b == 0 {
			e.prologue()
		}

		st, end := c.BlockInsns(b)

		for i := st; i < end; {
			if c.Insns[i].Kind == lower.KindPCopy {
				j := i
				for j < end && c.Insns[j].Kind == lower.KindPCopy {
					j++
				}

				err = e.pcopy(i, j)
				if err != nil {
					return nil, errors.Wrap(err, "block %d copies", b)
				}

				i = j
				continue
			}

			err = e.insn(b, i)
			if err != nil {
				return nil, errors.Wrap(err, "block %d insn %d", b, i)
			}

			i++
		}
	}

	err = e.patch()
	if err != nil {
		return nil, err
	}

	tr.Printw("emitted", "name", c.Name, "size", len(e.obj.Code), "frame", e.frame.Total(), "relocs", len(e.obj.Relocs))

	if tr.If("dump_asm") {
		tr.Printw("assembly", "name", c.Name, "text", string(rv32.AppendDisasm(nil, e.obj.Code)))
	}

	return e.obj, nil
}

func (e *emitter) word(w uint32) {
	e.obj.Code = binary.LittleEndian.AppendUint32(e.obj.Code, w)
}

func (e *emitter) prologue() {
	t := e.frame.Total()

	e.word(rv32.I(rv32.ADDI, rv32.SP, rv32.SP, -t))
	e.word(rv32.S(rv32.SW, rv32.FP, rv32.SP, e.frame.FPOff()))
	e.word(rv32.S(rv32.SW, rv32.RA, rv32.SP, e.frame.RAOff()))
	e.word(rv32.I(rv32.ADDI, rv32.FP, rv32.SP, t))

	for i, r := range e.frame.Saved {
		e.word(rv32.S(rv32.SW, r, rv32.SP, e.frame.ClobberOff(i)))
	}
}

func (e *emitter) epilogue() {
	for i, r := range e.frame.Saved {
		e.word(rv32.I(rv32.LW, r, rv32.SP, e.frame.ClobberOff(i)))
	}

	e.word(rv32.I(rv32.LW, rv32.FP, rv32.SP, e.frame.FPOff()))
	e.word(rv32.I(rv32.LW, rv32.RA, rv32.SP, e.frame.RAOff()))
	e.word(rv32.I(rv32.ADDI, rv32.SP, rv32.SP, e.frame.Total()))
	e.word(rv32.I(rv32.JALR, rv32.Zero, rv32.RA, 0))
}

func (e *emitter) insn(b, i int) (err error) {
	in := e.c.Insns[i]

	for _, ed := range e.edits[i] {
		if ed.Before {
			e.word(rv32.I(rv32.LW, ed.Reg, rv32.SP, e.frame.SpillOff(int(ed.Slot))))
		}
	}

	switch in.Kind {
	case lower.KindArgs:
		// argument registers are live as is
	case lower.KindNormal:
		err = e.normal(i, in)
	case lower.KindCall:
		e.obj.Relocs = append(e.obj.Relocs, Reloc{Off: int32(len(e.obj.Code)), Sym: in.Sym})

		e.word(rv32.U(rv32.AUIPC, rv32.RA, 0))
		e.word(rv32.I(rv32.JALR, rv32.RA, rv32.RA, 0))
	case lower.KindB:
		if in.Succ[0] != b+1 {
			e.jump(in.Succ[0])
		}
	case lower.KindBCond:
		err = e.bcond(b, i, in)
	case lower.KindRet:
		e.epilogue()
	default:
		err = errors.New("unexpected insn kind %v", in.Kind)
	}

	if err != nil {
		return err
	}

	for _, ed := range e.edits[i] {
		if !ed.Before {
			e.word(rv32.S(rv32.SW, ed.Reg, rv32.SP, e.frame.SpillOff(int(ed.Slot))))
		}
	}

	return nil
}

func (e *emitter) normal(i int, in lower.Insn) error {
	rd, err := e.reg(i, in.Rd, in.Pd, true)
	if err != nil {
		return err
	}

	rs1, err := e.reg(i, in.Rs1, in.Ps1, false)
	if err != nil {
		return err
	}

	rs2, err := e.reg(i, in.Rs2, in.Ps2, false)
	if err != nil {
		return err
	}

	imm := in.Imm
	if in.Base == lower.BaseIncoming {
		imm = e.frame.IncomingOff(imm)
	}

	if (in.Op == rv32.LW || in.Op == rv32.SW) && !rv32.FitsImm12(int64(imm)) {
		return errors.New("memory offset %d out of encoding range", imm)
	}

	switch in.Op {
	case rv32.LUI, rv32.AUIPC:
		e.word(rv32.U(in.Op, rd, imm))
	case rv32.SW:
		e.word(rv32.S(in.Op, rs2, rs1, imm))
	case rv32.LW, rv32.JALR,
		rv32.ADDI, rv32.ANDI, rv32.ORI, rv32.XORI,
		rv32.SLTI, rv32.SLTIU, rv32.SLLI, rv32.SRLI, rv32.SRAI:
		if in.Op == rv32.ADDI && imm == 0 && rd == rs1 {
			break // move to itself
		}

		e.word(rv32.I(in.Op, rd, rs1, imm))
	default:
		e.word(rv32.R(in.Op, rd, rs1, rs2))
	}

	return nil
}

// reg resolves an instruction register field: the allocated register of
// the vreg, the scratch an edit bound a spilled vreg to, or the explicit
// physical register.
func (e *emitter) reg(i int, v regalloc.VReg, p rv32.Reg, def bool) (rv32.Reg, error) {
	if v == regalloc.NoVReg {
		return p, nil
	}

	if l := e.res.Locs[v]; l.Reg != rv32.None {
		return l.Reg, nil
	}

	for _, ed := range e.edits[i] {
		if ed.V == v && ed.Before != def {
			return ed.Reg, nil
		}
	}

	return rv32.None, errors.New("spilled vreg %d unbound at insn %d", v, i)
}

func (e *emitter) bcond(b, i int, in lower.Insn) error {
	rs1, err := e.reg(i, in.Rs1, in.Ps1, false)
	if err != nil {
		return err
	}

	rs2, err := e.reg(i, in.Rs2, in.Ps2, false)
	if err != nil {
		return err
	}

	then, els := in.Succ[0], in.Succ[1]

	switch next := b + 1; {
	case els == next:
		e.branch(in.Op, rs1, rs2, then)
	case then == next:
		e.branch(in.Op.Invert(), rs1, rs2, els)
	default:
		e.branch(in.Op, rs1, rs2, then)
		e.jump(els)
	}

	return nil
}

func (e *emitter) branch(op rv32.Op, rs1, rs2 rv32.Reg, to int) {
	e.fix = append(e.fix, fixup{off: int32(len(e.obj.Code)), to: to})
	e.word(rv32.B(op, rs1, rs2, 0))
}

func (e *emitter) jump(to int) {
	e.fix = append(e.fix, fixup{off: int32(len(e.obj.Code)), to: to, jal: true})
	e.word(rv32.J(rv32.JAL, rv32.Zero, 0))
}

func (e *emitter) patch() error {
	for _, fx := range e.fix {
		d := e.labels[fx.to] - fx.off
		w := binary.LittleEndian.Uint32(e.obj.Code[fx.off:])

		if fx.jal {
			if !rv32.FitsJump(d) {
				return errors.New("jump displacement %d out of range at %#x", d, fx.off)
			}

			w = rv32.PatchJ(w, d)
		} else {
			if !rv32.FitsBranch(d) {
				return errors.New("branch displacement %d out of range at %#x", d, fx.off)
			}

			w = rv32.PatchB(w, d)
		}

		binary.LittleEndian.PutUint32(e.obj.Code[fx.off:], w)
	}

	return nil
}

// pcopy sequences the parallel-copy group in insns [i, j). All copies
// of the group happen as if simultaneous: ready moves first, cycles
// broken through a scratch register.
func (e *emitter) pcopy(i, j int) error {
	var pending []cmove

	for k := i; k < j; k++ {
		in := e.c.Insns[k]

		dst, err := e.loc(in.Rd)
		if err != nil {
			return err
		}

		src, err := e.loc(in.Rs1)
		if err != nil {
			return err
		}

		if dst != src {
			pending = append(pending, cmove{dst: dst, src: src})
		}
	}

	for len(pending) != 0 {
		k := e.ready(pending)

		if k < 0 {
			// only cycles remain, detach one source
			tmp := cloc{reg: rv32.SpillScratch[1]}

			e.move(tmp, pending[0].src)
			pending[0].src = tmp

			continue
		}

		e.move(pending[k].dst, pending[k].src)

		pending[k] = pending[len(pending)-1]
		pending = pending[:len(pending)-1]
	}

	return nil
}

// ready finds a move whose destination no other move still reads.
func (e *emitter) ready(pending []cmove) int {
	for k, m := range pending {
		blocked := false

		for l, o := range pending {
			if l != k && o.src == m.dst {
				blocked = true
				break
			}
		}

		if !blocked {
			return k
		}
	}

	return -1
}

func (e *emitter) loc(v regalloc.VReg) (cloc, error) {
	if v == regalloc.NoVReg {
		return cloc{}, errors.New("copy without a vreg operand")
	}

	l := e.res.Locs[v]
	if l.Reg != rv32.None {
		return cloc{reg: l.Reg}, nil
	}

	return cloc{reg: rv32.None, off: e.frame.SpillOff(int(l.Slot))}, nil
}

func (e *emitter) move(dst, src cloc) {
	switch {
	case dst.reg != rv32.None && src.reg != rv32.None:
		e.word(rv32.I(rv32.ADDI, dst.reg, src.reg, 0))
	case dst.reg != rv32.None:
		e.word(rv32.I(rv32.LW, dst.reg, rv32.SP, src.off))
	case src.reg != rv32.None:
		e.word(rv32.S(rv32.SW, src.reg, rv32.SP, dst.off))
	default:
		e.word(rv32.I(rv32.LW, rv32.SpillScratch[0], rv32.SP, src.off))
		e.word(rv32.S(rv32.SW, rv32.SpillScratch[0], rv32.SP, dst.off))
	}
}
