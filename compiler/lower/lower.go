// Package lower translates ordered SSA blocks into VCode: flat target
// pseudo instructions over virtual registers, one vreg per SSA value,
// with operand roles and fixed-register constraints for the allocator.
package lower

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler/abi"
	"github.com/slowlang/riscback/compiler/ir"
	"github.com/slowlang/riscback/compiler/regalloc"
	"github.com/slowlang/riscback/compiler/rv32"
)

type lowerer struct {
	f *ir.Func
	c *VCode

	b2v []int
	v   []regalloc.VReg

	valUsed []bool
	outs    map[ir.Expr][]ir.Expr // call -> CallOut exprs

	hidden regalloc.VReg // own return-area pointer
}

// Func lowers f in the given final block order.
func Func(ctx context.Context, f *ir.Func, ord []int) (_ *VCode, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lower func", "name", f.Name, "blocks", len(ord))
	defer tr.Finish("err", &err)

	l := &lowerer{
		f: f,
		c: &VCode{
			Name: f.Name,
			Sig:  f.Sig,
			Info: abi.ComputeInfo(f.Sig),
		},
		b2v:     make([]int, len(f.Blocks)),
		v:       make([]regalloc.VReg, len(f.Exprs)),
		valUsed: make([]bool, len(f.Exprs)),
		outs:    map[ir.Expr][]ir.Expr{},
		hidden:  regalloc.NoVReg,
	}

	for i := range l.v {
		l.v[i] = regalloc.NoVReg
	}

	for i, b := range ord {
		l.b2v[b] = i
	}

	l.scanUses(ord)

	for _, b := range ord {
		err = l.block(b)
		if err != nil {
			return nil, errors.Wrap(err, "block %d", b)
		}
	}

	l.c.linkBlocks()

	if tr.If("dump_vcode") {
		for b, vb := range l.c.Blocks {
			tr.Printw("vcode block", "b", b, "ir", vb.IRBlock, "succ", vb.Succ, "params", vb.Params)

			for i := vb.Start; i < vb.End; i++ {
				in := l.c.Insns[i]

				tr.Printw("vcode", "i", i, "op", in.Op, "kind", in.Kind, "rd", in.Rd, "rs1", in.Rs1, "rs2", in.Rs2, "imm", in.Imm, "sym", in.Sym)
			}
		}
	}

	return l.c, nil
}

// scanUses records which exprs are needed as materialized values.
// A comparison consumed only by branches is fused and never
// materialized.
func (l *lowerer) scanUses(ord []int) {
	val := func(ids ...ir.Expr) {
		for _, id := range ids {
			l.valUsed[id] = true
		}
	}

	target := func(t ir.Target) {
		val(t.Args...)
	}

	for _, b := range ord {
		for _, id := range l.f.Blocks[b].Code {
			switch x := l.f.Exprs[id].(type) {
			case ir.Imm, ir.BlockParam:
			case ir.Add:
				val(x.L, x.R)
			case ir.Sub:
				val(x.L, x.R)
			case ir.Mul:
				val(x.L, x.R)
			case ir.Div:
				val(x.L, x.R)
			case ir.Mod:
				val(x.L, x.R)
			case ir.And:
				val(x.L, x.R)
			case ir.Or:
				val(x.L, x.R)
			case ir.Xor:
				val(x.L, x.R)
			case ir.Shl:
				val(x.L, x.R)
			case ir.Shr:
				val(x.L, x.R)
			case ir.Cmp:
				val(x.L, x.R)
			case ir.Call:
				val(x.In...)

				l.outs[id] = nil
			case ir.CallOut:
				l.outs[x.Call] = append(l.outs[x.Call], id)
			case ir.Ret:
				val(x.In...)
			case ir.B:
				target(x.To)
			case ir.BCond:
				if _, ok := l.f.Exprs[x.Expr].(ir.Cmp); !ok {
					val(x.Expr)
				}

				target(x.Then)
				target(x.Else)
			default:
				panic(x)
			}
		}
	}
}

func (l *lowerer) vreg(id ir.Expr) regalloc.VReg {
	if l.v[id] == regalloc.NoVReg {
		l.v[id] = l.c.vreg()
	}

	return l.v[id]
}

func (l *lowerer) mv(kind Kind, dst, src regalloc.VReg) {
	l.c.emit(Insn{Op: rv32.ADDI, Kind: kind, Rd: dst, Rs1: src, Ps2: rv32.None, Pd: rv32.None, Ps1: rv32.None},
		def(dst), use(src))
}

func (l *lowerer) block(b int) (err error) {
	f := l.f
	bp := &f.Blocks[b]

	var params []regalloc.VReg

	if b != f.Entry {
		params = make([]regalloc.VReg, len(bp.Params))

		for i, id := range bp.Params {
			params[i] = l.vreg(id)
		}
	}

	l.c.begin(b, params)
	defer l.c.seal()

	if b == f.Entry {
		err = l.args(bp)
		if err != nil {
			return errors.Wrap(err, "args")
		}
	}

	for _, id := range bp.Code {
		err = l.insn(b, id)
		if err != nil {
			return errors.Wrap(err, "expr %d", id)
		}
	}

	return nil
}

// args binds the calling convention to the entry block parameters:
// a pseudo instruction defines fixed-constrained vregs for every
// register argument, copies move them into the parameter vregs, and
// stack arguments are loaded from the incoming area.
func (l *lowerer) args(bp *ir.Block) error {
	if len(bp.Params) != l.c.Sig.Params {
		return errors.New("entry params %d != signature %d", len(bp.Params), l.c.Sig.Params)
	}

	var ops []regalloc.Operand
	var hid regalloc.VReg = regalloc.NoVReg

	regarg := make([]regalloc.VReg, len(bp.Params))

	if l.c.Info.HiddenRet {
		hid = l.c.vreg()
		ops = append(ops, defFixed(hid, rv32.ArgRegs[0]))
	}

	for i := range bp.Params {
		if l.c.Info.Params[i].Stack {
			continue
		}

		regarg[i] = l.c.vreg()
		ops = append(ops, defFixed(regarg[i], l.c.Info.Params[i].Reg))
	}

	l.c.emit(Insn{Op: rv32.NOP, Kind: KindArgs, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None}, ops...)

	if l.c.Info.HiddenRet {
		l.hidden = l.c.vreg()
		l.mv(KindNormal, l.hidden, hid)
	}

	for i, id := range bp.Params {
		p := l.vreg(id)

		if loc := l.c.Info.Params[i]; loc.Stack {
			l.c.emit(Insn{Op: rv32.LW, Kind: KindNormal, Rd: p, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.SP, Ps2: rv32.None, Imm: loc.Off, Base: BaseIncoming},
				def(p))
		} else {
			l.mv(KindNormal, p, regarg[i])
		}
	}

	return nil
}

func (l *lowerer) insn(b int, id ir.Expr) error {
	f := l.f

	switch x := f.Exprs[id].(type) {
	case ir.Imm:
		l.imm(id, int64(x))
	case ir.Add:
		l.bin(rv32.ADD, id, x.L, x.R)
	case ir.Sub:
		l.bin(rv32.SUB, id, x.L, x.R)
	case ir.Mul:
		l.bin(rv32.MUL, id, x.L, x.R)
	case ir.Div:
		l.bin(rv32.DIV, id, x.L, x.R)
	case ir.Mod:
		l.bin(rv32.REM, id, x.L, x.R)
	case ir.And:
		l.bin(rv32.AND, id, x.L, x.R)
	case ir.Or:
		l.bin(rv32.OR, id, x.L, x.R)
	case ir.Xor:
		l.bin(rv32.XOR, id, x.L, x.R)
	case ir.Shl:
		l.bin(rv32.SLL, id, x.L, x.R)
	case ir.Shr:
		l.bin(rv32.SRL, id, x.L, x.R)
	case ir.Cmp:
		if !l.valUsed[id] {
			break
		}

		l.cmp(id, x)
	case ir.Call:
		return l.call(id, x)
	case ir.CallOut:
	case ir.B:
		l.copies(x.To)
		l.c.emit(Insn{Op: rv32.JAL, Kind: KindB, Pd: rv32.Zero, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Ps1: rv32.None, Ps2: rv32.None, Succ: [2]int{l.b2v[x.To.Block]}})
	case ir.BCond:
		l.bcond(x)
	case ir.Ret:
		return l.ret(x)
	default:
		return errors.New("unexpected expr %T", x)
	}

	return nil
}

func (l *lowerer) bin(op rv32.Op, id, xl, xr ir.Expr) {
	rd, rl, rr := l.vreg(id), l.vreg(xl), l.vreg(xr)

	l.c.emit(Insn{Op: op, Kind: KindNormal, Rd: rd, Rs1: rl, Rs2: rr, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None},
		def(rd), use(rl), use(rr))
}

// imm materializes a constant: one ADDI if it fits the signed 12-bit
// immediate, otherwise LUI of the high bits plus ADDI of the low bits.
func (l *lowerer) imm(id ir.Expr, val int64) {
	rd := l.vreg(id)

	if rv32.FitsImm12(val) {
		l.c.emit(Insn{Op: rv32.ADDI, Kind: KindNormal, Rd: rd, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.Zero, Ps2: rv32.None, Imm: int32(val)},
			def(rd))

		return
	}

	hi, lo := rv32.HiLo(int32(val))
	t := l.c.vreg()

	l.c.emit(Insn{Op: rv32.LUI, Kind: KindNormal, Rd: t, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None, Imm: hi},
		def(t))
	l.c.emit(Insn{Op: rv32.ADDI, Kind: KindNormal, Rd: rd, Rs1: t, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None, Imm: lo},
		def(rd), use(t))
}

// cmp materializes a comparison as a 0/1 value.
func (l *lowerer) cmp(id ir.Expr, x ir.Cmp) {
	rd, rl, rr := l.vreg(id), l.vreg(x.L), l.vreg(x.R)

	slt := func(dst regalloc.VReg, a, b regalloc.VReg) {
		l.c.emit(Insn{Op: rv32.SLT, Kind: KindNormal, Rd: dst, Rs1: a, Rs2: b, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None},
			def(dst), use(a), use(b))
	}

	xori := func(dst, src regalloc.VReg) {
		l.c.emit(Insn{Op: rv32.XORI, Kind: KindNormal, Rd: dst, Rs1: src, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None, Imm: 1},
			def(dst), use(src))
	}

	switch x.Cond {
	case ir.LT:
		slt(rd, rl, rr)
	case ir.GT:
		slt(rd, rr, rl)
	case ir.GE:
		t := l.c.vreg()
		slt(t, rl, rr)
		xori(rd, t)
	case ir.LE:
		t := l.c.vreg()
		slt(t, rr, rl)
		xori(rd, t)
	case ir.EQ, ir.NE:
		t := l.c.vreg()

		l.c.emit(Insn{Op: rv32.XOR, Kind: KindNormal, Rd: t, Rs1: rl, Rs2: rr, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None},
			def(t), use(rl), use(rr))

		if x.Cond == ir.EQ {
			l.c.emit(Insn{Op: rv32.SLTIU, Kind: KindNormal, Rd: rd, Rs1: t, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None, Imm: 1},
				def(rd), use(t))
		} else {
			l.c.emit(Insn{Op: rv32.SLTU, Kind: KindNormal, Rd: rd, Rs1: regalloc.NoVReg, Rs2: t, Pd: rv32.None, Ps1: rv32.Zero, Ps2: rv32.None},
				def(rd), use(t))
		}
	default:
		panic(x.Cond)
	}
}

// copies lowers branch arguments as a parallel-copy group into the
// destination's parameter vregs. Move ordering hazards are resolved
// at emission over physical registers.
func (l *lowerer) copies(t ir.Target) {
	params := l.f.Blocks[t.Block].Params

	for k, arg := range t.Args {
		l.mv(KindPCopy, l.vreg(params[k]), l.vreg(arg))
	}
}

func (l *lowerer) bcond(x ir.BCond) {
	in := Insn{Kind: KindBCond, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None,
		Succ: [2]int{l.b2v[x.Then.Block], l.b2v[x.Else.Block]}}

	if cmp, ok := l.f.Exprs[x.Expr].(ir.Cmp); ok {
		rl, rr := l.vreg(cmp.L), l.vreg(cmp.R)

		switch cmp.Cond {
		case ir.EQ:
			in.Op, in.Rs1, in.Rs2 = rv32.BEQ, rl, rr
		case ir.NE:
			in.Op, in.Rs1, in.Rs2 = rv32.BNE, rl, rr
		case ir.LT:
			in.Op, in.Rs1, in.Rs2 = rv32.BLT, rl, rr
		case ir.GE:
			in.Op, in.Rs1, in.Rs2 = rv32.BGE, rl, rr
		case ir.GT:
			in.Op, in.Rs1, in.Rs2 = rv32.BLT, rr, rl
		case ir.LE:
			in.Op, in.Rs1, in.Rs2 = rv32.BGE, rr, rl
		default:
			panic(cmp.Cond)
		}

		l.c.emit(in, use(in.Rs1), use(in.Rs2))

		return
	}

	v := l.vreg(x.Expr)

	in.Op, in.Rs1, in.Ps2 = rv32.BNE, v, rv32.Zero

	l.c.emit(in, use(v))
}

// call splits arguments into register moves and outgoing-area stores,
// passes the return-area address in the hidden first argument register
// when the callee has more than two results, and reads results back
// from registers and the return area.
func (l *lowerer) call(id ir.Expr, x ir.Call) error {
	if len(x.In) != x.Sig.Params {
		return errors.New("call %v: %d args for %d params", x.Func, len(x.In), x.Sig.Params)
	}

	ci := abi.ComputeInfo(x.Sig)

	if fp := ci.StackArgs + ci.RetArea; fp > l.c.Outgoing {
		l.c.Outgoing = fp
	}

	var callOps []regalloc.Operand

	for i, in := range x.In {
		src := l.vreg(in)

		if loc := ci.Params[i]; loc.Stack {
			l.c.emit(Insn{Op: rv32.SW, Kind: KindNormal, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: src, Pd: rv32.None, Ps1: rv32.SP, Ps2: rv32.None, Imm: loc.Off},
				use(src))
		} else {
			t := l.c.vreg()
			l.mv(KindNormal, t, src)
			callOps = append(callOps, useFixed(t, loc.Reg))
		}
	}

	if ci.HiddenRet {
		t := l.c.vreg()

		l.c.emit(Insn{Op: rv32.ADDI, Kind: KindNormal, Rd: t, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.SP, Ps2: rv32.None, Imm: ci.StackArgs},
			def(t))

		callOps = append(callOps, useFixed(t, rv32.ArgRegs[0]))
	}

	var res [2]regalloc.VReg

	for i := 0; i < x.Sig.Results && i < len(rv32.RetRegs); i++ {
		res[i] = l.c.vreg()
		callOps = append(callOps, defFixed(res[i], rv32.RetRegs[i]))
	}

	l.c.emit(Insn{Op: rv32.JAL, Kind: KindCall, Sym: x.Func, Pd: rv32.RA, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Ps1: rv32.None, Ps2: rv32.None}, callOps...)

	if x.Sig.Results > 0 {
		l.mv(KindNormal, l.vreg(id), res[0])
	}

	for _, out := range l.outs[id] {
		o := l.f.Exprs[out].(ir.CallOut)

		switch {
		case o.Index < len(rv32.RetRegs):
			l.mv(KindNormal, l.vreg(out), res[o.Index])
		default:
			off := ci.StackArgs + int32(o.Index-len(rv32.RetRegs))*rv32.WordSize
			rd := l.vreg(out)

			l.c.emit(Insn{Op: rv32.LW, Kind: KindNormal, Rd: rd, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.None, Ps1: rv32.SP, Ps2: rv32.None, Imm: off},
				def(rd))
		}
	}

	return nil
}

// ret is the callee-side counterpart of call: register results move to
// the return registers, further results are stored through the hidden
// return-area pointer.
func (l *lowerer) ret(x ir.Ret) error {
	if len(x.In) != l.c.Sig.Results {
		return errors.New("%d results returned for %d declared", len(x.In), l.c.Sig.Results)
	}

	var retOps []regalloc.Operand

	for i, in := range x.In {
		src := l.vreg(in)

		if loc := l.c.Info.Results[i]; loc.Stack {
			l.c.emit(Insn{Op: rv32.SW, Kind: KindNormal, Rd: regalloc.NoVReg, Rs1: l.hidden, Rs2: src, Pd: rv32.None, Ps1: rv32.None, Ps2: rv32.None, Imm: loc.Off},
				use(src), use(l.hidden))
		} else {
			t := l.c.vreg()
			l.mv(KindNormal, t, src)
			retOps = append(retOps, useFixed(t, loc.Reg))
		}
	}

	l.c.emit(Insn{Op: rv32.JALR, Kind: KindRet, Rd: regalloc.NoVReg, Rs1: regalloc.NoVReg, Rs2: regalloc.NoVReg, Pd: rv32.Zero, Ps1: rv32.RA, Ps2: rv32.None}, retOps...)

	return nil
}
