package regalloc

import (
	"context"
	"sort"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler/rv32"
	"github.com/slowlang/riscback/compiler/set"
)

type (
	// interval is the live range of one vreg over linear positions.
	// Instruction i reads at 2i and writes at 2i+1; call clobbers
	// land on the write point.
	interval struct {
		v    VReg
		s, e int

		fixed rv32.Reg
		reg   rv32.Reg
		slot  int32

		spilled bool
		cross   bool // live across a call clobber point
	}

	fixedRange struct {
		s, e int
		v    VReg
	}

	allocator struct {
		code Code

		ivals  []interval
		calls  []int // call instruction indexes, ascending
		ranges [rv32.NumRegs][]fixedRange

		owner [rv32.NumRegs]VReg // active holder, NoVReg if free

		free   rv32.RegSet // allocatable and currently free
		caller rv32.RegSet
		callee rv32.RegSet

		active heap.Heap[int] // interval indexes, min end first

		res Result
	}
)

// Alloc runs linear-scan allocation over code. It either returns a
// complete Result or an error for the whole function.
func Alloc(ctx context.Context, code Code) (res Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "vregs", code.NumVRegs())
	defer tr.Finish("err", &err)

	a := &allocator{code: code}

	a.caller = rv32.CallerSaved()
	a.caller.Remove(rv32.RA)

	for _, r := range rv32.SpillScratch {
		a.caller.Remove(r)
	}

	a.callee = rv32.CalleeSaved()
	a.free = a.caller | a.callee

	for r := range a.owner {
		a.owner[r] = NoVReg
	}

	liveout, livein := a.liveness()

	err = a.buildIntervals(liveout, livein)
	if err != nil {
		return res, errors.Wrap(err, "operand graph")
	}

	err = a.scan(ctx)
	if err != nil {
		return res, err
	}

	a.edits()

	a.res.Locs = make([]Loc, len(a.ivals))

	for i, iv := range a.ivals {
		if iv.spilled {
			a.res.Locs[i] = Loc{Reg: rv32.None, Slot: iv.slot}
		} else {
			a.res.Locs[i] = Loc{Reg: iv.reg}
		}
	}

	if tr.If("dump_alloc") {
		for v, l := range a.res.Locs {
			tr.Printw("vreg loc", "v", v, "reg", l.Reg, "slot", l.Slot)
		}

		for _, e := range a.res.Edits {
			tr.Printw("edit", "at", e.At, "before", e.Before, "load", e.Load, "v", e.V, "reg", e.Reg, "slot", e.Slot)
		}
	}

	return a.res, nil
}

// liveness is the usual backward fixpoint over blocks.
func (a *allocator) liveness() (liveout, livein []set.Bits[int]) {
	nb := a.code.NumBlocks()

	gen := make([]set.Bits[int], nb)
	kill := make([]set.Bits[int], nb)
	livein = make([]set.Bits[int], nb)
	liveout = make([]set.Bits[int], nb)

	for b := 0; b < nb; b++ {
		st, end := a.code.BlockInsns(b)

		for i := st; i < end; i++ {
			for _, op := range a.code.InsnOperands(i) {
				switch op.Role {
				case Use, UseDef:
					if !kill[b].IsSet(int(op.V)) {
						gen[b].Set(int(op.V))
					}
				}

				switch op.Role {
				case Def, UseDef:
					kill[b].Set(int(op.V))
				}
			}
		}
	}

	for changed := true; changed; {
		changed = false

		for b := nb - 1; b >= 0; b-- {
			var out set.Bits[int]

			for _, s := range a.code.BlockSuccs(b) {
				out.Merge(livein[s])
			}

			in := out.Copy()
			in.Substract(kill[b])
			in.Merge(gen[b])

			if in.Size() != livein[b].Size() || out.Size() != liveout[b].Size() {
				changed = true
			}

			livein[b] = in
			liveout[b] = out
		}
	}

	return liveout, livein
}

func (a *allocator) buildIntervals(liveout, livein []set.Bits[int]) error {
	a.ivals = make([]interval, a.code.NumVRegs())

	for v := range a.ivals {
		a.ivals[v] = interval{v: VReg(v), s: -1, fixed: rv32.None, reg: rv32.None}
	}

	extend := func(v VReg, p int) {
		iv := &a.ivals[v]

		if iv.s == -1 {
			iv.s, iv.e = p, p
			return
		}

		if p < iv.s {
			iv.s = p
		}
		if p > iv.e {
			iv.e = p
		}
	}

	for b := 0; b < a.code.NumBlocks(); b++ {
		st, end := a.code.BlockInsns(b)

		livein[b].Range(func(v int) bool {
			extend(VReg(v), 2*st)

			return true
		})

		liveout[b].Range(func(v int) bool {
			extend(VReg(v), 2*st)
			extend(VReg(v), 2*(end-1)+1)

			return true
		})

		for i := st; i < end; i++ {
			if a.code.InsnClobbers(i) != 0 {
				a.calls = append(a.calls, i)
			}

			for _, op := range a.code.InsnOperands(i) {
				switch op.Role {
				case Use:
					extend(op.V, 2*i)
				case Def:
					extend(op.V, 2*i+1)
				case UseDef:
					extend(op.V, 2*i)
					extend(op.V, 2*i+1)
				}

				if op.Fixed == rv32.None {
					continue
				}

				iv := &a.ivals[op.V]

				if iv.fixed != rv32.None && iv.fixed != op.Fixed {
					return errors.New("vreg %d pinned to both %v and %v", op.V, iv.fixed, op.Fixed)
				}

				if !a.caller.Has(op.Fixed) && !a.callee.Has(op.Fixed) {
					return errors.New("vreg %d pinned to reserved register %v", op.V, op.Fixed)
				}

				iv.fixed = op.Fixed
			}
		}
	}

	for v := range a.ivals {
		iv := &a.ivals[v]
		if iv.s == -1 {
			continue
		}

		for _, c := range a.calls {
			p := 2*c + 1

			if iv.s < p && p < iv.e {
				iv.cross = true
				break
			}
		}

		if iv.fixed == rv32.None {
			continue
		}

		a.ranges[iv.fixed] = append(a.ranges[iv.fixed], fixedRange{s: iv.s, e: iv.e, v: iv.v})

		// a pinned interval living across a call that clobbers its
		// register cannot be satisfied
		if iv.cross {
			for _, c := range a.calls {
				p := 2*c + 1

				if iv.s < p && p < iv.e && a.code.InsnClobbers(c).Has(iv.fixed) {
					return errors.New("vreg %d pinned to %v clobbered by call at %d", iv.v, iv.fixed, c)
				}
			}
		}
	}

	return nil
}

func (a *allocator) scan(ctx context.Context) error {
	tr := tlog.SpanFromContext(ctx)

	order := make([]int, 0, len(a.ivals))

	for v, iv := range a.ivals {
		if iv.s != -1 {
			order = append(order, v)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return a.ivals[order[i]].s < a.ivals[order[j]].s
	})

	a.active = heap.Heap[int]{Less: func(d []int, i, j int) bool {
		return a.ivals[d[i]].e < a.ivals[d[j]].e
	}}

	for _, v := range order {
		iv := &a.ivals[v]

		a.expire(iv.s)

		if iv.fixed != rv32.None {
			if o := a.owner[iv.fixed]; o != NoVReg {
				return errors.New("vregs %d and %d both pinned to %v over overlapping ranges", o, iv.v, iv.fixed)
			}

			a.take(iv, iv.fixed)
			continue
		}

		r := a.pick(iv)
		if r != rv32.None {
			a.take(iv, r)
			continue
		}

		// no register: spill the furthest-ending compatible interval,
		// or this one
		if victim := a.victim(iv); victim != nil {
			tr.V("spill").Printw("evict", "victim", victim.v, "reg", victim.reg, "for", iv.v)

			r = victim.reg
			a.spill(victim)
			a.owner[r] = NoVReg
			a.free.Add(r)

			a.take(iv, r)
			continue
		}

		a.spill(iv)
	}

	return nil
}

func (a *allocator) expire(pos int) {
	for a.active.Len() != 0 {
		v := a.active.Data[0]
		iv := &a.ivals[v]

		if iv.e >= pos {
			break
		}

		a.active.Pop()

		if iv.spilled || a.owner[iv.reg] != iv.v {
			continue
		}

		a.owner[iv.reg] = NoVReg
		a.free.Add(iv.reg)
	}
}

func (a *allocator) take(iv *interval, r rv32.Reg) {
	iv.reg = r
	a.owner[r] = iv.v
	a.free.Remove(r)

	if a.callee.Has(r) {
		a.res.Clobbered.Add(r)
	}

	a.active.Push(int(iv.v))
}

// pick chooses a free register for iv: caller-saved when the interval
// does not cross a call, avoiding pinned reservations either way.
func (a *allocator) pick(iv *interval) rv32.Reg {
	pools := []rv32.RegSet{a.free & a.caller, a.free & a.callee}
	if iv.cross {
		pools = pools[1:]
	}

	for _, pool := range pools {
		r := rv32.None

		pool.Range(func(c rv32.Reg) bool {
			if a.pinnedOverlap(c, iv) {
				return true
			}

			r = c

			return false
		})

		if r != rv32.None {
			return r
		}
	}

	return rv32.None
}

func (a *allocator) pinnedOverlap(r rv32.Reg, iv *interval) bool {
	for _, fr := range a.ranges[r] {
		if fr.v != iv.v && fr.s <= iv.e && iv.s <= fr.e {
			return true
		}
	}

	return false
}

// victim finds the active non-pinned interval ending last whose
// register iv could legally take, if it ends after iv.
func (a *allocator) victim(iv *interval) *interval {
	var best *interval

	for _, v := range a.active.Data {
		c := &a.ivals[v]

		if c.spilled || c.fixed != rv32.None {
			continue
		}
		if iv.cross && !a.callee.Has(c.reg) {
			continue
		}
		if a.pinnedOverlap(c.reg, iv) {
			continue
		}

		if best == nil || c.e > best.e {
			best = c
		}
	}

	if best == nil || best.e <= iv.e {
		return nil
	}

	return best
}

func (a *allocator) spill(iv *interval) {
	tlog.V("spill").Printw("spill", "v", iv.v, "slot", a.res.Slots, "from", loc.Caller(1))

	iv.spilled = true
	iv.slot = int32(a.res.Slots)
	a.res.Slots++
}

// edits adds a reload before every use and a store after every def of
// a spilled vreg, bound to the reserved scratch registers. Parallel
// copies are resolved by emission and get no edits.
func (a *allocator) edits() {
	nb := a.code.NumBlocks()

	for b := 0; b < nb; b++ {
		st, end := a.code.BlockInsns(b)

		for i := st; i < end; i++ {
			if a.code.InsnIsCopy(i) {
				continue
			}

			scratch := 0

			for _, op := range a.code.InsnOperands(i) {
				iv := a.ivals[op.V]
				if !iv.spilled {
					continue
				}

				if op.Role == Use || op.Role == UseDef {
					a.res.Edits = append(a.res.Edits, Edit{
						At: i, Before: true, Load: true,
						V: op.V, Reg: rv32.SpillScratch[scratch], Slot: iv.slot,
					})

					scratch++
				}

				if op.Role == Def || op.Role == UseDef {
					a.res.Edits = append(a.res.Edits, Edit{
						At: i, Before: false,
						V: op.V, Reg: rv32.SpillScratch[0], Slot: iv.slot,
					})
				}
			}
		}
	}
}
