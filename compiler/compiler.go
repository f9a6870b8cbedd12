// Package compiler drives the code generation pipeline: block ordering,
// lowering to target pseudo instructions, register allocation and
// machine code emission, then module linking.
package compiler

import (
	"context"
	"encoding/binary"
	"runtime"

	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler/emit"
	"github.com/slowlang/riscback/compiler/ir"
	"github.com/slowlang/riscback/compiler/lower"
	"github.com/slowlang/riscback/compiler/order"
	"github.com/slowlang/riscback/compiler/regalloc"
	"github.com/slowlang/riscback/compiler/rv32"
)

type (
	// Module is the linked code of one package. Calls between its
	// functions are resolved; calls to anything else stay in Relocs.
	Module struct {
		Path string
		Code []byte

		Syms   map[string]int32
		Relocs []emit.Reloc
	}
)

// CompileFunction compiles a single function to a relocatable object.
func CompileFunction(ctx context.Context, f *ir.Func) (obj *emit.Obj, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile func", "name", f.Name)
	defer tr.Finish("err", &err)

	ord, err := order.Blocks(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "order blocks")
	}

	code, err := lower.Func(ctx, f, ord)
	if err != nil {
		return nil, errors.Wrap(err, "lower")
	}

	res, err := regalloc.Alloc(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "alloc registers")
	}

	obj, err = emit.Func(ctx, code, res)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	return obj, nil
}

// CompileModule compiles every function of the package concurrently,
// then lays the objects out in declaration order and resolves calls
// between them. A failed function does not discard the others: the
// returned module holds every successful object even when err is set.
func CompileModule(ctx context.Context, p *ir.Package) (m *Module, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile module", "path", p.Path, "funcs", len(p.Funcs))
	defer tr.Finish("err", &err)

	objs := make([]*emit.Obj, len(p.Funcs))
	ferr := make([]error, len(p.Funcs))

	var g errgroup.Group
	g.SetLimit(env.Int("RISCBACK_JOBS", runtime.GOMAXPROCS(0)))

	for i, f := range p.Funcs {
		i, f := i, f

		g.Go(func() error {
			objs[i], ferr[i] = CompileFunction(ctx, f)

			return nil
		})
	}

	// all objects are in place before any symbol is read
	_ = g.Wait()

	for i, f := range p.Funcs {
		if ferr[i] == nil {
			continue
		}

		tr.Printw("function failed", "func", f.Name, "err", ferr[i])

		if err == nil {
			err = errors.Wrap(ferr[i], "%v", f.Name)
		}
	}

	m = &Module{
		Path: p.Path,
		Syms: make(map[string]int32, len(objs)),
	}

	for _, obj := range objs {
		if obj == nil {
			continue
		}

		if _, ok := m.Syms[obj.Name]; ok {
			return nil, errors.New("duplicate function %v", obj.Name)
		}

		m.Syms[obj.Name] = int32(len(m.Code))
		m.Code = append(m.Code, obj.Code...)
	}

	for _, obj := range objs {
		if obj == nil {
			continue
		}

		base := m.Syms[obj.Name]

		for _, rel := range obj.Relocs {
			off := base + rel.Off

			target, ok := m.Syms[rel.Sym]
			if !ok {
				m.Relocs = append(m.Relocs, emit.Reloc{Off: off, Sym: rel.Sym})
				continue
			}

			patchCall(m.Code, off, target-off)
		}
	}

	tr.Printw("module linked", "size", len(m.Code), "syms", len(m.Syms), "external", len(m.Relocs))

	return m, err
}

// patchCall resolves one AUIPC+JALR pair at off to a pc-relative
// displacement. AUIPC reaches any int32, so the patch cannot fail.
func patchCall(code []byte, off, disp int32) {
	hi, lo := rv32.HiLo(disp)

	auipc := binary.LittleEndian.Uint32(code[off:])
	jalr := binary.LittleEndian.Uint32(code[off+4:])

	binary.LittleEndian.PutUint32(code[off:], rv32.PatchU(auipc, hi))
	binary.LittleEndian.PutUint32(code[off+4:], rv32.PatchI(jalr, lo))
}
