package main

import (
	"context"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler"
	"github.com/slowlang/riscback/compiler/ir"
	"github.com/slowlang/riscback/compiler/rv32"
)

func main() {
	demoCmd := &cli.Command{
		Name:        "demo",
		Description: "compile the built-in sample package and dump the machine code",
		Action:      demoAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "riscback",
		Description: "riscback compiles SSA functions to rv32 machine code",
		Commands: []*cli.Command{
			demoCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func demoAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	p := samplePackage()

	m, err := compiler.CompileModule(ctx, p)
	if err != nil {
		return errors.Wrap(err, "compile %v", p.Path)
	}

	for _, f := range p.Funcs {
		fmt.Printf("%08x  %v\n", m.Syms[f.Name], f.Name)
	}

	for _, rel := range m.Relocs {
		fmt.Printf("%08x  reloc %v\n", rel.Off, rel.Sym)
	}

	fmt.Printf("\n%s", rv32.AppendDisasm(nil, m.Code))

	if env.Bool("RISCBACK_HEX") {
		fmt.Printf("\n% x\n", m.Code)
	}

	return nil
}

// samplePackage exercises the pipeline end to end: loops with block
// parameters, fused comparisons, constant materialization and a call
// between the two functions.
func samplePackage() *ir.Package {
	fib := &ir.Func{Name: "fib", Sig: ir.Sig{Params: 1, Results: 1}}

	b0 := fib.NewBlock()
	n := fib.AddParam(b0)

	zero := fib.Add(b0, ir.Imm(0))
	one := fib.Add(b0, ir.Imm(1))

	loop := fib.NewBlock()
	a := fib.AddParam(loop)
	b := fib.AddParam(loop)
	k := fib.AddParam(loop)

	body := fib.NewBlock()
	done := fib.NewBlock()

	fib.Add(b0, ir.B{To: ir.Target{Block: loop, Args: []ir.Expr{zero, one, zero}}})

	cond := fib.Add(loop, ir.Cmp{Cond: ir.LT, L: k, R: n})
	fib.Add(loop, ir.BCond{Expr: cond, Then: ir.Target{Block: body}, Else: ir.Target{Block: done}})

	sum := fib.Add(body, ir.Add{L: a, R: b})
	next := fib.Add(body, ir.Add{L: k, R: one})
	fib.Add(body, ir.B{To: ir.Target{Block: loop, Args: []ir.Expr{b, sum, next}}})

	fib.Add(done, ir.Ret{In: []ir.Expr{a}})

	scale := &ir.Func{Name: "fibscaled", Sig: ir.Sig{Params: 2, Results: 1}}

	e0 := scale.NewBlock()
	sn := scale.AddParam(e0)
	sm := scale.AddParam(e0)

	call := scale.Add(e0, ir.Call{Func: "fib", Sig: fib.Sig, In: []ir.Expr{sn}})
	prod := scale.Add(e0, ir.Mul{L: call, R: sm})
	scale.Add(e0, ir.Ret{In: []ir.Expr{prod}})

	return &ir.Package{
		Path:  "demo",
		Funcs: []*ir.Func{fib, scale},
	}
}
