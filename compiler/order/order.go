// Package order computes the final block sequence of a function:
// reverse postorder from the entry block with every critical edge
// split by a synthetic edge block, so each edge's block-argument
// copies have an unambiguous home.
package order

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/riscback/compiler/ir"
)

// Blocks splits critical edges of f in place and returns the final
// block order, entry first. Running it on an already split function
// changes nothing and returns the same order.
func Blocks(ctx context.Context, f *ir.Func) (ord []int, err error) {
	tr := tlog.SpanFromContext(ctx)

	npreds := make([]int, len(f.Blocks))

	for b := range f.Blocks {
		for _, t := range f.Succs(b) {
			npreds[t.Block]++
		}
	}

	if npreds[f.Entry] != 0 {
		return nil, errors.New("entry block %d is a branch target", f.Entry)
	}

	split := 0

	for b := 0; b < len(f.Blocks); b++ {
		succs := f.Succs(b)
		if len(succs) < 2 {
			continue
		}

		term := f.Terminator(b)
		bc := f.Exprs[term].(ir.BCond)

		for e, t := range succs {
			if npreds[t.Block] < 2 && len(f.Blocks[t.Block].Params) == 0 {
				continue
			}

			eb := f.NewBlock()
			f.Add(eb, ir.B{To: t})

			npreds = append(npreds, 1)

			if e == 0 {
				bc.Then = ir.Target{Block: eb}
			} else {
				bc.Else = ir.Target{Block: eb}
			}

			tr.V("split_edge").Printw("split critical edge", "from", b, "to", t.Block, "edge", eb)

			split++
		}

		f.Exprs[term] = bc
	}

	if split != 0 {
		tr.Printw("critical edges split", "func", f.Name, "blocks", split)
	}

	ord = rpo(f)

	if ord[0] != f.Entry {
		panic(ord[0])
	}

	return ord, nil
}

func rpo(f *ir.Func) []int {
	seen := make([]bool, len(f.Blocks))
	post := make([]int, 0, len(f.Blocks))

	var walk func(b int)
	walk = func(b int) {
		seen[b] = true

		for _, t := range f.Succs(b) {
			if !seen[t.Block] {
				walk(t.Block)
			}
		}

		post = append(post, b)
	}

	walk(f.Entry)

	ord := make([]int, 0, len(post))

	for i := len(post) - 1; i >= 0; i-- {
		ord = append(ord, post[i])
	}

	return ord
}
