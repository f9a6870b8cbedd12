// Package ir is the verified SSA input form of the backend.
//
// Values, instructions and blocks are opaque int handles into dense
// per-function arrays, so cyclic control flow is plain index references.
// Each Expr is defined exactly once; block parameters stand in for phis
// and branch targets carry the arguments for the destination's params.
//
// The backend assumes the function already passed structural, dominance
// and type verification and does not re-validate it.
package ir

import "tlog.app/go/tlog/tlwire"

type (
	// Expr is a handle of a value or instruction in Func.Exprs.
	Expr int32

	// Cond is a comparison condition.
	Cond string

	// Sig describes a function signature. All values are i32 words.
	Sig struct {
		Params  int
		Results int
	}

	Package struct {
		Path string

		Funcs []*Func
	}

	Func struct {
		Name string
		Sig  Sig

		Entry  int
		Blocks []Block

		Exprs []any
	}

	// Block is a basic block. Params are phi-like block parameters,
	// the last expr of Code is the terminator.
	Block struct {
		Params []Expr
		Code   []Expr
	}

	// Target is a branch edge: destination block and arguments
	// matching the destination's Params.
	Target struct {
		Block int
		Args  []Expr
	}

	// BlockParam is the defining expr of a block parameter.
	// Entry block params are the function arguments.
	BlockParam struct {
		Index int
	}

	Imm int64

	Add struct{ L, R Expr }
	Sub struct{ L, R Expr }
	Mul struct{ L, R Expr }
	Div struct{ L, R Expr }
	Mod struct{ L, R Expr }

	And struct{ L, R Expr }
	Or  struct{ L, R Expr }
	Xor struct{ L, R Expr }
	Shl struct{ L, R Expr }
	Shr struct{ L, R Expr }

	Cmp struct {
		Cond Cond
		L, R Expr
	}

	// Call calls a function by symbol name. The Call expr itself is
	// result 0; results 1..N-1 are read through CallOut exprs.
	Call struct {
		Func string
		Sig  Sig
		In   []Expr
	}

	// CallOut is result Index (>= 1) of a preceding Call.
	CallOut struct {
		Call  Expr
		Index int
	}

	// B is an unconditional branch terminator.
	B struct {
		To Target
	}

	// BCond is a two-target conditional branch terminator.
	// Then is taken when Expr is nonzero.
	BCond struct {
		Expr Expr
		Then Target
		Else Target
	}

	// Ret is the return terminator.
	Ret struct {
		In []Expr
	}
)

const (
	Nil Expr = -1
)

const (
	EQ Cond = "=="
	NE Cond = "!="
	LT Cond = "<"
	LE Cond = "<="
	GT Cond = ">"
	GE Cond = ">="
)

// Alloc adds an expr to the function arena and returns its handle.
func (f *Func) Alloc(x any) Expr {
	id := Expr(len(f.Exprs))
	f.Exprs = append(f.Exprs, x)

	return id
}

// NewBlock appends an empty block and returns its index.
func (f *Func) NewBlock() int {
	f.Blocks = append(f.Blocks, Block{})

	return len(f.Blocks) - 1
}

// AddParam defines a new parameter of block b.
func (f *Func) AddParam(b int) Expr {
	id := f.Alloc(BlockParam{Index: len(f.Blocks[b].Params)})
	f.Blocks[b].Params = append(f.Blocks[b].Params, id)

	return id
}

// Add allocates x and appends it to block b's code.
func (f *Func) Add(b int, x any) Expr {
	id := f.Alloc(x)
	f.Blocks[b].Code = append(f.Blocks[b].Code, id)

	return id
}

// Terminator returns the terminator expr of block b.
func (f *Func) Terminator(b int) Expr {
	code := f.Blocks[b].Code
	if len(code) == 0 {
		return Nil
	}

	return code[len(code)-1]
}

// Succs returns the successor edges of block b.
func (f *Func) Succs(b int) []Target {
	switch x := f.Exprs[f.Terminator(b)].(type) {
	case B:
		return []Target{x.To}
	case BCond:
		return []Target{x.Then, x.Else}
	case Ret:
		return nil
	default:
		panic(x)
	}
}

// Invert returns the condition matching the swapped outcome.
func (c Cond) Invert() Cond {
	switch c {
	case EQ:
		return NE
	case NE:
		return EQ
	case LT:
		return GE
	case GE:
		return LT
	case LE:
		return GT
	case GT:
		return LE
	default:
		panic(c)
	}
}

func (t Target) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt(b, "block", t.Block)
	b = e.AppendKeyInt(b, "args", len(t.Args))

	return b
}
