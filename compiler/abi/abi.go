// Package abi computes calling-convention argument and result locations
// and stack frame geometry.
//
// Up to 8 word arguments go to a0-a7, the rest to the stack at 4-byte
// stride from offset 0 of the call's outgoing area. The first two results
// go to a0-a1; further results are written through a caller-allocated
// return area whose address is passed in the hidden first argument
// register, shifting explicit arguments by one.
package abi

import (
	"github.com/slowlang/riscback/compiler/ir"
	"github.com/slowlang/riscback/compiler/rv32"
)

type (
	// Loc is an argument or result location: a register or a byte
	// offset into the relevant stack area.
	Loc struct {
		Reg   rv32.Reg
		Off   int32
		Stack bool
	}

	// Info is the location assignment for one signature.
	// Immutable once computed.
	Info struct {
		Params  []Loc
		Results []Loc

		HiddenRet bool  // return-area pointer passed in ArgRegs[0]
		RetArea   int32 // bytes of caller-allocated return area
		StackArgs int32 // bytes of stack-passed arguments
	}

	// FrameLayout is the stack frame geometry of one function.
	// All fields are word-aligned, Total is 16-byte aligned.
	// Immutable once computed.
	//
	// Frame, from the stack pointer up:
	//
	//	[0, Outgoing)            outgoing args and return areas
	//	[Outgoing, +Fixed)       spill slots
	//	[.., +Clobber)           saved callee-saved registers
	//	padding to align
	//	[Total-8, Total)         setup: saved FP, saved RA
	//	[Total, ...)             incoming stack args (caller's frame)
	Frame struct {
		Setup    int32
		Clobber  int32
		Fixed    int32
		Outgoing int32
		Incoming int32

		Saved []rv32.Reg // clobbered callee-saved regs, slot order
	}
)

const setupSize = 8

// ComputeInfo assigns locations for a signature. Purely positional.
func ComputeInfo(sig ir.Sig) (info Info) {
	info.HiddenRet = sig.Results > len(rv32.RetRegs)

	shift := 0
	if info.HiddenRet {
		info.RetArea = int32(sig.Results-len(rv32.RetRegs)) * rv32.WordSize
		shift = 1
	}

	info.Params = make([]Loc, sig.Params)

	for i := range info.Params {
		pos := i + shift

		if pos < len(rv32.ArgRegs) {
			info.Params[i] = Loc{Reg: rv32.ArgRegs[pos]}
			continue
		}

		off := int32(pos-len(rv32.ArgRegs)) * rv32.WordSize

		info.Params[i] = Loc{Reg: rv32.None, Off: off, Stack: true}

		if off+rv32.WordSize > info.StackArgs {
			info.StackArgs = off + rv32.WordSize
		}
	}

	info.Results = make([]Loc, sig.Results)

	for i := range info.Results {
		if i < len(rv32.RetRegs) {
			info.Results[i] = Loc{Reg: rv32.RetRegs[i]}
			continue
		}

		off := int32(i-len(rv32.RetRegs)) * rv32.WordSize

		info.Results[i] = Loc{Reg: rv32.None, Off: off, Stack: true}
	}

	return info
}

// CallFootprint is the outgoing-area footprint of one call site:
// stack arguments plus return area.
func CallFootprint(sig ir.Sig) int32 {
	info := ComputeInfo(sig)

	return info.StackArgs + info.RetArea
}

// ComputeFrame lays out the frame of a function with the given
// clobbered callee-saved set, spill slot count and outgoing-area size.
func ComputeFrame(info Info, clobbered rv32.RegSet, spillSlots int, outgoing int32) Frame {
	f := Frame{
		Setup:    setupSize,
		Clobber:  int32(clobbered.Size()) * rv32.WordSize,
		Fixed:    int32(spillSlots) * rv32.WordSize,
		Outgoing: outgoing,
		Incoming: info.StackArgs,
	}

	clobbered.Range(func(r rv32.Reg) bool {
		f.Saved = append(f.Saved, r)

		return true
	})

	return f
}

// Total is the full frame size, 16-byte aligned.
func (f Frame) Total() int32 {
	return (f.Setup + f.Clobber + f.Fixed + f.Outgoing + 15) &^ 15
}

// FPOff is the sp-relative offset of the saved frame pointer
// (setup area offset 0).
func (f Frame) FPOff() int32 { return f.Total() - 8 }

// RAOff is the sp-relative offset of the saved return address
// (setup area offset 4).
func (f Frame) RAOff() int32 { return f.Total() - 4 }

// SpillOff is the sp-relative offset of spill slot i.
func (f Frame) SpillOff(i int) int32 {
	return f.Outgoing + int32(i)*rv32.WordSize
}

// ClobberOff is the sp-relative offset of clobber slot i.
func (f Frame) ClobberOff(i int) int32 {
	return f.Outgoing + f.Fixed + int32(i)*rv32.WordSize
}

// IncomingOff is the sp-relative offset of incoming stack argument
// at area offset off, valid after the prologue.
func (f Frame) IncomingOff(off int32) int32 {
	return f.Total() + off
}
