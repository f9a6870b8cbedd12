package rv32

type (
	// Op is an RV32IM opcode.
	Op int8

	fmt int8

	encoding struct {
		fmt    fmt
		opcode uint32
		f3     uint32
		f7     uint32
	}
)

const (
	NOP Op = iota

	ADD
	SUB
	MUL
	DIV
	REM
	AND
	OR
	XOR
	SLL
	SRL
	SRA
	SLT
	SLTU

	ADDI
	ANDI
	ORI
	XORI
	SLTI
	SLTIU
	SLLI
	SRLI
	SRAI

	LUI
	AUIPC

	LW
	SW

	JAL
	JALR

	BEQ
	BNE
	BLT
	BGE
	BLTU
	BGEU

	numOps
)

const (
	fmtR fmt = iota
	fmtI
	fmtS
	fmtB
	fmtU
	fmtJ
)

var enc = [numOps]encoding{
	ADD:  {fmtR, 0b0110011, 0b000, 0},
	SUB:  {fmtR, 0b0110011, 0b000, 0b0100000},
	MUL:  {fmtR, 0b0110011, 0b000, 0b0000001},
	DIV:  {fmtR, 0b0110011, 0b100, 0b0000001},
	REM:  {fmtR, 0b0110011, 0b110, 0b0000001},
	AND:  {fmtR, 0b0110011, 0b111, 0},
	OR:   {fmtR, 0b0110011, 0b110, 0},
	XOR:  {fmtR, 0b0110011, 0b100, 0},
	SLL:  {fmtR, 0b0110011, 0b001, 0},
	SRL:  {fmtR, 0b0110011, 0b101, 0},
	SRA:  {fmtR, 0b0110011, 0b101, 0b0100000},
	SLT:  {fmtR, 0b0110011, 0b010, 0},
	SLTU: {fmtR, 0b0110011, 0b011, 0},

	ADDI:  {fmtI, 0b0010011, 0b000, 0},
	ANDI:  {fmtI, 0b0010011, 0b111, 0},
	ORI:   {fmtI, 0b0010011, 0b110, 0},
	XORI:  {fmtI, 0b0010011, 0b100, 0},
	SLTI:  {fmtI, 0b0010011, 0b010, 0},
	SLTIU: {fmtI, 0b0010011, 0b011, 0},
	SLLI:  {fmtI, 0b0010011, 0b001, 0},
	SRLI:  {fmtI, 0b0010011, 0b101, 0},
	SRAI:  {fmtI, 0b0010011, 0b101, 0b0100000},

	LUI:   {fmtU, 0b0110111, 0, 0},
	AUIPC: {fmtU, 0b0010111, 0, 0},

	LW: {fmtI, 0b0000011, 0b010, 0},
	SW: {fmtS, 0b0100011, 0b010, 0},

	JAL:  {fmtJ, 0b1101111, 0, 0},
	JALR: {fmtI, 0b1100111, 0b000, 0},

	BEQ:  {fmtB, 0b1100011, 0b000, 0},
	BNE:  {fmtB, 0b1100011, 0b001, 0},
	BLT:  {fmtB, 0b1100011, 0b100, 0},
	BGE:  {fmtB, 0b1100011, 0b101, 0},
	BLTU: {fmtB, 0b1100011, 0b110, 0},
	BGEU: {fmtB, 0b1100011, 0b111, 0},
}

var opname = [numOps]string{
	NOP: "nop",

	ADD: "add", SUB: "sub", MUL: "mul", DIV: "div", REM: "rem",
	AND: "and", OR: "or", XOR: "xor",
	SLL: "sll", SRL: "srl", SRA: "sra",
	SLT: "slt", SLTU: "sltu",

	ADDI: "addi", ANDI: "andi", ORI: "ori", XORI: "xori",
	SLTI: "slti", SLTIU: "sltiu",
	SLLI: "slli", SRLI: "srli", SRAI: "srai",

	LUI: "lui", AUIPC: "auipc",

	LW: "lw", SW: "sw",

	JAL: "jal", JALR: "jalr",

	BEQ: "beq", BNE: "bne", BLT: "blt", BGE: "bge", BLTU: "bltu", BGEU: "bgeu",
}

func (op Op) String() string {
	if op < 0 || op >= numOps {
		return "op?"
	}

	return opname[op]
}

// IsBranch reports whether op is a conditional branch (B format).
func (op Op) IsBranch() bool {
	return op >= BEQ && op <= BGEU
}

// Invert returns the branch with the opposite condition.
func (op Op) Invert() Op {
	switch op {
	case BEQ:
		return BNE
	case BNE:
		return BEQ
	case BLT:
		return BGE
	case BGE:
		return BLT
	case BLTU:
		return BGEU
	case BGEU:
		return BLTU
	default:
		panic(op)
	}
}
