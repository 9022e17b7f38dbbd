package wasm

// CostTableVersion identifies the instruction cost table. Artifacts
// instrumented under a different version are never reused.
const CostTableVersion = 1

// Instruction cost classes, calibrated so that 10^12 gas is about one
// second of execution on the reference host (1 gas ≈ 1 ps).
const (
	CostStructural   = uint64(0)       // block, loop, else, end
	CostBase         = uint64(115)     // const, local/global access, ALU, compare, branch
	CostMul          = uint64(170)     // integer multiplication
	CostDiv          = uint64(460)     // integer division and remainder
	CostLoad         = uint64(185)     // memory loads
	CostStore        = uint64(210)     // memory stores
	CostBrTable      = uint64(230)     // indirect branch
	CostCall         = uint64(720)     // direct call
	CostCallIndirect = uint64(1_050)   // table call
	CostMemoryGrow   = uint64(250_000) // memory.grow, page zeroing included
)

// CostFunc returns the gas charged for executing one instruction.
type CostFunc func(op byte) uint64

// DefaultCost is the calibrated cost table.
func DefaultCost(op byte) uint64 {
	switch {
	case op == OpBlock || op == OpLoop || op == OpElse || op == OpEnd:
		return CostStructural
	case op == OpI32Mul || op == OpI64Mul:
		return CostMul
	case (op >= OpI32DivS && op <= OpI32RemU) || (op >= OpI64DivS && op <= OpI64RemU):
		return CostDiv
	case op >= OpI32Load && op <= 0x35:
		return CostLoad
	case op >= 0x36 && op <= OpI64Store32:
		return CostStore
	case op == OpBrTable:
		return CostBrTable
	case op == OpCall:
		return CostCall
	case op == OpCallIndirect:
		return CostCallIndirect
	case op == OpMemoryGrow:
		return CostMemoryGrow
	}
	return CostBase
}
