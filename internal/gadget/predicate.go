package gadget

import "ropscan/internal/disasm"

// Predicate selects micro-operations.
type Predicate func(disasm.MicroOp) bool

// TouchesMemory matches loads and stores.
func TouchesMemory(op disasm.MicroOp) bool {
	return op.Opcode == disasm.OpLoad || op.Opcode == disasm.OpStore
}

// IsReturn matches return effects.
func IsReturn(op disasm.MicroOp) bool {
	return op.Opcode == disasm.OpReturn
}

// IsControlTransfer matches every branch, call and return.
func IsControlTransfer(op disasm.MicroOp) bool {
	return op.Opcode.IsBranch()
}

// IsIndirectBranch matches jumps and calls through a register or memory.
func IsIndirectBranch(op disasm.MicroOp) bool {
	return op.Opcode == disasm.OpBranchInd || op.Opcode == disasm.OpCallInd
}

// Any matches when at least one of preds does.
func Any(preds ...Predicate) Predicate {
	return func(op disasm.MicroOp) bool {
		for _, p := range preds {
			if p(op) {
				return true
			}
		}
		return false
	}
}
