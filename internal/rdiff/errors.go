package rdiff

import "fmt"

func errBadCopyRange(in Instruction) error {
	return fmt.Errorf("rdiff: COPY range [%d,%d) out of bounds", in.Position, in.Position+in.Length)
}

func errUnknownOp(op Op) error {
	return fmt.Errorf("rdiff: unknown instruction opcode %#x", byte(op))
}
