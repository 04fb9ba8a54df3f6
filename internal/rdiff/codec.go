package rdiff

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteInstruction serializes one instruction to w per §4.7: EOF=0x00,
// COPY=0x01 position:8 length:4, DATA=0x02 length:4 payload[length].
func WriteInstruction(w io.Writer, in Instruction) error {
	switch in.Op {
	case OpEOF:
		_, err := w.Write([]byte{byte(OpEOF)})
		return err
	case OpCopy:
		var hdr [13]byte
		hdr[0] = byte(OpCopy)
		binary.BigEndian.PutUint64(hdr[1:9], uint64(in.Position))
		binary.BigEndian.PutUint32(hdr[9:13], uint32(in.Length))
		_, err := w.Write(hdr[:])
		return err
	case OpData:
		var hdr [5]byte
		hdr[0] = byte(OpData)
		binary.BigEndian.PutUint32(hdr[1:5], uint32(len(in.Payload)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		_, err := w.Write(in.Payload)
		return err
	default:
		return errUnknownOp(in.Op)
	}
}

// ReadInstruction reads one instruction from r.
func ReadInstruction(r io.Reader) (Instruction, error) {
	var opByte [1]byte
	if _, err := io.ReadFull(r, opByte[:]); err != nil {
		return Instruction{}, err
	}
	switch Op(opByte[0]) {
	case OpEOF:
		return Instruction{Op: OpEOF}, nil
	case OpCopy:
		var body [12]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Instruction{}, err
		}
		pos := int64(binary.BigEndian.Uint64(body[0:8]))
		length := int64(binary.BigEndian.Uint32(body[8:12]))
		return Instruction{Op: OpCopy, Position: pos, Length: length}, nil
	case OpData:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Instruction{}, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpData, Payload: payload}, nil
	default:
		return Instruction{}, fmt.Errorf("rdiff: unknown instruction opcode %#x", opByte[0])
	}
}

// WriteAll writes a full instruction stream (expected to end with an EOF
// instruction).
func WriteAll(w io.Writer, instrs []Instruction) error {
	for _, in := range instrs {
		if err := WriteInstruction(w, in); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll reads instructions from r until and including an EOF
// instruction.
func ReadAll(r io.Reader) ([]Instruction, error) {
	var instrs []Instruction
	for {
		in, err := ReadInstruction(r)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, in)
		if in.Op == OpEOF {
			return instrs, nil
		}
	}
}
