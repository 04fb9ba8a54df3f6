// Package rdiff implements the rolling-hash delta matcher described in
// §4.6/§4.7: block signatures computed over a client's local file, and a
// server-side matcher that turns those signatures plus the server's copy
// of the file into a COPY/DATA/EOF instruction stream.
package rdiff

import (
	"bytes"
	"hash"

	"github.com/cvsync/cvsync/internal/cvhash"
)

const (
	minBlockSize = 512
	maxBlockSize = 65536
	blockRatio   = 128
)

// BlockSize computes bsize per §4.6: the smallest power of two such that
// filesize/bsize <= 128, clamped to [512, 65536].
func BlockSize(filesize int64) int {
	if filesize <= 0 {
		return minBlockSize
	}
	need := (filesize + blockRatio - 1) / blockRatio
	p := int64(1)
	for p < need {
		p <<= 1
	}
	if p < minBlockSize {
		p = minBlockSize
	}
	if p > maxBlockSize {
		p = maxBlockSize
	}
	return int(p)
}

// Signature is one block's weak+strong checksum pair, computed over the
// client's local file (§4.6).
type Signature struct {
	Offset int64
	Length int
	Weak   uint32
	Strong []byte
}

// Signatures splits data into bsize blocks (the last may be short) and
// computes a Signature for each using newHash as the negotiated strong
// checksum.
func Signatures(data []byte, bsize int, newHash func() hash.Hash) []Signature {
	if bsize <= 0 {
		bsize = minBlockSize
	}
	var sigs []Signature
	for off := 0; off < len(data); off += bsize {
		end := off + bsize
		if end > len(data) {
			end = len(data)
		}
		block := data[off:end]
		h := newHash()
		h.Write(block)
		sigs = append(sigs, Signature{
			Offset: int64(off),
			Length: len(block),
			Weak:   cvhash.NewWeak(block).Value(),
			Strong: h.Sum(nil),
		})
	}
	return sigs
}

// Op identifies an rdiff instruction (§4.7 wire encoding).
type Op byte

const (
	OpEOF  Op = 0x00
	OpCopy Op = 0x01
	OpData Op = 0x02
)

// Instruction is one COPY/DATA/EOF step of a reconstruction stream. COPY's
// Position refers to an offset in the client's basis file, not the server
// file FileCmp is walking.
type Instruction struct {
	Op       Op
	Position int64
	Length   int64
	Payload  []byte
}

// Match walks server (the file FileCmp is comparing against) with a
// sliding bsize window, matches it against sigs (computed over the
// client's local file), and returns the COPY/DATA/EOF instruction stream
// plus the whole-file strong hash of server (§4.7). The concatenation of
// every COPY/DATA instruction's bytes equals server exactly.
func Match(server []byte, sigs []Signature, bsize int, newHash func() hash.Hash) ([]Instruction, []byte) {
	byWeak := make(map[uint32][]Signature, len(sigs))
	for _, s := range sigs {
		byWeak[s.Weak] = append(byWeak[s.Weak], s)
	}

	whole := newHash()
	whole.Write(server)
	wholeHash := whole.Sum(nil)

	var instrs []Instruction
	var dataBuf []byte
	var pendingCopy *Instruction

	flushData := func() {
		if len(dataBuf) > 0 {
			instrs = append(instrs, Instruction{Op: OpData, Payload: dataBuf})
			dataBuf = nil
		}
	}
	flushCopy := func() {
		if pendingCopy != nil {
			instrs = append(instrs, *pendingCopy)
			pendingCopy = nil
		}
	}

	n := len(server)
	i := 0
	var w cvhash.Weak
	haveWindow := false
	winLen := 0

	for i < n {
		remaining := n - i
		want := bsize
		if remaining < bsize {
			want = remaining
		}
		if !haveWindow || winLen != want {
			w = cvhash.NewWeak(server[i : i+want])
			winLen = want
			haveWindow = true
		}

		var matched *Signature
		for _, cand := range byWeak[w.Value()] {
			if cand.Length != winLen {
				continue
			}
			h := newHash()
			h.Write(server[i : i+winLen])
			if bytes.Equal(h.Sum(nil), cand.Strong) {
				c := cand
				matched = &c
				break
			}
		}

		if matched != nil {
			flushData()
			if pendingCopy != nil && pendingCopy.Position+pendingCopy.Length == matched.Offset {
				pendingCopy.Length += int64(winLen)
			} else {
				flushCopy()
				pendingCopy = &Instruction{Op: OpCopy, Position: matched.Offset, Length: int64(winLen)}
			}
			i += winLen
			haveWindow = false
			continue
		}

		flushCopy()
		dataBuf = append(dataBuf, server[i])
		if winLen == bsize && i+bsize < n {
			w = w.Roll(server[i], server[i+bsize])
		} else {
			haveWindow = false
		}
		i++
	}
	flushCopy()
	flushData()
	instrs = append(instrs, Instruction{Op: OpEOF})
	return instrs, wholeHash
}

// Apply replays instrs against basis (the client's local file) and returns
// the reconstructed bytes. It is the client-side counterpart to Match.
func Apply(basis []byte, instrs []Instruction) ([]byte, error) {
	var out []byte
	for _, in := range instrs {
		switch in.Op {
		case OpCopy:
			end := in.Position + in.Length
			if in.Position < 0 || end > int64(len(basis)) {
				return nil, errBadCopyRange(in)
			}
			out = append(out, basis[in.Position:end]...)
		case OpData:
			out = append(out, in.Payload...)
		case OpEOF:
			return out, nil
		default:
			return nil, errUnknownOp(in.Op)
		}
	}
	return out, nil
}
