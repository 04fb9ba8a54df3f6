package filecmp

import (
	"bytes"
	"encoding/binary"
	"hash"
	"io"
	"sort"

	"github.com/cvsync/cvsync/internal/filescan"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
)

// compareRCS drives the content-aware RCS differ (§4.8). client is the
// reduced RCSSummary FileScan sent (ACCESS/SYMBOLS/LOCKS by value,
// delta/deltatext tables by per-revision hash, §4.8 items 2, 4); server
// is FileCmp's own local parse. The merge runs entirely on the server and
// is emitted as one forward-only directive.
func compareRCS(w io.Writer, d pipeline.Directive, client filescan.RCSSummary, server *rcslib.File, aux []byte, newHash func() hash.Hash) error {
	if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: d.Tag, EntryType: d.EntryType, Name: d.Name, Aux: aux}); err != nil {
		return err
	}
	// RCSBody marks this UPDATE/RCS_ATTIC body as the structured field-diff
	// stream rather than a GENERIC/RDIFF byte body (both reuse tag 0x00/0x02
	// in this position) — the Updater reads this one marker envelope before
	// branching on how to reconstruct the file.
	if err := pipeline.WriteEnvelope(w, pipeline.RCSBody, nil); err != nil {
		return err
	}
	if err := writeField(w, pipeline.Head, server.Admin.Head); err != nil {
		return err
	}
	if err := writeField(w, pipeline.Branch, server.Admin.Branch); err != nil {
		return err
	}
	if err := writeIDListMerge(w, pipeline.Access, client.Access, server.Admin.Access); err != nil {
		return err
	}
	if err := writeSymbolsMerge(w, client.Symbols, server.Admin.Symbols); err != nil {
		return err
	}
	if err := writeLocksMerge(w, client.Locks, client.Strict, server.Admin); err != nil {
		return err
	}
	if err := writeField(w, pipeline.Comment, server.Admin.Comment); err != nil {
		return err
	}
	if err := writeField(w, pipeline.Expand, server.Admin.Expand); err != nil {
		return err
	}
	if err := writeDeltaMerge(w, client.Deltas, server.Deltas, newHash); err != nil {
		return err
	}
	if err := writeField(w, pipeline.Desc, server.Desc); err != nil {
		return err
	}
	if err := writeDeltaTextMerge(w, client.DeltaTexts, server.DeltaTexts, newHash); err != nil {
		return err
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

// writeField emits a simple string-replace field (§4.8: HEAD, BRANCH,
// COMMENT, EXPAND, DESC): {newlen:1, newstr}.
func writeField(w io.Writer, tag pipeline.Tag, value string) error {
	if len(value) > 0xff {
		value = value[:0xff]
	}
	payload := append([]byte{byte(len(value))}, value...)
	return pipeline.WriteEnvelope(w, tag, payload)
}

// writeIDListMerge merges two sorted identifier lists (ACCESS), emitting
// SubAdd for ids only on the server and SubRemove for ids only on the
// client, then an UPDATE_END terminator (§4.8).
func writeIDListMerge(w io.Writer, tag pipeline.Tag, clientIDs, serverIDs []string) error {
	if err := pipeline.WriteEnvelope(w, tag, nil); err != nil {
		return err
	}
	i, j := 0, 0
	for i < len(clientIDs) || j < len(serverIDs) {
		switch {
		case j < len(serverIDs) && (i >= len(clientIDs) || rcslib.CompareID(serverIDs[j], clientIDs[i]) < 0):
			if err := writeIDOp(w, pipeline.SubAdd, serverIDs[j]); err != nil {
				return err
			}
			j++
		case i < len(clientIDs) && (j >= len(serverIDs) || rcslib.CompareID(clientIDs[i], serverIDs[j]) < 0):
			if err := writeIDOp(w, pipeline.SubRemove, clientIDs[i]); err != nil {
				return err
			}
			i++
		default:
			i++
			j++
		}
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

func writeIDOp(w io.Writer, op pipeline.Tag, id string) error {
	if len(id) > 0xff {
		id = id[:0xff]
	}
	payload := append([]byte{byte(len(id))}, id...)
	return pipeline.WriteEnvelope(w, op, payload)
}

// writeSymbolsMerge merges the SYMBOLS list keyed by tag name (§4.8):
// {symlen:1, numlen:1, sym, num}.
func writeSymbolsMerge(w io.Writer, client, server []rcslib.Symbol) error {
	if err := pipeline.WriteEnvelope(w, pipeline.Symbols, nil); err != nil {
		return err
	}
	cs := sortedSymbols(client)
	ss := sortedSymbols(server)
	i, j := 0, 0
	for i < len(cs) || j < len(ss) {
		switch {
		case j < len(ss) && (i >= len(cs) || rcslib.CompareID(ss[j].Name, cs[i].Name) < 0):
			if err := writeSymbolOp(w, pipeline.SubAdd, ss[j]); err != nil {
				return err
			}
			j++
		case i < len(cs) && (j >= len(ss) || rcslib.CompareID(cs[i].Name, ss[j].Name) < 0):
			if err := writeSymbolOp(w, pipeline.SubRemove, cs[i]); err != nil {
				return err
			}
			i++
		default:
			if cs[i].Num != ss[j].Num {
				if err := writeSymbolOp(w, pipeline.SubRemove, cs[i]); err != nil {
					return err
				}
				if err := writeSymbolOp(w, pipeline.SubAdd, ss[j]); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

func sortedSymbols(syms []rcslib.Symbol) []rcslib.Symbol {
	out := make([]rcslib.Symbol, len(syms))
	copy(out, syms)
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareID(out[i].Name, out[j].Name) < 0 })
	return out
}

func writeSymbolOp(w io.Writer, op pipeline.Tag, s rcslib.Symbol) error {
	name, num := truncate255(s.Name), truncate255(s.Num)
	payload := []byte{byte(len(name)), byte(len(num))}
	payload = append(payload, name...)
	payload = append(payload, num...)
	return pipeline.WriteEnvelope(w, op, payload)
}

// writeLocksMerge merges the LOCKS list keyed by id (§4.8), emitting a
// separate LOCKS_STRICT op if the strict flag changed.
func writeLocksMerge(w io.Writer, clientLocks []rcslib.Lock, clientStrict bool, server rcslib.Admin) error {
	if err := pipeline.WriteEnvelope(w, pipeline.Locks, nil); err != nil {
		return err
	}
	cl := sortedLocks(clientLocks)
	sl := sortedLocks(server.Locks)
	i, j := 0, 0
	for i < len(cl) || j < len(sl) {
		switch {
		case j < len(sl) && (i >= len(cl) || rcslib.CompareID(sl[j].ID, cl[i].ID) < 0):
			if err := writeLockOp(w, pipeline.SubAdd, sl[j]); err != nil {
				return err
			}
			j++
		case i < len(cl) && (j >= len(sl) || rcslib.CompareID(cl[i].ID, sl[j].ID) < 0):
			if err := writeLockOp(w, pipeline.SubRemove, cl[i]); err != nil {
				return err
			}
			i++
		default:
			if cl[i].Num != sl[j].Num {
				if err := writeLockOp(w, pipeline.SubRemove, cl[i]); err != nil {
					return err
				}
				if err := writeLockOp(w, pipeline.SubAdd, sl[j]); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	if err := pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil); err != nil {
		return err
	}
	if clientStrict != server.Strict {
		op := pipeline.SubRemove
		if server.Strict {
			op = pipeline.SubAdd
		}
		if err := pipeline.WriteEnvelope(w, pipeline.LocksStrict, []byte{byte(op)}); err != nil {
			return err
		}
	}
	return nil
}

func sortedLocks(locks []rcslib.Lock) []rcslib.Lock {
	out := make([]rcslib.Lock, len(locks))
	copy(out, locks)
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareID(out[i].ID, out[j].ID) < 0 })
	return out
}

func writeLockOp(w io.Writer, op pipeline.Tag, l rcslib.Lock) error {
	id, num := truncate255(l.ID), truncate255(l.Num)
	payload := []byte{byte(len(id)), byte(len(num))}
	payload = append(payload, id...)
	payload = append(payload, num...)
	return pipeline.WriteEnvelope(w, op, payload)
}

// writeDeltaMerge merges the delta tables in revision-number order
// (§4.8 item 2): client carries only {num, hash} pairs FileScan computed
// over its own copy, server is FileCmp's locally parsed table. When a
// hash of the whole sorted table, computed once from the client's pairs
// and once from the server's table, matches, the DELTA envelope holds a
// single 0 byte and the per-revision walk is skipped; no separate table
// hash travels on the wire.
func writeDeltaMerge(w io.Writer, client []filescan.RevHash, server []rcslib.Delta, newHash func() hash.Hash) error {
	cs := sortedRevHashes(client)
	ss := sortedDeltas(server)

	if bytes.Equal(tableHashFromPairs(cs, newHash), tableHashFromDeltas(ss, newHash)) {
		return pipeline.WriteEnvelope(w, pipeline.Delta, []byte{0})
	}

	var body bytes.Buffer
	body.WriteByte(1)
	var count uint32
	var ops bytes.Buffer

	i, j := 0, 0
	for i < len(cs) || j < len(ss) {
		switch {
		case j < len(ss) && (i >= len(cs) || rcslib.CompareRevNum(ss[j].Num, cs[i].Num) < 0):
			if err := writeDeltaOp(&ops, pipeline.SubAdd, ss[j], rcslib.DeltaHash(ss[j], newHash)); err != nil {
				return err
			}
			count++
			j++
		case i < len(cs) && (j >= len(ss) || rcslib.CompareRevNum(cs[i].Num, ss[j].Num) < 0):
			if err := writeDeltaRemove(&ops, cs[i].Num); err != nil {
				return err
			}
			count++
			i++
		default:
			sum := rcslib.DeltaHash(ss[j], newHash)
			if !bytes.Equal(cs[i].Hash, sum) {
				if err := writeDeltaOp(&ops, pipeline.SubUpdate, ss[j], sum); err != nil {
					return err
				}
				count++
			}
			i++
			j++
		}
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], count)
	body.Write(countBuf[:])
	body.Write(ops.Bytes())
	if err := pipeline.WriteEnvelope(w, pipeline.Delta, body.Bytes()); err != nil {
		return err
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

func sortedDeltas(deltas []rcslib.Delta) []rcslib.Delta {
	out := make([]rcslib.Delta, len(deltas))
	copy(out, deltas)
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareRevNum(out[i].Num, out[j].Num) < 0 })
	return out
}

func sortedRevHashes(rhs []filescan.RevHash) []filescan.RevHash {
	out := make([]filescan.RevHash, len(rhs))
	copy(out, rhs)
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareRevNum(out[i].Num, out[j].Num) < 0 })
	return out
}

// tableHashFromPairs hashes an already-hashed {num, hash} table exactly
// as tableHashFromDeltas hashes the table it is compared against, so the
// two fast-path hashes agree when the underlying tables do.
func tableHashFromPairs(rhs []filescan.RevHash, newHash func() hash.Hash) []byte {
	h := newHash()
	for _, rh := range rhs {
		io.WriteString(h, rh.Num)
		h.Write(rh.Hash)
	}
	return h.Sum(nil)
}

func tableHashFromDeltas(deltas []rcslib.Delta, newHash func() hash.Hash) []byte {
	h := newHash()
	for _, d := range deltas {
		io.WriteString(h, d.Num)
		h.Write(rcslib.DeltaHash(d, newHash))
	}
	return h.Sum(nil)
}

func tableHashFromDeltaTexts(dts []rcslib.DeltaText, newHash func() hash.Hash) []byte {
	h := newHash()
	for _, dt := range dts {
		io.WriteString(h, dt.Num)
		h.Write(rcslib.DeltaTextHash(dt, newHash))
	}
	return h.Sum(nil)
}

// writeDeltaOp emits a SubAdd/SubUpdate delta record: {numlen:1, num,
// datelen:1, date, authorlen:1, author, statelen:1, state,
// branchcount:2, [branchlen:1, branch]*, nextlen:1, next, hashlen:1,
// hash} (§4.8) — sum is the same DeltaHash the merge above compared.
func writeDeltaOp(w io.Writer, op pipeline.Tag, d rcslib.Delta, sum []byte) error {
	var buf bytes.Buffer
	writeStr8(&buf, d.Num)
	writeStr8(&buf, d.Date)
	writeStr8(&buf, d.Author)
	writeStr8(&buf, d.State)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(d.Branches)))
	buf.Write(count[:])
	for _, b := range d.Branches {
		writeStr8(&buf, b)
	}
	writeStr8(&buf, d.Next)
	buf.WriteByte(byte(len(sum)))
	buf.Write(sum)
	return pipeline.WriteEnvelope(w, op, buf.Bytes())
}

func writeDeltaRemove(w io.Writer, num string) error {
	var buf bytes.Buffer
	writeStr8(&buf, num)
	return pipeline.WriteEnvelope(w, pipeline.SubRemove, buf.Bytes())
}

// writeDeltaTextMerge merges the deltatext tables (§4.8 item 4), keyed
// and fast-pathed the same way as writeDeltaMerge.
func writeDeltaTextMerge(w io.Writer, client []filescan.RevHash, server []rcslib.DeltaText, newHash func() hash.Hash) error {
	cs := sortedRevHashes(client)
	ss := sortedDeltaTexts(server)

	if bytes.Equal(tableHashFromPairs(cs, newHash), tableHashFromDeltaTexts(ss, newHash)) {
		return pipeline.WriteEnvelope(w, pipeline.DeltaText, []byte{0})
	}

	var body bytes.Buffer
	body.WriteByte(1)
	var count uint32
	var ops bytes.Buffer

	i, j := 0, 0
	for i < len(cs) || j < len(ss) {
		switch {
		case j < len(ss) && (i >= len(cs) || rcslib.CompareRevNum(ss[j].Num, cs[i].Num) < 0):
			if err := writeDeltaTextOp(&ops, pipeline.SubAdd, ss[j], rcslib.DeltaTextHash(ss[j], newHash)); err != nil {
				return err
			}
			count++
			j++
		case i < len(cs) && (j >= len(ss) || rcslib.CompareRevNum(cs[i].Num, ss[j].Num) < 0):
			if err := writeDeltaTextRemove(&ops, cs[i].Num); err != nil {
				return err
			}
			count++
			i++
		default:
			sum := rcslib.DeltaTextHash(ss[j], newHash)
			if !bytes.Equal(cs[i].Hash, sum) {
				if err := writeDeltaTextOp(&ops, pipeline.SubUpdate, ss[j], sum); err != nil {
					return err
				}
				count++
			}
			i++
			j++
		}
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], count)
	body.Write(countBuf[:])
	body.Write(ops.Bytes())
	if err := pipeline.WriteEnvelope(w, pipeline.DeltaText, body.Bytes()); err != nil {
		return err
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

func sortedDeltaTexts(dts []rcslib.DeltaText) []rcslib.DeltaText {
	out := make([]rcslib.DeltaText, len(dts))
	copy(out, dts)
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareRevNum(out[i].Num, out[j].Num) < 0 })
	return out
}

// writeDeltaTextOp emits {numlen:1, num, loglen:4, log, textlen:8, text,
// hashlen:1, hash} (§4.8) — sum is the same DeltaTextHash the merge above
// compared.
func writeDeltaTextOp(w io.Writer, op pipeline.Tag, dt rcslib.DeltaText, sum []byte) error {
	var buf bytes.Buffer
	writeStr8(&buf, dt.Num)
	var logLen [4]byte
	binary.BigEndian.PutUint32(logLen[:], uint32(len(dt.Log)))
	buf.Write(logLen[:])
	buf.WriteString(dt.Log)
	var textLen [8]byte
	binary.BigEndian.PutUint64(textLen[:], uint64(len(dt.Text)))
	buf.Write(textLen[:])
	buf.WriteString(dt.Text)
	buf.WriteByte(byte(len(sum)))
	buf.Write(sum)
	return pipeline.WriteEnvelope(w, op, buf.Bytes())
}

func writeDeltaTextRemove(w io.Writer, num string) error {
	var buf bytes.Buffer
	writeStr8(&buf, num)
	return pipeline.WriteEnvelope(w, pipeline.SubRemove, buf.Bytes())
}

func writeStr8(buf *bytes.Buffer, s string) {
	s = truncate255(s)
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func truncate255(s string) string {
	if len(s) > 0xff {
		return s[:0xff]
	}
	return s
}
