package updater

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
)

// applyRCSDiff reads the structured field-diff stream a compareRCS-style
// writer produces (§4.8) and reconstructs the updated *rcslib.File from
// basis, the client's own parsed local copy. It stops just before the
// body's final UPDATE_END, which the caller consumes. Each ADD/UPDATE
// delta and deltatext record carries the sender's hash over its own
// fields; newHash recomputes it locally so a corrupted record is caught
// before being written to disk (§4.8: "validating incremental hashes
// along the way").
func applyRCSDiff(r io.Reader, basis *rcslib.File, newHash func() hash.Hash) (*rcslib.File, error) {
	result := &rcslib.File{Admin: basis.Admin}

	tag, head, err := readField(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Head {
		return nil, fmt.Errorf("updater: expected HEAD, got tag %#x", byte(tag))
	}
	result.Admin.Head = head

	tag, branch, err := readField(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Branch {
		return nil, fmt.Errorf("updater: expected BRANCH, got tag %#x", byte(tag))
	}
	result.Admin.Branch = branch

	tag, _, err = pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Access {
		return nil, fmt.Errorf("updater: expected ACCESS, got tag %#x", byte(tag))
	}
	access, err := readIDSetMerge(r, basis.Admin.Access)
	if err != nil {
		return nil, err
	}
	result.Admin.Access = access

	tag, _, err = pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Symbols {
		return nil, fmt.Errorf("updater: expected SYMBOLS, got tag %#x", byte(tag))
	}
	symbols, err := readSymbolsMerge(r, basis.Admin.Symbols)
	if err != nil {
		return nil, err
	}
	result.Admin.Symbols = symbols

	tag, _, err = pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Locks {
		return nil, fmt.Errorf("updater: expected LOCKS, got tag %#x", byte(tag))
	}
	locks, err := readLocksMerge(r, basis.Admin.Locks)
	if err != nil {
		return nil, err
	}
	result.Admin.Locks = locks
	result.Admin.Strict = basis.Admin.Strict

	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag == pipeline.LocksStrict {
		if len(payload) < 1 {
			return nil, fmt.Errorf("updater: truncated LOCKS_STRICT")
		}
		result.Admin.Strict = pipeline.Tag(payload[0]) == pipeline.SubAdd
		tag, payload, err = pipeline.ReadEnvelope(r)
		if err != nil {
			return nil, err
		}
	}
	if tag != pipeline.Comment {
		return nil, fmt.Errorf("updater: expected COMMENT, got tag %#x", byte(tag))
	}
	comment, err := decodeField(payload)
	if err != nil {
		return nil, err
	}
	result.Admin.Comment = comment

	tag, expand, err := readField(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Expand {
		return nil, fmt.Errorf("updater: expected EXPAND, got tag %#x", byte(tag))
	}
	result.Admin.Expand = expand

	deltas, err := readDeltaMerge(r, basis.Deltas, newHash)
	if err != nil {
		return nil, err
	}
	result.Deltas = deltas

	tag, desc, err := readField(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Desc {
		return nil, fmt.Errorf("updater: expected DESC, got tag %#x", byte(tag))
	}
	result.Desc = desc

	deltaTexts, err := readDeltaTextMerge(r, basis.DeltaTexts, newHash)
	if err != nil {
		return nil, err
	}
	result.DeltaTexts = deltaTexts

	return result, nil
}

func readField(r io.Reader) (pipeline.Tag, string, error) {
	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return 0, "", err
	}
	s, err := decodeField(payload)
	return tag, s, err
}

func decodeField(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", fmt.Errorf("updater: truncated RCS field")
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return "", fmt.Errorf("updater: truncated RCS field value")
	}
	return string(payload[1 : 1+n]), nil
}

func readStr8(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("updater: truncated length-prefixed string")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("updater: truncated string value")
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// readIDSetMerge consumes SubAdd/SubRemove ops (ACCESS, §4.8) until
// UPDATE_END and returns the resulting sorted id list.
func readIDSetMerge(r io.Reader, base []string) ([]string, error) {
	set := make(map[string]struct{}, len(base))
	for _, id := range base {
		set[id] = struct{}{}
	}
	for {
		tag, payload, err := pipeline.ReadEnvelope(r)
		if err != nil {
			return nil, err
		}
		if tag == pipeline.UpdateEnd {
			break
		}
		id, _, err := readStr8(payload)
		if err != nil {
			return nil, err
		}
		switch tag {
		case pipeline.SubAdd:
			set[id] = struct{}{}
		case pipeline.SubRemove:
			delete(set, id)
		default:
			return nil, fmt.Errorf("updater: unexpected id-merge op tag %#x", byte(tag))
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareID(out[i], out[j]) < 0 })
	return out, nil
}

func readSymbolsMerge(r io.Reader, base []rcslib.Symbol) ([]rcslib.Symbol, error) {
	m := make(map[string]string, len(base))
	for _, s := range base {
		m[s.Name] = s.Num
	}
	for {
		tag, payload, err := pipeline.ReadEnvelope(r)
		if err != nil {
			return nil, err
		}
		if tag == pipeline.UpdateEnd {
			break
		}
		if len(payload) < 2 {
			return nil, fmt.Errorf("updater: truncated symbol op")
		}
		nameLen, numLen := int(payload[0]), int(payload[1])
		rest := payload[2:]
		if len(rest) < nameLen+numLen {
			return nil, fmt.Errorf("updater: truncated symbol op fields")
		}
		name := string(rest[:nameLen])
		num := string(rest[nameLen : nameLen+numLen])
		switch tag {
		case pipeline.SubAdd:
			m[name] = num
		case pipeline.SubRemove:
			delete(m, name)
		default:
			return nil, fmt.Errorf("updater: unexpected symbol-merge op tag %#x", byte(tag))
		}
	}
	out := make([]rcslib.Symbol, 0, len(m))
	for name, num := range m {
		out = append(out, rcslib.Symbol{Name: name, Num: num})
	}
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareID(out[i].Name, out[j].Name) < 0 })
	return out, nil
}

func readLocksMerge(r io.Reader, base []rcslib.Lock) ([]rcslib.Lock, error) {
	m := make(map[string]string, len(base))
	for _, l := range base {
		m[l.ID] = l.Num
	}
	for {
		tag, payload, err := pipeline.ReadEnvelope(r)
		if err != nil {
			return nil, err
		}
		if tag == pipeline.UpdateEnd {
			break
		}
		if len(payload) < 2 {
			return nil, fmt.Errorf("updater: truncated lock op")
		}
		idLen, numLen := int(payload[0]), int(payload[1])
		rest := payload[2:]
		if len(rest) < idLen+numLen {
			return nil, fmt.Errorf("updater: truncated lock op fields")
		}
		id := string(rest[:idLen])
		num := string(rest[idLen : idLen+numLen])
		switch tag {
		case pipeline.SubAdd:
			m[id] = num
		case pipeline.SubRemove:
			delete(m, id)
		default:
			return nil, fmt.Errorf("updater: unexpected lock-merge op tag %#x", byte(tag))
		}
	}
	out := make([]rcslib.Lock, 0, len(m))
	for id, num := range m {
		out = append(out, rcslib.Lock{ID: id, Num: num})
	}
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareID(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

// readDeltaMerge reads the DELTA envelope (§4.8 item 2): payload[0]==0
// means the full-table hash matched and base is already current;
// payload[0]==1 carries a count and that many SubAdd/SubRemove/SubUpdate
// ops, each itself framed as a nested envelope within the payload, with a
// trailing real UPDATE_END on the stream.
func readDeltaMerge(r io.Reader, base []rcslib.Delta, newHash func() hash.Hash) ([]rcslib.Delta, error) {
	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.Delta {
		return nil, fmt.Errorf("updater: expected DELTA, got tag %#x", byte(tag))
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("updater: truncated DELTA body")
	}
	if payload[0] == 0 {
		return base, nil
	}
	if len(payload) < 5 {
		return nil, fmt.Errorf("updater: truncated DELTA count")
	}
	count := binary.BigEndian.Uint32(payload[1:5])
	ops := bytes.NewReader(payload[5:])

	byNum := make(map[string]rcslib.Delta, len(base))
	for _, d := range base {
		byNum[d.Num] = d
	}
	for i := uint32(0); i < count; i++ {
		opTag, opPayload, err := pipeline.ReadEnvelope(ops)
		if err != nil {
			return nil, err
		}
		switch opTag {
		case pipeline.SubRemove:
			num, _, err := readStr8(opPayload)
			if err != nil {
				return nil, err
			}
			delete(byNum, num)
		case pipeline.SubAdd, pipeline.SubUpdate:
			d, sum, err := decodeDeltaOp(opPayload)
			if err != nil {
				return nil, err
			}
			if got := rcslib.DeltaHash(d, newHash); !bytes.Equal(got, sum) {
				return nil, fmt.Errorf("updater: DELTA %s hash mismatch", d.Num)
			}
			byNum[d.Num] = d
		default:
			return nil, fmt.Errorf("updater: unexpected delta-merge op tag %#x", byte(opTag))
		}
	}
	if err := expectUpdateEnd(r); err != nil {
		return nil, err
	}

	out := make([]rcslib.Delta, 0, len(byNum))
	for _, d := range byNum {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareRevNum(out[i].Num, out[j].Num) < 0 })
	return out, nil
}

func decodeDeltaOp(b []byte) (rcslib.Delta, []byte, error) {
	var d rcslib.Delta
	var err error
	d.Num, b, err = readStr8(b)
	if err != nil {
		return d, nil, err
	}
	d.Date, b, err = readStr8(b)
	if err != nil {
		return d, nil, err
	}
	d.Author, b, err = readStr8(b)
	if err != nil {
		return d, nil, err
	}
	d.State, b, err = readStr8(b)
	if err != nil {
		return d, nil, err
	}
	if len(b) < 2 {
		return d, nil, fmt.Errorf("updater: truncated delta branch count")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	d.Branches = make([]string, 0, n)
	for i := 0; i < n; i++ {
		var br string
		br, b, err = readStr8(b)
		if err != nil {
			return d, nil, err
		}
		d.Branches = append(d.Branches, br)
	}
	d.Next, b, err = readStr8(b)
	if err != nil {
		return d, nil, err
	}
	sum, _, err := readStr8Bytes(b)
	if err != nil {
		return d, nil, err
	}
	return d, sum, nil
}

// readStr8Bytes is readStr8 without the string conversion, for trailing
// length-prefixed hash fields.
func readStr8Bytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("updater: truncated length-prefixed bytes")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, nil, fmt.Errorf("updater: truncated bytes value")
	}
	return b[1 : 1+n], b[1+n:], nil
}

func readDeltaTextMerge(r io.Reader, base []rcslib.DeltaText, newHash func() hash.Hash) ([]rcslib.DeltaText, error) {
	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	if tag != pipeline.DeltaText {
		return nil, fmt.Errorf("updater: expected DELTATEXT, got tag %#x", byte(tag))
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("updater: truncated DELTATEXT body")
	}
	if payload[0] == 0 {
		return base, nil
	}
	if len(payload) < 5 {
		return nil, fmt.Errorf("updater: truncated DELTATEXT count")
	}
	count := binary.BigEndian.Uint32(payload[1:5])
	ops := bytes.NewReader(payload[5:])

	byNum := make(map[string]rcslib.DeltaText, len(base))
	for _, dt := range base {
		byNum[dt.Num] = dt
	}
	for i := uint32(0); i < count; i++ {
		opTag, opPayload, err := pipeline.ReadEnvelope(ops)
		if err != nil {
			return nil, err
		}
		switch opTag {
		case pipeline.SubRemove:
			num, _, err := readStr8(opPayload)
			if err != nil {
				return nil, err
			}
			delete(byNum, num)
		case pipeline.SubAdd, pipeline.SubUpdate:
			dt, sum, err := decodeDeltaTextOp(opPayload)
			if err != nil {
				return nil, err
			}
			if got := rcslib.DeltaTextHash(dt, newHash); !bytes.Equal(got, sum) {
				return nil, fmt.Errorf("updater: DELTATEXT %s hash mismatch", dt.Num)
			}
			byNum[dt.Num] = dt
		default:
			return nil, fmt.Errorf("updater: unexpected deltatext-merge op tag %#x", byte(opTag))
		}
	}
	if err := expectUpdateEnd(r); err != nil {
		return nil, err
	}

	out := make([]rcslib.DeltaText, 0, len(byNum))
	for _, dt := range byNum {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return rcslib.CompareRevNum(out[i].Num, out[j].Num) < 0 })
	return out, nil
}

func decodeDeltaTextOp(b []byte) (rcslib.DeltaText, []byte, error) {
	var dt rcslib.DeltaText
	var err error
	dt.Num, b, err = readStr8(b)
	if err != nil {
		return dt, nil, err
	}
	if len(b) < 4 {
		return dt, nil, fmt.Errorf("updater: truncated deltatext log length")
	}
	logLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < logLen {
		return dt, nil, fmt.Errorf("updater: truncated deltatext log")
	}
	dt.Log = string(b[:logLen])
	b = b[logLen:]
	if len(b) < 8 {
		return dt, nil, fmt.Errorf("updater: truncated deltatext text length")
	}
	textLen := binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	if uint64(len(b)) < textLen {
		return dt, nil, fmt.Errorf("updater: truncated deltatext text")
	}
	dt.Text = string(b[:textLen])
	b = b[textLen:]
	sum, _, err := readStr8Bytes(b)
	if err != nil {
		return dt, nil, err
	}
	return dt, sum, nil
}
