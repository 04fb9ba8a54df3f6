package filescan

import (
	"encoding/binary"
	"fmt"
	"hash"
	"sort"

	"github.com/cvsync/cvsync/internal/rcslib"
)

// RevHash names one delta or deltatext by revision number and carries the
// hash FileScan computed over the fields the merge in §4.8 items 2 and 4
// compares, rather than the fields themselves: FileCmp recomputes the
// same hash from its own local copy and only asks for the full record
// when the two disagree.
type RevHash struct {
	Num  string
	Hash []byte
}

// RCSSummary is what FileScan sends FileCmp for an RCS/RCS_ATTIC UPDATE
// body (§4.8): the client's own parsed ,v file reduced to what the merge
// actually needs to compare — the ACCESS/SYMBOLS/LOCKS sets by value (they
// are cheap and compared by id) and the delta/deltatext tables by
// per-revision hash. The server derives HEAD/BRANCH/COMMENT/EXPAND/DESC
// from its own copy unconditionally (§4.8: "simple field-replace"), so
// the client's values for those never cross the wire.
type RCSSummary struct {
	Access  []string
	Symbols []rcslib.Symbol
	Locks   []rcslib.Lock
	Strict  bool

	Deltas     []RevHash
	DeltaTexts []RevHash
}

// NewRCSSummary reduces f, a locally parsed ,v file, to the RCSSummary
// FileScan puts on the wire.
func NewRCSSummary(f *rcslib.File, newHash func() hash.Hash) RCSSummary {
	s := RCSSummary{
		Access:  f.Admin.Access,
		Symbols: f.Admin.Symbols,
		Locks:   f.Admin.Locks,
		Strict:  f.Admin.Strict,
	}
	for _, d := range f.Deltas {
		s.Deltas = append(s.Deltas, RevHash{Num: d.Num, Hash: rcslib.DeltaHash(d, newHash)})
	}
	for _, dt := range f.DeltaTexts {
		s.DeltaTexts = append(s.DeltaTexts, RevHash{Num: dt.Num, Hash: rcslib.DeltaTextHash(dt, newHash)})
	}
	sort.Slice(s.Deltas, func(i, j int) bool { return rcslib.CompareRevNum(s.Deltas[i].Num, s.Deltas[j].Num) < 0 })
	sort.Slice(s.DeltaTexts, func(i, j int) bool { return rcslib.CompareRevNum(s.DeltaTexts[i].Num, s.DeltaTexts[j].Num) < 0 })
	return s
}

// EncodeRCSSummary serializes s as: accesscount:2 [idlen:1,id]*;
// symbolscount:2 [namelen:1,name,numlen:1,num]*; lockscount:2
// [idlen:1,id,numlen:1,num]*; strict:1; deltacount:4 [numlen:1,num,
// hashlen:1,hash]*; deltatextcount:4 [numlen:1,num,hashlen:1,hash]*.
func EncodeRCSSummary(s RCSSummary) []byte {
	var b []byte
	b = appendUint16(b, uint16(len(s.Access)))
	for _, id := range s.Access {
		b = appendStr8(b, id)
	}
	b = appendUint16(b, uint16(len(s.Symbols)))
	for _, sym := range s.Symbols {
		b = appendStr8(b, sym.Name)
		b = appendStr8(b, sym.Num)
	}
	b = appendUint16(b, uint16(len(s.Locks)))
	for _, l := range s.Locks {
		b = appendStr8(b, l.ID)
		b = appendStr8(b, l.Num)
	}
	if s.Strict {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendUint32(b, uint32(len(s.Deltas)))
	for _, rh := range s.Deltas {
		b = appendRevHash(b, rh)
	}
	b = appendUint32(b, uint32(len(s.DeltaTexts)))
	for _, rh := range s.DeltaTexts {
		b = appendRevHash(b, rh)
	}
	return b
}

func appendRevHash(b []byte, rh RevHash) []byte {
	b = appendStr8(b, rh.Num)
	b = append(b, byte(len(rh.Hash)))
	return append(b, rh.Hash...)
}

func appendStr8(b []byte, s string) []byte {
	if len(s) > 0xff {
		s = s[:0xff]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// DecodeRCSSummary parses the payload EncodeRCSSummary produces.
func DecodeRCSSummary(b []byte) (RCSSummary, error) {
	var s RCSSummary

	n, b, err := takeUint16(b)
	if err != nil {
		return s, err
	}
	for i := uint16(0); i < n; i++ {
		var id string
		id, b, err = takeStr8(b)
		if err != nil {
			return s, err
		}
		s.Access = append(s.Access, id)
	}

	n, b, err = takeUint16(b)
	if err != nil {
		return s, err
	}
	for i := uint16(0); i < n; i++ {
		var name, num string
		name, b, err = takeStr8(b)
		if err != nil {
			return s, err
		}
		num, b, err = takeStr8(b)
		if err != nil {
			return s, err
		}
		s.Symbols = append(s.Symbols, rcslib.Symbol{Name: name, Num: num})
	}

	n, b, err = takeUint16(b)
	if err != nil {
		return s, err
	}
	for i := uint16(0); i < n; i++ {
		var id, num string
		id, b, err = takeStr8(b)
		if err != nil {
			return s, err
		}
		num, b, err = takeStr8(b)
		if err != nil {
			return s, err
		}
		s.Locks = append(s.Locks, rcslib.Lock{ID: id, Num: num})
	}

	if len(b) < 1 {
		return s, fmt.Errorf("filescan: truncated RCS summary strict flag")
	}
	s.Strict = b[0] != 0
	b = b[1:]

	var count uint32
	count, b, err = takeUint32(b)
	if err != nil {
		return s, err
	}
	for i := uint32(0); i < count; i++ {
		var rh RevHash
		rh, b, err = takeRevHash(b)
		if err != nil {
			return s, err
		}
		s.Deltas = append(s.Deltas, rh)
	}

	count, b, err = takeUint32(b)
	if err != nil {
		return s, err
	}
	for i := uint32(0); i < count; i++ {
		var rh RevHash
		rh, b, err = takeRevHash(b)
		if err != nil {
			return s, err
		}
		s.DeltaTexts = append(s.DeltaTexts, rh)
	}

	return s, nil
}

func takeRevHash(b []byte) (RevHash, []byte, error) {
	num, b, err := takeStr8(b)
	if err != nil {
		return RevHash{}, b, err
	}
	if len(b) < 1 {
		return RevHash{}, b, fmt.Errorf("filescan: truncated RCS summary hash length")
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n {
		return RevHash{}, b, fmt.Errorf("filescan: truncated RCS summary hash value")
	}
	hashVal := make([]byte, n)
	copy(hashVal, b[:n])
	return RevHash{Num: num, Hash: hashVal}, b[n:], nil
}

func takeStr8(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", b, fmt.Errorf("filescan: truncated length-prefixed string")
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n {
		return "", b, fmt.Errorf("filescan: truncated string value")
	}
	return string(b[:n]), b[n:], nil
}

func takeUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, b, fmt.Errorf("filescan: truncated uint16")
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, b, fmt.Errorf("filescan: truncated uint32")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}
