package rcslib

import (
	"fmt"
	"sort"
)

// Parse reads an RCS admin/delta/deltatext structure from data. Per §4.8
// parse tolerances, any admin keyword this parser doesn't recognize is
// treated as unparseable: the caller should fall back to a full-file
// GENERIC transfer rather than attempt partial tolerance (§4.8 open
// question, preserved here as documented behavior, not silently inferred).
func Parse(data []byte) (*File, error) {
	s := newScanner(data)
	f := &File{}

	if err := parseHead(s, f); err != nil {
		return nil, err
	}
	if err := parseOptionalBranch(s, f); err != nil {
		return nil, err
	}
	if err := parseAccess(s, f); err != nil {
		return nil, err
	}
	if err := parseSymbols(s, f); err != nil {
		return nil, err
	}
	if err := parseLocks(s, f); err != nil {
		return nil, err
	}
	sort.Slice(f.Admin.Access, func(i, j int) bool { return CompareID(f.Admin.Access[i], f.Admin.Access[j]) < 0 })
	sort.Slice(f.Admin.Symbols, func(i, j int) bool { return CompareID(f.Admin.Symbols[i].Name, f.Admin.Symbols[j].Name) < 0 })
	sort.Slice(f.Admin.Locks, func(i, j int) bool { return CompareID(f.Admin.Locks[i].ID, f.Admin.Locks[j].ID) < 0 })
	if err := parseOptionalComment(s, f); err != nil {
		return nil, err
	}
	if err := parseOptionalExpand(s, f); err != nil {
		return nil, err
	}
	if err := parseDeltas(s, f); err != nil {
		return nil, err
	}
	if err := parseDesc(s, f); err != nil {
		return nil, err
	}
	if err := parseDeltaTexts(s, f); err != nil {
		return nil, err
	}
	s.skipSpace()
	if !s.eof() {
		return nil, fmt.Errorf("rcslib: trailing unparsed data at offset %d", s.pos)
	}
	return f, nil
}

func expectKeyword(s *scanner, kw string) error {
	w, err := s.word()
	if err != nil {
		return err
	}
	if w != kw {
		return fmt.Errorf("rcslib: expected keyword %q, got %q", kw, w)
	}
	return nil
}

func parseHead(s *scanner, f *File) error {
	if err := expectKeyword(s, "head"); err != nil {
		return err
	}
	s.skipSpace()
	if !s.tryExpect(';') {
		rev, err := s.word()
		if err != nil {
			return err
		}
		f.Admin.Head = rev
		if err := s.expect(';'); err != nil {
			return err
		}
	}
	return nil
}

func parseOptionalBranch(s *scanner, f *File) error {
	if !s.atKeyword("branch") {
		return nil
	}
	if err := expectKeyword(s, "branch"); err != nil {
		return err
	}
	if !s.tryExpect(';') {
		rev, err := s.word()
		if err != nil {
			return err
		}
		f.Admin.Branch = rev
		if err := s.expect(';'); err != nil {
			return err
		}
	}
	return nil
}

func parseAccess(s *scanner, f *File) error {
	if err := expectKeyword(s, "access"); err != nil {
		return err
	}
	for !s.tryExpect(';') {
		id, err := s.word()
		if err != nil {
			return err
		}
		f.Admin.Access = append(f.Admin.Access, id)
	}
	return nil
}

func parseSymbols(s *scanner, f *File) error {
	if err := expectKeyword(s, "symbols"); err != nil {
		return err
	}
	for !s.tryExpect(';') {
		name, err := s.word()
		if err != nil {
			return err
		}
		if err := s.expect(':'); err != nil {
			return err
		}
		num, err := s.word()
		if err != nil {
			return err
		}
		f.Admin.Symbols = append(f.Admin.Symbols, Symbol{Name: name, Num: num})
	}
	return nil
}

func parseLocks(s *scanner, f *File) error {
	if err := expectKeyword(s, "locks"); err != nil {
		return err
	}
	for !s.tryExpect(';') {
		id, err := s.word()
		if err != nil {
			return err
		}
		if err := s.expect(':'); err != nil {
			return err
		}
		num, err := s.word()
		if err != nil {
			return err
		}
		f.Admin.Locks = append(f.Admin.Locks, Lock{ID: id, Num: num})
	}
	if s.atKeyword("strict") {
		if err := expectKeyword(s, "strict"); err != nil {
			return err
		}
		if err := s.expect(';'); err != nil {
			return err
		}
		f.Admin.Strict = true
	}
	return nil
}

func parseOptionalComment(s *scanner, f *File) error {
	if !s.atKeyword("comment") {
		return nil
	}
	if err := expectKeyword(s, "comment"); err != nil {
		return err
	}
	str, err := s.readString()
	if err != nil {
		return err
	}
	f.Admin.Comment = str
	return s.expect(';')
}

func parseOptionalExpand(s *scanner, f *File) error {
	if !s.atKeyword("expand") {
		return nil
	}
	if err := expectKeyword(s, "expand"); err != nil {
		return err
	}
	str, err := s.readString()
	if err != nil {
		return err
	}
	f.Admin.Expand = str
	return s.expect(';')
}

// parseDeltas consumes delta blocks until the "desc" keyword is seen.
// Any admin-looking keyword here that isn't a revision number is treated
// as an unrecognized phrase and rejected (§4.8 parse tolerances).
func parseDeltas(s *scanner, f *File) error {
	for {
		s.skipSpace()
		if s.atKeyword("desc") {
			return nil
		}
		if !s.atDigit() {
			return fmt.Errorf("rcslib: expected revision number or \"desc\" at offset %d", s.pos)
		}
		var d Delta
		num, err := s.word()
		if err != nil {
			return err
		}
		d.Num = num

		if err := expectKeyword(s, "date"); err != nil {
			return err
		}
		date, err := s.word()
		if err != nil {
			return err
		}
		if err := validDate(date); err != nil {
			return err
		}
		d.Date = date
		if err := s.expect(';'); err != nil {
			return err
		}

		if err := expectKeyword(s, "author"); err != nil {
			return err
		}
		author, err := s.word()
		if err != nil {
			return err
		}
		d.Author = author
		if err := s.expect(';'); err != nil {
			return err
		}

		if err := expectKeyword(s, "state"); err != nil {
			return err
		}
		if !s.tryExpect(';') {
			state, err := s.word()
			if err != nil {
				return err
			}
			d.State = state
			if err := s.expect(';'); err != nil {
				return err
			}
		}

		if err := expectKeyword(s, "branches"); err != nil {
			return err
		}
		for !s.tryExpect(';') {
			b, err := s.word()
			if err != nil {
				return err
			}
			d.Branches = append(d.Branches, b)
		}

		if err := expectKeyword(s, "next"); err != nil {
			return err
		}
		if !s.tryExpect(';') {
			next, err := s.word()
			if err != nil {
				return err
			}
			d.Next = next
			if err := s.expect(';'); err != nil {
				return err
			}
		}

		f.Deltas = append(f.Deltas, d)
	}
}

func parseDesc(s *scanner, f *File) error {
	if err := expectKeyword(s, "desc"); err != nil {
		return err
	}
	str, err := s.readString()
	if err != nil {
		return err
	}
	f.Desc = str
	return nil
}

func parseDeltaTexts(s *scanner, f *File) error {
	for {
		s.skipSpace()
		if s.eof() {
			return nil
		}
		if !s.atDigit() {
			return fmt.Errorf("rcslib: expected revision number at offset %d", s.pos)
		}
		var dt DeltaText
		num, err := s.word()
		if err != nil {
			return err
		}
		dt.Num = num

		if err := expectKeyword(s, "log"); err != nil {
			return err
		}
		log, err := s.readString()
		if err != nil {
			return err
		}
		dt.Log = log

		if err := expectKeyword(s, "text"); err != nil {
			return err
		}
		text, err := s.readString()
		if err != nil {
			return err
		}
		dt.Text = text

		f.DeltaTexts = append(f.DeltaTexts, dt)
	}
}

// validDate enforces the §4.8 parse tolerance: ASCII numeric date fields of
// the form YYYY.MM.DD.hh.mm.ss, each component up to 19 decimal digits.
func validDate(s string) error {
	n := 0
	digits := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			n++
			digits = 0
		case c >= '0' && c <= '9':
			digits++
			if digits > 19 {
				return fmt.Errorf("rcslib: date component too long in %q", s)
			}
		default:
			return fmt.Errorf("rcslib: non-numeric date %q", s)
		}
	}
	if n != 5 {
		return fmt.Errorf("rcslib: date %q does not have 6 components", s)
	}
	return nil
}
