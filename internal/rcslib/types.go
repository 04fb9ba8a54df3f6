// Package rcslib parses and re-serializes the RCS admin/delta/deltatext
// structure described in §3 and §4.8: the on-disk ",v" file format CVSync's
// content-aware differ walks revision by revision.
package rcslib

// Symbol is one `symbols` entry: a tag name bound to a revision number.
type Symbol struct {
	Name string
	Num  string
}

// Lock is one `locks` entry: a revision checked out by an id.
type Lock struct {
	ID  string
	Num string
}

// Admin is the RCS admin block (§3, §4.8 item 1).
type Admin struct {
	Head   string
	Branch string // may be empty

	Access  []string // sorted byte-lexically
	Symbols []Symbol // sorted byte-lexically on Name
	Locks   []Lock   // sorted byte-lexically on ID
	Strict  bool

	Comment string
	Expand  string
}

// Delta is one revision's metadata (§3, §4.8 item 2).
type Delta struct {
	Num      string
	Date     string // YYYY.MM.DD.hh.mm.ss
	Author   string
	State    string
	Branches []string // revision numbers, in file order
	Next     string
}

// DeltaText is one revision's log message and full text (§3, §4.8 item 4).
type DeltaText struct {
	Num  string
	Log  string
	Text string
}

// File is a fully parsed RCS file: every field CVSync's differ needs to
// walk and re-serialize exactly (§4.8).
type File struct {
	Admin      Admin
	Deltas     []Delta     // in on-disk order (most recent revision first)
	Desc       string
	DeltaTexts []DeltaText // in on-disk order
}

// FindDelta returns the delta with the given revision number, if present.
func (f *File) FindDelta(num string) (Delta, bool) {
	for _, d := range f.Deltas {
		if d.Num == num {
			return d, true
		}
	}
	return Delta{}, false
}

// FindDeltaText returns the deltatext with the given revision number, if
// present.
func (f *File) FindDeltaText(num string) (DeltaText, bool) {
	for _, d := range f.DeltaTexts {
		if d.Num == num {
			return d, true
		}
	}
	return DeltaText{}, false
}
