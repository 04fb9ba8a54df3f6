package rcslib

import (
	"hash"
	"io"
)

// DeltaHash hashes the fields of one delta that the merge in §4.8 item 2
// compares by hash rather than by value (date, author, state, branch
// list, next). Both FileScan (over its local copy) and FileCmp (over the
// server's) must compute this identically for the per-revision exchange
// to agree.
func DeltaHash(d Delta, newHash func() hash.Hash) []byte {
	h := newHash()
	io.WriteString(h, d.Date)
	io.WriteString(h, "\x00")
	io.WriteString(h, d.Author)
	io.WriteString(h, "\x00")
	io.WriteString(h, d.State)
	io.WriteString(h, "\x00")
	for _, b := range d.Branches {
		io.WriteString(h, b)
		io.WriteString(h, ",")
	}
	io.WriteString(h, "\x00")
	io.WriteString(h, d.Next)
	return h.Sum(nil)
}

// DeltaTextHash hashes one deltatext's log and full text (§4.8 item 4).
func DeltaTextHash(dt DeltaText, newHash func() hash.Hash) []byte {
	h := newHash()
	io.WriteString(h, dt.Log)
	io.WriteString(h, dt.Text)
	return h.Sum(nil)
}
