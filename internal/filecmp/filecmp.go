// Package filecmp implements the server-side content comparator (§4.7):
// FileCmp consumes the augmented directive stream FileScan produces,
// compares each body against the server's own copy of the file, and
// emits SETATTR/UPDATE directives carrying whatever the Updater needs to
// bring the client's copy in line.
package filecmp

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cvsync/cvsync/internal/distfile"
	"github.com/cvsync/cvsync/internal/filescan"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
	"github.com/cvsync/cvsync/internal/rdiff"
	"github.com/cvsync/cvsync/internal/scanfile"
)

// Run reads the FileScan-augmented directive stream from r, compares
// against the server tree rooted at serverRoot, and writes the resulting
// Updater-bound directive stream to w. newHash must match the session's
// negotiated strong checksum; policy may be nil (equivalent to an
// all-ALLOW policy).
func Run(w io.Writer, r io.Reader, serverRoot string, newHash func() hash.Hash, policy *distfile.Policy) error {
	if newHash == nil {
		newHash = sha1.New
	}
	for {
		d, err := pipeline.ReadDirective(r)
		if err != nil {
			return err
		}
		if d.Tag == pipeline.End {
			return pipeline.WriteEnd(w)
		}
		switch d.Tag {
		case pipeline.Remove, pipeline.SetAttr:
			if err := pipeline.WriteDirective(w, d); err != nil {
				return err
			}
			continue
		case pipeline.Add:
			// FileScan never augments ADD (the client has no local copy to
			// describe), so FileCmp is the one that must originate the
			// content body the Updater needs to materialize the new file.
			if d.EntryType == scanfile.TypeDir || d.EntryType == scanfile.TypeSymlink {
				if err := pipeline.WriteDirective(w, d); err != nil {
					return err
				}
				continue
			}
			if err := addContent(w, serverRoot, d, newHash); err != nil {
				return err
			}
			continue
		}
		if d.EntryType == scanfile.TypeSymlink {
			if err := pipeline.WriteDirective(w, d); err != nil {
				return err
			}
			continue
		}
		if err := compare(w, r, serverRoot, d, newHash, policy); err != nil {
			return err
		}
	}
}

// compare consumes the inner body of one UPDATE/RCS_ATTIC directive and
// writes the corresponding SETATTR/UPDATE directive (plus body) to w.
func compare(w io.Writer, r io.Reader, serverRoot string, d pipeline.Directive, newHash func() hash.Hash, policy *distfile.Policy) error {
	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return err
	}
	if err := expectUpdateEnd(r); err != nil {
		return err
	}

	path := filepath.Join(serverRoot, filepath.FromSlash(d.Name))
	serverData, statErr := os.ReadFile(path)
	if statErr != nil && !os.IsNotExist(statErr) {
		return statErr
	}
	aux, err := statAux(path, d.EntryType)
	if err != nil {
		return err
	}

	switch tag {
	case pipeline.Generic:
		g, err := filescan.DecodeGeneric(payload, newHash().Size())
		if err != nil {
			return err
		}
		return compareGeneric(w, d, serverData, g.Hash, aux, newHash)

	case pipeline.RCSBody:
		summary, err := filescan.DecodeRCSSummary(payload)
		if err != nil {
			return err
		}
		serverFile, serverErr := rcslib.Parse(serverData)
		if serverErr != nil {
			// The server's own copy isn't parseable RCS (even though the
			// client's was): fall back to a plain full-copy GENERIC
			// update (§4.7).
			return writeFullCopyUpdate(w, d, serverData, aux, newHash)
		}
		return compareRCS(w, d, summary, serverFile, aux, newHash)

	case pipeline.RDIFF:
		body, err := filescan.DecodeRDIFF(payload)
		if err != nil {
			return err
		}
		class, err := classifyName(policy, d.Name)
		if err != nil {
			return err
		}
		if class == distfile.NoRdiff {
			return compareNoRdiff(w, d, serverData, body, aux, newHash)
		}
		return compareRDIFF(w, d, serverData, body, aux, newHash)

	default:
		return fmt.Errorf("filecmp: protocol violation: unexpected inner UPDATE body tag %#x", byte(tag))
	}
}

// addContent reads the server's current copy of an ADD target and writes
// it to the Updater as a full-copy body, since there is no client-side
// baseline to diff or hash-compare against (§4.9).
func addContent(w io.Writer, serverRoot string, d pipeline.Directive, newHash func() hash.Hash) error {
	path := filepath.Join(serverRoot, filepath.FromSlash(d.Name))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	aux, err := statAux(path, d.EntryType)
	if err != nil {
		return err
	}
	return writeFullCopyUpdate(w, d, data, aux, newHash)
}

// statAux encodes the server's current mtime/size/mode for entryType, for
// use in a SETATTR directive when content already matches (§4.7). A
// missing file (already removed server-side) yields a nil aux and no
// error; the caller only reaches this path when the server copy exists.
func statAux(path string, entryType scanfile.Type) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	a := scanfile.Attr{Type: entryType, Mode: uint16(info.Mode().Perm())}
	switch entryType {
	case scanfile.TypeFile:
		a.MTime = info.ModTime().Unix()
		a.Size = info.Size()
	case scanfile.TypeRCS, scanfile.TypeRCSAttic:
		a.MTime = info.ModTime().Unix()
	}
	return a.EncodeAux()
}

func classifyName(policy *distfile.Policy, relName string) (distfile.Class, error) {
	if policy == nil {
		return distfile.Allow, nil
	}
	dir, name := relName, relName
	if i := lastSlash(relName); i >= 0 {
		dir, name = relName[:i], relName[i+1:]
	} else {
		dir = ""
	}
	return policy.Classify(dir, name)
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func expectUpdateEnd(r io.Reader) error {
	tag, _, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return err
	}
	if tag != pipeline.UpdateEnd {
		return fmt.Errorf("filecmp: expected UPDATE_END, got tag %#x", byte(tag))
	}
	return nil
}

// compareGeneric implements §4.7's GENERIC branch: hash the server file
// and compare to the client's reported hash.
func compareGeneric(w io.Writer, d pipeline.Directive, serverData, clientHash, aux []byte, newHash func() hash.Hash) error {
	h := newHash()
	h.Write(serverData)
	if bytes.Equal(h.Sum(nil), clientHash) {
		return writeSetAttr(w, d, aux)
	}
	return writeFullCopyUpdate(w, d, serverData, aux, newHash)
}

// compareNoRdiff implements the NORDIFF branch of §4.7: verify bit
// identity by recomputing per-block strong hashes over the server file at
// the client's block boundaries, rather than running the rolling-hash
// matcher.
func compareNoRdiff(w io.Writer, d pipeline.Directive, serverData []byte, body filescan.RDIFFBody, aux []byte, newHash func() hash.Hash) error {
	if int64(len(serverData)) != body.Size {
		return writeFullCopyUpdate(w, d, serverData, aux, newHash)
	}
	for _, sig := range body.Sigs {
		end := sig.Offset + int64(sig.Length)
		if end > int64(len(serverData)) {
			return writeFullCopyUpdate(w, d, serverData, aux, newHash)
		}
		h := newHash()
		h.Write(serverData[sig.Offset:end])
		if !bytes.Equal(h.Sum(nil), sig.Strong) {
			return writeFullCopyUpdate(w, d, serverData, aux, newHash)
		}
	}
	return writeSetAttr(w, d, aux)
}

// compareRDIFF implements the rolling-hash matcher branch of §4.7: run
// rdiff.Match against the server file and emit the resulting COPY/DATA/
// EOF instruction stream plus the whole-file hash.
func compareRDIFF(w io.Writer, d pipeline.Directive, serverData []byte, body filescan.RDIFFBody, aux []byte, newHash func() hash.Hash) error {
	instrs, wholeHash := rdiff.Match(serverData, body.Sigs, body.BSize, newHash)
	if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: d.Tag, EntryType: d.EntryType, Name: d.Name, Aux: aux}); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := rdiff.WriteAll(&buf, instrs); err != nil {
		return err
	}
	buf.Write(wholeHash)
	if err := pipeline.WriteEnvelope(w, pipeline.RDIFF, buf.Bytes()); err != nil {
		return err
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

// writeFullCopyUpdate emits a GENERIC UPDATE body carrying the server's
// entire file content, for the cases where no delta/diff strategy applies
// (ADD content, mismatched GENERIC hash, unparseable RCS file, any
// NORDIFF mismatch).
func writeFullCopyUpdate(w io.Writer, d pipeline.Directive, data, aux []byte, newHash func() hash.Hash) error {
	if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: d.Tag, EntryType: d.EntryType, Name: d.Name, Aux: aux}); err != nil {
		return err
	}
	h := newHash()
	h.Write(data)
	sum := h.Sum(nil)
	payload := make([]byte, 0, 8+len(data)+len(sum))
	payload = appendUint64(payload, uint64(len(data)))
	payload = append(payload, data...)
	payload = append(payload, sum...)
	if err := pipeline.WriteEnvelope(w, pipeline.Generic, payload); err != nil {
		return err
	}
	return pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil)
}

func writeSetAttr(w io.Writer, d pipeline.Directive, aux []byte) error {
	return pipeline.WriteDirective(w, pipeline.Directive{Tag: pipeline.SetAttr, EntryType: d.EntryType, Name: d.Name, Aux: aux})
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}
