// Package filescan implements the client-side file-level producer (§4.6):
// FileScan augments DirCmp's ADD/REMOVE/SETATTR/UPDATE/RCS_ATTIC directive
// stream with a content-level body for UPDATE/RCS_ATTIC, computed from
// whatever the client currently has on disk at that path.
package filescan

import (
	"crypto/sha1"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
	"github.com/cvsync/cvsync/internal/rdiff"
	"github.com/cvsync/cvsync/internal/scanfile"
)

// minRDiffSize is the smallest file size FileScan will bother building
// rolling-hash signatures for (§4.6: "GENERIC body ... only when file is
// smaller than the minimum rdiff block").
const minRDiffSize = 512

// Run reads directives from r (the forwarded DirCmp stream) and writes an
// augmented stream to w, using newHash for RDIFF strong checksums and
// clientRoot to resolve each directive's relative Name to a local path.
func Run(w io.Writer, r io.Reader, clientRoot string, newHash func() hash.Hash) error {
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
		case pipeline.Add, pipeline.Remove, pipeline.SetAttr:
			if err := pipeline.WriteDirective(w, d); err != nil {
				return err
			}
		case pipeline.Update, pipeline.RCSAttic:
			if d.EntryType == scanfile.TypeSymlink {
				if err := pipeline.WriteDirective(w, d); err != nil {
					return err
				}
				continue
			}
			if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: d.Tag, EntryType: d.EntryType, Name: d.Name, Aux: d.Aux}); err != nil {
				return err
			}
			if err := writeBody(w, filepath.Join(clientRoot, filepath.FromSlash(d.Name)), d.EntryType, newHash); err != nil {
				return err
			}
			if err := pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil); err != nil {
				return err
			}
		default:
			if err := pipeline.WriteDirective(w, d); err != nil {
				return err
			}
		}
	}
}

// writeBody computes and writes the inner body for the client's current
// copy of path (§4.6). A missing file is treated as empty, which always
// falls back to GENERIC with a zero-length body.
//
// RCS and RCS_ATTIC entries that parse as well-formed ,v files are sent
// as RCSBody instead of GENERIC/RDIFF: the client's file is parsed here
// and reduced to an RCSSummary (§4.8 items 2, 4 — the delta/deltatext
// tables cross the wire as per-revision hashes, not as the revisions
// themselves), so FileCmp never needs the client's raw bytes to drive
// its field-level RCS diff. A ,v file that fails to parse is not RCS
// content FileCmp can reason about, so it falls back to the ordinary
// size-based GENERIC/RDIFF branching used for plain files.
func writeBody(w io.Writer, path string, entryType scanfile.Type, newHash func() hash.Hash) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return err
		}
	}

	if entryType == scanfile.TypeRCS || entryType == scanfile.TypeRCSAttic {
		if f, err := rcslib.Parse(data); err == nil {
			summary := NewRCSSummary(f, newHash)
			return pipeline.WriteEnvelope(w, pipeline.RCSBody, EncodeRCSSummary(summary))
		}
	}

	if len(data) < minRDiffSize {
		return writeGenericTagged(w, pipeline.Generic, data, newHash)
	}

	bsize := rdiff.BlockSize(int64(len(data)))
	sigs := rdiff.Signatures(data, bsize, newHash)
	return writeRDIFF(w, int64(len(data)), bsize, sigs)
}

func writeGenericTagged(w io.Writer, tag pipeline.Tag, data []byte, newHash func() hash.Hash) error {
	h := newHash()
	h.Write(data)
	sum := h.Sum(nil)

	payload := make([]byte, 0, 8+len(data)+len(sum))
	payload = appendUint64(payload, uint64(len(data)))
	payload = append(payload, data...)
	payload = append(payload, sum...)
	return pipeline.WriteEnvelope(w, tag, payload)
}

func writeRDIFF(w io.Writer, size int64, bsize int, sigs []rdiff.Signature) error {
	payload := make([]byte, 0, 16+len(sigs)*20)
	payload = appendUint64(payload, uint64(size))
	payload = appendUint32(payload, uint32(bsize))
	payload = appendUint32(payload, uint32(len(sigs)))
	for _, s := range sigs {
		payload = appendUint32(payload, s.Weak)
		payload = appendUint16(payload, uint16(len(s.Strong)))
		payload = append(payload, s.Strong...)
	}
	return pipeline.WriteEnvelope(w, pipeline.RDIFF, payload)
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

func appendUint32(b []byte, v uint32) []byte {
	for i := 3; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
