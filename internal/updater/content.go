package updater

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cvsync/cvsync/internal/filescan"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
	"github.com/cvsync/cvsync/internal/rdiff"
	"github.com/cvsync/cvsync/internal/scanfile"
	"github.com/google/renameio/v2"
)

// applyContent reads one UPDATE/ADD/RCS_ATTIC content body (GENERIC,
// RDIFF, or the structured RCS field-diff stream) and materializes it at
// destPath via a sibling pending file, verifying the content before the
// atomic rename (§4.9): the whole-file hash for GENERIC and RDIFF, each
// record's own hash for the RCS stream. basisPath is the local file the body
// is relative to (the file's own current path for an in-place UPDATE, the
// Attic/main counterpart for an RCS_ATTIC move, or "" for a brand-new ADD
// with no local baseline).
func (u *Updater) applyContent(r io.Reader, d pipeline.Directive, destPath, basisPath string) error {
	tag, payload, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return err
	}

	var data []byte
	switch tag {
	case pipeline.Generic:
		g, err := filescan.DecodeGeneric(payload, u.newHash().Size())
		if err != nil {
			return err
		}
		h := u.newHash()
		h.Write(g.Data)
		if !bytes.Equal(h.Sum(nil), g.Hash) {
			return fmt.Errorf("updater: GENERIC body hash mismatch for %q", d.Name)
		}
		data = g.Data

	case pipeline.RDIFF:
		instrs, wholeHash, err := decodeRDIFFBody(payload)
		if err != nil {
			return err
		}
		var basis []byte
		if basisPath != "" {
			basis, err = os.ReadFile(basisPath)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		data, err = rdiff.Apply(basis, instrs)
		if err != nil {
			return err
		}
		h := u.newHash()
		h.Write(data)
		if !bytes.Equal(h.Sum(nil), wholeHash) {
			return fmt.Errorf("updater: RDIFF whole-file hash mismatch for %q", d.Name)
		}

	case pipeline.RCSBody:
		basis := &rcslib.File{}
		if basisPath != "" {
			if raw, err := os.ReadFile(basisPath); err == nil {
				if parsed, err := rcslib.Parse(raw); err == nil {
					basis = parsed
				}
			}
		}
		result, err := applyRCSDiff(r, basis, u.newHash)
		if err != nil {
			return err
		}
		data = rcslib.Encode(result)

	default:
		return fmt.Errorf("updater: protocol violation: unexpected UPDATE body tag %#x", byte(tag))
	}

	if err := expectUpdateEnd(r); err != nil {
		return err
	}
	return u.writeAtomic(destPath, data, d)
}

func decodeRDIFFBody(payload []byte) ([]rdiff.Instruction, []byte, error) {
	br := bytes.NewReader(payload)
	instrs, err := rdiff.ReadAll(br)
	if err != nil {
		return nil, nil, err
	}
	wholeHash := make([]byte, br.Len())
	if _, err := io.ReadFull(br, wholeHash); err != nil {
		return nil, nil, err
	}
	return instrs, wholeHash, nil
}

func expectUpdateEnd(r io.Reader) error {
	tag, _, err := pipeline.ReadEnvelope(r)
	if err != nil {
		return err
	}
	if tag != pipeline.UpdateEnd {
		return fmt.Errorf("updater: expected UPDATE_END, got tag %#x", byte(tag))
	}
	return nil
}

// writeAtomic writes data to a sibling pending file and renames it over
// path, then applies d's attributes (§4.9, §7).
func (u *Updater) writeAtomic(path string, data []byte, d pipeline.Directive) error {
	a, err := scanfile.DecodeAux(d.EntryType, d.Name, d.Aux)
	if err != nil {
		return err
	}
	t, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	if err := t.Chmod(os.FileMode(a.Mode)); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	if a.MTime != 0 {
		mt := time.Unix(a.MTime, 0)
		if err := os.Chtimes(path, mt, mt); err != nil {
			return err
		}
	}
	u.record(a)
	return nil
}
