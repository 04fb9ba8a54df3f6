// Package updater implements the client-side applier (§4.9): for each
// directive FileCmp emits, Updater brings the local tree in line, always
// routing content changes through a sibling pending file and an atomic
// rename so a crash mid-apply never leaves a partial file at its final
// name.
package updater

import (
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/scanfile"
	"github.com/google/renameio/v2"
)

// Updater applies one collection's directive stream to the tree rooted at
// Root. Scanfile may be nil (no cached inventory for this session); when
// set, every successful apply inserts or removes the corresponding record
// so the caller can persist it at session end (§3).
type Updater struct {
	Root     string
	Scanfile *scanfile.File
	NewHash  func() hash.Hash
}

func (u *Updater) newHash() hash.Hash {
	if u.NewHash == nil {
		return sha1.New()
	}
	return u.NewHash()
}

func (u *Updater) record(a scanfile.Attr) {
	if u.Scanfile != nil {
		u.Scanfile.Insert(a)
	}
}

func (u *Updater) forget(name string) {
	if u.Scanfile != nil {
		u.Scanfile.Remove(name)
	}
}

// pathFor resolves a directive's logical name to its current physical
// location. RCS_ATTIC entries live under an Attic/ sibling directory; the
// logical name never includes that path segment (§3).
func (u *Updater) pathFor(d pipeline.Directive) string {
	rel := filepath.FromSlash(d.Name)
	if d.EntryType == scanfile.TypeRCSAttic {
		rel = filepath.Join(filepath.Dir(rel), "Attic", filepath.Base(rel))
	}
	return filepath.Join(u.Root, rel)
}

// Run reads directives from r until END and applies each to the tree.
func (u *Updater) Run(r io.Reader) error {
	for {
		d, err := pipeline.ReadDirective(r)
		if err != nil {
			return err
		}
		if d.Tag == pipeline.End {
			return nil
		}
		switch d.Tag {
		case pipeline.Add:
			err = u.applyAdd(r, d)
		case pipeline.Remove:
			err = u.applyRemove(d)
		case pipeline.SetAttr:
			err = u.applySetAttr(d)
		case pipeline.Update:
			err = u.applyUpdate(r, d)
		case pipeline.RCSAttic:
			err = u.applyRCSAttic(r, d)
		default:
			err = fmt.Errorf("updater: protocol violation: unexpected directive tag %#x", byte(d.Tag))
		}
		if err != nil {
			return err
		}
	}
}

func (u *Updater) applyAdd(r io.Reader, d pipeline.Directive) error {
	path := u.pathFor(d)
	switch d.EntryType {
	case scanfile.TypeDir:
		a, err := scanfile.DecodeAux(d.EntryType, d.Name, d.Aux)
		if err != nil {
			return err
		}
		if err := os.Mkdir(path, os.FileMode(a.Mode)); err != nil {
			if !os.IsExist(err) {
				return err
			}
			if err := os.Chmod(path, os.FileMode(a.Mode)); err != nil {
				return err
			}
		}
		u.record(a)
		return nil

	case scanfile.TypeSymlink:
		a, err := scanfile.DecodeAux(d.EntryType, d.Name, d.Aux)
		if err != nil {
			return err
		}
		if err := renameio.Symlink(a.Target, path); err != nil {
			return err
		}
		u.record(a)
		return nil

	default: // File, RCS, RCSAttic: FileCmp always attaches a content body.
		if d.EntryType == scanfile.TypeRCSAttic {
			if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
				return err
			}
		}
		return u.applyContent(r, d, path, "")
	}
}

func (u *Updater) applyRemove(d pipeline.Directive) error {
	path := u.pathFor(d)
	switch d.EntryType {
	case scanfile.TypeDir:
		// Best-effort: drop a now-empty Attic subdirectory first, so the
		// directory itself can be removed.
		os.Remove(filepath.Join(path, "Attic"))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	case scanfile.TypeRCSAttic:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		os.Remove(filepath.Dir(path))
	default:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	u.forget(d.Name)
	return nil
}

func (u *Updater) applySetAttr(d pipeline.Directive) error {
	path := u.pathFor(d)
	a, err := scanfile.DecodeAux(d.EntryType, d.Name, d.Aux)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, os.FileMode(a.Mode)); err != nil {
		return err
	}
	switch d.EntryType {
	case scanfile.TypeFile, scanfile.TypeRCS, scanfile.TypeRCSAttic:
		t := time.Unix(a.MTime, 0)
		if err := os.Chtimes(path, t, t); err != nil {
			return err
		}
	}
	u.record(a)
	return nil
}

func (u *Updater) applyUpdate(r io.Reader, d pipeline.Directive) error {
	path := u.pathFor(d)
	if d.EntryType == scanfile.TypeSymlink {
		a, err := scanfile.DecodeAux(d.EntryType, d.Name, d.Aux)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := renameio.Symlink(a.Target, path); err != nil {
			return err
		}
		u.record(a)
		return nil
	}
	return u.applyContent(r, d, path, path)
}

// applyRCSAttic moves a ,v file between the main directory and its Attic/
// sibling, applying a content update along the way (§4.9). d.EntryType
// names the destination classification; the source is whichever the
// destination isn't.
func (u *Updater) applyRCSAttic(r io.Reader, d pipeline.Directive) error {
	dest := u.pathFor(d)
	srcType := scanfile.TypeRCS
	if d.EntryType == scanfile.TypeRCS {
		srcType = scanfile.TypeRCSAttic
	}
	src := u.pathFor(pipeline.Directive{Name: d.Name, EntryType: srcType})

	if d.EntryType == scanfile.TypeRCSAttic {
		if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
			return err
		}
	}
	if err := u.applyContent(r, d, dest, src); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return err
	}
	if d.EntryType == scanfile.TypeRCS {
		os.Remove(filepath.Dir(src)) // Attic dir, only succeeds when empty
	}
	return nil
}
