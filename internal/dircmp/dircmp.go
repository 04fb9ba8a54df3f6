// Package dircmp implements the server-side directory comparator (§4.5):
// DirCmp consumes a DirScan stream, walks the server tree in a
// synchronized merge, and emits ADD/REMOVE/SETATTR/UPDATE/RCS_ATTIC
// directives for FileScan.
package dircmp

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/cvsync/cvsync/internal/distfile"
	"github.com/cvsync/cvsync/internal/mdirent"
	"github.com/cvsync/cvsync/internal/pathcmp"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/scanfile"
)

// Comparator holds the per-collection configuration DirCmp needs: the
// distfile policy gating ADD/comparison, and the errormode governing
// Attic/main inconsistencies (§7).
type Comparator struct {
	Policy    *distfile.Policy
	ErrorMode mdirent.ErrorMode

	// DeadSet accumulates names whose Attic/main inconsistency was
	// resolved as "ignore" (the losing side is kept dead in memory for
	// the rest of the session rather than re-discovered every step;
	// original_source/common/dircmp_rcs.c keeps the same bookkeeping).
	DeadSet map[string]struct{}
}

// NewComparator returns a Comparator ready for one collection's
// comparison pass.
func NewComparator(policy *distfile.Policy, mode mdirent.ErrorMode) *Comparator {
	return &Comparator{Policy: policy, ErrorMode: mode, DeadSet: make(map[string]struct{})}
}

// Compare reads a full DirScan stream from r and writes the resulting
// directive stream (terminated by END) to w, comparing against the
// server tree rooted at serverRoot (§4.5).
func (c *Comparator) Compare(w io.Writer, r io.Reader, serverRoot string) error {
	client, err := parseClientTree(r)
	if err != nil {
		return fmt.Errorf("dircmp: parsing client tree: %w", err)
	}
	if err := c.mergeLevel(w, serverRoot, "", client); err != nil {
		return err
	}
	return pipeline.WriteEnd(w)
}

func (c *Comparator) mergeLevel(w io.Writer, fsDir, relDir string, client []clientEntry) error {
	server, inconsistent, err := mdirent.Read(fsDir, c.ErrorMode)
	if err != nil {
		return fmt.Errorf("dircmp: reading %s: %w", fsDir, err)
	}
	if c.ErrorMode == mdirent.ErrorIgnore {
		for _, name := range inconsistent {
			c.DeadSet[joinRel(relDir, name)] = struct{}{}
		}
	}

	i, j := 0, 0
	for i < len(client) || j < len(server) {
		cHas := i < len(client)
		sHas := j < len(server)
		switch {
		case cHas && sHas && client[i].Name == server[j].Name:
			if err := c.compareEqual(w, fsDir, relDir, client[i], server[j]); err != nil {
				return err
			}
			i++
			j++
		case sHas && (!cHas || pathcmp.Less(server[j].Name, client[i].Name)):
			if err := c.emitAdd(w, fsDir, relDir, server[j]); err != nil {
				return err
			}
			j++
		default:
			if err := c.emitRemove(w, relDir, client[i]); err != nil {
				return err
			}
			i++
		}
	}
	return nil
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func (c *Comparator) classify(relDir, name string, isDir bool) (distfile.Class, error) {
	if c.Policy == nil {
		return distfile.Allow, nil
	}
	return c.Policy.Classify(relDir, name)
}

// compareEqual implements the "names equal" merge step (§4.5).
func (c *Comparator) compareEqual(w io.Writer, fsDir, relDir string, cl clientEntry, sv mdirent.Entry) error {
	name := sv.Name
	isDir := sv.Type == mdirent.EntDir
	class, err := c.classify(relDir, name, isDir)
	if err != nil {
		return err
	}
	if class == distfile.Deny {
		return nil
	}

	childFS := filepath.Join(fsDir, name)
	childRel := joinRel(relDir, name)

	switch sv.Type {
	case mdirent.EntDir:
		if cl.Type != scanfile.TypeDir {
			// Kind changed entirely (e.g. a file replaced by a directory);
			// treat as remove-then-add so downstream stages see a clean
			// transition rather than a malformed SETATTR.
			if err := c.emitRemoveEntry(w, relDir, cl); err != nil {
				return err
			}
			return c.emitAdd(w, fsDir, relDir, sv)
		}
		mode := uint16(sv.Info.Mode().Perm())
		if mode != cl.Attr.Mode {
			aux, err := scanfile.Attr{Type: scanfile.TypeDir, Mode: mode}.EncodeAux()
			if err != nil {
				return err
			}
			if err := pipeline.WriteDirective(w, pipeline.Directive{
				Tag: pipeline.SetAttr, EntryType: scanfile.TypeDir, Name: childRel, Aux: aux,
			}); err != nil {
				return err
			}
		}
		return c.mergeLevel(w, childFS, childRel, cl.Children)

	case mdirent.EntFile:
		if cl.Type != scanfile.TypeFile {
			if err := c.emitRemoveEntry(w, relDir, cl); err != nil {
				return err
			}
			return c.emitAdd(w, fsDir, relDir, sv)
		}
		a := scanfile.Attr{Type: scanfile.TypeFile, MTime: sv.Info.ModTime().Unix(), Size: sv.Info.Size(), Mode: uint16(sv.Info.Mode().Perm())}
		switch {
		case a.MTime != cl.Attr.MTime || a.Size != cl.Attr.Size || a.Mode != cl.Attr.Mode:
			return writeAttrDirective(w, pipeline.Update, scanfile.TypeFile, childRel, a)
		default:
			return nil
		}

	case mdirent.EntRCS, mdirent.EntRCSAttic:
		svType := scanfile.TypeRCS
		if sv.Type == mdirent.EntRCSAttic {
			svType = scanfile.TypeRCSAttic
		}
		a := scanfile.Attr{Type: svType, MTime: sv.Info.ModTime().Unix(), Mode: uint16(sv.Info.Mode().Perm())}
		if cl.Type != scanfile.TypeRCS && cl.Type != scanfile.TypeRCSAttic {
			if err := c.emitRemoveEntry(w, relDir, cl); err != nil {
				return err
			}
			return c.emitAdd(w, fsDir, relDir, sv)
		}
		if svType != cl.Type {
			// Attic-ness flipped on one side since the last sync.
			return writeAttrDirective(w, pipeline.RCSAttic, svType, childRel, a)
		}
		if a.MTime != cl.Attr.MTime || a.Mode != cl.Attr.Mode {
			return writeAttrDirective(w, pipeline.Update, svType, childRel, a)
		}
		return nil

	case mdirent.EntSymlink:
		target, err := readlink(childFS)
		if err != nil {
			return err
		}
		if cl.Type != scanfile.TypeSymlink {
			if err := c.emitRemoveEntry(w, relDir, cl); err != nil {
				return err
			}
			return c.emitAdd(w, fsDir, relDir, sv)
		}
		if target != cl.Target {
			return pipeline.WriteDirective(w, pipeline.Directive{
				Tag: pipeline.Update, EntryType: scanfile.TypeSymlink, Name: childRel, Aux: []byte(target),
			})
		}
		return nil
	}
	return fmt.Errorf("dircmp: unhandled server entry type %q", byte(sv.Type))
}

func writeAttrDirective(w io.Writer, tag pipeline.Tag, typ scanfile.Type, name string, a scanfile.Attr) error {
	aux, err := a.EncodeAux()
	if err != nil {
		return err
	}
	return pipeline.WriteDirective(w, pipeline.Directive{Tag: tag, EntryType: typ, Name: name, Aux: aux})
}

// emitAdd handles "server name less → client lacks it" (§4.5): emit ADD,
// recursing into the subtree for directories.
func (c *Comparator) emitAdd(w io.Writer, fsDir, relDir string, sv mdirent.Entry) error {
	class, err := c.classify(relDir, sv.Name, sv.Type == mdirent.EntDir)
	if err != nil {
		return err
	}
	if class == distfile.Deny {
		return nil
	}
	childRel := joinRel(relDir, sv.Name)
	childFS := filepath.Join(fsDir, sv.Name)

	switch sv.Type {
	case mdirent.EntDir:
		aux, err := scanfile.Attr{Type: scanfile.TypeDir, Mode: uint16(sv.Info.Mode().Perm())}.EncodeAux()
		if err != nil {
			return err
		}
		if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: pipeline.Add, EntryType: scanfile.TypeDir, Name: childRel, Aux: aux}); err != nil {
			return err
		}
		return c.mergeLevel(w, childFS, childRel, nil)
	case mdirent.EntFile:
		a := scanfile.Attr{Type: scanfile.TypeFile, MTime: sv.Info.ModTime().Unix(), Size: sv.Info.Size(), Mode: uint16(sv.Info.Mode().Perm())}
		return writeAttrDirective(w, pipeline.Add, scanfile.TypeFile, childRel, a)
	case mdirent.EntRCS, mdirent.EntRCSAttic:
		typ := scanfile.TypeRCS
		if sv.Type == mdirent.EntRCSAttic {
			typ = scanfile.TypeRCSAttic
		}
		a := scanfile.Attr{Type: typ, MTime: sv.Info.ModTime().Unix(), Mode: uint16(sv.Info.Mode().Perm())}
		return writeAttrDirective(w, pipeline.Add, typ, childRel, a)
	case mdirent.EntSymlink:
		target, err := readlink(childFS)
		if err != nil {
			return err
		}
		return pipeline.WriteDirective(w, pipeline.Directive{Tag: pipeline.Add, EntryType: scanfile.TypeSymlink, Name: childRel, Aux: []byte(target)})
	}
	return fmt.Errorf("dircmp: unhandled server entry type %q", byte(sv.Type))
}

// emitRemove handles "client name less → the server does not have it"
// (§4.5): emit REMOVE, recursing over the client's in-stream subtree for
// directories.
func (c *Comparator) emitRemove(w io.Writer, relDir string, cl clientEntry) error {
	class, err := c.classify(relDir, cl.Name, cl.Type == scanfile.TypeDir)
	if err != nil {
		return err
	}
	if class == distfile.Deny {
		return nil
	}
	return c.emitRemoveEntry(w, relDir, cl)
}

func (c *Comparator) emitRemoveEntry(w io.Writer, relDir string, cl clientEntry) error {
	childRel := joinRel(relDir, cl.Name)
	if err := pipeline.WriteDirective(w, pipeline.Directive{Tag: pipeline.Remove, EntryType: cl.Type, Name: childRel}); err != nil {
		return err
	}
	if cl.Type == scanfile.TypeDir {
		for _, child := range cl.Children {
			if err := c.emitRemoveEntry(w, childRel, child); err != nil {
				return err
			}
		}
	}
	return nil
}
