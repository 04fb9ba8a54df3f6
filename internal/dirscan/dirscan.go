// Package dirscan implements the client-side directory walker (§4.4):
// DirScan streams the client's tree to the server's DirCmp as a sequence
// of DOWN/UP/FILE/RCS/RCS_ATTIC/SYMLINK pipeline frames.
package dirscan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cvsync/cvsync/internal/mdirent"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/scanfile"
)

// Walk emits the live filesystem tree rooted at root to w, followed by a
// final END frame (§4.4). It is used on a collection's first sync, before
// a scanfile exists, or whenever the caller chooses to bypass the cached
// scanfile.
func Walk(w io.Writer, root string) error {
	if err := walkDir(w, root); err != nil {
		return err
	}
	return pipeline.WriteEnd(w)
}

func walkDir(w io.Writer, fsPath string) error {
	entries, _, err := mdirent.Read(fsPath, mdirent.ErrorAbort)
	if err != nil {
		return fmt.Errorf("dirscan: reading %s: %w", fsPath, err)
	}
	for _, e := range entries {
		childFS := filepath.Join(fsPath, e.Name)
		switch e.Type {
		case mdirent.EntDir:
			mode := uint16(e.Info.Mode().Perm())
			aux, err := scanfile.Attr{Type: scanfile.TypeDir, Mode: mode}.EncodeAux()
			if err != nil {
				return err
			}
			if err := writeNamed(w, pipeline.Down, e.Name, aux); err != nil {
				return err
			}
			if err := walkDir(w, childFS); err != nil {
				return err
			}
			if err := pipeline.WriteEnvelope(w, pipeline.Up, nil); err != nil {
				return err
			}
		case mdirent.EntFile:
			a := scanfile.Attr{
				Type:  scanfile.TypeFile,
				MTime: e.Info.ModTime().Unix(),
				Size:  e.Info.Size(),
				Mode:  uint16(e.Info.Mode().Perm()),
			}
			aux, err := a.EncodeAux()
			if err != nil {
				return err
			}
			if err := writeNamed(w, pipeline.File, e.Name, aux); err != nil {
				return err
			}
		case mdirent.EntRCS, mdirent.EntRCSAttic:
			typ := scanfile.TypeRCS
			tag := pipeline.RCS
			if e.Type == mdirent.EntRCSAttic {
				typ = scanfile.TypeRCSAttic
				tag = pipeline.RCSAttic
			}
			a := scanfile.Attr{
				Type:  typ,
				MTime: e.Info.ModTime().Unix(),
				Mode:  uint16(e.Info.Mode().Perm()),
			}
			aux, err := a.EncodeAux()
			if err != nil {
				return err
			}
			if err := writeNamed(w, tag, e.Name, aux); err != nil {
				return err
			}
		case mdirent.EntSymlink:
			target, err := os.Readlink(childFS)
			if err != nil {
				return fmt.Errorf("dirscan: readlink %s: %w", childFS, err)
			}
			if err := writeNamed(w, pipeline.Symlink, e.Name, []byte(target)); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeNamed writes `namelen:1 name trailer` as the payload of an envelope
// tagged tag.
func writeNamed(w io.Writer, tag pipeline.Tag, name string, trailer []byte) error {
	if len(name) > 0xff {
		return fmt.Errorf("dirscan: name %q exceeds 255 bytes", name)
	}
	payload := make([]byte, 0, 1+len(name)+len(trailer))
	payload = append(payload, byte(len(name)))
	payload = append(payload, name...)
	payload = append(payload, trailer...)
	return pipeline.WriteEnvelope(w, tag, payload)
}

// WalkScanfile reconstructs the DOWN/UP/FILE/RCS/RCS_ATTIC/SYMLINK stream
// from a cached Scanfile instead of re-reading the filesystem (§4.4:
// "If the client has a cached scanfile, it streams from the scanfile
// instead; directory entries in the scanfile are prefix-parent matched to
// reconstruct DOWN/UP structure"). sf.Records must already be sorted
// (scanfile.File's invariant).
func WalkScanfile(w io.Writer, sf *scanfile.File) error {
	var stack []string // relative directory paths currently open, root excluded
	for _, rec := range sf.Records {
		dir, name := splitParent(rec.Name)
		if err := descendTo(w, &stack, dir); err != nil {
			return err
		}
		switch rec.Type {
		case scanfile.TypeDir:
			// Directory records carry no frame of their own beyond the
			// DOWN that entering them emits. Descend now, so an empty
			// directory still gets its DOWN/UP pair; the UP is written
			// once a later record (or the end of the walk) leaves it.
			if err := descendTo(w, &stack, rec.Name); err != nil {
				return err
			}
		case scanfile.TypeFile:
			if err := writeNamed(w, pipeline.File, name, mustAux(rec)); err != nil {
				return err
			}
		case scanfile.TypeRCS:
			if err := writeNamed(w, pipeline.RCS, name, mustAux(rec)); err != nil {
				return err
			}
		case scanfile.TypeRCSAttic:
			if err := writeNamed(w, pipeline.RCSAttic, name, mustAux(rec)); err != nil {
				return err
			}
		case scanfile.TypeSymlink:
			if err := writeNamed(w, pipeline.Symlink, name, []byte(rec.Target)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("dirscan: scanfile record %q has unknown type %q", rec.Name, byte(rec.Type))
		}
	}
	for len(stack) > 0 {
		if err := pipeline.WriteEnvelope(w, pipeline.Up, nil); err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
	}
	return pipeline.WriteEnd(w)
}

func mustAux(rec scanfile.Attr) []byte {
	aux, err := rec.EncodeAux()
	if err != nil {
		// rec came from a previously-validated Scanfile; its aux shape was
		// already checked on load.
		panic(err)
	}
	return aux
}

// descendTo emits DOWN frames for every path component between the
// currently open stack and dir, popping with UP frames for any divergent
// suffix first.
func descendTo(w io.Writer, stack *[]string, dir string) error {
	if dir == "." {
		dir = ""
	}
	var target []string
	if dir != "" {
		target = splitPath(dir)
	}
	common := 0
	for common < len(*stack) && common < len(target) && (*stack)[common] == target[common] {
		common++
	}
	for len(*stack) > common {
		if err := pipeline.WriteEnvelope(w, pipeline.Up, nil); err != nil {
			return err
		}
		*stack = (*stack)[:len(*stack)-1]
	}
	for _, comp := range target[common:] {
		aux, err := scanfile.Attr{Type: scanfile.TypeDir, Mode: 0o755}.EncodeAux()
		if err != nil {
			return err
		}
		if err := writeNamed(w, pipeline.Down, comp, aux); err != nil {
			return err
		}
		*stack = append(*stack, comp)
	}
	return nil
}

// splitPath splits a "/"-joined relative scanfile path into its
// components. Scanfile record names always use "/" regardless of the
// host's path separator (§3).
func splitPath(p string) []string {
	return strings.Split(p, "/")
}

func splitParent(name string) (dir, leaf string) {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
