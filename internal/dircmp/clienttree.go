package dircmp

import (
	"fmt"
	"io"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/scanfile"
)

// clientEntry is one parsed DirScan frame (§4.4), reconstructed into a
// tree so DirCmp's merge walk can recurse into directories symmetrically
// on both the client (in-memory) and server (filesystem) sides.
type clientEntry struct {
	Type     scanfile.Type // 'D' for directories, else matches the DirScan tag
	Name     string        // leaf name within its parent
	Attr     scanfile.Attr
	Target   string // symlink only
	Children []clientEntry
}

// parseClientTree reads a full DirScan stream (every DOWN/UP/FILE/RCS/
// RCS_ATTIC/SYMLINK frame through the terminating END) and returns the
// root-level entries, sorted as the client emitted them (§4.4 requires
// sorted order already).
func parseClientTree(r io.Reader) ([]clientEntry, error) {
	entries, term, err := parseClientLevel(r)
	if err != nil {
		return nil, err
	}
	if term != pipeline.End {
		return nil, fmt.Errorf("dircmp: expected END at top level, got tag %#x", byte(term))
	}
	return entries, nil
}

func parseClientLevel(r io.Reader) ([]clientEntry, pipeline.Tag, error) {
	var entries []clientEntry
	for {
		tag, payload, err := pipeline.ReadEnvelope(r)
		if err != nil {
			return nil, 0, err
		}
		switch tag {
		case pipeline.Up, pipeline.End:
			return entries, tag, nil
		case pipeline.Down:
			name, aux, err := splitNamed(payload)
			if err != nil {
				return nil, 0, err
			}
			attr, err := scanfile.DecodeAux(scanfile.TypeDir, name, aux)
			if err != nil {
				return nil, 0, err
			}
			children, term, err := parseClientLevel(r)
			if err != nil {
				return nil, 0, err
			}
			if term != pipeline.Up {
				return nil, 0, fmt.Errorf("dircmp: unterminated DOWN for %q", name)
			}
			entries = append(entries, clientEntry{Type: scanfile.TypeDir, Name: name, Attr: attr, Children: children})
		case pipeline.File:
			name, aux, err := splitNamed(payload)
			if err != nil {
				return nil, 0, err
			}
			attr, err := scanfile.DecodeAux(scanfile.TypeFile, name, aux)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, clientEntry{Type: scanfile.TypeFile, Name: name, Attr: attr})
		case pipeline.RCS, pipeline.RCSAttic:
			typ := scanfile.TypeRCS
			if tag == pipeline.RCSAttic {
				typ = scanfile.TypeRCSAttic
			}
			name, aux, err := splitNamed(payload)
			if err != nil {
				return nil, 0, err
			}
			attr, err := scanfile.DecodeAux(typ, name, aux)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, clientEntry{Type: typ, Name: name, Attr: attr})
		case pipeline.Symlink:
			name, target, err := splitNamed(payload)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, clientEntry{Type: scanfile.TypeSymlink, Name: name, Target: string(target)})
		default:
			return nil, 0, fmt.Errorf("dircmp: unexpected tag %#x in DirScan stream", byte(tag))
		}
	}
}

// splitNamed parses the `namelen:1 name trailer` payload shape DirScan
// frames use.
func splitNamed(payload []byte) (name string, trailer []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("dircmp: truncated frame payload")
	}
	nameLen := int(payload[0])
	if len(payload) < 1+nameLen {
		return "", nil, fmt.Errorf("dircmp: truncated frame name")
	}
	return string(payload[1 : 1+nameLen]), payload[1+nameLen:], nil
}
