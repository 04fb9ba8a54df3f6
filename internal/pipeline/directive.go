package pipeline

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cvsync/cvsync/internal/scanfile"
)

// Directive is one ADD/REMOVE/SETATTR/UPDATE/RCS_ATTIC frame on the
// DirCmp→FileScan or FileScan→FileCmp channel (§4.5, §4.6, §6). Name is
// the full collection-relative path (unlike DirScan's per-level leaf
// names), since this stream carries no DOWN/UP nesting.
type Directive struct {
	Tag       Tag
	EntryType scanfile.Type
	Name      string
	Aux       []byte // type-specific trailer; see scanfile.DecodeAux
}

// WriteDirective writes `type:1 namelen:2 name attr…` as the payload of an
// envelope tagged d.Tag (§4.5).
func WriteDirective(w io.Writer, d Directive) error {
	if len(d.Name) > 0xffff {
		return fmt.Errorf("pipeline: directive name %q exceeds 65535 bytes", d.Name)
	}
	payload := make([]byte, 0, 3+len(d.Name)+len(d.Aux))
	payload = append(payload, byte(d.EntryType))
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(d.Name)))
	payload = append(payload, nameLen[:]...)
	payload = append(payload, d.Name...)
	payload = append(payload, d.Aux...)
	return WriteEnvelope(w, d.Tag, payload)
}

// ReadDirective reads one Directive frame. A caller that only expects
// control frames (START/END) should call ReadEnvelope directly instead.
func ReadDirective(r io.Reader) (Directive, error) {
	tag, payload, err := ReadEnvelope(r)
	if err != nil {
		return Directive{}, err
	}
	if tag == Start || tag == End {
		return Directive{Tag: tag}, nil
	}
	if len(payload) < 3 {
		return Directive{}, fmt.Errorf("pipeline: truncated directive payload")
	}
	entryType := scanfile.Type(payload[0])
	nameLen := int(binary.BigEndian.Uint16(payload[1:3]))
	rest := payload[3:]
	if len(rest) < nameLen {
		return Directive{}, fmt.Errorf("pipeline: truncated directive name")
	}
	name := string(rest[:nameLen])
	aux := rest[nameLen:]
	return Directive{Tag: tag, EntryType: entryType, Name: name, Aux: aux}, nil
}
