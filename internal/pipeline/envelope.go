package pipeline

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload is the largest payload (excluding the tag byte) an envelope
// can carry: length is a 2-byte field counting from tag onward, so
// length-1 bytes of payload fit in a uint16 minus the tag byte.
const MaxPayload = 0xffff - 1

// WriteEnvelope writes one `length:2 tag:1 payload[length-1]` frame
// (§4.3), where length counts bytes starting at tag.
func WriteEnvelope(w io.Writer, tag Tag, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("pipeline: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	length := uint16(len(payload) + 1)
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[0:2], length)
	hdr[2] = byte(tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadEnvelope reads one frame and returns its tag and payload.
func ReadEnvelope(r io.Reader) (Tag, []byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(hdr[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("pipeline: envelope length 0 (must include at least the tag byte)")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return Tag(body[0]), body[1:], nil
}

// WriteStart emits a START envelope: `namelen:1 relnamelen:1 name relname`
// (§4.3).
func WriteStart(w io.Writer, name, relname string) error {
	if len(name) > 0xff || len(relname) > 0xff {
		return fmt.Errorf("pipeline: START name/relname exceeds 255 bytes")
	}
	payload := make([]byte, 0, 2+len(name)+len(relname))
	payload = append(payload, byte(len(name)), byte(len(relname)))
	payload = append(payload, name...)
	payload = append(payload, relname...)
	return WriteEnvelope(w, Start, payload)
}

// ReadStart reads a START envelope and returns its name/relname.
func ReadStart(r io.Reader) (name, relname string, err error) {
	tag, payload, err := ReadEnvelope(r)
	if err != nil {
		return "", "", err
	}
	if tag != Start {
		return "", "", fmt.Errorf("pipeline: expected START, got tag %#x", byte(tag))
	}
	if len(payload) < 2 {
		return "", "", fmt.Errorf("pipeline: truncated START payload")
	}
	nameLen := int(payload[0])
	relLen := int(payload[1])
	payload = payload[2:]
	if len(payload) < nameLen+relLen {
		return "", "", fmt.Errorf("pipeline: truncated START name/relname")
	}
	name = string(payload[:nameLen])
	relname = string(payload[nameLen : nameLen+relLen])
	return name, relname, nil
}

// WriteEnd emits an END envelope with no payload.
func WriteEnd(w io.Writer) error {
	return WriteEnvelope(w, End, nil)
}
