package filescan

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsync/cvsync/internal/rdiff"
)

// Generic is a decoded GENERIC inner body: the client's full file content
// plus its whole-file hash (§4.6).
type Generic struct {
	Data []byte
	Hash []byte
}

// DecodeGeneric parses a GENERIC body payload as written by writeGenericTagged.
func DecodeGeneric(payload []byte, hashLen int) (Generic, error) {
	if len(payload) < 8 {
		return Generic{}, fmt.Errorf("filescan: truncated GENERIC body")
	}
	size := binary.BigEndian.Uint64(payload[0:8])
	rest := payload[8:]
	if uint64(len(rest)) < size+uint64(hashLen) {
		return Generic{}, fmt.Errorf("filescan: GENERIC body shorter than declared size")
	}
	return Generic{Data: rest[:size], Hash: rest[size : size+uint64(hashLen)]}, nil
}

// RDIFFBody is a decoded RDIFF inner body: the client's file size, block
// size, and per-block signatures (§4.6).
type RDIFFBody struct {
	Size  int64
	BSize int
	Sigs  []rdiff.Signature
}

// DecodeRDIFF parses an RDIFF body payload as written by writeRDIFF.
func DecodeRDIFF(payload []byte) (RDIFFBody, error) {
	if len(payload) < 16 {
		return RDIFFBody{}, fmt.Errorf("filescan: truncated RDIFF body")
	}
	size := int64(binary.BigEndian.Uint64(payload[0:8]))
	bsize := int(binary.BigEndian.Uint32(payload[8:12]))
	n := int(binary.BigEndian.Uint32(payload[12:16]))
	payload = payload[16:]

	sigs := make([]rdiff.Signature, 0, n)
	off := int64(0)
	for i := 0; i < n; i++ {
		if len(payload) < 6 {
			return RDIFFBody{}, fmt.Errorf("filescan: truncated RDIFF signature %d", i)
		}
		weak := binary.BigEndian.Uint32(payload[0:4])
		strongLen := int(binary.BigEndian.Uint16(payload[4:6]))
		payload = payload[6:]
		if len(payload) < strongLen {
			return RDIFFBody{}, fmt.Errorf("filescan: truncated RDIFF strong checksum %d", i)
		}
		strong := payload[:strongLen]
		payload = payload[strongLen:]

		length := bsize
		if off+int64(bsize) > size {
			length = int(size - off)
		}
		sigs = append(sigs, rdiff.Signature{Offset: off, Length: length, Weak: weak, Strong: strong})
		off += int64(length)
	}
	return RDIFFBody{Size: size, BSize: bsize, Sigs: sigs}, nil
}
