// Package scanfile implements the Scanfile entity from §3: a persistent,
// sorted, on-disk inventory of a collection, plus the attribute records
// each entry carries.
//
// The record codec mirrors gokrazy/rsync's own struct-field wire codecs
// (internal/rsyncd/rsyncd.go's sumHead read/write pair): small, explicit
// big-endian field-by-field readers and writers rather than reflection or
// a serialization library.
package scanfile

import (
	"encoding/binary"
	"fmt"
)

// Type is an attribute record's entry type (§3).
type Type byte

const (
	TypeDir     Type = 'D'
	TypeFile    Type = 'F'
	TypeRCS     Type = 'R'
	TypeRCSAttic Type = 'r'
	TypeSymlink Type = 'S'
)

func (t Type) String() string {
	return string(rune(t))
}

// Attr is one attribute record: a compact tuple of (type, name, auxiliary)
// as described in §3.
type Attr struct {
	Type Type
	Name string

	// Fields below are populated according to Type; zero otherwise.
	Mode   uint16 // D, F, R, r
	MTime  int64  // F, R, r (seconds since epoch)
	Size   int64  // F
	Target string // S
}

// EncodeAux returns the type-specific auxiliary payload (§3).
func (a Attr) EncodeAux() ([]byte, error) {
	switch a.Type {
	case TypeDir:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, a.Mode)
		return buf, nil
	case TypeFile:
		buf := make([]byte, 18)
		binary.BigEndian.PutUint64(buf[0:8], uint64(a.MTime))
		binary.BigEndian.PutUint64(buf[8:16], uint64(a.Size))
		binary.BigEndian.PutUint16(buf[16:18], a.Mode)
		return buf, nil
	case TypeRCS, TypeRCSAttic:
		buf := make([]byte, 10)
		binary.BigEndian.PutUint64(buf[0:8], uint64(a.MTime))
		binary.BigEndian.PutUint16(buf[8:10], a.Mode)
		return buf, nil
	case TypeSymlink:
		return []byte(a.Target), nil
	default:
		return nil, fmt.Errorf("scanfile: unknown attr type %q", byte(a.Type))
	}
}

// DecodeAux returns the Attr with the given type and name, its
// type-specific fields filled in from the auxiliary payload aux.
func DecodeAux(typ Type, name string, aux []byte) (Attr, error) {
	a := Attr{Type: typ, Name: name}
	switch typ {
	case TypeDir:
		if len(aux) != 2 {
			return a, fmt.Errorf("scanfile: dir aux must be 2 bytes, got %d", len(aux))
		}
		a.Mode = binary.BigEndian.Uint16(aux)
	case TypeFile:
		if len(aux) != 18 {
			return a, fmt.Errorf("scanfile: file aux must be 18 bytes, got %d", len(aux))
		}
		a.MTime = int64(binary.BigEndian.Uint64(aux[0:8]))
		a.Size = int64(binary.BigEndian.Uint64(aux[8:16]))
		a.Mode = binary.BigEndian.Uint16(aux[16:18])
	case TypeRCS, TypeRCSAttic:
		if len(aux) != 10 {
			return a, fmt.Errorf("scanfile: rcs aux must be 10 bytes, got %d", len(aux))
		}
		a.MTime = int64(binary.BigEndian.Uint64(aux[0:8]))
		a.Mode = binary.BigEndian.Uint16(aux[8:10])
	case TypeSymlink:
		a.Target = string(aux)
	default:
		return a, fmt.Errorf("scanfile: unknown attr type %q", byte(typ))
	}
	return a, nil
}

// MaskMode applies RCS_MODE(m, u) = (m & ~umask) & (S_IRWXU|S_IRWXG|S_IRWXO)
// (§3 invariant, original_source/common/attribute.h RCS_MODE).
func MaskMode(mode, umask uint16) uint16 {
	const rwxAll = 0o777
	return (mode &^ umask) & rwxAll
}
