// Negotiation implements the handshake §4.2 explicitly leaves "out of
// scope in detail" but the pipeline depends on: protocol version, hash
// algorithm, compression, and the agreed collection list (§6).
package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cvsync/cvsync/internal/config"
	"github.com/cvsync/cvsync/internal/cvhash"
)

// ProtocolMajor is this build's wire-protocol major version; a peer with a
// different major is rejected. The minor version is sent in the banner,
// but the peer's minor is neither compared nor recorded, and no wire
// format depends on it: the SYMBOLS merge is encoded the same way for
// every minor.
const ProtocolMajor = 1

// OurMinor is the highest minor version this build speaks.
const OurMinor = 24

// banner is the connection-setup handshake record (§6): `{major:2,
// minor:2, muxsize:2, mss:2}`.
type banner struct {
	Major, Minor   uint16
	MuxSize, MSS   uint16
}

func writeBanner(w io.Writer, b banner) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], b.Major)
	binary.BigEndian.PutUint16(buf[2:4], b.Minor)
	binary.BigEndian.PutUint16(buf[4:6], b.MuxSize)
	binary.BigEndian.PutUint16(buf[6:8], b.MSS)
	_, err := w.Write(buf[:])
	return err
}

func readBanner(r io.Reader) (banner, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return banner{}, err
	}
	return banner{
		Major:   binary.BigEndian.Uint16(buf[0:2]),
		Minor:   binary.BigEndian.Uint16(buf[2:4]),
		MuxSize: binary.BigEndian.Uint16(buf[4:6]),
		MSS:     binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// exchangeBanner writes local then reads the peer's; for TCP-sized
// handshake records this never deadlocks (both sides write well within
// the socket send buffer before either blocks on read).
func exchangeBanner(rw io.ReadWriter, local banner) (banner, error) {
	if err := writeBanner(rw, local); err != nil {
		return banner{}, fmt.Errorf("session: writing banner: %w", err)
	}
	peer, err := readBanner(rw)
	if err != nil {
		return banner{}, fmt.Errorf("session: reading peer banner: %w", err)
	}
	return peer, nil
}

func writeHashNames(w io.Writer, algos []cvhash.Algorithm) error {
	if len(algos) > 0xff {
		return fmt.Errorf("session: too many hash algorithms to advertise")
	}
	if err := writeByte(w, byte(len(algos))); err != nil {
		return err
	}
	for _, a := range algos {
		if err := writeNamed(w, string(a)); err != nil {
			return err
		}
	}
	return nil
}

func readHashNames(r io.Reader) ([]cvhash.Algorithm, error) {
	n, err := readByte(r)
	if err != nil {
		return nil, err
	}
	out := make([]cvhash.Algorithm, n)
	for i := range out {
		name, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		out[i] = cvhash.Algorithm(name)
	}
	return out, nil
}

func exchangeHashNames(rw io.ReadWriter, ours []cvhash.Algorithm) ([]cvhash.Algorithm, error) {
	if err := writeHashNames(rw, ours); err != nil {
		return nil, fmt.Errorf("session: writing hash names: %w", err)
	}
	theirs, err := readHashNames(rw)
	if err != nil {
		return nil, fmt.Errorf("session: reading peer hash names: %w", err)
	}
	return theirs, nil
}

func exchangeCompress(rw io.ReadWriter, want bool) (bool, error) {
	var flag byte
	if want {
		flag = 1
	}
	if err := writeByte(rw, flag); err != nil {
		return false, fmt.Errorf("session: writing compress flag: %w", err)
	}
	peerFlag, err := readByte(rw)
	if err != nil {
		return false, fmt.Errorf("session: reading peer compress flag: %w", err)
	}
	return want && peerFlag != 0, nil
}

// collectionRecord is the wire shape of one collection-list entry (§4.2,
// §6): name, release, umask, errormode, rprefix. prefix is never sent —
// it is a server-local filesystem path the client has no use for.
type collectionRecord struct {
	Name, Release, RPrefix, ErrorMode string
	Umask                             uint16
}

// writeCollectionList sends the server's offered list terminated by an
// empty record (namelen=0).
func writeCollectionList(w io.Writer, cols []config.Collection) error {
	for _, c := range cols {
		if err := writeNamed(w, c.Name); err != nil {
			return err
		}
		if err := writeNamed(w, c.Release); err != nil {
			return err
		}
		if err := writeNamed(w, c.RPrefix); err != nil {
			return err
		}
		if err := writeNamed(w, c.ErrorMode); err != nil {
			return err
		}
		var umaskBuf [2]byte
		binary.BigEndian.PutUint16(umaskBuf[:], c.Umask)
		if _, err := w.Write(umaskBuf[:]); err != nil {
			return err
		}
	}
	return writeNamed(w, "") // terminator
}

func readCollectionList(r io.Reader) ([]collectionRecord, error) {
	var out []collectionRecord
	for {
		name, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return out, nil
		}
		release, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		rprefix, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		errorMode, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		var umaskBuf [2]byte
		if _, err := io.ReadFull(r, umaskBuf[:]); err != nil {
			return nil, err
		}
		out = append(out, collectionRecord{
			Name: name, Release: release, RPrefix: rprefix, ErrorMode: errorMode,
			Umask: binary.BigEndian.Uint16(umaskBuf[:]),
		})
	}
}

// writeCollectionSelection sends the client's chosen subset of names,
// terminated by an empty name.
func writeCollectionSelection(w io.Writer, names []string) error {
	for _, n := range names {
		if err := writeNamed(w, n); err != nil {
			return err
		}
	}
	return writeNamed(w, "")
}

func readCollectionSelection(r io.Reader) ([]string, error) {
	var out []string
	for {
		name, err := readNamed(r)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return out, nil
		}
		out = append(out, name)
	}
}

func writeNamed(w io.Writer, s string) error {
	if len(s) > 0xff {
		return fmt.Errorf("session: name %q exceeds 255 bytes", s)
	}
	if err := writeByte(w, byte(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readNamed(r io.Reader) (string, error) {
	n, err := readByte(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
