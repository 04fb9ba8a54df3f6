package updater

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
	"github.com/cvsync/cvsync/internal/scanfile"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func writeGenericBody(t *testing.T, w *bytes.Buffer, data []byte) {
	t.Helper()
	h := sha1.New()
	h.Write(data)
	payload := append(appendUint64(nil, uint64(len(data))), data...)
	payload = append(payload, h.Sum(nil)...)
	if err := pipeline.WriteEnvelope(w, pipeline.Generic, payload); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
}

func dirAux(t *testing.T, mode uint16) []byte {
	t.Helper()
	aux, err := scanfile.Attr{Type: scanfile.TypeDir, Mode: mode}.EncodeAux()
	if err != nil {
		t.Fatal(err)
	}
	return aux
}

func fileAux(t *testing.T, mode uint16, mtime, size int64) []byte {
	t.Helper()
	aux, err := scanfile.Attr{Type: scanfile.TypeFile, Mode: mode, MTime: mtime, Size: size}.EncodeAux()
	if err != nil {
		t.Fatal(err)
	}
	return aux
}

func symlinkAux(t *testing.T, target string) []byte {
	t.Helper()
	aux, err := scanfile.Attr{Type: scanfile.TypeSymlink, Target: target}.EncodeAux()
	if err != nil {
		t.Fatal(err)
	}
	return aux
}

func TestRunAddDir(t *testing.T) {
	root := t.TempDir()
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Add, EntryType: scanfile.TypeDir, Name: "sub", Aux: dirAux(t, 0o755),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	fi, err := os.Stat(filepath.Join(root, "sub"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !fi.IsDir() {
		t.Errorf("sub is not a directory")
	}
}

func TestRunAddFile(t *testing.T) {
	root := t.TempDir()
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Add, EntryType: scanfile.TypeFile, Name: "a.txt",
		Aux: fileAux(t, 0o644, 1700000000, 5),
	}); err != nil {
		t.Fatal(err)
	}
	writeGenericBody(t, &in, []byte("hello"))
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	sf := &scanfile.File{}
	u := &Updater{Root: root, Scanfile: sf}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
	if _, ok := sf.Find("a.txt"); !ok {
		t.Errorf("scanfile record not inserted for a.txt")
	}
}

func TestRunAddFileHashMismatchFails(t *testing.T) {
	root := t.TempDir()
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Add, EntryType: scanfile.TypeFile, Name: "a.txt",
		Aux: fileAux(t, 0o644, 1700000000, 5),
	}); err != nil {
		t.Fatal(err)
	}
	h := sha1.New()
	h.Write([]byte("wrong hash entirely"))
	payload := append(appendUint64(nil, uint64(len("hello"))), []byte("hello")...)
	payload = append(payload, h.Sum(nil)...)
	if err := pipeline.WriteEnvelope(&in, pipeline.Generic, payload); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(&in, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err == nil {
		t.Fatal("Run: want error on hash mismatch, got nil")
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("a.txt should not exist after a failed verify, stat err = %v", err)
	}
}

func TestRunAddSymlink(t *testing.T) {
	root := t.TempDir()
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Add, EntryType: scanfile.TypeSymlink, Name: "link", Aux: symlinkAux(t, "target"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	target, err := os.Readlink(filepath.Join(root, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "target" {
		t.Errorf("target = %q, want target", target)
	}
}

func TestRunRemoveFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Remove, EntryType: scanfile.TypeFile, Name: "a.txt",
	}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	sf := &scanfile.File{}
	sf.Insert(scanfile.Attr{Type: scanfile.TypeFile, Name: "a.txt"})
	u := &Updater{Root: root, Scanfile: sf}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("a.txt still exists, stat err = %v", err)
	}
	if _, ok := sf.Find("a.txt"); ok {
		t.Errorf("scanfile record not removed for a.txt")
	}
}

func TestRunSetAttr(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.SetAttr, EntryType: scanfile.TypeFile, Name: "a.txt",
		Aux: fileAux(t, 0o644, 1700000000, 2),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	fi, err := os.Stat(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Mode().Perm() != 0o644 {
		t.Errorf("mode = %o, want 0644", fi.Mode().Perm())
	}
	if fi.ModTime().Unix() != 1700000000 {
		t.Errorf("mtime = %d, want 1700000000", fi.ModTime().Unix())
	}
}

func TestRunUpdateFileGeneric(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Update, EntryType: scanfile.TypeFile, Name: "a.txt",
		Aux: fileAux(t, 0o644, 1700000000, 3),
	}); err != nil {
		t.Fatal(err)
	}
	writeGenericBody(t, &in, []byte("new"))
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("content = %q, want new", got)
	}
}

func TestRunUpdateSymlink(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink("oldtarget", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.Update, EntryType: scanfile.TypeSymlink, Name: "link", Aux: symlinkAux(t, "newtarget"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	target, err := os.Readlink(filepath.Join(root, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "newtarget" {
		t.Errorf("target = %q, want newtarget", target)
	}
}

// writeStr8Field writes {len:1, value} as the payload of tag.
func writeStr8Field(t *testing.T, w *bytes.Buffer, tag pipeline.Tag, value string) {
	t.Helper()
	payload := append([]byte{byte(len(value))}, value...)
	if err := pipeline.WriteEnvelope(w, tag, payload); err != nil {
		t.Fatal(err)
	}
}

// writeEmptyMerge writes a group-open marker with no ops, immediately
// followed by UPDATE_END (matches rcsdiffer.go's writeIDListMerge etc.
// when both sides already agree).
func writeEmptyMerge(t *testing.T, w *bytes.Buffer, tag pipeline.Tag) {
	t.Helper()
	if err := pipeline.WriteEnvelope(w, tag, nil); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
}

// writeRCSStructuredBody writes a full compareRCS-shaped stream (§4.8) for
// a change that only touches Admin.Head, with the ACCESS/SYMBOLS/LOCKS
// groups empty and DELTA/DELTATEXT taking the identical-table fast path.
func writeRCSStructuredBody(t *testing.T, w *bytes.Buffer, admin rcslib.Admin, desc string) {
	t.Helper()
	if err := pipeline.WriteEnvelope(w, pipeline.RCSBody, nil); err != nil {
		t.Fatal(err)
	}
	writeStr8Field(t, w, pipeline.Head, admin.Head)
	writeStr8Field(t, w, pipeline.Branch, admin.Branch)
	writeEmptyMerge(t, w, pipeline.Access)
	writeEmptyMerge(t, w, pipeline.Symbols)
	writeEmptyMerge(t, w, pipeline.Locks)
	writeStr8Field(t, w, pipeline.Comment, admin.Comment)
	writeStr8Field(t, w, pipeline.Expand, admin.Expand)
	if err := pipeline.WriteEnvelope(w, pipeline.Delta, []byte{0}); err != nil {
		t.Fatal(err)
	}
	writeStr8Field(t, w, pipeline.Desc, desc)
	if err := pipeline.WriteEnvelope(w, pipeline.DeltaText, []byte{0}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(w, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
}

func TestRunRCSAtticMoveReconstructsFile(t *testing.T) {
	root := t.TempDir()
	basis := &rcslib.File{
		Admin: rcslib.Admin{Head: "1.1", Strict: true, Expand: "kv"},
		Deltas: []rcslib.Delta{
			{Num: "1.1", Date: "2024.01.01.00.00.00", Author: "stapelberg", State: "Exp", Next: ""},
		},
		Desc: "d",
		DeltaTexts: []rcslib.DeltaText{
			{Num: "1.1", Log: "l\n", Text: "t\n"},
		},
	}
	basisData := rcslib.Encode(basis)
	if err := os.WriteFile(filepath.Join(root, "a.c,v"), basisData, 0o644); err != nil {
		t.Fatal(err)
	}

	// The server's Head advanced to 1.2 while the delta/deltatext tables
	// stayed the same (e.g. a retagged HEAD with no new revision), so the
	// DELTA/DELTATEXT merges both take the fast path and the reconstructed
	// file keeps basis's tables unchanged.
	want := &rcslib.File{
		Admin:      rcslib.Admin{Head: "1.2", Strict: true, Expand: "kv"},
		Deltas:     basis.Deltas,
		Desc:       "d",
		DeltaTexts: basis.DeltaTexts,
	}

	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{
		Tag: pipeline.RCSAttic, EntryType: scanfile.TypeRCSAttic, Name: "a.c,v",
		Aux: fileAuxRCS(t, 0o644, 1700000100),
	}); err != nil {
		t.Fatal(err)
	}
	writeRCSStructuredBody(t, &in, want.Admin, want.Desc)
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	u := &Updater{Root: root}
	if err := u.Run(&in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "Attic", "a.c,v"))
	if err != nil {
		t.Fatalf("ReadFile(Attic): %v", err)
	}
	gotParsed, err := rcslib.Parse(got)
	if err != nil {
		t.Fatalf("Parse(got): %v", err)
	}
	if diff := cmp.Diff(want, gotParsed, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("reconstructed RCS file mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(root, "a.c,v")); !os.IsNotExist(err) {
		t.Errorf("main-tree a.c,v should have been removed, stat err = %v", err)
	}
}

func fileAuxRCS(t *testing.T, mode uint16, mtime int64) []byte {
	t.Helper()
	aux, err := scanfile.Attr{Type: scanfile.TypeRCSAttic, Mode: mode, MTime: mtime}.EncodeAux()
	if err != nil {
		t.Fatal(err)
	}
	return aux
}
