package filecmp

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvsync/cvsync/internal/filescan"
	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/rcslib"
	"github.com/cvsync/cvsync/internal/scanfile"
)

func writeUpdateStream(t *testing.T, hdr pipeline.Directive, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := pipeline.WriteDirective(&buf, hdr); err != nil {
		t.Fatal(err)
	}
	h := sha1.New()
	h.Write(data)
	payload := append(appendUint64(nil, uint64(len(data))), data...)
	payload = append(payload, h.Sum(nil)...)
	if err := pipeline.WriteEnvelope(&buf, pipeline.Generic, payload); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(&buf, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRunGenericMatchEmitsSetAttr(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := writeUpdateStream(t, pipeline.Directive{Tag: pipeline.Update, EntryType: scanfile.TypeFile, Name: "a.txt"}, []byte("hello"))

	var out bytes.Buffer
	if err := Run(&out, bytes.NewReader(in), root, sha1.New, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := pipeline.ReadDirective(&out)
	if err != nil {
		t.Fatalf("ReadDirective: %v", err)
	}
	if d.Tag != pipeline.SetAttr || d.Name != "a.txt" {
		t.Fatalf("got %+v, want SETATTR a.txt", d)
	}
}

func TestRunGenericMismatchEmitsFullCopy(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("goodbye"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := writeUpdateStream(t, pipeline.Directive{Tag: pipeline.Update, EntryType: scanfile.TypeFile, Name: "a.txt"}, []byte("hello"))

	var out bytes.Buffer
	if err := Run(&out, bytes.NewReader(in), root, sha1.New, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := pipeline.ReadDirective(&out)
	if err != nil {
		t.Fatalf("ReadDirective: %v", err)
	}
	if d.Tag != pipeline.Update {
		t.Fatalf("got %+v, want UPDATE", d)
	}
	tag, payload, err := pipeline.ReadEnvelope(&out)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if tag != pipeline.Generic {
		t.Fatalf("inner tag = %#x, want GENERIC", byte(tag))
	}
	g, err := filescan.DecodeGeneric(payload, sha1.Size)
	if err != nil {
		t.Fatalf("DecodeGeneric: %v", err)
	}
	if string(g.Data) != "goodbye" {
		t.Errorf("g.Data = %q, want goodbye (server content)", g.Data)
	}
}

func TestRunForwardsDirAddVerbatim(t *testing.T) {
	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{Tag: pipeline.Add, EntryType: scanfile.TypeDir, Name: "newdir"}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Run(&out, &in, t.TempDir(), sha1.New, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := pipeline.ReadDirective(&out)
	if err != nil {
		t.Fatalf("ReadDirective: %v", err)
	}
	if d.Tag != pipeline.Add || d.Name != "newdir" {
		t.Errorf("got %+v, want ADD newdir", d)
	}
}

func TestRunAddFileOriginatesContentBody(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("server content"), 0o644); err != nil {
		t.Fatal(err)
	}

	var in bytes.Buffer
	if err := pipeline.WriteDirective(&in, pipeline.Directive{Tag: pipeline.Add, EntryType: scanfile.TypeFile, Name: "new.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&in); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Run(&out, &in, root, sha1.New, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := pipeline.ReadDirective(&out)
	if err != nil {
		t.Fatalf("ReadDirective: %v", err)
	}
	if d.Tag != pipeline.Add || d.Name != "new.txt" {
		t.Fatalf("got %+v, want ADD new.txt", d)
	}
	tag, payload, err := pipeline.ReadEnvelope(&out)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if tag != pipeline.Generic {
		t.Fatalf("inner tag = %#x, want GENERIC", byte(tag))
	}
	g, err := filescan.DecodeGeneric(payload, sha1.Size)
	if err != nil {
		t.Fatalf("DecodeGeneric: %v", err)
	}
	if string(g.Data) != "server content" {
		t.Errorf("g.Data = %q, want %q", g.Data, "server content")
	}
}

func writeRCSBodyStream(t *testing.T, hdr pipeline.Directive, f *rcslib.File) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := pipeline.WriteDirective(&buf, hdr); err != nil {
		t.Fatal(err)
	}
	summary := filescan.NewRCSSummary(f, sha1.New)
	if err := pipeline.WriteEnvelope(&buf, pipeline.RCSBody, filescan.EncodeRCSSummary(summary)); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnvelope(&buf, pipeline.UpdateEnd, nil); err != nil {
		t.Fatal(err)
	}
	if err := pipeline.WriteEnd(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRunRCSBodyIdenticalSkipsDeltaWalk(t *testing.T) {
	root := t.TempDir()
	f := &rcslib.File{
		Admin: rcslib.Admin{Head: "1.1", Strict: true, Expand: "kv"},
		Deltas: []rcslib.Delta{
			{Num: "1.1", Date: "2024.01.01.00.00.00", Author: "stapelberg", State: "Exp"},
		},
		Desc: "d",
		DeltaTexts: []rcslib.DeltaText{
			{Num: "1.1", Log: "l\n", Text: "t\n"},
		},
	}
	data := rcslib.Encode(f)
	if err := os.WriteFile(filepath.Join(root, "a.c,v"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	in := writeRCSBodyStream(t, pipeline.Directive{Tag: pipeline.Update, EntryType: scanfile.TypeRCS, Name: "a.c,v"}, f)

	var out bytes.Buffer
	if err := Run(&out, bytes.NewReader(in), root, sha1.New, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := pipeline.ReadDirective(&out); err != nil {
		t.Fatalf("header: %v", err)
	}

	// RCSBody marker, HEAD, BRANCH, ACCESS(+END), SYMBOLS(+END), LOCKS(+END),
	// COMMENT, EXPAND = 1 + 1 + 1 + 2 + 2 + 2 + 1 + 1 = 11 envelopes.
	for i := 0; i < 11; i++ {
		if _, _, err := pipeline.ReadEnvelope(&out); err != nil {
			t.Fatalf("admin field %d: %v", i, err)
		}
	}
	tag, payload, err := pipeline.ReadEnvelope(&out)
	if err != nil {
		t.Fatalf("ReadEnvelope(delta): %v", err)
	}
	if tag != pipeline.Delta {
		t.Fatalf("tag = %#x, want DELTA", byte(tag))
	}
	if len(payload) != 1 || payload[0] != 0 {
		t.Errorf("delta fast-path marker = %v, want [0] (tables identical)", payload)
	}
}
