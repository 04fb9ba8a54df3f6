package dirscan

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvsync/cvsync/internal/pipeline"
	"github.com/cvsync/cvsync/internal/scanfile"
)

func TestWalkEmitsDownFileUpEnd(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "a.c,v"), []byte("rcs"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Walk(&buf, root); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	var tags []pipeline.Tag
	names := map[pipeline.Tag]string{}
	for {
		tag, payload, err := pipeline.ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		tags = append(tags, tag)
		if tag == pipeline.End {
			break
		}
		if tag != pipeline.Up && len(payload) > 0 {
			nameLen := int(payload[0])
			names[tag] = string(payload[1 : 1+nameLen])
		}
	}

	want := []pipeline.Tag{pipeline.Down, pipeline.RCS, pipeline.File, pipeline.Up, pipeline.End}
	if len(tags) != len(want) {
		t.Fatalf("got %d tags %v, want %d %v", len(tags), tags, len(want), want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %#x, want %#x", i, byte(tags[i]), byte(want[i]))
		}
	}
	if names[pipeline.Down] != "sub" {
		t.Errorf("DOWN name = %q, want sub", names[pipeline.Down])
	}
	if names[pipeline.File] != "a.txt" {
		t.Errorf("FILE name = %q, want a.txt", names[pipeline.File])
	}
	if names[pipeline.RCS] != "a.c,v" {
		t.Errorf("RCS name = %q, want a.c,v", names[pipeline.RCS])
	}
}

func TestWalkEmptyDir(t *testing.T) {
	root := t.TempDir()
	var buf bytes.Buffer
	if err := Walk(&buf, root); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	tag, _, err := pipeline.ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if tag != pipeline.End {
		t.Errorf("tag = %#x, want END", byte(tag))
	}
}

func TestWalkScanfileReconstructsNesting(t *testing.T) {
	sf := &scanfile.File{}
	sf.Insert(scanfile.Attr{Type: scanfile.TypeDir, Name: "a", Mode: 0o755})
	sf.Insert(scanfile.Attr{Type: scanfile.TypeFile, Name: "a/x.txt", Size: 3, MTime: 1})
	sf.Insert(scanfile.Attr{Type: scanfile.TypeDir, Name: "a/b", Mode: 0o755})
	sf.Insert(scanfile.Attr{Type: scanfile.TypeRCS, Name: "a/b/y.c,v", MTime: 2})

	var buf bytes.Buffer
	if err := WalkScanfile(&buf, sf); err != nil {
		t.Fatalf("WalkScanfile: %v", err)
	}

	var tags []pipeline.Tag
	for {
		tag, _, err := pipeline.ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		tags = append(tags, tag)
		if tag == pipeline.End {
			break
		}
	}
	want := []pipeline.Tag{
		pipeline.Down, pipeline.Down, pipeline.RCS, pipeline.Up, pipeline.File, pipeline.Up, pipeline.End,
	}
	if len(tags) != len(want) {
		t.Fatalf("got %d tags %v, want %d %v", len(tags), tags, len(want), want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %#x, want %#x", i, byte(tags[i]), byte(want[i]))
		}
	}
}
