package mdirent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadMergesAttic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.c,v"))
	writeFile(t, filepath.Join(dir, "plain.txt"))
	if err := os.Mkdir(filepath.Join(dir, "Attic"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "Attic", "b.c,v"))
	writeFile(t, filepath.Join(dir, ".cvsync.abcdef"))

	entries, inconsistent, err := Read(dir, ErrorAbort)
	if err != nil {
		t.Fatal(err)
	}
	if len(inconsistent) != 0 {
		t.Errorf("unexpected inconsistency: %v", inconsistent)
	}
	want := map[string]EntryType{
		"a.c,v":    EntRCS,
		"plain.txt": EntFile,
		"b.c,v":    EntRCSAttic,
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for _, e := range entries {
		wt, ok := want[e.Name]
		if !ok {
			t.Errorf("unexpected entry %q", e.Name)
			continue
		}
		if e.Type != wt {
			t.Errorf("entry %q: type = %c, want %c", e.Name, e.Type, wt)
		}
	}
	// Sorted order check.
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name >= entries[i].Name {
			t.Errorf("entries not sorted: %q >= %q", entries[i-1].Name, entries[i].Name)
		}
	}
}

func TestReadDetectsInconsistencyAbort(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.c,v"))
	if err := os.Mkdir(filepath.Join(dir, "Attic"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "Attic", "a.c,v"))

	if _, _, err := Read(dir, ErrorAbort); err == nil {
		t.Fatal("expected error for abort errormode")
	}
}

func TestReadDetectsInconsistencyIgnore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.c,v"))
	if err := os.Mkdir(filepath.Join(dir, "Attic"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "Attic", "a.c,v"))

	entries, inconsistent, err := Read(dir, ErrorIgnore)
	if err != nil {
		t.Fatal(err)
	}
	if len(inconsistent) != 1 || inconsistent[0] != "a.c,v" {
		t.Fatalf("inconsistent = %v", inconsistent)
	}
	if len(entries) != 1 || entries[0].Attic {
		t.Fatalf("expected main entry to win under ignore, got %+v", entries)
	}
}
