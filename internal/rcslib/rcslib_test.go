package rcslib

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleFile() *File {
	return &File{
		Admin: Admin{
			Head:    "1.2",
			Access:  nil,
			Symbols: []Symbol{{Name: "RELEASE_1_0", Num: "1.1"}},
			Locks:   nil,
			Strict:  true,
			Comment: "# ",
			Expand:  "kv",
		},
		Deltas: []Delta{
			{
				Num:    "1.2",
				Date:   "2024.01.02.03.04.05",
				Author: "stapelberg",
				State:  "Exp",
				Next:   "1.1",
			},
			{
				Num:    "1.1",
				Date:   "2024.01.01.00.00.00",
				Author: "stapelberg",
				State:  "Exp",
				Next:   "",
			},
		},
		Desc: "example file",
		DeltaTexts: []DeltaText{
			{Num: "1.2", Log: "second revision\n", Text: "line one\nline two\n"},
			{Num: "1.1", Log: "initial revision\n", Text: "line one\n"},
		},
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	want := sampleFile()
	encoded := Encode(want)

	got, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse(Encode(f)) mismatch (-want +got):\n%s", diff)
	}

	reencoded := Encode(got)
	if string(reencoded) != string(encoded) {
		t.Errorf("re-encoding is not byte-stable:\n--- first ---\n%s\n--- second ---\n%s", encoded, reencoded)
	}
}

func TestParseEscapedAtSign(t *testing.T) {
	f := sampleFile()
	f.Desc = "contains @@ an at-sign"
	encoded := Encode(f)

	got, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Desc != f.Desc {
		t.Errorf("Desc = %q, want %q", got.Desc, f.Desc)
	}
}

func TestParseRejectsUnknownAdminKeyword(t *testing.T) {
	data := []byte("head\t1.1;\naccess;\nsymbols;\nlocks;\nbogus;\n\n1.1\ndate\t2024.01.01.00.00.00;\tauthor x;\tstate Exp;\nbranches;\nnext\t;\n\ndesc\n@d@\n\n1.1\nlog\n@l@\ntext\n@t@\n")
	if _, err := Parse(data); err == nil {
		t.Fatal("expected parse error for unrecognized admin keyword")
	}
}

func TestFindDeltaAndDeltaText(t *testing.T) {
	f := sampleFile()
	d, ok := f.FindDelta("1.1")
	if !ok || d.Author != "stapelberg" {
		t.Fatalf("FindDelta(1.1) = %+v, %v", d, ok)
	}
	if _, ok := f.FindDelta("9.9"); ok {
		t.Fatal("FindDelta(9.9) should not be found")
	}

	dt, ok := f.FindDeltaText("1.2")
	if !ok || dt.Text != "line one\nline two\n" {
		t.Fatalf("FindDeltaText(1.2) = %+v, %v", dt, ok)
	}
}

func TestCompareRevNum(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.1", "1.2", -1},
		{"1.10", "1.9", 1},
		{"1.1", "1.1", 0},
		{"1.1", "1.1.1.1", -1},
		{"1.2.3", "1.2", 1},
	}
	for _, c := range cases {
		if got := CompareRevNum(c.a, c.b); sign(got) != sign(c.want) {
			t.Errorf("CompareRevNum(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
