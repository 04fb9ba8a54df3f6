package distfile

import "testing"

func TestClassifyFileOverridesDirDefault(t *testing.T) {
	p := NewPolicy([]Rule{
		{Pattern: "*.bin", Dir: false, Class: NoRdiff},
		{Pattern: "secret*", Dir: false, Class: Deny},
		{Pattern: "vendor", Dir: true, Class: Deny},
	})

	cases := []struct {
		dir, name string
		want      Class
	}{
		{"src", "main.c", Allow},
		{"src", "blob.bin", NoRdiff},
		{"src", "secret.key", Deny},
		{"vendor", "anything.c", Deny},
		{"vendor", "blob.bin", NoRdiff}, // file rule ordered before dir rule wins
	}
	for _, c := range cases {
		got, err := p.Classify(c.dir, c.name)
		if err != nil {
			t.Fatalf("Classify(%q, %q): %v", c.dir, c.name, err)
		}
		if got != c.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", c.dir, c.name, got, c.want)
		}
	}
}

func TestClassifyNoMatchIsAllow(t *testing.T) {
	p := NewPolicy(nil)
	got, err := p.Classify("any", "thing.c")
	if err != nil {
		t.Fatal(err)
	}
	if got != Allow {
		t.Errorf("Classify with empty policy = %v, want Allow", got)
	}
}

func TestClassifyInvalidPattern(t *testing.T) {
	p := NewPolicy([]Rule{{Pattern: "[", Dir: false, Class: Deny}})
	if _, err := p.Classify("d", "f"); err == nil {
		t.Fatal("expected error for malformed glob pattern")
	}
}

func TestClassString(t *testing.T) {
	for _, c := range []Class{Allow, Deny, NoRdiff} {
		if c.String() == "" {
			t.Errorf("Class(%d).String() is empty", int(c))
		}
	}
}
