package pathcmp

import "testing"

func TestCompareStrictTotalOrder(t *testing.T) {
	names := []string{"", "a", "a", "aa", "ab", "abc", "b", "b.c,v", "dir/a", "dir0"}
	for i := 0; i < len(names); i++ {
		for j := 0; j < len(names); j++ {
			got := Compare(names[i], names[j])
			want := Compare(names[j], names[i]) * -1
			if (got == 0) != (names[i] == names[j]) {
				t.Errorf("Compare(%q,%q)=%d inconsistent with equality", names[i], names[j], got)
			}
			if got != want {
				t.Errorf("antisymmetry violated for %q, %q", names[i], names[j])
			}
		}
	}
}

func TestComparePrefixShorterIsLess(t *testing.T) {
	if Compare("ab", "abc") >= 0 {
		t.Errorf("expected \"ab\" < \"abc\"")
	}
	if Compare("abc", "ab") <= 0 {
		t.Errorf("expected \"abc\" > \"ab\"")
	}
}

func TestCompareTransitivity(t *testing.T) {
	names := []string{"Attic", "a,v", "aa,v", "b,v", "dir", "dir/x,v"}
	for i := range names {
		for j := range names {
			for k := range names {
				if Compare(names[i], names[j]) < 0 && Compare(names[j], names[k]) < 0 {
					if Compare(names[i], names[k]) >= 0 {
						t.Errorf("transitivity violated for %q<%q<%q", names[i], names[j], names[k])
					}
				}
			}
		}
	}
}
