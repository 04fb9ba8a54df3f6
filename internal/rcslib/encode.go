package rcslib

import "strings"

// Encode serializes f back into RCS admin/delta/deltatext text, matching
// the layout §4.8 describes: "head\t", "branch\t", access, symbols, locks,
// "comment\t@...@;", "expand\t@...@;", a blank line, the delta table, then
// "desc\n@...@\n", then the deltatext table. The layout is canonical: an
// arbitrary input file's whitespace and list order are not reproduced, but
// re-encoding what Parse returns for Encode's own output (lists in Parse's
// sorted order) yields the identical bytes (§8).
func Encode(f *File) []byte {
	var b strings.Builder

	b.WriteString("head\t")
	b.WriteString(f.Admin.Head)
	b.WriteString(";\n")

	if f.Admin.Branch != "" {
		b.WriteString("branch\t")
		b.WriteString(f.Admin.Branch)
		b.WriteString(";\n")
	}

	b.WriteString("access")
	for _, id := range f.Admin.Access {
		b.WriteByte(' ')
		b.WriteString(id)
	}
	b.WriteString(";\n")

	b.WriteString("symbols")
	for _, sym := range f.Admin.Symbols {
		b.WriteByte(' ')
		b.WriteString(sym.Name)
		b.WriteByte(':')
		b.WriteString(sym.Num)
	}
	b.WriteString(";\n")

	b.WriteString("locks")
	for _, lk := range f.Admin.Locks {
		b.WriteByte(' ')
		b.WriteString(lk.ID)
		b.WriteByte(':')
		b.WriteString(lk.Num)
	}
	b.WriteString(";")
	if f.Admin.Strict {
		b.WriteString(" strict;")
	}
	b.WriteByte('\n')

	if f.Admin.Comment != "" {
		b.WriteString("comment\t")
		writeQuoted(&b, f.Admin.Comment)
		b.WriteString(";\n")
	}

	if f.Admin.Expand != "" {
		b.WriteString("expand\t")
		writeQuoted(&b, f.Admin.Expand)
		b.WriteString(";\n")
	}

	b.WriteByte('\n')

	for _, d := range f.Deltas {
		b.WriteString(d.Num)
		b.WriteByte('\n')
		b.WriteString("date\t")
		b.WriteString(d.Date)
		b.WriteString(";\tauthor ")
		b.WriteString(d.Author)
		b.WriteString(";\tstate")
		if d.State != "" {
			b.WriteByte(' ')
			b.WriteString(d.State)
		}
		b.WriteString(";\n")
		b.WriteString("branches")
		if len(d.Branches) > 0 {
			b.WriteString("\n\t")
			b.WriteString(strings.Join(d.Branches, "\n\t"))
		}
		b.WriteString(";\n")
		b.WriteString("next\t")
		b.WriteString(d.Next)
		b.WriteString(";\n")
		b.WriteByte('\n')
	}

	b.WriteString("desc\n")
	writeQuoted(&b, f.Desc)
	b.WriteByte('\n')
	b.WriteByte('\n')

	for _, dt := range f.DeltaTexts {
		b.WriteString(dt.Num)
		b.WriteByte('\n')
		b.WriteString("log\n")
		writeQuoted(&b, dt.Log)
		b.WriteByte('\n')
		b.WriteString("text\n")
		writeQuoted(&b, dt.Text)
		b.WriteByte('\n')
		b.WriteByte('\n')
	}

	return []byte(b.String())
}

// writeQuoted writes s as an @-quoted RCS string, doubling embedded '@'.
func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('@')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '@' {
			b.WriteByte('@')
		}
		b.WriteByte(c)
	}
	b.WriteByte('@')
}
