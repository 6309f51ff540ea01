package process

import (
	"strings"
	"testing"
)

func TestOutput_Ring(t *testing.T) {
	out := NewOutput(3)
	if err := out.Read(strings.NewReader("one\ntwo\nthree\nfour\nfive"), Stdout); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	lines := out.Lines()
	if len(lines) != 3 {
		t.Fatalf("len(Lines()) = %d, want 3", len(lines))
	}
	for i, want := range []string{"three", "four", "five"} {
		if lines[i].Text != want || lines[i].Number != i+3 {
			t.Errorf("line %d = %d %q, want %d %q", i, lines[i].Number, lines[i].Text, i+3, want)
		}
	}
	if out.Total() != 5 {
		t.Errorf("Total() = %d, want 5", out.Total())
	}
}

func TestOutput_Streams(t *testing.T) {
	out := NewOutput(10)
	_ = out.Read(strings.NewReader("a\n"), Stdout)
	_ = out.Read(strings.NewReader("b\n"), Stderr)

	lines := out.Lines()
	if len(lines) != 2 || lines[0].Stream != Stdout || lines[1].Stream != Stderr {
		t.Errorf("lines = %+v", lines)
	}
	if Stderr.String() != "stderr" {
		t.Errorf("Stderr.String() = %q", Stderr.String())
	}
}

func TestOutput_ZeroCapacity(t *testing.T) {
	out := NewOutput(0)
	_ = out.Read(strings.NewReader("a\nb\n"), Stdout)
	if n := len(out.Lines()); n != 0 {
		t.Errorf("len(Lines()) = %d, want 0", n)
	}
	if out.Total() != 2 {
		t.Errorf("Total() = %d, want 2", out.Total())
	}
}
