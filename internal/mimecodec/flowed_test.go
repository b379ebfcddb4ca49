package mimecodec

import "testing"

func TestUnflowJoinsSoftBreaks(t *testing.T) {
	in := "this is a long line that was \nwrapped in the middle\n"
	out := unflow(in, false)
	want := "this is a long line that was wrapped in the middle\n"
	if out != want {
		t.Fatalf("unflow = %q, want %q", out, want)
	}
}

func TestUnflowPreservesQuoteDepth(t *testing.T) {
	in := "> quoted line one \n> quoted line two\nreply\n"
	out := unflow(in, false)
	want := ">quoted line one quoted line two\nreply\n"
	if out != want {
		t.Fatalf("unflow = %q, want %q", out, want)
	}
}

func TestUnflowDelSpStripsStuffedSpace(t *testing.T) {
	in := " From the start \nof a stuffed line\n"
	out := unflow(in, true)
	want := "From the startof a stuffed line\n"
	if out != want {
		t.Fatalf("unflow = %q, want %q", out, want)
	}
}
