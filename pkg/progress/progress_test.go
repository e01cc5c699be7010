package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsole_Lines(t *testing.T) {
	var out, verbose bytes.Buffer
	c := NewConsole(&out, &verbose, false)

	c.Start("installing packages")
	c.Advance()
	c.Advance()
	c.Write([]byte("pkg output\n"))
	c.Finish("packages installed")
	c.Println("fstab generated")

	want := Check + "packages installed\n" + Check + "fstab generated\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
	if verbose.String() != "pkg output\n" {
		t.Errorf("verbose got %q", verbose.String())
	}
}

func TestConsole_SpinnerOnTTY(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, nil, true)

	c.Start("extracting base.txz")
	c.Advance()
	c.Finish("base.txz extracted")

	if !strings.Contains(out.String(), "\r") {
		t.Error("tty console should redraw in place")
	}
	if !strings.HasSuffix(out.String(), Check+"base.txz extracted\n") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var s Sink = &r

	s.Start("compressing")
	s.Advance()
	s.Finish("compressed")
	s.Println("dropbear enabled")

	if r.Advances() != 1 {
		t.Errorf("advances got %d, want 1", r.Advances())
	}
	if len(r.Lines()) != 2 || !r.Contains("dropbear") {
		t.Errorf("unexpected lines %v", r.Lines())
	}
}

func TestNoop(t *testing.T) {
	var s Sink = Noop{}
	s.Start("x")
	s.Advance()
	s.Finish("x")
	if n, err := s.Write([]byte("abc")); n != 3 || err != nil {
		t.Errorf("got (%d, %v), want (3, nil)", n, err)
	}
}
