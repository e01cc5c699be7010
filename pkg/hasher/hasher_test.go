package hasher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStrings_OrderInsensitive(t *testing.T) {
	a := Strings([]string{"nginx", "curl", "wireguard-tools-lite"})
	b := Strings([]string{"wireguard-tools-lite", "nginx", "curl"})
	if a != b {
		t.Errorf("digests differ for reordered lists: %s vs %s", a, b)
	}

	c := Strings([]string{"nginx", "curl"})
	if a == c {
		t.Error("removing a package should change the digest")
	}
}

func TestStrings_FieldBoundaries(t *testing.T) {
	a := New().String("ab").String("c").Sum()
	b := New().String("a").String("bc").Sum()
	if a == b {
		t.Error("length prefixing should separate field boundaries")
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.txz")
	if err := os.WriteFile(path, []byte("base system"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	d1, err := File(path)
	if err != nil {
		t.Fatalf("failed to hash file: %v", err)
	}
	d2, _ := File(path)
	if d1 != d2 {
		t.Error("hashing the same file twice should be stable")
	}

	if err := os.WriteFile(path, []byte("base system, patched"), 0644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	d3, _ := File(path)
	if d1 == d3 {
		t.Error("changing file contents should change the digest")
	}

	if _, err := File(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestModTime(t *testing.T) {
	dir := t.TempDir()
	pkgConf := filepath.Join(dir, "pkg")
	if err := os.Mkdir(pkgConf, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	h1 := New().Strings([]string{"nginx"})
	if err := h1.ModTime(pkgConf); err != nil {
		t.Fatalf("failed to hash mtime: %v", err)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(pkgConf, later, later); err != nil {
		t.Fatalf("failed to touch dir: %v", err)
	}
	h2 := New().Strings([]string{"nginx"})
	h2.ModTime(pkgConf)

	if h1.Sum() == h2.Sum() {
		t.Error("touching the config dir should change the digest")
	}
}

func TestParseDigest(t *testing.T) {
	d := Strings([]string{"x"})
	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("failed to parse digest: %v", err)
	}
	if parsed != d {
		t.Errorf("got %s, want %s", parsed, d)
	}

	for _, bad := range []string{"", "zz", "abcd"} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestMarker(t *testing.T) {
	m := NewMarker(t.TempDir(), "packagesHash")
	d := Strings([]string{"nginx"})

	if _, ok, err := m.Load(); err != nil || ok {
		t.Fatalf("fresh marker got ok=%v err=%v, want ok=false", ok, err)
	}
	if match, _ := m.Matches(d); match {
		t.Error("missing marker should not match")
	}

	if err := m.Store(d); err != nil {
		t.Fatalf("failed to store marker: %v", err)
	}
	if match, err := m.Matches(d); err != nil || !match {
		t.Errorf("stored marker should match, got %v %v", match, err)
	}
	if match, _ := m.Matches(Strings([]string{"curl"})); match {
		t.Error("different digest should not match")
	}

	if err := os.WriteFile(m.Path, []byte("garbage"), 0644); err != nil {
		t.Fatalf("failed to corrupt marker: %v", err)
	}
	if _, ok, err := m.Load(); err != nil || ok {
		t.Errorf("corrupt marker got ok=%v err=%v, want ok=false", ok, err)
	}

	if err := m.Remove(); err != nil {
		t.Fatalf("failed to remove marker: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Errorf("removing a missing marker should be a no-op, got %v", err)
	}
}
