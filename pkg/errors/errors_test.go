package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := New("boom")
	err := Wrap(base, "stage failed")
	if err.Error() != "stage failed: boom" {
		t.Errorf("got %q, want %q", err.Error(), "stage failed: boom")
	}
	if !Is(err, base) {
		t.Error("wrapped error should match base with Is")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"configuration", Configf("features", "nope", "unknown feature"), "configuration"},
		{"precondition", Preconditionf("missing %s", "base.txz"), "precondition"},
		{"command", &ExternalCommandError{Command: "zfs list", ExitCode: 1}, "external_command"},
		{"network", &NetworkError{URL: "https://example", StatusCode: 500}, "network"},
		{"cache", &CacheIntegrityError{Snapshot: "installed", Reason: "missing"}, "cache_integrity"},
		{"wrapped", Wrap(Preconditionf("x"), "build"), "precondition"},
		{"plain", fmt.Errorf("plain"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExternalCommandErrorMessage(t *testing.T) {
	err := &ExternalCommandError{
		Command:  "pkg install -y nginx",
		ExitCode: 3,
		Output:   "pkg: No packages available to install\n",
	}

	msg := err.Error()
	if !strings.Contains(msg, "exit code 3") {
		t.Errorf("message should contain exit code, got %q", msg)
	}
	if !strings.Contains(msg, "No packages available") {
		t.Errorf("message should contain captured output, got %q", msg)
	}
}

func TestConfigurationErrorMessage(t *testing.T) {
	err := Configf("ssh", "telnet", "valid values are dropbear, openssh and null")
	want := `configuration error: ssh "telnet": valid values are dropbear, openssh and null`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
