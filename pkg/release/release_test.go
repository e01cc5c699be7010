package release

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		repo    string
		wantErr bool
	}{
		{in: "14.2-RELEASE", want: "14.2-RELEASE", repo: "https://pkg.freebsd.org/FreeBSD:14:amd64/base_release_2/"},
		{in: "15.0", want: "15.0-RELEASE", repo: "https://pkg.freebsd.org/FreeBSD:15:amd64/base_release_0/"},
		{in: "15-latest", want: "15-LATEST", repo: "https://pkg.freebsd.org/FreeBSD:15:amd64/base_latest/"},
		{in: "14.1-RELEASE", wantErr: true},
		{in: "13-LATEST", wantErr: true},
		{in: "14.2-STABLE", wantErr: true},
		{in: "garbage", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := Parse(tt.in)
			if tt.wantErr {
				var cfgErr *errors.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if r.String() != tt.want {
				t.Errorf("got %v, want %v", r.String(), tt.want)
			}
			if got := r.RepoURL(r.ABI()); got != tt.repo {
				t.Errorf("got %v, want %v", got, tt.repo)
			}
		})
	}
}

func TestRepoConf(t *testing.T) {
	r, _ := Parse("14.3-RELEASE")
	conf := r.RepoConf()
	if !strings.Contains(conf, `url: "https://pkg.freebsd.org/${ABI}/base_release_3/"`) {
		t.Errorf("unexpected repo conf:\n%s", conf)
	}
}

func TestBasePackages(t *testing.T) {
	out := strings.Join([]string{
		"FreeBSD-acct-14.2p1               System accounting",
		"FreeBSD-acct-dbg-14.2p1           System accounting (debug)",
		"FreeBSD-clibs-14.2p1              Core C libraries",
		"FreeBSD-clibs-lib32-14.2p1        Core C libraries (32-bit)",
		"FreeBSD-kernel-generic-14.2p1     Generic kernel",
		"FreeBSD-libarchive-14.2p1         Archive library",
		"FreeBSD-runtime-man-14.2p1        Manual pages",
		"FreeBSD-sendmail-14.2p1           Sendmail",
		"FreeBSD-tests-14.2p1              Test suite",
		"FreeBSD-utilities-14.2p1          Utilities",
		"",
	}, "\n")

	got := BasePackages(out)
	want := []string{"FreeBSD-kernel-generic", "FreeBSD-acct", "FreeBSD-clibs", "FreeBSD-libarchive", "FreeBSD-utilities"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/FreeBSD:14:amd64/base_release_2/":
			w.WriteHeader(http.StatusOK)
		case "/broken/":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewProber(srv.Client())
	ctx := context.Background()

	if err := p.Probe(ctx, srv.URL+"/FreeBSD:14:amd64/base_release_2/"); err != nil {
		t.Fatalf("failed to probe: %v", err)
	}

	tests := []struct {
		path   string
		status int
		msg    string
	}{
		{path: "/FreeBSD:14:amd64/base_release_9/", status: http.StatusNotFound, msg: "release does not exist"},
		{path: "/broken/", status: http.StatusBadGateway, msg: "something wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := p.Probe(ctx, srv.URL+tt.path)
			var netErr *errors.NetworkError
			if !errors.As(err, &netErr) {
				t.Fatalf("expected NetworkError, got %v", err)
			}
			if netErr.StatusCode != tt.status {
				t.Errorf("got %v, want %v", netErr.StatusCode, tt.status)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not mention %q", err, tt.msg)
			}
		})
	}
}

func TestProber_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var netErr *errors.NetworkError
	if err := NewProber(nil).Probe(context.Background(), url); !errors.As(err, &netErr) {
		t.Errorf("expected NetworkError, got %v", err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(filepath.Base(path)), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func TestLocateDistFiles(t *testing.T) {
	direct := t.TempDir()
	touch(t, filepath.Join(direct, "kernel.txz"))
	touch(t, filepath.Join(direct, "base.txz"))

	nested := t.TempDir()
	touch(t, filepath.Join(nested, "usr/freebsd-dist/kernel.txz"))
	touch(t, filepath.Join(nested, "usr/freebsd-dist/base.txz"))

	partial := t.TempDir()
	touch(t, filepath.Join(partial, "base.txz"))

	tests := []struct {
		name     string
		explicit string
		roots    []string
		want     string
		wantErr  bool
	}{
		{name: "explicit", explicit: direct, want: direct},
		{name: "explicit nested", explicit: nested, want: filepath.Join(nested, "usr/freebsd-dist")},
		{name: "explicit missing", explicit: partial, roots: []string{direct}, wantErr: true},
		{name: "search order", roots: []string{partial, nested, direct}, want: filepath.Join(nested, "usr/freebsd-dist")},
		{name: "nothing found", roots: []string{partial, filepath.Join(partial, "nope")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := LocateDistFiles(tt.explicit, tt.roots)
			if tt.wantErr {
				var preErr *errors.PreconditionError
				if !errors.As(err, &preErr) {
					t.Fatalf("expected PreconditionError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to locate: %v", err)
			}
			if d.Dir != tt.want {
				t.Errorf("got %v, want %v", d.Dir, tt.want)
			}
		})
	}
}

func TestDistFiles_Digest(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "kernel.txz"))
	touch(t, filepath.Join(dir, "base.txz"))
	d := DistFiles{Dir: dir}

	first, err := d.Digest()
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	again, _ := d.Digest()
	if first != again {
		t.Error("digest is not stable")
	}

	os.WriteFile(d.Base(), []byte("patched"), 0644)
	changed, _ := d.Digest()
	if changed == first {
		t.Error("digest did not change with base.txz")
	}
}

func writeVersion(t *testing.T, root, version string) {
	t.Helper()
	script := "#!/bin/sh\nUSERLAND_VERSION=\"" + version + "\"\n"
	path := filepath.Join(root, "bin", "freebsd-version")
	os.MkdirAll(filepath.Dir(path), 0755)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write freebsd-version: %v", err)
	}
}

func TestUpdater(t *testing.T) {
	tests := []struct {
		name       string
		script     func(root string) command.Handler
		want       UpdateResult
		installs   int
		finishLine string
		wantErr    bool
	}{
		{
			name: "no updates",
			script: func(string) command.Handler {
				return func(c command.Cmd) (*command.Result, error) {
					if c.Args[len(c.Args)-1] == "install" {
						out := "No updates are available to install.\n"
						return &command.Result{Stdout: out, ExitCode: 1},
							&errors.ExternalCommandError{Command: c.String(), ExitCode: 1, Output: out}
					}
					return &command.Result{Stdout: "No updates needed.\n"}, nil
				}
			},
			want:       UpdateAlreadyUpToDate,
			installs:   1,
			finishLine: "no updates to install",
		},
		{
			name: "applied",
			script: func(root string) command.Handler {
				return func(c command.Cmd) (*command.Result, error) {
					if c.Args[len(c.Args)-1] == "install" {
						os.WriteFile(filepath.Join(root, "bin", "freebsd-version"),
							[]byte("USERLAND_VERSION=\"14.2-RELEASE-p3\"\n"), 0755)
						return &command.Result{Stdout: "Installing updates... done.\n"}, nil
					}
					return &command.Result{Stdout: "Fetching metadata.\n"}, nil
				}
			},
			want:       UpdateApplied,
			installs:   2,
			finishLine: "updated to 14.2-RELEASE-p3",
		},
		{
			name: "fetch fails",
			script: func(string) command.Handler {
				return func(c command.Cmd) (*command.Result, error) {
					return &command.Result{}, &errors.ExternalCommandError{Command: c.String(), ExitCode: 1, Output: "host not found"}
				}
			},
			want:    UpdateFailed,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dataDir := filepath.Join(t.TempDir(), "freebsd-update")
			writeVersion(t, root, "14.2-RELEASE")

			runner := command.NewFake()
			runner.On("freebsd-update", tt.script(root))
			rec := &progress.Recorder{}

			got, err := NewUpdater(runner).Update(context.Background(), root, dataDir, rec)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to update: %v", err)
			}

			if n := runner.Count("freebsd-update -b " + root + " -d " + dataDir + " --currently-running 14.2-RELEASE --not-running-from-cron install"); n != tt.installs {
				t.Errorf("install passes got %v, want %v (%q)", n, tt.installs, runner.Commands())
			}
			if !rec.Contains(tt.finishLine) {
				t.Errorf("missing %q in %q", tt.finishLine, rec.Lines())
			}
			if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
				t.Error("update data directory was not removed")
			}
		})
	}
}

func TestInstalledVersion_Missing(t *testing.T) {
	if _, err := InstalledVersion(t.TempDir()); err == nil {
		t.Error("expected error for a root without freebsd-version")
	}
}
