package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tarbsd/builder/pkg/progress"
)

func TestParseFstab(t *testing.T) {
	in := `# Device    Mountpoint    FStype    Options    Dump    Pass #
/dev/ada0p2    /data    ufs    rw    0    2    # data disk
#/dev/ada0p3   none     swap   sw    0    0

tmpfs /var/tmp tmpfs rw 0 0
`
	f := ParseFstab(in)
	if len(f.lines) != 4 {
		t.Fatalf("got %d lines, want 4: %#v", len(f.lines), f.lines)
	}
	e, ok := f.lines[0].(fstabEntry)
	if !ok {
		t.Fatalf("got %#v, want an entry", f.lines[0])
	}
	if e.device != "/dev/ada0p2" || e.mnt != "/data" || e.pass != 2 || e.comment != " data disk" {
		t.Errorf("got %+v, want the data disk entry", e)
	}
	if _, ok := f.lines[1].(string); !ok {
		t.Errorf("got %#v, want a commented line kept as text", f.lines[1])
	}
	if _, ok := f.lines[3].(fstabEntry); !ok {
		t.Errorf("got %#v, want an entry", f.lines[3])
	}
}

func TestFstab_String(t *testing.T) {
	f := &Fstab{}
	f.AddLine("/dev/md0", "/", "ufs", "rw")
	f.AddEmptyLine()
	f.AddComment("two\nlines")

	want := "# Device    Mountpoint    FStype    Options    Dump    Pass #\n" +
		"/dev/md0    /             ufs       rw         0       0\n" +
		"\n" +
		"# two\n" +
		"# lines\n"
	if got := f.String(); got != want {
		t.Errorf("got\n%s\nwant\n%s", got, want)
	}

	again := ParseFstab(f.String())
	if again.String() != want {
		t.Errorf("rendering is not stable:\n%s", again.String())
	}
}

func TestWriteFstab(t *testing.T) {
	tests := []struct {
		name     string
		modules  []string
		existing string
		want     []string
		absent   []string
	}{
		{
			name:   "bare",
			want:   []string{"/dev/md0", "/.usr.tar", "tarfs"},
			absent: []string{"fdescfs", "procfs", "linprocfs", "auto-generated"},
		},
		{
			name:    "proc without linux pseudo filesystems",
			modules: []string{"fdescfs.ko", "procfs.ko", "linux_common.ko.xz"},
			want:    []string{"/dev/fd", "fdescfs", "/proc", "procfs"},
			absent:  []string{"linprocfs", "linsysfs"},
		},
		{
			name:    "linux pseudo filesystems",
			modules: []string{"linux_common.ko", "linprocfs.ko", "linsysfs.ko"},
			want:    []string{"/compat/linux/proc", "linprocfs", "/compat/linux/sys", "linsysfs"},
		},
		{
			name:    "only the kept linux module is mounted",
			modules: []string{"linux_common.ko.xz", "linprocfs.ko.xz"},
			want:    []string{"/compat/linux/proc"},
			absent:  []string{"linsysfs", "/compat/linux/sys", "fdescfs"},
		},
		{
			name:    "linux pseudo filesystem without linux_common",
			modules: []string{"linprocfs.ko", "linsysfs.ko"},
			absent:  []string{"linprocfs", "linsysfs"},
		},
		{
			name:     "existing fstab is kept below",
			existing: "/dev/ada0p2 /data ufs rw 0 2\n",
			want:     []string{"# lines above this were auto-generated by tarBSD builder", "/data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			bc := NewBuildContext(t.TempDir(), root, "tarbsd_test")
			for _, m := range tt.modules {
				writeTestFile(t, filepath.Join(root, "boot/kernel", m), "")
			}
			writeTestFile(t, filepath.Join(root, "etc/.keep"), "")
			if tt.existing != "" {
				writeTestFile(t, filepath.Join(root, "etc/fstab"), tt.existing)
			}
			bc.MarkBootPruned()

			base := (&MFSAssembler{}).GenFsTab(bc)
			rec := &progress.Recorder{}
			if err := writeFstab(bc, base, rec); err != nil {
				t.Fatalf("failed to write fstab: %v", err)
			}
			data, err := os.ReadFile(filepath.Join(root, "etc/fstab"))
			if err != nil {
				t.Fatalf("failed to read fstab: %v", err)
			}
			got := string(data)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("fstab is missing %q:\n%s", w, got)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(got, a) {
					t.Errorf("fstab has unexpected %q:\n%s", a, got)
				}
			}
			if tt.existing != "" && strings.Index(got, "/data") < strings.Index(got, "/.usr.tar") {
				t.Errorf("existing lines must follow the generated ones:\n%s", got)
			}
			if !rec.Contains("fstab generated") {
				t.Errorf("got lines %v, want fstab generated", rec.Lines())
			}
		})
	}
}

func TestWriteFstab_LinuxShmLink(t *testing.T) {
	root := t.TempDir()
	bc := NewBuildContext(t.TempDir(), root, "tarbsd_test")
	writeTestFile(t, filepath.Join(root, "boot/modules/linux_common.ko"), "")
	writeTestFile(t, filepath.Join(root, "etc/.keep"), "")
	bc.MarkBootPruned()

	if err := writeFstab(bc, &Fstab{}, progress.Noop{}); err != nil {
		t.Fatalf("failed to write fstab: %v", err)
	}
	target, err := os.Readlink(filepath.Join(root, "compat/linux/dev/shm"))
	if err != nil {
		t.Fatalf("failed to read shm link: %v", err)
	}
	if target != "../../../tmp" {
		t.Errorf("got %q, want %q", target, "../../../tmp")
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
