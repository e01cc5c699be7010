package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

func TestMFSAssembler_PruneBoot(t *testing.T) {
	root := t.TempDir()
	bc := NewBuildContext(t.TempDir(), root, "tarbsd_test")
	for _, rel := range []string{
		"boot/kernel/kernel",
		"boot/kernel/linker.hints",
		"boot/kernel/tarfs.ko",
		"boot/kernel/zfs.ko",
		"boot/kernel/zfs.ko.debug",
		"boot/kernel/if_wg.ko",
		"boot/kernel/ipfw.ko",
		"boot/kernel/ipfw_nat.ko",
		"boot/kernel/pf.ko",
		"boot/modules/nvidia.ko",
		"etc/defaults/rc.conf",
	} {
		writeTestFile(t, filepath.Join(root, rel), "")
	}

	a := &MFSAssembler{}
	ctx := context.Background()
	if err := a.Prepare(ctx, bc); err != nil {
		t.Fatalf("failed to prepare: %v", err)
	}
	if err := a.PruneBoot(ctx, bc, []string{"zfs.ko"}, []string{"if_wg.ko", "ipfw*"}); err != nil {
		t.Fatalf("failed to prune boot: %v", err)
	}

	kept := map[string]bool{
		"boot/kernel/kernel":       true,
		"boot/kernel/tarfs.ko":     true,
		"boot/kernel/zfs.ko":       true,
		"boot/kernel/if_wg.ko":     true,
		"boot/kernel/ipfw.ko":      true,
		"boot/kernel/ipfw_nat.ko":  true,
		"boot/kernel/zfs.ko.debug": false,
		"boot/kernel/linker.hints": false,
		"boot/kernel/pf.ko":        false,
		"boot/modules/nvidia.ko":   false,
	}
	for rel, want := range kept {
		_, err := os.Stat(filepath.Join(root, rel))
		if got := err == nil; got != want {
			t.Errorf("%s: got present=%v, want %v", rel, got, want)
		}
	}

	loader, err := os.ReadFile(filepath.Join(root, "boot/loader.conf"))
	if err != nil {
		t.Fatalf("failed to read loader.conf: %v", err)
	}
	for _, line := range []string{`mfs_load="YES"`, `tarfs_load="YES"`, `zfs_load="YES"`} {
		if !strings.Contains(string(loader), line) {
			t.Errorf("loader.conf is missing %s:\n%s", line, loader)
		}
	}
	if strings.Contains(string(loader), "if_wg_load") {
		t.Errorf("late module loaded from loader.conf:\n%s", loader)
	}

	rc, err := os.ReadFile(filepath.Join(root, "etc/defaults/rc.conf"))
	if err != nil {
		t.Fatalf("failed to read rc.conf: %v", err)
	}
	if want := `kld_list="if_wg ipfw ipfw_nat"`; !strings.Contains(string(rc), want) {
		t.Errorf("rc.conf is missing %s:\n%s", want, rc)
	}

	if ok, err := bc.HasKernelModule("zfs"); err != nil || !ok {
		t.Errorf("got zfs present=%v (%v), want true", ok, err)
	}
}

func TestValidateFormats(t *testing.T) {
	tests := []struct {
		name    string
		formats []string
		qemu    bool
		kind    string
	}{
		{name: "raw only", formats: []string{"img"}},
		{name: "iso needs no qemu", formats: []string{"img", "iso"}},
		{name: "qemu formats", formats: []string{"qcow2", "vmdk", "vhdx"}, qemu: true},
		{name: "qemu missing", formats: []string{"vdi"}, kind: "precondition"},
		{name: "unknown", formats: []string{"img", "zip"}, qemu: true, kind: "configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := command.NewFake()
			runner.SetAvailable("qemu-img", tt.qemu)
			err := ValidateFormats(tt.formats, runner)
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("got kind %q (%v), want %q", got, err, tt.kind)
			}
		})
	}
}

func TestValidateFormats_ListsSupported(t *testing.T) {
	err := ValidateFormats([]string{"zip"}, command.NewFake())
	var cfgErr *errors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
	if want := "supported formats are " + strings.Join(Formats(), ", "); cfgErr.Reason != want {
		t.Errorf("got reason %q, want %q", cfgErr.Reason, want)
	}
	if cfgErr.Value != "zip" {
		t.Errorf("got value %q, want zip", cfgErr.Value)
	}
}

func TestConvertImage_ISO(t *testing.T) {
	wrk := t.TempDir()
	raw := filepath.Join(wrk, "tarbsd.img")
	writeTestFile(t, raw, strings.Repeat("tarbsd", 4096))

	rec := &progress.Recorder{}
	out, err := convertImage(context.Background(), command.NewFake(), raw, FormatISO, rec)
	if err != nil {
		t.Fatalf("failed to convert: %v", err)
	}
	if filepath.Base(out) != "tarbsd.iso" {
		t.Errorf("got %s, want tarbsd.iso", out)
	}
	if !rec.Contains("wrk/tarbsd.iso generated") {
		t.Errorf("got lines %v, want the iso line", rec.Lines())
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("failed to open iso: %v", err)
	}
	defer f.Close()
	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("failed to read iso: %v", err)
	}
	rootDir, err := image.RootDir()
	if err != nil {
		t.Fatalf("failed to read iso root: %v", err)
	}
	children, err := rootDir.GetChildren()
	if err != nil {
		t.Fatalf("failed to list iso root: %v", err)
	}
	if len(children) != 1 || children[0].Size() != int64(len("tarbsd")*4096) {
		t.Errorf("got %d entries, want the raw image", len(children))
	}
}

func TestRemoveOutputs(t *testing.T) {
	wrk := t.TempDir()
	for _, name := range []string{"tarbsd.img", "tarbsd.qcow2", "old.img", "distFileHash"} {
		writeTestFile(t, filepath.Join(wrk, name), "")
	}
	if err := removeOutputs(wrk); err != nil {
		t.Fatalf("failed to remove outputs: %v", err)
	}
	entries, err := os.ReadDir(wrk)
	if err != nil {
		t.Fatalf("failed to list wrk: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "distFileHash" {
		t.Errorf("got %v, want only distFileHash left", entries)
	}
}
