// fsresize_test.go - Tests for filesystem variant dispatch.

package fsresize

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot/runner"
	"github.com/superfly/xchroot/runner/runnertest"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDetect(t *testing.T) {
	cases := map[string]struct {
		name   string
		online bool
	}{
		"ext4":     {"ext4", false},
		"EXT4":     {"ext4", false},
		"btrfs":    {"btrfs", true},
		"xfs":      {"xfs", false},
		"vfat":     {"vfat", false},
		"fat32":    {"vfat", false},
		"f2fs":     {"f2fs", false},
		"":         {"unknown", false},
		"squashfs": {"squashfs", false},
	}
	for in, want := range cases {
		fs := Detect(in)
		if fs.Name() != want.name || fs.Online() != want.online {
			t.Errorf("Detect(%q) = %s online=%v, want %s online=%v", in, fs.Name(), fs.Online(), want.name, want.online)
		}
	}
}

func TestExt4Grow(t *testing.T) {
	k := runnertest.NewKernel()
	if err := Detect("ext4").Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p2"}); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	calls := k.CallLines()
	want := []string{"e2fsck -f -y /dev/loop0p2", "resize2fs /dev/loop0p2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestExt4ToleratesCorrectedErrors(t *testing.T) {
	k := runnertest.NewKernel()
	k.Failures["e2fsck"] = &runner.ExitError{Command: "e2fsck", ExitCode: 1}
	if err := (Ext4{}).Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p2"}); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	k = runnertest.NewKernel()
	k.Failures["e2fsck"] = &runner.ExitError{Command: "e2fsck", ExitCode: 8}
	err := (Ext4{}).Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p2"})
	if !IsResizeError(err) {
		t.Fatalf("expected ResizeError for uncorrectable fsck, got %v", err)
	}
}

func TestBtrfsNeedsMountPoint(t *testing.T) {
	k := runnertest.NewKernel()
	if err := (Btrfs{}).Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p2"}); !IsResizeError(err) {
		t.Fatalf("expected ResizeError without mount point, got %v", err)
	}
	if err := (Btrfs{}).Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p2", MountPoint: "/mnt/root"}); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	calls := k.CallLines()
	if len(calls) != 1 || calls[0] != "btrfs filesystem resize max /mnt/root" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestWarnOnlyVariantsRunNothing(t *testing.T) {
	for _, fs := range []Filesystem{XFS{}, VFAT{}, Unsupported{Type: "f2fs"}} {
		k := runnertest.NewKernel()
		if err := fs.Grow(context.Background(), k, quiet(), Target{Device: "/dev/loop0p1", MountPoint: "/mnt"}); err != nil {
			t.Fatalf("%s: Grow: %v", fs.Name(), err)
		}
		if calls := k.Calls(); len(calls) != 0 {
			t.Fatalf("%s ran commands: %v", fs.Name(), calls)
		}
	}
}
