package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/superfly/xchroot/runner/runnertest"
)

func TestConfine(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"usr/bin", "usr/lib", "var/run"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	links := map[string]string{
		"bin":     "usr/bin",
		"lib":     "/usr/lib",
		"run":     "/var/run",
		"escape":  "../../../../etc",
		"loop":    "loop",
		"var/tmp": "/nowhere/tmp",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Fatalf("symlink %s: %v", name, err)
		}
	}

	fsys := afero.NewOsFs()
	tests := []struct {
		rel  string
		want string
	}{
		{"etc", "etc"},
		{"/dev/pts", "dev/pts"},
		{"bin/qemu-arm-static", "usr/bin/qemu-arm-static"},
		{"lib/modules", "usr/lib/modules"},
		{"/run", "var/run"},
		{"escape/passwd", "etc/passwd"},
		{"../../etc", "etc"},
		{"var/tmp/x", "nowhere/tmp/x"},
		{"missing/../../boot", "boot"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := Confine(fsys, root, tt.rel)
		if err != nil {
			t.Errorf("Confine(%q): %v", tt.rel, err)
			continue
		}
		if want := filepath.Join(root, tt.want); got != want {
			t.Errorf("Confine(%q) = %q, want %q", tt.rel, got, want)
		}
	}

	if _, err := Confine(fsys, root, "loop/x"); !IsEscapeError(err) {
		t.Fatalf("expected link loop to fail, got %v", err)
	}
}

func TestConfineMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-mounted")
	got, err := Confine(afero.NewOsFs(), root, "/dev/pts")
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if want := filepath.Join(root, "dev/pts"); got != want {
		t.Fatalf("Confine = %q, want %q", got, want)
	}
}

func TestInjectInterpreterFollowsLinksInsideRoot(t *testing.T) {
	k := runnertest.NewKernel()
	o, root := newTestOrchestrator(t, k, nil)

	// A merged-usr image may point usr/bin anywhere; the host must not see it.
	if err := os.MkdirAll(filepath.Join(root, "usr/local/bin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("/usr/local/bin", filepath.Join(root, "usr/bin")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	interp := filepath.Join(t.TempDir(), "qemu-riscv64-static")
	if err := os.WriteFile(interp, []byte("\x7fELF"), 0o755); err != nil {
		t.Fatalf("write interpreter: %v", err)
	}

	if err := o.Setup(context.Background(), Plan{MountRoot: root, RootDevice: "/dev/loop0p2", Interpreter: interp}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "usr/local/bin/qemu-riscv64-static")); err != nil {
		t.Fatalf("interpreter not installed through the link: %v", err)
	}
	if _, err := os.Stat("/usr/local/bin/qemu-riscv64-static"); err == nil {
		t.Fatalf("interpreter written to the host")
	}
}
