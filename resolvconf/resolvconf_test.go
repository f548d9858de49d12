// resolvconf_test.go - Round-trip tests for capture, replace and restore.

package resolvconf

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type fixture struct {
	root      string
	path      string
	backupDir string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	etc := filepath.Join(root, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", etc, err)
	}
	return fixture{
		root:      root,
		path:      filepath.Join(etc, "resolv.conf"),
		backupDir: filepath.Join(t.TempDir(), "backups"),
	}
}

func (f fixture) machine(t *testing.T) *Machine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := New(afero.NewOsFs(), Options{Path: f.path, BackupDir: f.backupDir, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func (f fixture) assertPlaceholder(t *testing.T) {
	t.Helper()
	fi, err := os.Lstat(f.path)
	if err != nil {
		t.Fatalf("lstat placeholder: %v", err)
	}
	if !fi.Mode().IsRegular() || fi.Size() != 0 {
		t.Fatalf("placeholder is %s size %d, want empty regular file", fi.Mode(), fi.Size())
	}
}

func (f fixture) assertNoBackups(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.backupDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read backups: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("backup files remain: %v", entries)
	}
}

func TestRoundTripSymlink(t *testing.T) {
	f := newFixture(t)
	if err := os.Symlink("../run/systemd/resolve/stub-resolv.conf", f.path); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	m := f.machine(t)
	orig, err := m.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if s, ok := orig.(Symlink); !ok || s.Target != "../run/systemd/resolve/stub-resolv.conf" {
		t.Fatalf("original = %#v", orig)
	}
	if err := m.Replace(); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	f.assertPlaceholder(t)

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	target, err := os.Readlink(f.path)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "../run/systemd/resolve/stub-resolv.conf" {
		t.Fatalf("restored target = %q", target)
	}
	f.assertNoBackups(t)
}

func TestRoundTripRegularFile(t *testing.T) {
	f := newFixture(t)
	content := []byte("nameserver 10.0.0.1\nsearch example.internal\n")
	if err := os.WriteFile(f.path, content, 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := f.machine(t)
	orig, err := m.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	rf, ok := orig.(RegularFile)
	if !ok {
		t.Fatalf("original = %#v, want RegularFile", orig)
	}
	if _, err := os.Stat(rf.BackupPath); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if err := m.Replace(); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	f.assertPlaceholder(t)

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("restored content = %q", got)
	}
	fi, _ := os.Lstat(f.path)
	if fi.Mode().Perm() != 0o640 {
		t.Fatalf("restored mode = %s, want 0640", fi.Mode().Perm())
	}
	f.assertNoBackups(t)
}

func TestRoundTripAbsent(t *testing.T) {
	f := newFixture(t)

	m := f.machine(t)
	orig, err := m.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, ok := orig.(Absent); !ok {
		t.Fatalf("original = %#v, want Absent", orig)
	}
	if err := m.Replace(); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	f.assertPlaceholder(t)

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	target, err := os.Readlink(f.path)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != DefaultStubTarget {
		t.Fatalf("restored target = %q, want %q", target, DefaultStubTarget)
	}
	f.assertNoBackups(t)
}

func TestCaptureOnlyOnce(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)
	if _, err := m.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := m.Capture(); err == nil {
		t.Fatalf("second Capture succeeded")
	}
}

func TestRestoreIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.machine(t)

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore before capture: %v", err)
	}
	if _, err := m.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := m.Replace(); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := m.Restore(); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if m.Phase() != PhaseRestored {
		t.Fatalf("phase = %s", m.Phase())
	}
}

func TestRestoreWithoutReplaceKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path, []byte("nameserver 1.1.1.1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := f.machine(t)
	if _, err := m.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ := os.ReadFile(f.path)
	if string(got) != "nameserver 1.1.1.1\n" {
		t.Fatalf("original modified: %q", got)
	}
	f.assertNoBackups(t)
}

func TestCaptureRefusesDirectory(t *testing.T) {
	f := newFixture(t)
	if err := os.Mkdir(f.path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := f.machine(t).Capture(); err == nil {
		t.Fatalf("Capture accepted a directory")
	}
}

func TestResumeRestores(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path, nil, 0o644); err != nil {
		t.Fatalf("write placeholder: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := Resume(afero.NewOsFs(), Options{Path: f.path, BackupDir: f.backupDir, Logger: logger},
		Symlink{Target: "/run/resolvconf/resolv.conf"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	target, _ := os.Readlink(f.path)
	if target != "/run/resolvconf/resolv.conf" {
		t.Fatalf("restored target = %q", target)
	}
}
