// session_test.go - End-to-end lifecycle tests against the fake kernel. The
// image files and mount roots are real temp files; mounts and loop devices
// are simulated.

package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/perf"
	"github.com/superfly/xchroot/runner"
	"github.com/superfly/xchroot/runner/runnertest"
	"github.com/superfly/xchroot/safeguards"
)

const mib = 1024 * 1024

type harness struct {
	t       *testing.T
	kernel  *runnertest.Kernel
	logger  *logrus.Logger
	image   string
	root    string
	state   string
	metrics *perf.SessionMetrics
	journal Journal
	pid     int
}

func newHarness(t *testing.T, imageSize int64) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	h := &harness{
		t:       t,
		kernel:  runnertest.NewKernel(),
		logger:  logger,
		image:   filepath.Join(dir, "rpi.img"),
		root:    filepath.Join(dir, "root"),
		state:   filepath.Join(dir, "state"),
		metrics: perf.NewSessionMetrics(),
		pid:     100,
	}
	f, err := os.Create(h.image)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := f.Truncate(imageSize); err != nil {
		t.Fatalf("truncate image: %v", err)
	}
	f.Close()

	// Mounts are simulated, so the root filesystem has to exist up front.
	if err := os.MkdirAll(filepath.Join(h.root, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	return h
}

// partitionGPT writes a GPT with an EFI partition followed by a root
// partition of rootSectors.
func (h *harness) partitionGPT(rootSectors uint64, trailing bool) {
	h.t.Helper()
	dsk, err := diskfs.Open(h.image, diskfs.WithSectorSize(diskfs.SectorSize512))
	if err != nil {
		h.t.Fatalf("open image: %v", err)
	}
	parts := []*gpt.Partition{
		{Start: 2048, End: 10239, Type: gpt.EFISystemPartition, Name: "boot"},
		{Start: 10240, End: 10240 + rootSectors - 1, Type: gpt.LinuxFilesystem, Name: "root"},
	}
	if trailing {
		start := 10240 + rootSectors
		parts = append(parts, &gpt.Partition{Start: start, End: start + 2047, Type: gpt.LinuxFilesystem, Name: "data"})
	}
	table := &gpt.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ProtectiveMBR:      true,
		Partitions:         parts,
	}
	if err := dsk.Partition(table); err != nil {
		h.t.Fatalf("partition image: %v", err)
	}
	dsk.Close()
}

func (h *harness) preflight() *safeguards.Preflight {
	p := safeguards.NewPreflight(h.logger)
	p.LookPath = func(tool string) (string, error) { return "/usr/bin/" + tool, nil }
	p.Euid = func() int { return 0 }
	p.LoopControl = h.image
	p.BinfmtDir = h.t.TempDir()
	return p
}

func (h *harness) session(mutate func(*Config)) *Session {
	h.t.Helper()
	cfg := Config{
		SetupRequest: xchroot.SetupRequest{
			ImagePath: h.image,
			MountRoot: h.root,
		},
		BackupDir:  filepath.Join(h.state, "backups"),
		StubTarget: "../run/systemd/resolve/stub-resolv.conf",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, Deps{
		Runner:    h.kernel,
		Logger:    h.logger,
		Fs:        afero.NewOsFs(),
		Journal:   h.journal,
		Metrics:   h.metrics,
		Preflight: h.preflight(),
		PID:       h.pid,
	})
	shortenRetries(s)
	return s
}

func (h *harness) openJournal(alive map[int]bool) *database.DB {
	h.t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(h.t.TempDir(), "sessions.db")
	cfg.ProcessAlive = func(pid int) bool { return alive[pid] }
	db, err := database.New(cfg)
	if err != nil {
		h.t.Fatalf("open journal: %v", err)
	}
	h.t.Cleanup(func() { db.Close() })
	h.journal = db
	return db
}

func shortenRetries(s *Session) {
	s.Loops().DetachBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	s.Mounts().Mounter().UnmountBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
}

func (h *harness) assertReleased() {
	h.t.Helper()
	if m := h.kernel.Mounted(); len(m) != 0 {
		h.t.Fatalf("still mounted: %v", m)
	}
	if a := h.kernel.Attached(); len(a) != 0 {
		h.t.Fatalf("still attached: %v", a)
	}
}

func umountTargets(k *runnertest.Kernel) []string {
	var targets []string
	for _, c := range k.Calls() {
		if c.Name == "umount" {
			targets = append(targets, c.Args[len(c.Args)-1])
		}
	}
	return targets
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestSetupAndTeardownGPT(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(40000, false)
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p2"] = "ext4"

	s := h.session(nil)
	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if res.LoopDevice != "/dev/loop0" || res.RootDevice != "/dev/loop0p2" || res.EFIDevice != "/dev/loop0p1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RootFSType != "ext4" || res.Grown {
		t.Fatalf("unexpected result: %+v", res)
	}
	mounted := h.kernel.Mounted()
	if len(mounted) == 0 || mounted[0] != h.root {
		t.Fatalf("root not mounted first: %v", mounted)
	}
	if !contains(mounted, filepath.Join(h.root, "boot", "efi")) {
		t.Fatalf("efi not mounted: %v", mounted)
	}

	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	h.assertReleased()

	report := s.Report()
	if !report.Clean() || report.Fallback {
		t.Fatalf("report not clean: %+v", report)
	}
	if !contains(report.Steps, "detach /dev/loop0") || !contains(report.Steps, "unmount "+h.root) {
		t.Fatalf("report steps: %v", report.Steps)
	}

	var steps []string
	for _, st := range h.metrics.Steps() {
		steps = append(steps, st.Step)
	}
	for _, want := range []string{"preflight", "validate_image", "attach_loop", "select_partitions", "mount_tree", "teardown"} {
		if !contains(steps, want) {
			t.Errorf("step %q not timed; got %v", want, steps)
		}
	}
}

func TestTeardownReversesMountOrder(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	if _, err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	want := []string{
		filepath.Join(h.root, "etc", "resolv.conf"),
		filepath.Join(h.root, "run"),
		filepath.Join(h.root, "sys"),
		filepath.Join(h.root, "proc"),
		filepath.Join(h.root, "dev", "pts"),
		filepath.Join(h.root, "dev"),
		h.root,
	}
	got := umountTargets(h.kernel)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unmount order:\n got %v\nwant %v", got, want)
	}
	h.assertReleased()
}

func TestSetupRejectsSmallImageWithoutSideEffects(t *testing.T) {
	h := newHarness(t, 1*mib)

	s := h.session(nil)
	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if calls := h.kernel.CallLines(); len(calls) != 0 {
		t.Fatalf("commands ran for a rejected image: %v", calls)
	}
	if s.Report() != nil {
		t.Fatalf("teardown ran although nothing was acquired")
	}
}

func TestSetupMissingToolsIsDependencyFailure(t *testing.T) {
	h := newHarness(t, 40*mib)
	s := h.session(nil)
	s.preflight.LookPath = func(tool string) (string, error) {
		if tool == "parted" {
			return "", os.ErrNotExist
		}
		return "/usr/bin/" + tool, nil
	}
	s.cfg.MinSize = "64M"

	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindDependencyMissing) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	if !xchroot.IsFatal(err) {
		t.Fatalf("dependency failure must be fatal")
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	if _, err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	calls := len(h.kernel.Calls())
	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if len(h.kernel.Calls()) != calls {
		t.Fatalf("second teardown ran commands: %v", h.kernel.CallLines()[calls:])
	}
}

func TestGrowWholeDeviceImage(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(func(c *Config) { c.MinSize = "64M" })
	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer s.Teardown(context.Background())

	if !res.Grown || res.RootDevice != "/dev/loop0" {
		t.Fatalf("unexpected result: %+v", res)
	}
	st, err := os.Stat(h.image)
	if err != nil {
		t.Fatalf("stat image: %v", err)
	}
	if st.Size() != 64*mib {
		t.Fatalf("image size = %d, want %d", st.Size(), 64*mib)
	}

	lines := h.kernel.CallLines()
	for _, want := range []string{"losetup -c /dev/loop0", "resize2fs /dev/loop0"} {
		found := false
		for _, l := range lines {
			if l == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %q in %v", want, lines)
		}
	}
}

func TestGrowAgainstNextPartitionFailsAndReleases(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(30000, true)
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p2"] = "ext4"
	h.kernel.FSTypes["/dev/loop0p3"] = "ext4"

	s := h.session(func(c *Config) { c.MinSize = "64M" })
	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindResizeFailure) {
		t.Fatalf("expected resize failure, got %v", err)
	}
	h.assertReleased()
	if report := s.Report(); report == nil || report.Fallback {
		t.Fatalf("expected ordered cleanup, got %+v", report)
	}
}

// callIndex returns the position of the first call starting with prefix.
func callIndex(t *testing.T, lines []string, prefix string) int {
	t.Helper()
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	t.Fatalf("no call starting with %q in %v", prefix, lines)
	return -1
}

func assertCallOrder(t *testing.T, lines []string, prefixes ...string) {
	t.Helper()
	last := -1
	for _, p := range prefixes {
		i := callIndex(t, lines, p)
		if i <= last {
			t.Fatalf("%q ran out of order in %v", p, lines)
		}
		last = i
	}
}

func TestGrowGPTRootPartition(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(40000, false)
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p2"] = "ext4"

	s := h.session(func(c *Config) { c.MinSize = "64M" })
	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !res.Grown || res.RootDevice != "/dev/loop0p2" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// 64M is 131072 sectors; GPT keeps the last 34 for the backup table.
	assertCallOrder(t, h.kernel.CallLines(),
		"sgdisk -e /dev/loop0",
		"parted --script /dev/loop0 unit s resizepart 2 131038s",
		"losetup -c /dev/loop0",
		"partx -u /dev/loop0",
		"e2fsck -f -y /dev/loop0p2",
		"resize2fs /dev/loop0p2",
		"mount /dev/loop0p2 "+h.root,
	)

	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	h.assertReleased()
}

func TestBtrfsGrowsAfterRootMount(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(40000, false)
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p2"] = "btrfs"

	s := h.session(func(c *Config) { c.MinSize = "64M" })
	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer s.Teardown(context.Background())
	if !res.Grown || res.RootFSType != "btrfs" {
		t.Fatalf("unexpected result: %+v", res)
	}

	lines := h.kernel.CallLines()
	assertCallOrder(t, lines,
		"partx -u /dev/loop0",
		"mount /dev/loop0p2 "+h.root,
		"btrfs filesystem resize max "+h.root,
		"mount /dev/loop0p1 "+filepath.Join(h.root, "boot/efi"),
		"mount --bind",
	)
	for _, l := range lines {
		if strings.HasPrefix(l, "e2fsck") || strings.HasPrefix(l, "resize2fs") {
			t.Fatalf("offline resize ran for btrfs: %v", lines)
		}
	}
}

func TestBtrfsResizeFailureReleases(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(40000, false)
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p2"] = "btrfs"
	h.kernel.Failures["btrfs filesystem resize"] = &runner.ExitError{
		Command:  "btrfs",
		ExitCode: 1,
		Stderr:   "ERROR: unable to resize: No space left on device",
	}

	s := h.session(func(c *Config) { c.MinSize = "64M" })
	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindResizeFailure) {
		t.Fatalf("expected resize failure, got %v", err)
	}
	h.assertReleased()
	if got := umountTargets(h.kernel); !contains(got, h.root) {
		t.Fatalf("root not unmounted: %v", got)
	}
	for _, l := range h.kernel.CallLines() {
		if strings.HasPrefix(l, "mount --bind") {
			t.Fatalf("bind mounts made after failed resize: %v", h.kernel.CallLines())
		}
	}
}

func TestSetupUsesKernelPartitionNumbers(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.partitionGPT(40000, false)
	// The kernel names the root p3 when the table has an empty second slot.
	h.kernel.PartitionLists[h.image] = "" +
		"1 2048 8192 c12a7328-f81f-11d2-ba4b-00a0c93ec93b\n" +
		"3 10240 40000 0fc63daf-8483-4772-8e79-3d69d8477de4\n"
	h.kernel.FSTypes["/dev/loop0p1"] = "vfat"
	h.kernel.FSTypes["/dev/loop0p3"] = "ext4"

	s := h.session(nil)
	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer s.Teardown(context.Background())
	if res.RootDevice != "/dev/loop0p3" || res.EFIDevice != "/dev/loop0p1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTeardownDetachesLoopBoundByFailedAttach(t *testing.T) {
	h := newHarness(t, 40*mib)
	// losetup binds the device and is then killed before reporting it.
	h.kernel.OnRun = func(name string, args []string) {
		if name == "losetup" && len(args) > 0 && args[0] == "-f" {
			h.kernel.AttachExisting("/dev/loop7", h.image)
		}
	}
	h.kernel.Failures["losetup -f"] = &runner.ExitError{Command: "losetup", ExitCode: -1, Stderr: "signal: killed"}

	s := h.session(nil)
	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindAcquisitionFailure) {
		t.Fatalf("expected acquisition failure, got %v", err)
	}
	h.assertReleased()
	if report := s.Report(); report == nil || !contains(report.Steps, "detach /dev/loop7") {
		t.Fatalf("stray loop device not detached: %+v", report)
	}
}

func TestPreviewTouchesNothing(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.PreviewMode = true
	root := filepath.Join(t.TempDir(), "fresh")

	s := h.session(func(c *Config) {
		c.MountRoot = root
		c.MinSize = "64M"
		c.DryRun = true
	})
	s.preflight.Euid = func() int { return 1000 }

	res, err := s.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !res.Grown {
		t.Fatalf("preview should report the simulated growth")
	}
	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("mount root created in preview: %v", err)
	}
	st, _ := os.Stat(h.image)
	if st.Size() != 40*mib {
		t.Fatalf("image resized in preview: %d", st.Size())
	}
	h.assertReleased()
}

func TestTeardownFallbackWhenLoopStaysBusy(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	if _, err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	h.kernel.Failures["losetup -d /dev/loop0"] = &runner.ExitError{
		Command:  "losetup",
		Args:     []string{"-d", "/dev/loop0"},
		ExitCode: 1,
		Stderr:   "losetup: /dev/loop0: detach failed: Device or resource busy",
	}

	err := s.Teardown(context.Background())
	if !xchroot.IsKind(err, xchroot.KindTeardownWarning) {
		t.Fatalf("expected teardown warning, got %v", err)
	}
	if xchroot.IsFatal(err) {
		t.Fatalf("teardown warnings must not be fatal")
	}
	report := s.Report()
	if !report.Fallback || len(report.Warnings) == 0 {
		t.Fatalf("expected fallback with warnings: %+v", report)
	}
	if !contains(report.Steps, "lazy unmount "+h.root) {
		t.Fatalf("forced unmount not attempted: %v", report.Steps)
	}
	if m := h.kernel.Mounted(); len(m) != 0 {
		t.Fatalf("still mounted: %v", m)
	}
}

func TestGuardCleansUpOnSignal(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	if _, err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	exited := make(chan int, 1)
	cancelled := false
	g := s.Guard(func() { cancelled = true }, GuardOptions{
		Signals: sigs,
		Exit:    func(code int) { exited <- code },
	})
	sigs <- syscall.SIGTERM

	select {
	case code := <-exited:
		if code != 128+int(syscall.SIGTERM) {
			t.Fatalf("exit code = %d, want %d", code, 128+int(syscall.SIGTERM))
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("guard did not exit")
	}
	<-g.Done()

	if !cancelled {
		t.Fatalf("guard did not cancel the running operation")
	}
	h.assertReleased()
	if report := s.Report(); !contains(report.Steps, "detach /dev/loop0") {
		t.Fatalf("report steps: %v", report.Steps)
	}
}

func TestGuardInterruptDuringShellKillsChroot(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	sigs := make(chan os.Signal, 1)
	exited := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := s.Guard(cancel, GuardOptions{
		Signals: sigs,
		Exit:    func(code int) { exited <- code },
	})
	defer g.Stop()

	var code int
	err := s.Run(ctx, HostFunc(func(ctx context.Context, res *xchroot.SetupResult) error {
		sigs <- syscall.SIGINT
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			t.Errorf("interrupt did not cancel the chroot")
		}
		select {
		case code = <-exited:
		case <-time.After(10 * time.Second):
			t.Errorf("guard did not exit")
		}
		// What a killed chroot reports.
		return &runner.ExitError{Command: "chroot", ExitCode: -1}
	}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if code != 130 {
		t.Fatalf("exit code = %d, want 130", code)
	}
	select {
	case <-g.Fired():
	default:
		t.Fatalf("guard did not report that it fired")
	}
	h.assertReleased()
	if report := s.Report(); !contains(report.Steps, "detach /dev/loop0") {
		t.Fatalf("report steps: %v", report.Steps)
	}
}

func TestGuardStopDisarms(t *testing.T) {
	h := newHarness(t, 40*mib)
	s := h.session(nil)

	sigs := make(chan os.Signal, 1)
	g := s.Guard(nil, GuardOptions{
		Signals: sigs,
		Exit:    func(int) { t.Errorf("exit called after Stop") },
	})
	g.Stop()
	g.Stop()
	<-g.Done()
	sigs <- syscall.SIGINT
}

func TestRunTearsDownAfterShellExits(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"

	s := h.session(nil)
	var entered *xchroot.SetupResult
	err := s.Run(context.Background(), HostFunc(func(ctx context.Context, res *xchroot.SetupResult) error {
		entered = res
		return &runner.ExitError{Command: "chroot", ExitCode: 130}
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entered == nil || entered.MountRoot != h.root {
		t.Fatalf("host not entered: %+v", entered)
	}
	h.assertReleased()
}

func TestDefaultHostUsesInterpreterWithoutBinfmt(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"
	qemu := filepath.Join(t.TempDir(), "qemu-aarch64-static")
	if err := os.WriteFile(qemu, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write interpreter: %v", err)
	}

	s := h.session(func(c *Config) { c.Interpreter = qemu })
	if err := s.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "chroot " + h.root + " /usr/bin/qemu-aarch64-static /bin/bash -l"
	if !contains(h.kernel.CallLines(), want) {
		t.Fatalf("missing %q in %v", want, h.kernel.CallLines())
	}
	if _, err := os.Stat(filepath.Join(h.root, "usr", "bin", "qemu-aarch64-static")); err != nil {
		t.Fatalf("interpreter not injected: %v", err)
	}
}

func TestImageLockedByLiveProcess(t *testing.T) {
	h := newHarness(t, 40*mib)
	db := h.openJournal(map[int]bool{999: true})

	key := xchroot.DeriveImageKey(h.image)
	if err := db.AcquireImageLock(context.Background(), key, "ses_other", 999); err != nil {
		t.Fatalf("AcquireImageLock: %v", err)
	}

	s := h.session(nil)
	_, err := s.Setup(context.Background())
	if !xchroot.IsKind(err, xchroot.KindAcquisitionFailure) {
		t.Fatalf("expected acquisition failure, got %v", err)
	}
	if calls := h.kernel.CallLines(); len(calls) != 0 {
		t.Fatalf("commands ran for a locked image: %v", calls)
	}
	lock, _ := db.ImageLock(context.Background(), key)
	if lock == nil || lock.SessionID != "ses_other" {
		t.Fatalf("foreign lock disturbed: %+v", lock)
	}
}

func TestRecoverFromJournal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 40*mib)
	h.kernel.FSTypes["/dev/loop0"] = "ext4"
	alive := map[int]bool{100: true}
	db := h.openJournal(alive)

	crashed := h.session(nil)
	if _, err := crashed.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	rec, err := db.ActiveSessionForImage(ctx, crashed.ImageKey())
	if err != nil || rec == nil {
		t.Fatalf("ActiveSessionForImage = %+v, %v", rec, err)
	}
	if rec.Status != database.StatusReady || rec.LoopDevice != "/dev/loop0" || len(rec.Mounts) == 0 {
		t.Fatalf("journal incomplete: %+v", rec)
	}

	cfg := Config{
		BackupDir:  filepath.Join(h.state, "backups"),
		StubTarget: "../run/systemd/resolve/stub-resolv.conf",
	}
	deps := Deps{
		Runner:    h.kernel,
		Logger:    h.logger,
		Fs:        afero.NewOsFs(),
		Journal:   db,
		Preflight: h.preflight(),
		PID:       200,
	}

	// The original process is still running.
	if _, err := Recover(ctx, cfg, deps, rec); !xchroot.IsKind(err, xchroot.KindAcquisitionFailure) {
		t.Fatalf("expected acquisition failure, got %v", err)
	}
	if len(h.kernel.Mounted()) == 0 {
		t.Fatalf("recovery tore down a live session")
	}

	alive[100] = false
	report, err := Recover(ctx, cfg, deps, rec)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.SessionID != rec.SessionID || report.Fallback {
		t.Fatalf("report: %+v", report)
	}
	h.assertReleased()

	after, err := db.GetSession(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if after.Status != database.StatusReleased || len(after.Mounts) != 0 {
		t.Fatalf("journal after recovery: %+v", after)
	}
	if locked, _ := db.IsImageLocked(ctx, rec.ImageKey); locked {
		t.Fatalf("image still locked after recovery")
	}
}

func TestSweepWithoutJournal(t *testing.T) {
	h := newHarness(t, 40*mib)
	h.kernel.AttachExisting("/dev/loop3", h.image)
	h.kernel.MountExisting(h.root)
	h.kernel.MountExisting(filepath.Join(h.root, "proc"))

	report := Sweep(context.Background(), Config{
		SetupRequest: xchroot.SetupRequest{ImagePath: h.image, MountRoot: h.root},
	}, Deps{Runner: h.kernel, Logger: h.logger, Preflight: h.preflight()})

	if !contains(report.Steps, "force detach /dev/loop3") {
		t.Fatalf("report steps: %v", report.Steps)
	}
	h.assertReleased()
}
