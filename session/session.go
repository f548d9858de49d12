// Package session coordinates one chroot session: it acquires every
// resource in order, and guarantees that whatever was acquired is released
// again, whether setup fails half way, the interactive session ends, or the
// process is interrupted.
//
// # Lifecycle
//
//	preflight → validate image → lock image → create mount root (cleanup armed)
//	→ grow image → attach loop → scan partitions → select root and EFI
//	→ grow partition → offline filesystem resize → mount tree (online resize)
//
// Any failure after the mount root is created runs Teardown before Setup
// returns. Teardown runs at most once per session; later calls are no-ops.
//
// # Usage Example
//
//	s := session.New(cfg, session.Deps{Runner: r, Logger: logger, Journal: db})
//	if err := s.Run(ctx, nil); err != nil {
//		return err
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/fsresize"
	"github.com/superfly/xchroot/imagefile"
	"github.com/superfly/xchroot/loopdev"
	"github.com/superfly/xchroot/mount"
	"github.com/superfly/xchroot/partition"
	"github.com/superfly/xchroot/perf"
	"github.com/superfly/xchroot/runner"
	"github.com/superfly/xchroot/safeguards"
)

// cleanupTimeout bounds a teardown that runs after the caller's context was
// cancelled.
const cleanupTimeout = 2 * time.Minute

// Config is everything a session needs to know about the image and host.
type Config struct {
	xchroot.SetupRequest

	// MinImageBytes rejects smaller images. Zero means imagefile.DefaultMinBytes.
	MinImageBytes int64

	// BackupDir holds the resolv.conf backup. Must be outside MountRoot.
	BackupDir string

	// StubTarget replaces an originally absent resolv.conf on restore.
	StubTarget string

	// Shell is started inside the chroot by the default host.
	Shell string

	// BindSources overrides mount.DefaultBindSources.
	BindSources []string

	// HostResolvConf overrides mount.HostResolvConf.
	HostResolvConf string
}

// Deps are the collaborators of a session.
type Deps struct {
	Runner  runner.Runner
	Logger  logrus.FieldLogger
	Fs      afero.Fs
	Journal Journal
	Metrics *perf.SessionMetrics

	// Preflight defaults to checks against the real host.
	Preflight *safeguards.Preflight

	// PID is recorded as the lock holder. Defaults to os.Getpid().
	PID int
}

type phase int

const (
	phaseIdle phase = iota
	phasePreparing
	phaseReady
	phaseTearingDown
	phaseDone
)

// Session is one prepared chroot and everything it holds.
type Session struct {
	cfg       Config
	runner    runner.Runner
	fs        afero.Fs
	logger    logrus.FieldLogger
	journal   Journal
	metrics   *perf.SessionMetrics
	preflight *safeguards.Preflight
	pid       int

	loops   *loopdev.Manager
	scanner *partition.Scanner
	grower  *partition.Grower
	mounts  *mount.Orchestrator

	id       string
	imageKey string

	// journalCtx outlives cancellation of the setup context so teardown
	// progress is still recorded after an interrupt.
	journalCtx context.Context

	mu          sync.Mutex
	phase       phase
	armed       bool
	locked      bool
	createdRoot bool
	binfmt      bool
	loop        *loopdev.Device
	result      *xchroot.SetupResult
	report      *xchroot.TeardownReport

	// interactive is set while the host runs in the foreground.
	interactive atomic.Bool
}

// New creates a session. Nothing is touched until Setup.
func New(cfg Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsys := deps.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	journal := deps.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	pre := deps.Preflight
	if pre == nil {
		pre = safeguards.NewPreflight(logger)
	}
	pid := deps.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	if cfg.MinImageBytes == 0 {
		cfg.MinImageBytes = imagefile.DefaultMinBytes
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}

	id := xchroot.NewSessionID()
	sessionLogger := logger.WithFields(logrus.Fields{
		"component":  "session",
		"session_id": id,
	})
	s := &Session{
		cfg:        cfg,
		runner:     deps.Runner,
		fs:         fsys,
		journal:    journal,
		metrics:    deps.Metrics,
		preflight:  pre,
		pid:        pid,
		id:         id,
		imageKey:   xchroot.DeriveImageKey(cfg.ImagePath),
		journalCtx: context.Background(),
		logger:     sessionLogger,
	}
	s.loops = loopdev.NewManager(deps.Runner, logger)
	s.scanner = partition.NewScanner(deps.Runner, logger)
	s.grower = partition.NewGrower(deps.Runner, s.loops, logger)
	s.mounts = mount.New(mount.Options{
		Runner:         deps.Runner,
		Fs:             fsys,
		Logger:         logger,
		BackupDir:      cfg.BackupDir,
		StubTarget:     cfg.StubTarget,
		BindSources:    cfg.BindSources,
		HostResolvConf: cfg.HostResolvConf,
		Recorder:       s,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// ImageKey returns the journal key of the image.
func (s *Session) ImageKey() string {
	return s.imageKey
}

// Loops exposes the loop device manager, mainly so tests can shorten its
// retry schedule.
func (s *Session) Loops() *loopdev.Manager {
	return s.loops
}

// Mounts exposes the mount orchestrator.
func (s *Session) Mounts() *mount.Orchestrator {
	return s.mounts
}

// Result returns the prepared root, or nil before a successful Setup.
func (s *Session) Result() *xchroot.SetupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Report returns the teardown report, or nil before Teardown ran.
func (s *Session) Report() *xchroot.TeardownReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Setup prepares the chroot. On failure everything acquired so far has been
// released again when Setup returns.
func (s *Session) Setup(ctx context.Context) (*xchroot.SetupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle {
		return nil, fmt.Errorf("session %s already set up", s.id)
	}
	s.phase = phasePreparing
	if s.metrics != nil {
		ctx = perf.WithMetrics(ctx, s.metrics)
	}
	s.journalCtx = context.WithoutCancel(ctx)

	res, err := s.setup(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("kind", xchroot.KindOf(err).String()).Error("setup failed, cleaning up")
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if terr := s.teardownLocked(cleanupCtx); terr != nil {
			s.logger.WithError(terr).Warn("cleanup after failed setup was incomplete")
		}
		s.recordSession("failed")
		return nil, err
	}

	s.result = res
	s.phase = phaseReady
	s.setStatus(database.StatusReady)
	s.logger.WithFields(logrus.Fields{
		"mount_root":  res.MountRoot,
		"loop_device": res.LoopDevice,
		"root_device": res.RootDevice,
		"grown":       res.Grown,
	}).Info("session ready")
	return res, nil
}

func (s *Session) setup(ctx context.Context) (*xchroot.SetupResult, error) {
	cfg := s.cfg
	preview := s.runner.Preview()

	if cfg.ImagePath == "" || cfg.MountRoot == "" {
		return nil, xchroot.Wrap(xchroot.KindValidationFailure, "setup", errors.New("image path and mount root are required"))
	}

	// Preflight
	if err := s.step(ctx, "preflight", func(ctx context.Context) error {
		return s.checkHost()
	}); err != nil {
		return nil, err
	}

	var minSize uint64
	if cfg.MinSize != "" {
		size, err := partition.ParseSize(cfg.MinSize)
		if err != nil {
			return nil, xchroot.Wrap(xchroot.KindValidationFailure, "parse size", err)
		}
		minSize = size
	}

	// Validate image; nothing has been touched yet.
	var info *imagefile.Info
	if err := s.step(ctx, "validate image", func(ctx context.Context) error {
		var err error
		info, err = imagefile.Validate(cfg.ImagePath, cfg.MinImageBytes)
		return err
	}); err != nil {
		return nil, xchroot.Wrap(xchroot.KindValidationFailure, "validate image", err)
	}

	// Lock image
	if err := s.journal.AcquireImageLock(ctx, s.imageKey, s.id, s.pid); err != nil {
		return nil, xchroot.Wrap(xchroot.KindAcquisitionFailure, "lock image", err)
	}
	s.locked = true
	if err := s.journal.CreateSession(ctx, &database.Session{
		SessionID:   s.id,
		ImageKey:    s.imageKey,
		ImagePath:   cfg.ImagePath,
		MountRoot:   cfg.MountRoot,
		Interpreter: cfg.Interpreter,
		PID:         s.pid,
	}); err != nil {
		s.logger.WithError(err).Warn("failed to journal session")
	}

	// Mount root; from here on cleanup is required.
	if err := s.createMountRoot(preview); err != nil {
		return nil, xchroot.Wrap(xchroot.KindAcquisitionFailure, "create mount root", err)
	}
	s.armed = true

	// Grow image
	grown := false
	if minSize > 0 {
		if err := s.step(ctx, "grow image", func(ctx context.Context) error {
			var err error
			grown, info, err = s.growImage(info, minSize, preview)
			return err
		}); err != nil {
			return nil, xchroot.Wrap(xchroot.KindResizeFailure, "grow image", err)
		}
	}

	// Attach loop
	if err := s.step(ctx, "attach loop", func(ctx context.Context) error {
		dev, err := s.loops.Attach(ctx, cfg.ImagePath)
		if err != nil {
			return err
		}
		s.loop = dev
		return nil
	}); err != nil {
		return nil, xchroot.Wrap(xchroot.KindAcquisitionFailure, "attach loop", err)
	}
	if err := s.journal.SetLoopDevice(ctx, s.id, s.loop.Path); err != nil {
		s.logger.WithError(err).Warn("failed to journal loop device")
	}

	// Scan and select
	var (
		table  *partition.Table
		sel    partition.Selection
		efi    partition.Record
		hasEFI bool
	)
	if err := s.step(ctx, "select partitions", func(ctx context.Context) error {
		var err error
		if table, err = s.scanner.Scan(ctx, info, s.loop); err != nil {
			return err
		}
		if sel, err = partition.SelectRoot(table); err != nil {
			return err
		}
		efi, hasEFI = partition.FindEFI(table)
		return nil
	}); err != nil {
		return nil, xchroot.Wrap(xchroot.KindValidationFailure, "select partitions", err)
	}

	rootDevice, rootFSType := sel.Record.Device, sel.Record.FSType
	if sel.WholeDevice {
		rootDevice = s.loop.Path
		rootFSType = s.scanner.Probe(ctx, rootDevice)
	}
	efiDevice := ""
	if hasEFI && efi.Device != rootDevice {
		efiDevice = efi.Device
	}
	if err := s.journal.SetPartitions(ctx, s.id, rootDevice, efiDevice); err != nil {
		s.logger.WithError(err).Warn("failed to journal partitions")
	}
	s.logger.WithFields(logrus.Fields{
		"root_device":  rootDevice,
		"root_fs_type": rootFSType,
		"efi_device":   efiDevice,
		"whole_device": sel.WholeDevice,
	}).Info("selected root partition")

	// Grow partition and offline filesystem
	filesystem := fsresize.Detect(rootFSType)
	if grown {
		if err := s.step(ctx, "grow partition", func(ctx context.Context) error {
			return s.growPartition(ctx, table, sel)
		}); err != nil {
			return nil, xchroot.Wrap(xchroot.KindResizeFailure, "grow partition", err)
		}
		if !filesystem.Online() {
			if err := s.step(ctx, "resize filesystem", func(ctx context.Context) error {
				return filesystem.Grow(ctx, s.runner, s.logger, fsresize.Target{Device: rootDevice})
			}); err != nil {
				return nil, xchroot.Wrap(xchroot.KindResizeFailure, "resize filesystem", err)
			}
		}
	}

	// Mount tree
	plan := mount.Plan{
		MountRoot:   cfg.MountRoot,
		RootDevice:  rootDevice,
		EFIDevice:   efiDevice,
		Interpreter: cfg.Interpreter,
	}
	if grown && filesystem.Online() {
		plan.AfterRootMount = func(ctx context.Context) error {
			return s.step(ctx, "resize filesystem", func(ctx context.Context) error {
				err := filesystem.Grow(ctx, s.runner, s.logger, fsresize.Target{Device: rootDevice, MountPoint: cfg.MountRoot})
				return xchroot.Wrap(xchroot.KindResizeFailure, "resize filesystem", err)
			})
		}
	}
	if err := s.step(ctx, "mount tree", func(ctx context.Context) error {
		return s.mounts.Setup(ctx, plan)
	}); err != nil {
		return nil, err
	}

	return &xchroot.SetupResult{
		SessionID:  s.id,
		ImageKey:   s.imageKey,
		MountRoot:  cfg.MountRoot,
		LoopDevice: s.loop.Path,
		RootDevice: rootDevice,
		RootFSType: rootFSType,
		EFIDevice:  efiDevice,
		Grown:      grown,
		PreparedAt: time.Now().UTC(),
	}, nil
}

// checkHost runs the preflight checks. Privilege and loop support are only
// required when commands will actually run.
func (s *Session) checkHost() error {
	tools := append([]string(nil), safeguards.CoreTools...)
	if s.cfg.MinSize != "" {
		tools = append(tools, safeguards.GrowthTools...)
	}
	if err := s.preflight.CheckDependencies(tools...); err != nil {
		return xchroot.Wrap(xchroot.KindDependencyMissing, "preflight", err)
	}
	if !s.runner.Preview() {
		if err := s.preflight.RequireRoot(); err != nil {
			return xchroot.Wrap(xchroot.KindDependencyMissing, "preflight", err)
		}
		if err := s.preflight.CheckLoopSupport(); err != nil {
			return xchroot.Wrap(xchroot.KindDependencyMissing, "preflight", err)
		}
	}
	s.binfmt = s.preflight.CheckBinfmt(s.cfg.Interpreter)
	return nil
}

func (s *Session) createMountRoot(preview bool) error {
	if preview {
		return nil
	}
	if _, err := s.fs.Stat(s.cfg.MountRoot); errors.Is(err, os.ErrNotExist) {
		s.createdRoot = true
	}
	return s.fs.MkdirAll(s.cfg.MountRoot, 0o755)
}

// growImage extends the image file to minSize. In preview mode the file is
// left alone but the layout is sized as if it had grown.
func (s *Session) growImage(info *imagefile.Info, minSize uint64, preview bool) (bool, *imagefile.Info, error) {
	if uint64(info.Size) >= minSize {
		s.logger.WithField("size", info.Size).Debug("image already large enough")
		return false, info, nil
	}
	if preview {
		s.logger.WithField("min_size", minSize).Info("[preview] would grow image")
		grownInfo := *info
		grownInfo.Size = int64((minSize + imagefile.SectorSize - 1) / imagefile.SectorSize * imagefile.SectorSize)
		return true, &grownInfo, nil
	}

	grown, err := imagefile.EnsureSize(s.cfg.ImagePath, int64(minSize))
	if err != nil || !grown {
		return false, info, err
	}
	updated, err := imagefile.ReadLayout(s.cfg.ImagePath)
	if err != nil {
		return false, info, err
	}
	s.logger.WithFields(logrus.Fields{
		"from": info.Size,
		"to":   updated.Size,
	}).Info("image grown")
	return true, updated, nil
}

func (s *Session) growPartition(ctx context.Context, table *partition.Table, sel partition.Selection) error {
	if sel.WholeDevice {
		// A bare filesystem fills the whole device; only the loop size changes.
		return s.loops.Refresh(ctx, s.loop)
	}
	newEnd, err := partition.GrowBoundary(table, sel.Record.Index)
	if err != nil {
		return err
	}
	return s.grower.Grow(ctx, s.loop, table.Scheme, sel.Record, newEnd)
}

func (s *Session) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, done := perf.Step(ctx, name, s.logger)
	err := fn(ctx)
	done(err)
	return err
}

func (s *Session) setStatus(status string) {
	if err := s.journal.SetStatus(s.journalCtx, s.id, status); err != nil {
		s.logger.WithError(err).WithField("status", status).Warn("failed to journal session status")
	}
}

func (s *Session) recordSession(result string) {
	if s.metrics != nil {
		s.metrics.RecordSession(result)
	}
}
