package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
	"github.com/superfly/xchroot/session"
	"github.com/superfly/xchroot/tui"
)

type teardownOptions struct {
	all       bool
	mountRoot string
}

func (a *app) teardownCmd() *cobra.Command {
	var opts teardownOptions
	cmd := &cobra.Command{
		Use:   "teardown [image]",
		Short: "Release a session left behind by setup or by a crashed run",
		Long: `Release a session left behind by 'xchroot setup' or by a run that did not
get to clean up.

With a journal record, mounts are undone in reverse order, resolv.conf is
restored and the loop device is detached. Without one, every loop device bound
to the image is detached and the mount root is lazily unmounted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.all == (len(args) == 1) {
				return fmt.Errorf("specify either an image or --all")
			}
			return a.teardown(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "release every unreleased session whose process is gone")
	cmd.Flags().StringVar(&opts.mountRoot, "mount-root", "", "mount root to clean up when the journal has no record")
	cmd.Flags().String("mount-base", "/mnt/xchroot", "parent directory of default mount roots")
	return cmd
}

func (a *app) teardown(cmd *cobra.Command, args []string, opts teardownOptions) error {
	ctx := commandContext(cmd)
	logger := a.log.WithField("command", "teardown")

	db, err := a.openJournal()
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.all {
		return a.teardownAll(ctx, db, logger)
	}

	image, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid image path: %w", err)
	}
	rec, err := db.ActiveSessionForImage(ctx, xchroot.DeriveImageKey(image))
	if err != nil {
		return err
	}
	if rec != nil {
		return a.recover(ctx, db, rec)
	}

	logger.WithField("image", image).Warn("no journaled session, sweeping leftovers")
	cfg, err := a.sessionConfig(image, sessionOptions{mountRoot: opts.mountRoot})
	if err != nil {
		return err
	}
	report := session.Sweep(ctx, cfg, a.baseDeps())
	fmt.Fprintln(a.out, tui.RenderTeardownReport(report))
	return nil
}

// teardownAll releases every unreleased session. Sessions whose process is
// still running are skipped.
func (a *app) teardownAll(ctx context.Context, db *database.DB, logger logrus.FieldLogger) error {
	sessions, err := db.ListSessions(ctx, false)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(a.out, "No unreleased sessions.")
		return nil
	}

	var failed int
	for _, rec := range sessions {
		err := a.recover(ctx, db, rec)
		switch {
		case err == nil:
		case xchroot.IsKind(err, xchroot.KindAcquisitionFailure):
			logger.WithError(err).WithField("session_id", rec.SessionID).Info("session still in use, skipping")
		default:
			logger.WithError(err).WithField("session_id", rec.SessionID).Warn("session not released")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions not released", failed, len(sessions))
	}
	return nil
}

func (a *app) recover(ctx context.Context, db *database.DB, rec *database.Session) error {
	cfg, err := a.sessionConfig(rec.ImagePath, sessionOptions{mountRoot: rec.MountRoot})
	if err != nil {
		return err
	}
	if a.cfg.DryRun {
		// Recovery writes to the journal; a preview only shows the record.
		fmt.Fprintln(a.out, tui.RenderSessions([]*database.Session{rec}, timeNow()))
		return nil
	}
	deps := a.baseDeps()
	deps.Journal = db
	defer a.finish(deps.Metrics)

	report, err := session.Recover(ctx, cfg, deps, rec)
	if report != nil {
		fmt.Fprintln(a.out, tui.RenderTeardownReport(report))
	}
	if err != nil && !isWarning(err) {
		return err
	}
	return nil
}
