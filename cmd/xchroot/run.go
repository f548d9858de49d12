package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/session"
	"github.com/superfly/xchroot/tui"
)

func addSessionFlags(cmd *cobra.Command, opts *sessionOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.mountRoot, "mount-root", "", "where to mount the image (default <mount-base>/<image name>)")
	f.String("mount-base", "/mnt/xchroot", "parent directory of default mount roots")
	f.String("size", "", "grow the image to at least this size first (e.g. 8G)")
	f.String("interpreter", "", "host path of the user-mode emulator to inject (e.g. /usr/bin/qemu-aarch64-static)")
	f.String("shell", "/bin/bash", "login shell started inside the chroot")
}

func (a *app) runCmd() *cobra.Command {
	var opts sessionOptions
	cmd := &cobra.Command{
		Use:   "run <image> [-- command...]",
		Short: "Prepare the image, start a shell in it and tear it down afterwards",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, args[0], args[1:], opts)
		},
	}
	addSessionFlags(cmd, &opts)
	return cmd
}

func (a *app) runSession(cmd *cobra.Command, image string, command []string, opts sessionOptions) error {
	cfg, err := a.sessionConfig(image, opts)
	if err != nil {
		return err
	}
	deps, db, closeJournal, err := a.deps()
	if err != nil {
		return err
	}
	defer closeJournal()
	defer a.finish(deps.Metrics)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	if err := checkUnreleased(ctx, db, cfg.ImagePath); err != nil {
		return err
	}

	s := session.New(cfg, deps)
	guard := s.Guard(cancel, session.GuardOptions{})
	defer guard.Stop()

	if err := s.Run(ctx, s.DefaultHost(command...)); err != nil {
		select {
		case <-guard.Fired():
			// The guard owns the exit status now.
			<-guard.Done()
		default:
		}
		return err
	}
	if report := s.Report(); report != nil {
		fmt.Fprintln(a.out, tui.RenderTeardownReport(report))
	}
	return nil
}

func (a *app) setupCmd() *cobra.Command {
	var (
		opts    sessionOptions
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "setup <image>",
		Short: "Prepare the image and leave it mounted",
		Long: `Prepare the image and leave it mounted. The session is recorded in the
journal; release it with 'xchroot teardown <image>'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.setupSession(cmd, args[0], opts, jsonOut)
		},
	}
	addSessionFlags(cmd, &opts)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the prepared session as JSON")
	return cmd
}

func (a *app) setupSession(cmd *cobra.Command, image string, opts sessionOptions, jsonOut bool) error {
	cfg, err := a.sessionConfig(image, opts)
	if err != nil {
		return err
	}
	deps, db, closeJournal, err := a.deps()
	if err != nil {
		return err
	}
	defer closeJournal()
	defer a.finish(deps.Metrics)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	if err := checkUnreleased(ctx, db, cfg.ImagePath); err != nil {
		return err
	}

	s := session.New(cfg, deps)
	guard := s.Guard(cancel, session.GuardOptions{})
	defer guard.Stop()

	res, err := s.Setup(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		data, err := xchroot.MarshalSetupResult(res)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(data))
	} else {
		fmt.Fprintln(a.out, tui.RenderSetupResult(res))
	}

	// Nothing tears a preview down later, so do it now.
	if cfg.DryRun {
		return s.Teardown(ctx)
	}
	return nil
}
