package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/runner"
)

// Host runs whatever happens inside the prepared root.
type Host interface {
	Enter(ctx context.Context, res *xchroot.SetupResult) error
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, res *xchroot.SetupResult) error

// Enter implements Host.
func (f HostFunc) Enter(ctx context.Context, res *xchroot.SetupResult) error {
	return f(ctx, res)
}

// ChrootHost starts an interactive login shell in the root.
type ChrootHost struct {
	Runner runner.Runner
	Shell  string

	// Interpreter, when set, is the in-root path of the emulator used to
	// start the shell. Needed when binfmt_misc does not know it.
	Interpreter string

	// Command replaces the login shell when set.
	Command []string
}

// Enter implements Host.
func (h ChrootHost) Enter(ctx context.Context, res *xchroot.SetupResult) error {
	args := []string{res.MountRoot}
	if h.Interpreter != "" {
		args = append(args, h.Interpreter)
	}
	if len(h.Command) > 0 {
		args = append(args, h.Command...)
	} else {
		args = append(args, h.Shell, "-l")
	}
	return h.Runner.Interactive(ctx, "chroot", args...)
}

// DefaultHost returns the ChrootHost for this session.
func (s *Session) DefaultHost(command ...string) Host {
	h := ChrootHost{Runner: s.runner, Shell: s.cfg.Shell, Command: command}
	if s.cfg.Interpreter != "" && !s.binfmt {
		h.Interpreter = filepath.Join("/usr/bin", filepath.Base(s.cfg.Interpreter))
	}
	return h
}

// Run prepares the root, hands it to host and tears it down again, whatever
// happens in between. A nil host starts the default login shell.
func (s *Session) Run(ctx context.Context, host Host) error {
	res, err := s.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if terr := s.Teardown(cleanupCtx); terr != nil {
			s.logger.WithError(terr).Warn("teardown incomplete")
		}
	}()

	if host == nil {
		host = s.DefaultHost()
	}
	s.logger.WithField("mount_root", res.MountRoot).Info("entering chroot")
	s.interactive.Store(true)
	err = host.Enter(ctx, res)
	s.interactive.Store(false)
	if ctx.Err() != nil {
		// The chroot was killed because the session was interrupted.
		return fmt.Errorf("chroot session interrupted: %w", ctx.Err())
	}
	if err != nil {
		// The shell's own exit status is the user's business.
		if runner.IsExitError(err) {
			s.logger.WithField("exit_code", runner.ExitCode(err)).Info("chroot session exited")
			return nil
		}
		return fmt.Errorf("chroot session failed: %w", err)
	}
	return nil
}
