// Package runner executes host tools on behalf of the other packages.
//
// Every command is an argv vector handed straight to the kernel; no shell is
// ever involved, so image paths and mount points containing spaces or shell
// metacharacters are passed through untouched.
//
// # Preview mode
//
// When constructed with Options.Preview, Run and Interactive log the command
// they would have executed and return success without touching the system.
// Query is for read-only inspection (losetup -j, blkid, findmnt) and always
// executes, so a preview still reports what the image looks like.
//
// # Usage Example
//
//	r := runner.New(runner.Options{Logger: logger})
//	res, err := r.Run(ctx, "losetup", "-f", "--show", "-P", "/images/rpi.img")
//	if err != nil {
//		return err
//	}
//	fmt.Println(res.Stdout) // /dev/loop3
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner is implemented by Exec and by test fakes.
type Runner interface {
	// Run executes a command that mutates host state.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// Query executes a read-only command, even in preview mode.
	Query(ctx context.Context, name string, args ...string) (*Result, error)

	// Interactive runs a command attached to the caller's terminal.
	Interactive(ctx context.Context, name string, args ...string) error

	// Preview reports whether mutating commands are being skipped.
	Preview() bool
}

// Result is the captured outcome of a command.
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Preview  bool
}

// Options configures an Exec.
type Options struct {
	Logger logrus.FieldLogger

	// Preview skips mutating commands.
	Preview bool

	// Timeout bounds each non-interactive command. Zero means 2 minutes.
	Timeout time.Duration
}

// Exec runs commands with os/exec.
type Exec struct {
	logger  logrus.FieldLogger
	preview bool
	timeout time.Duration
}

// New creates an Exec.
func New(opts Options) *Exec {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Exec{
		logger:  logger.WithField("component", "runner"),
		preview: opts.Preview,
		timeout: timeout,
	}
}

// Preview reports whether mutating commands are skipped.
func (e *Exec) Preview() bool {
	return e.preview
}

// Run executes a mutating command.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if e.preview {
		e.logger.WithFields(logrus.Fields{
			"command": name,
			"args":    args,
		}).Info("preview: would execute")
		return &Result{Command: name, Args: args, Preview: true}, nil
	}
	return e.exec(ctx, name, args)
}

// Query executes a read-only command.
func (e *Exec) Query(ctx context.Context, name string, args ...string) (*Result, error) {
	return e.exec(ctx, name, args)
}

func (e *Exec) exec(ctx context.Context, name string, args []string) (*Result, error) {
	ctx, span := otel.Tracer("github.com/superfly/xchroot/runner").Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.StringSlice("args", args))

	ctxWithTimeout, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := e.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
		"timeout": e.timeout.String(),
	})
	logger.Debug("executing command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctxWithTimeout, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startTime := time.Now()
	err := cmd.Run()
	duration := time.Since(startTime)
	timedOut := ctxWithTimeout.Err() != nil

	res := &Result{
		Command:  name,
		Args:     args,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: -1,
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   res.ExitCode,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"timed_out":   timedOut,
	}).Debug("command completed")

	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	if err == nil {
		return res, nil
	}

	span.SetStatus(codes.Error, err.Error())
	if timedOut {
		return res, fmt.Errorf("%s timed out after %s: %w", name, e.timeout, ctxWithTimeout.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: name, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("failed to run %s: %w", name, err)
}

// Interactive runs a command with the process's stdin, stdout and stderr.
// A non-zero exit of the child is not an error; the shell exiting with the
// status of its last command is normal.
func (e *Exec) Interactive(ctx context.Context, name string, args ...string) error {
	logger := e.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	if e.preview {
		logger.Info("preview: would start interactive session")
		return nil
	}

	logger.Info("starting interactive session")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.WithField("exit_code", exitErr.ExitCode()).Info("interactive session exited")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	logger.Info("interactive session exited")
	return nil
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// IsExitError checks if an error is an ExitError.
func IsExitError(err error) bool {
	var e *ExitError
	return errors.As(err, &e)
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var e *ExitError
	if errors.As(err, &e) {
		return e.ExitCode
	}
	return -1
}

// StderrContains reports whether err is an ExitError whose stderr contains
// any of the given fragments (case-insensitive).
func StderrContains(err error, fragments ...string) bool {
	var e *ExitError
	if !errors.As(err, &e) {
		return false
	}
	stderr := strings.ToLower(e.Stderr)
	for _, f := range fragments {
		if strings.Contains(stderr, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
