// Package safeguards holds the checks that run before any host state is
// touched, and the panic barrier that keeps cleanup code from taking the
// process down half way.
package safeguards

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// CoreTools are needed by every session.
var CoreTools = []string{"losetup", "mount", "umount", "findmnt", "blkid", "chroot", "udevadm", "partx"}

// GrowthTools are needed when the image is enlarged.
var GrowthTools = []string{"parted", "sgdisk", "e2fsck", "resize2fs"}

// Preflight checks the host before a session starts.
type Preflight struct {
	logger logrus.FieldLogger

	// LookPath resolves tool names. Defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// Euid returns the effective user id. Defaults to os.Geteuid.
	Euid func() int

	// BinfmtDir is where the kernel lists registered binfmt handlers.
	BinfmtDir string

	// LoopControl is the loop control device node.
	LoopControl string
}

// NewPreflight creates a Preflight that inspects the real host.
func NewPreflight(logger logrus.FieldLogger) *Preflight {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Preflight{
		logger:      logger.WithField("component", "preflight"),
		LookPath:    exec.LookPath,
		Euid:        os.Geteuid,
		BinfmtDir:   "/proc/sys/fs/binfmt_misc",
		LoopControl: "/dev/loop-control",
	}
}

// CheckDependencies reports every tool that is not on PATH.
func (p *Preflight) CheckDependencies(tools ...string) error {
	var missing []string
	seen := make(map[string]bool)
	for _, tool := range tools {
		if seen[tool] {
			continue
		}
		seen[tool] = true
		if _, err := p.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		p.logger.WithField("missing", missing).Error("required tools not installed")
		return &DependencyMissingError{Tools: missing}
	}
	return nil
}

// RequireRoot fails unless the process runs as root.
func (p *Preflight) RequireRoot() error {
	if euid := p.Euid(); euid != 0 {
		return &PrivilegeError{Euid: euid}
	}
	return nil
}

// CheckLoopSupport fails when the kernel exposes no loop control device.
func (p *Preflight) CheckLoopSupport() error {
	if _, err := os.Stat(p.LoopControl); err != nil {
		return &DependencyMissingError{Tools: []string{"loop kernel module"}}
	}
	return nil
}

// CheckBinfmt reports whether a binfmt_misc handler is registered for the
// interpreter binary. A missing registration is only logged: the chroot
// still works for native binaries.
func (p *Preflight) CheckBinfmt(interpreter string) bool {
	if interpreter == "" {
		return true
	}
	name := filepath.Base(interpreter)
	entries, err := os.ReadDir(p.BinfmtDir)
	if err != nil {
		p.logger.WithError(err).Warn("binfmt_misc not available; foreign binaries will not run")
		return false
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "register" || e.Name() == "status" {
			continue
		}
		if handlerUses(filepath.Join(p.BinfmtDir, e.Name()), name) {
			return true
		}
	}
	p.logger.WithField("interpreter", name).Warn("no binfmt_misc handler registered for interpreter")
	return false
}

func handlerUses(path, interpreter string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "interpreter ") && filepath.Base(strings.TrimPrefix(line, "interpreter ")) == interpreter {
			return true
		}
	}
	return false
}

// RecoverableOperation runs fn and turns a panic into an error, logging the
// stack.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = &PanicError{Operation: opName, Value: r}
		}
	}()
	return fn()
}

// DependencyMissingError is returned when host tools are missing.
type DependencyMissingError struct {
	Tools []string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("required tools not installed: %s", strings.Join(e.Tools, ", "))
}

// PrivilegeError is returned when the process is not root.
type PrivilegeError struct {
	Euid int
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("must run as root (effective uid %d)", e.Euid)
}

// PanicError is returned by RecoverableOperation after a panic.
type PanicError struct {
	Operation string
	Value     interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in operation %s: %v", e.Operation, e.Value)
}

// IsDependencyMissingError checks if an error is a DependencyMissingError.
func IsDependencyMissingError(err error) bool {
	_, ok := err.(*DependencyMissingError)
	return ok
}

// IsPanicError checks if an error is a PanicError.
func IsPanicError(err error) bool {
	_, ok := err.(*PanicError)
	return ok
}
