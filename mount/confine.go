package mount

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// maxSymlinks bounds symlink resolution in Confine.
const maxSymlinks = 40

// Confine resolves rel below root the way the chroot will see it: symlinks
// inside the image are followed, absolute link targets are taken relative
// to root, and ".." never climbs above root. Components that do not exist
// yet are appended unresolved. root itself is not resolved.
//
// Paths built this way are safe to create and mount over even when the
// image carries links such as usr/bin -> /usr/bin.
func Confine(fsys afero.Fs, root, rel string) (string, error) {
	root = filepath.Clean(root)
	lstater, canLstat := fsys.(afero.Lstater)
	reader, canReadlink := fsys.(afero.LinkReader)

	pending := splitPath(rel)
	var resolved []string
	links := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		candidate := filepath.Join(root, filepath.Join(append(resolved, part)...))
		if !canLstat || !canReadlink {
			resolved = append(resolved, part)
			continue
		}
		fi, _, err := lstater.LstatIfPossible(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			// Nothing below a missing component can be a link yet.
			resolved = appendClean(append(resolved, part), pending)
			pending = nil
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			resolved = append(resolved, part)
			continue
		}

		links++
		if links > maxSymlinks {
			return "", &EscapeError{Root: root, Path: rel, Reason: "too many levels of symbolic links"}
		}
		target, err := reader.ReadlinkIfPossible(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to read link %s: %w", candidate, err)
		}
		if filepath.IsAbs(target) {
			resolved = nil
		}
		pending = append(splitPath(target), pending...)
	}

	full := filepath.Join(root, filepath.Join(resolved...))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", &EscapeError{Root: root, Path: rel, Reason: "path escapes mount root"}
	}
	return full, nil
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// appendClean appends parts to out without resolving them, dropping "."
// and clamping "..".
func appendClean(out, parts []string) []string {
	for _, part := range parts {
		switch part {
		case ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	return out
}

// EscapeError is returned when a path inside the image cannot be confined
// to the mount root.
type EscapeError struct {
	Root   string
	Path   string
	Reason string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("%s under %s: %s", e.Path, e.Root, e.Reason)
}

// IsEscapeError checks if an error is an EscapeError.
func IsEscapeError(err error) bool {
	var e *EscapeError
	return errors.As(err, &e)
}
