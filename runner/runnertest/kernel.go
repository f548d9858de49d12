// Package runnertest provides an in-memory stand-in for the host tools the
// lifecycle drives, so loop and mount behaviour can be tested without root.
package runnertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/superfly/xchroot/runner"
)

// Call is one recorded command.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Kernel fakes losetup, mount, umount, findmnt, blkid and partx against an in-memory
// loop table and mount table. Every other command succeeds with no output
// unless an entry in Outputs or Failures says otherwise.
type Kernel struct {
	mu sync.Mutex

	// PreviewMode is returned by Preview and makes Run/Interactive no-ops.
	PreviewMode bool

	// FSTypes maps a device node to what blkid reports for it.
	FSTypes map[string]string

	// PartitionLists maps a loop device or its backing image to the output
	// of `partx -g`. Without an entry partx reports no partition table.
	PartitionLists map[string]string

	// Outputs maps a command name to its stdout.
	Outputs map[string]string

	// Failures maps a command line prefix ("umount /mnt/x") to an error.
	Failures map[string]error

	// BusyUnmounts makes plain umount of a target report busy this many times.
	BusyUnmounts map[string]int

	// OnRun is called before every command is interpreted.
	OnRun func(name string, args []string)

	calls   []Call
	loops   map[string]string // device -> image
	nextDev int
	mounts  []string
}

// NewKernel returns an empty Kernel.
func NewKernel() *Kernel {
	return &Kernel{
		FSTypes:        make(map[string]string),
		PartitionLists: make(map[string]string),
		Outputs:        make(map[string]string),
		Failures:       make(map[string]error),
		BusyUnmounts:   make(map[string]int),
		loops:          make(map[string]string),
	}
}

var _ runner.Runner = (*Kernel)(nil)

// Preview implements runner.Runner.
func (k *Kernel) Preview() bool {
	return k.PreviewMode
}

// Run implements runner.Runner.
func (k *Kernel) Run(ctx context.Context, name string, args ...string) (*runner.Result, error) {
	if k.PreviewMode {
		k.record(name, args)
		return &runner.Result{Command: name, Args: args, Preview: true}, nil
	}
	return k.handle(name, args)
}

// Query implements runner.Runner.
func (k *Kernel) Query(ctx context.Context, name string, args ...string) (*runner.Result, error) {
	return k.handle(name, args)
}

// Interactive implements runner.Runner.
func (k *Kernel) Interactive(ctx context.Context, name string, args ...string) error {
	_, err := k.Run(ctx, name, args...)
	return err
}

// AttachExisting binds image to device as if a previous run had left it behind.
func (k *Kernel) AttachExisting(device, image string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.loops[device] = image
}

// MountExisting adds target to the mount table.
func (k *Kernel) MountExisting(target string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mounts = append(k.mounts, target)
}

// Calls returns a copy of every command seen so far.
func (k *Kernel) Calls() []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Call(nil), k.calls...)
}

// CallLines returns Calls rendered as command lines.
func (k *Kernel) CallLines() []string {
	var lines []string
	for _, c := range k.Calls() {
		lines = append(lines, c.String())
	}
	return lines
}

// Mounted returns the current mount table in mount order.
func (k *Kernel) Mounted() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.mounts...)
}

// Attached returns the currently attached loop devices, sorted.
func (k *Kernel) Attached() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var devs []string
	for d := range k.loops {
		devs = append(devs, d)
	}
	sort.Strings(devs)
	return devs
}

func (k *Kernel) record(name string, args []string) {
	k.mu.Lock()
	k.calls = append(k.calls, Call{Name: name, Args: append([]string(nil), args...)})
	hook := k.OnRun
	k.mu.Unlock()
	if hook != nil {
		hook(name, args)
	}
}

func (k *Kernel) handle(name string, args []string) (*runner.Result, error) {
	k.record(name, args)

	k.mu.Lock()
	defer k.mu.Unlock()

	line := Call{Name: name, Args: args}.String()
	for prefix, err := range k.Failures {
		if strings.HasPrefix(line, prefix) {
			return &runner.Result{Command: name, Args: args, ExitCode: 1}, err
		}
	}

	switch name {
	case "losetup":
		return k.losetup(args)
	case "mount":
		return k.mount(args)
	case "umount":
		return k.umount(args)
	case "findmnt":
		return k.findmnt(args)
	case "blkid":
		return k.blkid(args)
	case "partx":
		return k.partx(args)
	}
	return k.ok(name, args, k.Outputs[name]), nil
}

func (k *Kernel) ok(name string, args []string, stdout string) *runner.Result {
	return &runner.Result{Command: name, Args: args, Stdout: stdout}
}

func (k *Kernel) fail(name string, args []string, code int, stderr string) (*runner.Result, error) {
	res := &runner.Result{Command: name, Args: args, ExitCode: code, Stderr: stderr}
	return res, &runner.ExitError{Command: name, Args: args, ExitCode: code, Stderr: stderr}
}

func (k *Kernel) losetup(args []string) (*runner.Result, error) {
	switch {
	case len(args) == 2 && args[0] == "-j":
		var lines []string
		for dev, img := range k.loops {
			if img == args[1] {
				lines = append(lines, fmt.Sprintf("%s: []: (%s)", dev, img))
			}
		}
		sort.Strings(lines)
		return k.ok("losetup", args, strings.Join(lines, "\n")), nil

	case len(args) >= 2 && args[0] == "-f":
		image := args[len(args)-1]
		dev := fmt.Sprintf("/dev/loop%d", k.nextDev)
		for k.loops[dev] != "" {
			k.nextDev++
			dev = fmt.Sprintf("/dev/loop%d", k.nextDev)
		}
		k.nextDev++
		k.loops[dev] = image
		return k.ok("losetup", args, dev), nil

	case len(args) == 2 && args[0] == "-d":
		if _, ok := k.loops[args[1]]; !ok {
			return k.fail("losetup", args, 1, fmt.Sprintf("losetup: %s: detach failed: No such device or address", args[1]))
		}
		delete(k.loops, args[1])
		return k.ok("losetup", args, ""), nil

	case len(args) == 2 && args[0] == "-c":
		return k.ok("losetup", args, ""), nil

	case len(args) == 1:
		img, ok := k.loops[args[0]]
		if !ok {
			return k.fail("losetup", args, 1, fmt.Sprintf("losetup: %s: No such device or address", args[0]))
		}
		return k.ok("losetup", args, fmt.Sprintf("%s: []: (%s)", args[0], img)), nil
	}
	return k.ok("losetup", args, ""), nil
}

func (k *Kernel) mount(args []string) (*runner.Result, error) {
	if len(args) < 2 {
		return k.fail("mount", args, 1, "mount: bad usage")
	}
	target := args[len(args)-1]
	k.mounts = append(k.mounts, target)
	return k.ok("mount", args, ""), nil
}

func (k *Kernel) umount(args []string) (*runner.Result, error) {
	if len(args) == 0 {
		return k.fail("umount", args, 1, "umount: bad usage")
	}
	target := args[len(args)-1]
	lazy, recursive := false, false
	for _, a := range args[:len(args)-1] {
		switch a {
		case "-l":
			lazy = true
		case "-R":
			recursive = true
		}
	}

	idx := k.indexOf(target)
	if idx < 0 {
		return k.fail("umount", args, 32, fmt.Sprintf("umount: %s: not mounted.", target))
	}
	if !lazy && k.BusyUnmounts[target] > 0 {
		k.BusyUnmounts[target]--
		return k.fail("umount", args, 32, fmt.Sprintf("umount: %s: target is busy.", target))
	}

	if recursive {
		kept := k.mounts[:0]
		for _, m := range k.mounts {
			if m != target && !strings.HasPrefix(m, strings.TrimSuffix(target, "/")+"/") {
				kept = append(kept, m)
			}
		}
		k.mounts = kept
	} else {
		k.mounts = append(k.mounts[:idx], k.mounts[idx+1:]...)
	}
	return k.ok("umount", args, ""), nil
}

func (k *Kernel) findmnt(args []string) (*runner.Result, error) {
	target := ""
	for i, a := range args {
		if a == "--mountpoint" && i+1 < len(args) {
			target = args[i+1]
		}
	}
	if target == "" && len(args) > 0 {
		target = args[len(args)-1]
	}
	if k.indexOf(target) < 0 {
		return k.fail("findmnt", args, 1, "")
	}
	return k.ok("findmnt", args, target), nil
}

func (k *Kernel) blkid(args []string) (*runner.Result, error) {
	if len(args) == 0 {
		return k.fail("blkid", args, 2, "")
	}
	node := args[len(args)-1]
	fstype, ok := k.FSTypes[node]
	if !ok {
		return k.fail("blkid", args, 2, "")
	}
	return k.ok("blkid", args, fstype), nil
}

func (k *Kernel) partx(args []string) (*runner.Result, error) {
	list := false
	for _, a := range args {
		if a == "-g" || a == "--show" {
			list = true
		}
	}
	if !list || len(args) == 0 {
		return k.ok("partx", args, ""), nil
	}
	dev := args[len(args)-1]
	if out, ok := k.PartitionLists[dev]; ok {
		return k.ok("partx", args, out), nil
	}
	if img, ok := k.loops[dev]; ok {
		if out, ok := k.PartitionLists[img]; ok {
			return k.ok("partx", args, out), nil
		}
	}
	return k.fail("partx", args, 1, fmt.Sprintf("partx: %s: failed to read partition table", dev))
}

// indexOf returns the most recent mount of target, so stacked mounts unwind
// top first.
func (k *Kernel) indexOf(target string) int {
	for i := len(k.mounts) - 1; i >= 0; i-- {
		if k.mounts[i] == target {
			return i
		}
	}
	return -1
}
