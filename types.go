package xchroot

import (
	"encoding/json"
	"time"
)

// SetupRequest describes the image a session should prepare.
//
// MinSize is a human-readable size ("8G", "4096MiB", "2147483648"). When it is
// larger than the current image, the image file is grown, the root partition
// is extended into the new space and its filesystem resized.
type SetupRequest struct {
	// ImagePath is the raw disk image produced by the download pipeline.
	ImagePath string `json:"image_path"`

	// MountRoot is the directory the root filesystem is mounted on.
	MountRoot string `json:"mount_root"`

	// MinSize is the desired minimum image size (optional).
	MinSize string `json:"min_size,omitempty"`

	// Interpreter is the host path of a static emulator binary (for example
	// qemu-aarch64-static) copied into the root so foreign binaries can run.
	Interpreter string `json:"interpreter,omitempty"`

	// DryRun logs every mutating command instead of running it.
	DryRun bool `json:"dry_run,omitempty"`
}

// SetupResult describes a prepared root.
type SetupResult struct {
	SessionID  string `json:"session_id"`
	ImageKey   string `json:"image_key"`
	MountRoot  string `json:"mount_root"`
	LoopDevice string `json:"loop_device"`

	// RootDevice is either a partition node (/dev/loop0p2) or the loop
	// device itself when the image has no partition table.
	RootDevice string `json:"root_device"`
	RootFSType string `json:"root_fs_type,omitempty"`

	// EFIDevice is empty when the image has no EFI system partition.
	EFIDevice string `json:"efi_device,omitempty"`

	// Grown is true when the image, root partition and filesystem were enlarged.
	Grown bool `json:"grown"`

	PreparedAt time.Time `json:"prepared_at"`
}

// TeardownReport summarises a cleanup run. Warnings never make a teardown
// fail; they are surfaced here and in the logs.
type TeardownReport struct {
	SessionID string    `json:"session_id"`
	Steps     []string  `json:"steps"`
	Warnings  []string  `json:"warnings,omitempty"`
	Fallback  bool      `json:"fallback"`
	Finished  time.Time `json:"finished"`
}

// Clean reports whether teardown completed without warnings or fallback.
func (r *TeardownReport) Clean() bool {
	return len(r.Warnings) == 0 && !r.Fallback
}

// MarshalSetupResult serializes a SetupResult to JSON.
func MarshalSetupResult(res *SetupResult) ([]byte, error) {
	return json.Marshal(res)
}

