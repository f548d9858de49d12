// Package imagefile inspects and prepares raw disk image files before they
// are attached to a loop device.
package imagefile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/dustin/go-humanize"
)

// SectorSize is the unit partition boundaries are expressed in.
const SectorSize = 512

// DefaultMinBytes is the default validation threshold. Anything smaller
// cannot hold a bootable root filesystem.
const DefaultMinBytes = 32 * 1024 * 1024

// Layout is one partition as recorded in the on-disk table.
type Layout struct {
	// Index is the 1-based partition number. ReadLayout numbers MBR
	// entries by slot; GPT entries are numbered in table order with empty
	// slots skipped, so the kernel's list is authoritative once attached.
	Index int

	// Start and End are inclusive sector offsets.
	Start uint64
	End   uint64
}

// Info describes a validated image.
type Info struct {
	Path string
	Size int64

	// Scheme is "gpt", "mbr" or empty for an unpartitioned image.
	Scheme     string
	SectorSize int64
	Partitions []Layout
}

// Sectors returns the image size in sectors.
func (i *Info) Sectors() uint64 {
	return uint64(i.Size) / SectorSize
}

// Validate checks that path is a regular file of at least minBytes and reads
// its partition table. An image without a partition table is accepted; it is
// treated as a bare filesystem.
func Validate(path string, minBytes int64) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if !st.Mode().IsRegular() {
		return nil, &InvalidImageError{Path: path, Reason: "not a regular file"}
	}
	if st.Size() < minBytes {
		return nil, &TooSmallError{Path: path, Size: st.Size(), MinBytes: minBytes}
	}

	info, err := ReadLayout(path)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ReadLayout reads the partition table of path.
func ReadLayout(path string) (*Info, error) {
	dsk, err := diskfs.Open(path, diskfs.WithSectorSize(diskfs.SectorSize512))
	if err != nil {
		return nil, &InvalidImageError{Path: path, Reason: err.Error()}
	}
	defer dsk.Close()

	info := &Info{
		Path:       path,
		Size:       dsk.Size,
		SectorSize: dsk.LogicalBlocksize,
	}
	if info.SectorSize == 0 {
		info.SectorSize = SectorSize
	}

	table, err := dsk.GetPartitionTable()
	if err != nil || table == nil {
		// No recognisable table: a bare filesystem image.
		return info, nil
	}
	info.Scheme = strings.ToLower(table.Type())

	for i, p := range table.GetPartitions() {
		if p == nil || p.GetSize() <= 0 {
			continue
		}
		// Logical partitions inside an extended container are not read.
		if mp, ok := p.(*mbr.Partition); ok && IsExtendedType(byte(mp.Type)) {
			continue
		}
		start := uint64(p.GetStart()) / SectorSize
		size := uint64(p.GetSize()) / SectorSize
		info.Partitions = append(info.Partitions, Layout{
			Index: i + 1,
			Start: start,
			End:   start + size - 1,
		})
	}
	return info, nil
}

// IsExtendedType reports whether an MBR partition type marks an extended
// container rather than a filesystem.
func IsExtendedType(t byte) bool {
	switch mbr.Type(t) {
	case mbr.ExtendedCHS, mbr.ExtendedLBA, mbr.LinuxExtended:
		return true
	}
	return false
}

// EnsureSize grows path to at least minBytes, rounded up to a whole sector.
// The file is extended sparsely and is never shrunk. It reports whether the
// file was grown.
func EnsureSize(path string, minBytes int64) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat image: %w", err)
	}
	if minBytes%SectorSize != 0 {
		minBytes = (minBytes/SectorSize + 1) * SectorSize
	}
	if st.Size() >= minBytes {
		return false, nil
	}
	if err := os.Truncate(path, minBytes); err != nil {
		return false, fmt.Errorf("failed to grow image to %s: %w", humanize.IBytes(uint64(minBytes)), err)
	}
	return true, nil
}

// TooSmallError is returned when an image is below the validation threshold.
type TooSmallError struct {
	Path     string
	Size     int64
	MinBytes int64
}

func (e *TooSmallError) Error() string {
	return fmt.Sprintf("image %s is %s, below the minimum of %s",
		e.Path, humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.MinBytes)))
}

// InvalidImageError is returned when a file cannot be read as a disk image.
type InvalidImageError struct {
	Path   string
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("%s is not a recognized disk image: %s", e.Path, e.Reason)
}

// IsTooSmallError checks if an error is a TooSmallError.
func IsTooSmallError(err error) bool {
	var e *TooSmallError
	return errors.As(err, &e)
}

// IsInvalidImageError checks if an error is an InvalidImageError.
func IsInvalidImageError(err error) bool {
	var e *InvalidImageError
	return errors.As(err, &e)
}
