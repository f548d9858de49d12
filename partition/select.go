package partition

import (
	"fmt"
	"sort"
)

var rootFSTypes = map[string]bool{
	"ext4":  true,
	"btrfs": true,
}

var efiFSTypes = map[string]bool{
	"vfat":  true,
	"fat":   true,
	"fat12": true,
	"fat16": true,
	"fat32": true,
	"msdos": true,
}

// Selection is the outcome of root selection.
type Selection struct {
	// Record is the chosen partition. Zero when WholeDevice is set.
	Record Record

	// WholeDevice means the image has no partition table and the loop
	// device itself carries the root filesystem.
	WholeDevice bool
}

// SelectRoot picks the root partition.
func SelectRoot(t *Table) (Selection, error) {
	if t.Empty() {
		return Selection{WholeDevice: true}, nil
	}

	records := t.Records()
	for _, r := range records {
		if rootFSTypes[r.FSType] {
			return Selection{Record: r}, nil
		}
	}

	best := -1
	for i, r := range records {
		if best < 0 || r.Span() > records[best].Span() {
			best = i
		}
	}
	if best < 0 {
		return Selection{}, &NoRootPartitionError{Partitions: len(records)}
	}
	return Selection{Record: records[best]}, nil
}

// FindEFI returns the first FAT-family partition.
func FindEFI(t *Table) (Record, bool) {
	for _, r := range t.Records() {
		if efiFSTypes[r.FSType] {
			return r, true
		}
	}
	return Record{}, false
}

// GrowBoundary returns the sector the partition with kernel number index
// may be extended to.
func GrowBoundary(t *Table, index int) (uint64, error) {
	root, ok := t.ByIndex(index)
	if !ok {
		return 0, fmt.Errorf("partition %d not in table", index)
	}

	// The next partition on disk is the one with the smallest higher index;
	// table order is not necessarily index order.
	records := t.Records()
	sort.SliceStable(records, func(i, j int) bool { return records[i].Index < records[j].Index })

	newEnd := t.LastUsableSector()
	for _, r := range records {
		if r.Index > index {
			if r.Start == 0 {
				newEnd = 0
			} else {
				newEnd = r.Start - 1
			}
			break
		}
	}

	if newEnd <= root.End || newEnd <= root.Start {
		return 0, &InsufficientSpaceError{
			Index:  index,
			Start:  root.Start,
			End:    root.End,
			NewEnd: newEnd,
		}
	}
	return newEnd, nil
}

// NoRootPartitionError is returned when no partition can serve as root.
type NoRootPartitionError struct {
	Partitions int
}

func (e *NoRootPartitionError) Error() string {
	return fmt.Sprintf("no root partition among %d partitions", e.Partitions)
}

// InsufficientSpaceError is returned when the root partition cannot grow.
type InsufficientSpaceError struct {
	Index  int
	Start  uint64
	End    uint64
	NewEnd uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("partition %d (%d-%d) cannot grow: boundary is sector %d",
		e.Index, e.Start, e.End, e.NewEnd)
}

// IsNoRootPartitionError checks if an error is a NoRootPartitionError.
func IsNoRootPartitionError(err error) bool {
	_, ok := err.(*NoRootPartitionError)
	return ok
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	_, ok := err.(*InsufficientSpaceError)
	return ok
}
