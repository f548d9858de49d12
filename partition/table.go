// Package partition decides which partition of an attached image holds the
// root filesystem, which (if any) is the EFI system partition, and how far
// the root partition can be extended.
//
// # Selection rules
//
// Root: the first partition whose filesystem is ext4 or btrfs, in table
// order. Failing that, the partition with the largest sector span, the first
// one winning a tie. An image without a partition table is a bare
// filesystem and the loop device itself is the root.
//
// EFI: the first FAT-family partition, looked up independently of the root.
// Its absence is normal.
//
// # Growth
//
// The root partition may be extended up to the sector before the next
// higher-indexed partition, or to the last usable sector of the device when
// it is the last partition. A boundary that yields no additional sectors is
// an InsufficientSpaceError.
package partition

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
)

// Record is one partition of the attached image. Sectors are 512 bytes and
// both bounds are inclusive.
type Record struct {
	Index  int
	Start  uint64
	End    uint64
	FSType string

	// Device is the loop partition node, for example /dev/loop0p2.
	Device string
}

// Span returns End - Start.
func (r Record) Span() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Record) String() string {
	fstype := r.FSType
	if fstype == "" {
		fstype = "unknown"
	}
	return fmt.Sprintf("#%d %d-%d %s", r.Index, r.Start, r.End, fstype)
}

// Table is an immutable, ordered set of partition records.
type Table struct {
	// Scheme is "gpt", "mbr" or empty.
	Scheme string

	// DeviceSectors is the size of the whole device in sectors.
	DeviceSectors uint64

	records *immutable.List[Record]
}

// NewTable builds a table; records keep the order given.
func NewTable(scheme string, deviceSectors uint64, records ...Record) *Table {
	b := immutable.NewListBuilder[Record]()
	for _, r := range records {
		r.FSType = strings.ToLower(strings.TrimSpace(r.FSType))
		b.Append(r)
	}
	return &Table{
		Scheme:        scheme,
		DeviceSectors: deviceSectors,
		records:       b.List(),
	}
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil || t.records == nil {
		return 0
	}
	return t.records.Len()
}

// Empty reports whether the image has no partition table entries.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Get returns the record at position i (0-based table order).
func (t *Table) Get(i int) Record {
	return t.records.Get(i)
}

// Records returns a copy of every record in table order.
func (t *Table) Records() []Record {
	out := make([]Record, 0, t.Len())
	if t.Len() == 0 {
		return out
	}
	itr := t.records.Iterator()
	for !itr.Done() {
		_, r := itr.Next()
		out = append(out, r)
	}
	return out
}

// ByIndex returns the record with kernel partition number index.
func (t *Table) ByIndex(index int) (Record, bool) {
	for _, r := range t.Records() {
		if r.Index == index {
			return r, true
		}
	}
	return Record{}, false
}

// LastUsableSector returns the last sector a partition may end on. GPT keeps
// a 33-sector backup header and entry array at the end of the device.
func (t *Table) LastUsableSector() uint64 {
	reserved := uint64(1)
	if t.Scheme == "gpt" {
		reserved = 34
	}
	if t.DeviceSectors < reserved {
		return 0
	}
	return t.DeviceSectors - reserved
}
