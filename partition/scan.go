package partition

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/xchroot/imagefile"
	"github.com/superfly/xchroot/loopdev"
	"github.com/superfly/xchroot/runner"
)

// Scanner builds a Table from an image's on-disk layout and the filesystem
// signatures visible through its loop device.
type Scanner struct {
	runner runner.Runner
	logger logrus.FieldLogger
}

// NewScanner creates a Scanner.
func NewScanner(r runner.Runner, logger logrus.FieldLogger) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scanner{
		runner: r,
		logger: logger.WithField("component", "partition"),
	}
}

// Scan combines the partition list of dev with blkid probes of its
// partition nodes. A partition that cannot be probed gets an empty
// filesystem type, which selection treats as unknown.
//
// Partition numbers come from the kernel (partx), since an on-disk GPT may
// have empty slots before a used entry. The image layout in info is only
// used when the kernel list is unavailable, as in preview mode.
func (s *Scanner) Scan(ctx context.Context, info *imagefile.Info, dev *loopdev.Device) (*Table, error) {
	layout := info.Partitions
	if info.Scheme != "" && !s.runner.Preview() {
		kernel, err := s.List(ctx, dev)
		if err != nil {
			s.logger.WithError(err).WithField("device", dev.Path).Warn("kernel partition list unavailable, numbering from the image table")
		} else {
			layout = kernel
		}
	}

	records := make([]Record, 0, len(layout))
	for _, p := range layout {
		node := dev.PartitionPath(p.Index)
		rec := Record{
			Index:  p.Index,
			Start:  p.Start,
			End:    p.End,
			Device: node,
			FSType: s.Probe(ctx, node),
		}
		s.logger.WithFields(logrus.Fields{
			"index":  rec.Index,
			"start":  rec.Start,
			"end":    rec.End,
			"fstype": rec.FSType,
			"device": rec.Device,
		}).Debug("found partition")
		records = append(records, rec)
	}
	return NewTable(info.Scheme, info.Sectors(), records...), nil
}

// List returns the partitions the kernel sees on dev, numbered the way
// their device nodes are. MBR extended containers are left out; their
// logical partitions are listed from 5 on.
func (s *Scanner) List(ctx context.Context, dev *loopdev.Device) ([]imagefile.Layout, error) {
	res, err := s.runner.Query(ctx, "partx", "-g", "-o", "NR,START,SECTORS,TYPE", dev.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", dev.Path, err)
	}
	return parsePartx(res.Stdout)
}

// parsePartx parses `partx -g -o NR,START,SECTORS,TYPE` output.
func parsePartx(out string) ([]imagefile.Layout, error) {
	var layout []imagefile.Layout
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected partx line %q", line)
		}
		nr, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad partition number in %q: %w", line, err)
		}
		start, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad start sector in %q: %w", line, err)
		}
		sectors, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad sector count in %q: %w", line, err)
		}
		if sectors == 0 || (len(fields) > 3 && isExtended(fields[3])) {
			continue
		}
		layout = append(layout, imagefile.Layout{Index: nr, Start: start, End: start + sectors - 1})
	}
	return layout, nil
}

// isExtended reports whether an MBR type code marks an extended container.
func isExtended(code string) bool {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(code), "0x"), 16, 8)
	if err != nil {
		return false
	}
	return imagefile.IsExtendedType(byte(v))
}

// Probe returns the filesystem type blkid reports for node, or "".
func (s *Scanner) Probe(ctx context.Context, node string) string {
	res, err := s.runner.Query(ctx, "blkid", "-o", "value", "-s", "TYPE", node)
	if err != nil {
		s.logger.WithField("device", node).Debug("no filesystem signature")
		return ""
	}
	return strings.ToLower(strings.TrimSpace(res.Stdout))
}

// Grower extends a partition in the table of an attached image.
type Grower struct {
	runner runner.Runner
	loops  *loopdev.Manager
	logger logrus.FieldLogger
}

// NewGrower creates a Grower.
func NewGrower(r runner.Runner, loops *loopdev.Manager, logger logrus.FieldLogger) *Grower {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Grower{
		runner: r,
		loops:  loops,
		logger: logger.WithField("component", "partition"),
	}
}

// Grow moves the end of rec to newEnd and makes the kernel pick up the
// change. On GPT the backup header is first relocated to the new end of the
// device, which parted otherwise refuses to work around in script mode.
func (g *Grower) Grow(ctx context.Context, dev *loopdev.Device, scheme string, rec Record, newEnd uint64) error {
	logger := g.logger.WithFields(logrus.Fields{
		"device":  dev.Path,
		"index":   rec.Index,
		"end":     rec.End,
		"new_end": newEnd,
	})
	logger.Info("growing partition")

	if scheme == "gpt" {
		if _, err := g.runner.Run(ctx, "sgdisk", "-e", dev.Path); err != nil {
			return fmt.Errorf("failed to relocate GPT backup header: %w", err)
		}
	}

	_, err := g.runner.Run(ctx, "parted", "--script", dev.Path,
		"unit", "s", "resizepart", fmt.Sprint(rec.Index), fmt.Sprintf("%ds", newEnd))
	if err != nil {
		return fmt.Errorf("failed to resize partition %d: %w", rec.Index, err)
	}

	if err := g.loops.Refresh(ctx, dev); err != nil {
		return err
	}
	logger.Info("partition grown")
	return nil
}
