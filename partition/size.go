package partition

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a human size to bytes. Plain numbers are bytes. Single
// letter suffixes (K, M, G, T) are binary multiples, as with truncate(1).
// Explicit suffixes ("8GB", "8GiB") are passed to humanize unchanged.
//
// Sizes are always compared as numbers: "900M" is smaller than "2G".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	upper := strings.ToUpper(s)
	for _, unit := range []string{"K", "M", "G", "T"} {
		if strings.HasSuffix(upper, unit) {
			s = s[:len(s)-1] + unit + "iB"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
