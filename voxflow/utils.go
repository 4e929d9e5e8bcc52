package voxflow

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// ConvertToAbsolute returns an absolute path for p, resolving relative paths against dir.
func ConvertToAbsolute(p, dir string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	abs, err := filepath.Abs(filepath.Join(dir, p))
	if err != nil {
		return "", fmt.Errorf("unable to make path %q absolute relative to %q: %v", p, dir, err)
	}
	return abs, nil
}

// Bytes formats a byte count for log messages, e.g. "12 MB".
func Bytes[T ~int | ~int64 | ~uint64](n T) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}
