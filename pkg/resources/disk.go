// Package resources gates job intake on host capacity.
package resources

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskChecker verifies a path has headroom before a job is claimed.
// Better to leave a job queued than to fail it halfway through a
// download because the cache partition filled up.
type DiskChecker struct {
	path    string
	minFree uint64
	usage   func(string) (*disk.UsageStat, error)
}

// NewDiskChecker watches path and requires at least minFreeBytes free.
// A minFreeBytes of 0 disables the gate.
func NewDiskChecker(path string, minFreeBytes uint64) *DiskChecker {
	return &DiskChecker{
		path:    path,
		minFree: minFreeBytes,
		usage:   disk.Usage,
	}
}

// Check returns nil when enough space is free.
func (c *DiskChecker) Check() error {
	if c == nil || c.minFree == 0 {
		return nil
	}
	stat, err := c.usage(c.path)
	if err != nil {
		return fmt.Errorf("failed to stat disk at %s: %w", c.path, err)
	}
	if stat.Free < c.minFree {
		return fmt.Errorf("only %d bytes free at %s, need %d", stat.Free, c.path, c.minFree)
	}
	return nil
}
