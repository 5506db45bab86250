package kvstore

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func (c *Config) check() error { // A
	if c.InMemory {
		return nil
	}
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(c.Path, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", c.Path, err)
		}
		info, err = os.Stat(c.Path)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", c.Path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if c.MinimumFreeSpace <= 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.Path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", c.Path, err)
	}
	// #nosec G115 -- block size is positive on supported systems.
	availableGB := (stat.Bavail * uint64(stat.Bsize)) >> 30
	if availableGB < uint64(c.MinimumFreeSpace) {
		return fmt.Errorf(
			"not enough space available on disk: %d GB < %d GB",
			availableGB, c.MinimumFreeSpace,
		)
	}
	return nil
}
