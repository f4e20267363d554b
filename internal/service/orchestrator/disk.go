package orchestrator

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// diskFree returns the bytes available to unprivileged users on the filesystem holding path.
func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}

	return usage.Free, nil
}
