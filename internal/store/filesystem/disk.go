package filesystem

import (
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/haukened/securestore/internal/store"
)

// Usage reports capacity of the volume holding path.
func Usage(path string) (store.DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return store.DiskUsage{}, err
	}
	return store.DiskUsage{
		Path:        u.Path,
		Total:       u.Total,
		Free:        u.Free,
		Used:        u.Used,
		UsedPercent: u.UsedPercent,
	}, nil
}
