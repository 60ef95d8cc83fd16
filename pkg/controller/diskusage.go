package controller

import (
	"os"
	"path/filepath"
)

// diskUsage walks a student's tree and sums regular file sizes, mirroring
// a du-equivalent sampler. Errors partway through (permission, a file
// removed mid-walk) are tolerated: the partial sum is returned.
func diskUsage(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
