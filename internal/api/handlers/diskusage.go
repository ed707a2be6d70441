// diskusage.go: ёмкость файловой системы для readiness probe.
package handlers

import (
	"fmt"
	"syscall"
)

// diskUsage возвращает total и available в байтах для файловой системы path.
// Переменная пакета, подменяется в тестах.
var diskUsage = func(path string) (total, available uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}
	total = stat.Blocks * uint64(stat.Bsize)
	available = stat.Bavail * uint64(stat.Bsize)
	return total, available, nil
}
