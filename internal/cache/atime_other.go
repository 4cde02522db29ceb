//go:build !linux

package cache

import "time"

// accessTime falls back to mtime on platforms without portable atime access.
func accessTime(_ string, fallback time.Time) time.Time {
	return fallback
}
