package eventstore

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// resourceLimiter enforces the store's physical caps: total disk usage, a
// free-space buffer of at least twice the incoming write, and the number of
// open file handles.
type resourceLimiter struct {
	dir          string
	maxDiskBytes int64
	maxHandles   int64

	mu        sync.Mutex
	usedBytes int64
	handles   atomic.Int64
}

func newResourceLimiter(dir string, maxDiskBytes int64, maxHandles int) *resourceLimiter {
	return &resourceLimiter{
		dir:          dir,
		maxDiskBytes: maxDiskBytes,
		maxHandles:   int64(maxHandles),
	}
}

// admitWrite checks that incoming bytes fit under the disk cap and that the
// filesystem keeps a 2x free-space buffer.
func (rl *resourceLimiter) admitWrite(incoming int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.usedBytes+incoming > rl.maxDiskBytes {
		return newError(KindResource, "disk usage cap: %d + %d exceeds %d bytes",
			rl.usedBytes, incoming, rl.maxDiskBytes)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(rl.dir, &stat); err == nil {
		free := int64(stat.Bavail) * int64(stat.Bsize)
		if free < 2*incoming {
			return newError(KindResource, "free space buffer: %d bytes free, need %d", free, 2*incoming)
		}
	}
	return nil
}

// recordWrite accounts bytes actually written.
func (rl *resourceLimiter) recordWrite(n int64) {
	rl.mu.Lock()
	rl.usedBytes += n
	rl.mu.Unlock()
}

// setUsed replaces the usage estimate, used after recovery scans the
// directory.
func (rl *resourceLimiter) setUsed(n int64) {
	rl.mu.Lock()
	rl.usedBytes = n
	rl.mu.Unlock()
}

// acquireHandle reserves an open-file slot; releaseHandle returns it.
func (rl *resourceLimiter) acquireHandle() error {
	if rl.handles.Add(1) > rl.maxHandles {
		rl.handles.Add(-1)
		return newError(KindResource, "open file handle cap %d reached", rl.maxHandles)
	}
	return nil
}

func (rl *resourceLimiter) releaseHandle() {
	rl.handles.Add(-1)
}
