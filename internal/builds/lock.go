package builds

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const metaLockFile = ".meta.json.lock"

// lockMeta takes an exclusive flock on the build's meta.json sidecar lock,
// blocking until it is free. The lock is held across processes until the
// returned function is called.
func (b *Build) lockMeta() (func(), error) {
	path := filepath.Join(b.Dir, metaLockFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", metaLockFile, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", metaLockFile, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
