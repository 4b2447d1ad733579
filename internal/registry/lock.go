package registry

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock serialises document writes against another eisen-core
// process sharing the same registry file: a sidecar .lock file held
// under an exclusive flock for the span of one atomic write. Callers
// already serialise within the process, so there is no in-process
// locking here.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(registryPath string) *fileLock {
	return &fileLock{path: registryPath + ".lock"}
}

// acquire blocks until the sidecar lock is held.
func (l *fileLock) acquire() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		file.Close()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = file
	return nil
}

// release drops the flock and removes the sidecar file.
func (l *fileLock) release() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)
	l.file = nil
}
