package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// PIDFile is the single-instance lock and plain-text pid record described
// in spec §6 ("<run_dir>/precached.pid", plain text). gofrs/flock isn't
// part of the teacher's own dependency set, but it is the lock library
// the rest of the retrieval pack reaches for to guarantee single-instance
// ownership of a resource file — the same role it plays here.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on runDir/precached.pid
// and writes the current pid into it. ok is false if another instance
// already holds the lock.
func Acquire(runDir string) (*PIDFile, bool, error) {
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return nil, false, err
	}
	path := filepath.Join(runDir, "precached.pid")
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0640); err != nil {
		l.Unlock()
		return nil, false, err
	}
	return &PIDFile{path: path, lock: l}, true, nil
}

// Release unlocks and removes the pid file.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	if err := p.lock.Unlock(); err != nil {
		return err
	}
	return os.Remove(p.path)
}
