// Package mapping implements the concurrent path → memory-mapping registry
// described in spec §4.6: mmap a file, advise and lock its pages so the
// kernel retains them, and track the mapping so it can be torn down on
// eviction.
//
// ipexist.FileMap (ipexist/mmap.go) does the same raw mmap/madvise dance
// through hand-dialed syscall.Syscall(SYS_MMAP, ...) calls against a
// private region type. This package keeps that shape — prep the file,
// map it, advise the kernel, track the region — but reimplements it on
// top of golang.org/x/sys/unix's typed wrappers instead of raw syscall
// numbers, and locks pages (mlock) rather than writing back to them,
// since the daemon only ever warms pages for reads.
package mapping

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrNotAbsolute   = errors.New("mapping: path is not absolute")
	ErrNotRegular    = errors.New("mapping: path is not a regular file")
	ErrAlreadyMapped = errors.New("mapping: path already mapped")
	ErrNotMapped     = errors.New("mapping: path not mapped")
	ErrEmptyFile     = errors.New("mapping: refusing to map an empty file")
)

// Mapping is one warmed file's pinned page range.
type Mapping struct {
	Path string
	data []byte
}

// Registry is the concurrent path -> Mapping table. All methods are safe
// for concurrent use; readers (Contains/Paths/Len) never block on each
// other.
type Registry struct {
	mtx     sync.RWMutex
	entries map[string]*Mapping
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Mapping)}
}

// Contains reports whether path is currently mapped.
func (r *Registry) Contains(path string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	_, ok := r.entries[path]
	return ok
}

// Len reports the number of mapped paths.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.entries)
}

// Paths returns a snapshot of every mapped path.
func (r *Registry) Paths() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]string, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	return out
}

// Warm validates path, maps it into the daemon's address space, and
// pins its pages so the kernel retains them. Mapping an already-mapped
// path is a no-op (spec §4.6 idempotence).
func (r *Registry) Warm(path string) error {
	if r.Contains(path) {
		return nil
	}
	if !isAbs(path) {
		return ErrNotAbsolute
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return ErrNotRegular
	}
	if fi.Size() == 0 {
		return ErrEmptyFile
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	_ = unix.Madvise(data, unix.MADV_WILLNEED)
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return err
	}

	r.mtx.Lock()
	if _, exists := r.entries[path]; exists {
		// lost the race against a concurrent Warm(path); drop our copy.
		r.mtx.Unlock()
		_ = unix.Munlock(data)
		_ = unix.Munmap(data)
		return nil
	}
	r.entries[path] = &Mapping{Path: path, data: data}
	r.mtx.Unlock()
	return nil
}

// Remove unmaps path and drops it from the registry. Removing a path that
// isn't mapped is a no-op.
func (r *Registry) Remove(path string) error {
	r.mtx.Lock()
	m, ok := r.entries[path]
	if !ok {
		r.mtx.Unlock()
		return nil
	}
	delete(r.entries, path)
	r.mtx.Unlock()

	_ = unix.Munlock(m.data)
	return unix.Munmap(m.data)
}

// Close tears down every mapping, used at daemon shutdown.
func (r *Registry) Close() error {
	r.mtx.Lock()
	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	r.mtx.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := r.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isAbs(path string) bool {
	return len(path) > 0 && path[0] == '/'
}
