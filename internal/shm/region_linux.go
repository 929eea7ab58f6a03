//go:build linux

package shm

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// RegionPath returns the backing file path for a region name.
func RegionPath(name string) string {
	return filepath.Join(shmDir, name)
}

// OpenRegion creates or attaches a named shared memory region of the given
// size. Creation is exclusive: an existing file makes it fail with EEXIST
// (errors.Is(err, fs.ErrExist)). Attaching to a missing name fails with
// ENOENT (errors.Is(err, fs.ErrNotExist)). The creator truncates the file
// to size; the pages start zeroed.
func OpenRegion(name string, size int, create bool) (*Region, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, fmt.Errorf("invalid region name %q", name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	path := RegionPath(name)
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("truncate region %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("stat region %s: %w", path, err)
		}
		if st.Size < int64(size) {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("region %s is %d bytes, need %d", path, st.Size, size)
		}
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		if create {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap region %s: %w", path, err)
	}
	return &Region{
		Mem:     mem,
		Name:    name,
		Path:    path,
		Size:    size,
		Created: create,
		fd:      fd,
	}, nil
}

// Close unmaps the region and closes the backing file. The creator also
// unlinks the file, ending the OS-level lifetime of the name.
func (r *Region) Close() error {
	var firstErr error
	if r.Mem != nil {
		if err := unix.Munmap(r.Mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap region %s: %w", r.Path, err)
		}
		r.Mem = nil
	}
	if r.fd > 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close region %s: %w", r.Path, err)
		}
		r.fd = 0
	}
	if r.Created {
		if err := unix.Unlink(r.Path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unlink region %s: %w", r.Path, err)
		}
		r.Created = false
	}
	return firstErr
}
