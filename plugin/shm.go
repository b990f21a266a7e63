package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// SharedMemory is a file mapped into memory of the engine and the host.
// The engine creates and removes the file, the host only maps it.
type SharedMemory struct {
	path  string
	file  *os.File
	data  []byte
	owner bool
}

// CreateSharedMemory creates segment of size bytes in dir.
func CreateSharedMemory(dir string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared memory of %d bytes: %w", size, ErrProtocol)
	}
	path := filepath.Join(dir, "engine-"+xid.New().String()+".shm")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		return nil, multierr.Combine(err, f.Close(), os.Remove(path))
	}
	m, err := mapFile(path, f, size, true)
	if err != nil {
		return nil, multierr.Combine(err, os.Remove(path))
	}
	return m, nil
}

// OpenSharedMemory maps existing segment.
func OpenSharedMemory(path string, size int) (*SharedMemory, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return mapFile(path, f, size, false)
}

func mapFile(path string, f *os.File, size int, owner bool) (*SharedMemory, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("mmap %s: %w", path, err), f.Close())
	}
	return &SharedMemory{
		path:  path,
		file:  f,
		data:  data,
		owner: owner,
	}, nil
}

// Path of the backing file.
func (m *SharedMemory) Path() string { return m.path }

// Bytes returns mapped memory.
func (m *SharedMemory) Bytes() []byte { return m.data }

// Close unmaps memory. Owner also removes the backing file.
func (m *SharedMemory) Close() error {
	err := multierr.Combine(unix.Munmap(m.data), m.file.Close())
	m.data = nil
	if m.owner {
		err = multierr.Append(err, os.Remove(m.path))
	}
	return err
}

// pipePollInterval is the interval of attempts to open the pipe.
const pipePollInterval = 5 * time.Millisecond

// createPipe makes named pipe in dir.
func createPipe(dir string) (string, error) {
	path := filepath.Join(dir, "engine-"+xid.New().String()+".pipe")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return path, nil
}

// openPipeWriter opens write end of the pipe once the reader is there.
func openPipeWriter(ctx context.Context, path string, timeout time.Duration) (*os.File, error) {
	deadline := time.Now().Add(timeout)
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			return os.NewFile(uintptr(fd), path), nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("open %s in %v: %w", path, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pipePollInterval):
		}
	}
}

// openPipeReader opens read end of the pipe. Open blocks until the writer
// comes, cancelled open is released by opening the pipe for writing.
func openPipeReader(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	opened := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		opened <- result{f: f, err: err}
	}()
	select {
	case r := <-opened:
		return r.f, r.err
	case <-ctx.Done():
	}
	for {
		// reader may not be in open yet, then writer open fails with ENXIO.
		if fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0); err == nil {
			unix.Close(fd)
		}
		select {
		case r := <-opened:
			if r.f != nil {
				r.f.Close()
			}
			return nil, ctx.Err()
		case <-time.After(pipePollInterval):
		}
	}
}
