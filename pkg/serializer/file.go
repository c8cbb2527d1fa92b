package serializer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

const (
	dataFileName  = "extents.dat"
	indexDirName  = "index"
	lockFileName  = "LOCK"
	dataFilePerms = 0o644
)

// dataFile is the extent file. Extent i starts at i*extentSize and slot s
// of that extent at i*extentSize + s*blockSize.
type dataFile struct {
	f          *os.File
	fd         int
	blockSize  int64
	extentSize int64
}

func openDataFile(dir string, cfg *Config, create bool) (*dataFile, error) {
	path := filepath.Join(dir, dataFileName)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	var (
		f   *os.File
		err error
	)
	if cfg.DirectIO {
		f, err = directio.OpenFile(path, flags, dataFilePerms)
	} else {
		f, err = os.OpenFile(path, flags, dataFilePerms)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}

	return &dataFile{
		f:          f,
		fd:         int(f.Fd()),
		blockSize:  int64(cfg.BlockSize),
		extentSize: int64(cfg.ExtentSize),
	}, nil
}

func (d *dataFile) offset(loc location) int64 {
	return int64(loc.extent)*d.extentSize + int64(loc.slot)*d.blockSize
}

func (d *dataFile) writeAt(buf []byte, loc location) error {
	_, err := d.f.WriteAt(buf, d.offset(loc))
	return err
}

func (d *dataFile) readAt(buf []byte, loc location) error {
	n, err := d.f.ReadAt(buf, d.offset(loc))
	if err != nil && n != len(buf) {
		return err
	}
	return nil
}

// size returns the current length of the file.
func (d *dataFile) size() (int64, error) {
	st, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// grow preallocates the file up to size bytes. Filesystems without
// fallocate support fall back to growing on write.
func (d *dataFile) grow(size int64) error {
	cur, err := d.size()
	if err != nil {
		return err
	}
	if size <= cur {
		return nil
	}
	err = unix.Fallocate(d.fd, 0, cur, size-cur)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}

func (d *dataFile) sync() error {
	return unix.Fdatasync(d.fd)
}

func (d *dataFile) close() error {
	return d.f.Close()
}

// dirLock is an exclusive advisory lock on the store directory.
type dirLock struct {
	f *os.File
}

func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, dataFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) unlock() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
