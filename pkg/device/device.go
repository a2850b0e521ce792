// Package device provides exclusive, fixed-block-size raw I/O against the
// volume's backing device or image file: the bottom layer pkg/block reads
// and writes through. Offsets are computed from block number the way
// zchee-go-qcow2 computes them from its image header, and exclusivity is
// held with a gofrs/flock advisory lock the way gravwell holds its
// ingest-state file lock.
package device

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/types"
)

// Device is an exclusively-locked, fixed-block-size backing store.
type Device struct {
	path string
	file *os.File
	lock *flock.Flock
}

// Open opens path for raw block I/O and takes an exclusive advisory lock.
// Only one scoutd leader may hold a device open at a time; a second Open
// against an already-locked device returns errs.Again so callers can treat
// it as a transient condition worth retrying after the current leader
// steps down.
func Open(path string) (*Device, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock device %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("device %s held by another leader: %w", path, errs.Again)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}

	return &Device{path: path, file: f, lock: lock}, nil
}

// Close releases the device lock and underlying file handle.
func (d *Device) Close() error {
	closeErr := d.file.Close()
	if err := d.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// Size returns the device's capacity in blocks.
func (d *Device) Size() (uint64, error) {
	fi, err := d.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()) / types.BlockSize, nil
}

// ReadBlock reads the fixed-size block at blkno.
func (d *Device) ReadBlock(blkno uint64) ([]byte, error) {
	buf := make([]byte, types.BlockSize)
	n, err := unix.Pread(int(d.file.Fd()), buf, int64(blkno)*types.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("pread blkno %d: %w", blkno, err)
	}
	if n != types.BlockSize {
		return nil, fmt.Errorf("short read at blkno %d: got %d bytes: %w", blkno, n, errs.IO)
	}
	return buf, nil
}

// WriteBlock writes the fixed-size block at blkno. data must be exactly
// types.BlockSize bytes.
func (d *Device) WriteBlock(blkno uint64, data []byte) error {
	if len(data) != types.BlockSize {
		return fmt.Errorf("write blkno %d: payload is %d bytes, want %d: %w", blkno, len(data), types.BlockSize, errs.Inval)
	}
	n, err := unix.Pwrite(int(d.file.Fd()), data, int64(blkno)*types.BlockSize)
	if err != nil {
		return fmt.Errorf("pwrite blkno %d: %w", blkno, err)
	}
	if n != types.BlockSize {
		return fmt.Errorf("short write at blkno %d: wrote %d bytes: %w", blkno, n, errs.IO)
	}
	return nil
}

// Sync flushes all dirty data to stable storage.
func (d *Device) Sync() error {
	return d.file.Sync()
}

// CloseWithDirtyCheck logs a warning if dirty is non-zero before closing;
// tearing down left-over dirty blocks on unmount is out of scope, matching
// the XXX the kernel module itself carries for this case.
func (d *Device) CloseWithDirtyCheck(dirty int) error {
	if dirty > 0 {
		log.Logger.Warn().
			Str("device", d.path).
			Int("dirty_blocks", dirty).
			Msg("closing device with dirty blocks outstanding")
	}
	return d.Close()
}
