// Package dirbackend implements device.Device as one subdirectory per
// disk, one file per block -- the Go equivalent of
// original_source/raid6/disk_manager.py's folder-and-file layout.
//
// Each disk directory additionally carries a "user.raid6.block_size"
// extended attribute (github.com/pkg/xattr), stamped at ResetDisk time and
// checked, best-effort and non-fatally, at CheckDisk time as a format
// sanity probe; mismatches and unsupported-xattr filesystems are logged
// and otherwise ignored, since the RAID layer's availability must not
// depend on a feature some filesystems lack.
package dirbackend

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	times "gopkg.in/djherbis/times.v1"

	"github.com/dnaeon/go-raid6/device"
)

const blockSizeXattr = "user.raid6.block_size"

// Backend is a directory-backed implementation of device.Device.
type Backend struct {
	root      string
	diskNum   int
	blockNum  int
	blockSize int
	log       logrus.FieldLogger
	rng       *rand.Rand
}

// New creates a Backend rooted at dir, which must already exist; it holds
// diskNum disks of blockNum blocks of blockSize bytes each. Call ResetDisk
// for each disk index before first use, or point New at an existing root
// whose disks were previously reset.
func New(dir string, diskNum, blockNum, blockSize int, log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{
		root:      dir,
		diskNum:   diskNum,
		blockNum:  blockNum,
		blockSize: blockSize,
		log:       log,
		rng:       rand.New(rand.NewSource(1)),
	}
}

func (b *Backend) DiskCount() int  { return b.diskNum }
func (b *Backend) BlockSize() int  { return b.blockSize }
func (b *Backend) BlockCount() int { return b.blockNum }

func (b *Backend) diskPath(d int) string {
	return filepath.Join(b.root, fmt.Sprintf("disk_%d", d))
}

func (b *Backend) blockPath(d, blk int) string {
	return filepath.Join(b.diskPath(d), fmt.Sprintf("block_%d", blk))
}

func (b *Backend) ResetDisk(d int) error {
	if err := b.checkDiskIndex(d); err != nil {
		return err
	}
	dp := b.diskPath(d)
	if err := os.RemoveAll(dp); err != nil {
		return fmt.Errorf("dirbackend: reset disk %d: %w", d, err)
	}
	if err := os.MkdirAll(dp, 0o755); err != nil {
		return fmt.Errorf("dirbackend: reset disk %d: %w", d, err)
	}
	zero := make([]byte, b.blockSize)
	for blk := 0; blk < b.blockNum; blk++ {
		if err := b.writeFile(b.blockPath(d, blk), zero); err != nil {
			return fmt.Errorf("dirbackend: reset disk %d block %d: %w", d, blk, err)
		}
	}
	if err := xattr.Set(dp, blockSizeXattr, []byte(strconv.Itoa(b.blockSize))); err != nil {
		b.log.WithFields(logrus.Fields{"disk": d, "path": dp}).WithError(err).
			Debug("dirbackend: xattr unsupported, skipping block-size stamp")
	}
	return nil
}

func (b *Backend) writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		b.log.WithField("path", path).WithError(err).Debug("dirbackend: fsync failed")
	}
	return nil
}

func (b *Backend) CheckDisk(d int) device.Status {
	if d < 0 || d >= b.diskNum {
		return device.StatusDiskMissing
	}
	dp := b.diskPath(d)
	info, err := os.Stat(dp)
	if err != nil || !info.IsDir() {
		return device.StatusDiskMissing
	}
	b.logDiskProbe(d, dp)
	return device.StatusOK
}

// logDiskProbe emits a best-effort diagnostic entry combining the
// block-size xattr stamp with the directory's last status-change time;
// neither is load-bearing for the disk's liveness verdict.
func (b *Backend) logDiskProbe(d int, dp string) {
	fields := logrus.Fields{"disk": d}
	if raw, err := xattr.Get(dp, blockSizeXattr); err == nil {
		if n, convErr := strconv.Atoi(string(raw)); convErr == nil && n != b.blockSize {
			fields["stamped_block_size"] = n
			fields["block_size"] = b.blockSize
			b.log.WithFields(fields).Warn("dirbackend: disk block-size xattr disagrees with configured geometry")
		}
	}
	if ts, err := times.Stat(dp); err == nil {
		fields["changed_at"] = ts.ChangeTime()
		b.log.WithFields(fields).Debug("dirbackend: disk probed")
	}
}

func (b *Backend) CheckBlock(d, blk int) device.Status {
	if s := b.CheckDisk(d); s != device.StatusOK {
		return s
	}
	if blk < 0 || blk >= b.blockNum {
		return device.StatusBlockMissing
	}
	info, err := os.Stat(b.blockPath(d, blk))
	if err != nil || info.IsDir() || info.Size() != int64(b.blockSize) {
		return device.StatusBlockMissing
	}
	return device.StatusOK
}

func (b *Backend) ReadBlock(d, blk int) (device.Status, []byte) {
	status := b.CheckBlock(d, blk)
	if status != device.StatusOK {
		return status, nil
	}
	data, err := os.ReadFile(b.blockPath(d, blk))
	if err != nil || len(data) != b.blockSize {
		return device.StatusBlockMissing, nil
	}
	return device.StatusOK, data
}

// stripeStatus mirrors disk_manager.py's check_failure: it probes the
// same block index across every disk, not just the target disk.
func (b *Backend) stripeStatus(blk int) device.Status {
	for d := 0; d < b.diskNum; d++ {
		if s := b.CheckBlock(d, blk); s != device.StatusOK {
			return s
		}
	}
	return device.StatusOK
}

func (b *Backend) WriteBlock(d, blk int, data []byte, force bool) error {
	if len(data) != b.blockSize {
		return fmt.Errorf("dirbackend: write of %d bytes, want %d", len(data), b.blockSize)
	}
	status := b.stripeStatus(blk)
	if status != device.StatusOK && !force {
		if status == device.StatusDiskMissing {
			return device.ErrDiskMissing
		}
		return device.ErrBlockMissing
	}
	if err := b.checkDiskIndex(d); err != nil {
		return err
	}
	dp := b.diskPath(d)
	if _, err := os.Stat(dp); err != nil {
		if !force {
			return device.ErrDiskMissing
		}
		if err := os.MkdirAll(dp, 0o755); err != nil {
			return fmt.Errorf("dirbackend: recreate disk %d: %w", d, err)
		}
	}
	if err := b.writeFile(b.blockPath(d, blk), data); err != nil {
		return fmt.Errorf("dirbackend: write disk %d block %d: %w", d, blk, err)
	}
	return nil
}

func (b *Backend) FailDisk(d int) error {
	if err := b.checkDiskIndex(d); err != nil {
		return err
	}
	if err := os.RemoveAll(b.diskPath(d)); err != nil {
		return fmt.Errorf("dirbackend: fail disk %d: %w", d, err)
	}
	return nil
}

func (b *Backend) CorruptBlock(d, blk int) error {
	if s := b.CheckBlock(d, blk); s != device.StatusOK {
		return fmt.Errorf("dirbackend: cannot corrupt disk %d block %d: %s", d, blk, s)
	}
	path := b.blockPath(d, blk)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dirbackend: corrupt disk %d block %d: %w", d, blk, err)
	}
	for i := range data {
		if b.rng.Float64() < 0.2 {
			data[i] = byte(b.rng.Intn(256))
		}
	}
	return b.writeFile(path, data)
}

func (b *Backend) checkDiskIndex(d int) error {
	if d < 0 || d >= b.diskNum {
		return fmt.Errorf("dirbackend: disk index %d out of range [0,%d)", d, b.diskNum)
	}
	return nil
}
