// Package membackend implements an in-memory device.Device, used by unit
// tests and by any caller wanting a disposable array without touching the
// filesystem.
package membackend

import (
	"fmt"
	"math/rand"

	"github.com/dnaeon/go-raid6/device"
)

// Backend is an in-memory implementation of device.Device. One Backend
// holds all N disks; disks absent from the map are "failed".
type Backend struct {
	blockSize int
	blockNum  int
	diskNum   int
	disks     map[int][][]byte // disk index -> blocks; absent key == failed disk
	rng       *rand.Rand
}

// New creates a Backend with diskNum disks, each with blockNum blocks of
// blockSize bytes, all zero-filled.
func New(diskNum, blockNum, blockSize int) *Backend {
	b := &Backend{
		blockSize: blockSize,
		blockNum:  blockNum,
		diskNum:   diskNum,
		disks:     make(map[int][][]byte, diskNum),
		rng:       rand.New(rand.NewSource(1)),
	}
	for d := 0; d < diskNum; d++ {
		b.disks[d] = newZeroedDisk(blockNum, blockSize)
	}
	return b
}

func newZeroedDisk(blockNum, blockSize int) [][]byte {
	blocks := make([][]byte, blockNum)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return blocks
}

func (b *Backend) DiskCount() int  { return b.diskNum }
func (b *Backend) BlockSize() int  { return b.blockSize }
func (b *Backend) BlockCount() int { return b.blockNum }

func (b *Backend) ResetDisk(d int) error {
	if err := b.checkDiskIndex(d); err != nil {
		return err
	}
	b.disks[d] = newZeroedDisk(b.blockNum, b.blockSize)
	return nil
}

func (b *Backend) CheckDisk(d int) device.Status {
	if d < 0 || d >= b.diskNum {
		return device.StatusDiskMissing
	}
	if _, ok := b.disks[d]; !ok {
		return device.StatusDiskMissing
	}
	return device.StatusOK
}

func (b *Backend) CheckBlock(d, blk int) device.Status {
	if s := b.CheckDisk(d); s != device.StatusOK {
		return s
	}
	blocks := b.disks[d]
	if blk < 0 || blk >= len(blocks) || blocks[blk] == nil || len(blocks[blk]) != b.blockSize {
		return device.StatusBlockMissing
	}
	return device.StatusOK
}

func (b *Backend) ReadBlock(d, blk int) (device.Status, []byte) {
	status := b.CheckBlock(d, blk)
	if status != device.StatusOK {
		return status, nil
	}
	out := make([]byte, b.blockSize)
	copy(out, b.disks[d][blk])
	return device.StatusOK, out
}

// stripeStatus checks whether every disk's copy of block blk is present,
// mirroring disk_manager.py's check_failure: it probes the same block
// index across all disks, not just the target disk.
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
		return fmt.Errorf("membackend: write of %d bytes, want %d", len(data), b.blockSize)
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
	if _, ok := b.disks[d]; !ok {
		// Recreating a failed disk on a forced write only materializes
		// the block being written, mirroring disk_manager.py's
		// write_block: os.makedirs(disk_path) followed by writing just
		// the one block file, leaving the rest absent until they too
		// are force-written during stripe reconstruction.
		b.disks[d] = make([][]byte, b.blockNum)
	}
	blocks := b.disks[d]
	if blk < 0 || blk >= len(blocks) {
		return fmt.Errorf("membackend: block index %d out of range", blk)
	}
	buf := make([]byte, b.blockSize)
	copy(buf, data)
	blocks[blk] = buf
	return nil
}

func (b *Backend) FailDisk(d int) error {
	if err := b.checkDiskIndex(d); err != nil {
		return err
	}
	delete(b.disks, d)
	return nil
}

func (b *Backend) CorruptBlock(d, blk int) error {
	if s := b.CheckBlock(d, blk); s != device.StatusOK {
		return fmt.Errorf("membackend: cannot corrupt disk %d block %d: %s", d, blk, s)
	}
	data := b.disks[d][blk]
	for i := range data {
		if b.rng.Float64() < 0.2 {
			data[i] = byte(b.rng.Intn(256))
		}
	}
	return nil
}

func (b *Backend) checkDiskIndex(d int) error {
	if d < 0 || d >= b.diskNum {
		return fmt.Errorf("membackend: disk index %d out of range [0,%d)", d, b.diskNum)
	}
	return nil
}
