// Package raid6 implements a RAID-6 style block device: GF(2^8) P/Q
// parity (package codec) striped with rotation across member disks
// (package stripe), carrying a file allocation table (package table) and
// block-linked-list files, as described in spec.md.
package raid6

import (
	"fmt"

	"github.com/sirupsen/logrus"

	uuid "github.com/satori/go.uuid"

	"github.com/dnaeon/go-raid6/block"
	"github.com/dnaeon/go-raid6/device"
	"github.com/dnaeon/go-raid6/stripe"
	"github.com/dnaeon/go-raid6/table"
)

// tableStartBlock reserves stripe 0 for the array superblock, so the
// file table begins at stripe 1 and file data at the stripe after the
// table's last block.
const tableStartBlock = 1

// Manager is a running RAID-6 array: its stripe manager, its file
// allocation table, and the free-block cache used to place new files.
type Manager struct {
	dev    device.Device
	stripe *stripe.Manager
	table  *table.Table
	log    logrus.FieldLogger

	n              int
	blockSize      int
	blockCapacity  int // block.HeaderSize subtracted
	dataBlockCount int // total stripes available for file data, per data disk
	firstDataBlock int

	free *freeBlockCache
}

// Create formats dev as a fresh RAID-6 array matching cfg: it writes the
// array superblock, zeroes every disk, and leaves the file table empty.
func Create(dev device.Device, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dev.DiskCount() != cfg.DiskCount {
		return nil, fmt.Errorf("%w: device has %d disks, config wants %d", ErrInvalidArgument, dev.DiskCount(), cfg.DiskCount)
	}
	if dev.BlockCount() != cfg.BlockCount || dev.BlockSize() != cfg.BlockSize {
		return nil, fmt.Errorf("%w: device geometry does not match config", ErrInvalidArgument)
	}

	log := cfg.logger()
	for d := 0; d < cfg.DiskCount; d++ {
		if err := dev.ResetDisk(d); err != nil {
			return nil, fmt.Errorf("raid6: formatting disk %d: %w", d, err)
		}
	}

	id := uuid.NewV4()
	sb := superblock{
		UUID:       id,
		DiskCount:  uint32(cfg.DiskCount),
		BlockCount: uint32(cfg.BlockCount),
		BlockSize:  uint32(cfg.BlockSize),
		MaxFileNum: uint32(cfg.MaxFileNum),
	}
	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}

	m, err := newManager(dev, cfg.MaxFileNum, log)
	if err != nil {
		return nil, err
	}
	if err := m.rebuildFreeCache(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"uuid": id.String(), "disks": cfg.DiskCount, "blocks": cfg.BlockCount}).Info("raid6: array created")
	return m, nil
}

// Open loads an existing array from dev, validating its persisted
// superblock and rebuilding the free-block cache from a scan of every
// data block's header.
func Open(dev device.Device, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		DiskCount:  int(sb.DiskCount),
		BlockCount: int(sb.BlockCount),
		BlockSize:  int(sb.BlockSize),
		MaxFileNum: int(sb.MaxFileNum),
	}
	if dev.DiskCount() != cfg.DiskCount || dev.BlockCount() != cfg.BlockCount || dev.BlockSize() != cfg.BlockSize {
		return nil, fmt.Errorf("%w: device geometry does not match persisted superblock", ErrSuperblockCorrupt)
	}

	m, err := newManager(dev, cfg.MaxFileNum, log)
	if err != nil {
		return nil, err
	}
	if err := m.rebuildFreeCache(); err != nil {
		return nil, err
	}
	log.WithField("uuid", sb.UUID.String()).Info("raid6: array opened")
	return m, nil
}

func newManager(dev device.Device, maxFileNum int, log logrus.FieldLogger) (*Manager, error) {
	n := dev.DiskCount()
	blockSize := dev.BlockSize()
	stripeMgr := stripe.New(dev, log)

	_, lastDisk, lastBlock := table.Geometry(n, blockSize, maxFileNum, tableStartBlock)
	tbl := table.New(stripeMgr, tableStartBlock, lastDisk, lastBlock, maxFileNum)

	firstData := tbl.FirstDataBlock()
	if firstData >= dev.BlockCount() {
		return nil, fmt.Errorf("%w: file table alone exceeds device capacity", ErrOutOfSpace)
	}

	return &Manager{
		dev:            dev,
		stripe:         stripeMgr,
		table:          tbl,
		log:            log,
		n:              n,
		blockSize:      blockSize,
		blockCapacity:  blockSize - block.HeaderSize,
		dataBlockCount: dev.BlockCount() - firstData,
		firstDataBlock: firstData,
		free:           newFreeBlockCache(),
	}, nil
}
