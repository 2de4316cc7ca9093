package raid6

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	uuid "github.com/satori/go.uuid"

	"github.com/dnaeon/go-raid6/device"
)

// superblockDisk and superblockBlock name the fixed, unprotected location
// of the array superblock: disk 0, block 0. It sits outside the P/Q
// codec entirely (like an ext4 superblock sits outside its block groups'
// checksums), so it is read and written directly against the device
// rather than through a stripe.Manager.
const (
	superblockDisk  = 0
	superblockBlock = 0
)

// superblockSize is the encoded size, in bytes, of a superblock record.
// It must fit within one block.
const superblockSize = 64

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// superblock records an array's on-disk geometry and identity, so Open
// can recover the geometry last written by Create and check it against
// the device it is given.
type superblock struct {
	UUID       uuid.UUID
	DiskCount  uint32
	BlockCount uint32
	BlockSize  uint32
	MaxFileNum uint32
}

func (sb superblock) encode() ([]byte, error) {
	buf := make([]byte, superblockSize)
	copy(buf[0:16], sb.UUID.Bytes())
	binary.LittleEndian.PutUint32(buf[16:20], sb.DiskCount)
	binary.LittleEndian.PutUint32(buf[20:24], sb.BlockCount)
	binary.LittleEndian.PutUint32(buf[24:28], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[28:32], sb.MaxFileNum)
	// b[32:60] reserved for future fields, left zero.
	checksum := crc32.Checksum(buf[0:60], crc32cTable)
	binary.LittleEndian.PutUint32(buf[60:64], checksum)
	return buf, nil
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < superblockSize {
		return superblock{}, fmt.Errorf("raid6: superblock buffer of %d bytes too small", len(buf))
	}
	checksum := binary.LittleEndian.Uint32(buf[60:64])
	actual := crc32.Checksum(buf[0:60], crc32cTable)
	if actual != checksum {
		return superblock{}, fmt.Errorf("%w: checksum mismatch (on disk %x, computed %x)", ErrSuperblockCorrupt, checksum, actual)
	}
	id, err := uuid.FromBytes(buf[0:16])
	if err != nil {
		return superblock{}, fmt.Errorf("%w: invalid uuid: %v", ErrSuperblockCorrupt, err)
	}
	return superblock{
		UUID:       id,
		DiskCount:  binary.LittleEndian.Uint32(buf[16:20]),
		BlockCount: binary.LittleEndian.Uint32(buf[20:24]),
		BlockSize:  binary.LittleEndian.Uint32(buf[24:28]),
		MaxFileNum: binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

func writeSuperblock(dev device.Device, sb superblock) error {
	encoded, err := sb.encode()
	if err != nil {
		return err
	}
	raw := make([]byte, dev.BlockSize())
	copy(raw, encoded)
	if err := dev.WriteBlock(superblockDisk, superblockBlock, raw, true); err != nil {
		return fmt.Errorf("raid6: writing superblock: %w", err)
	}
	return nil
}

func readSuperblock(dev device.Device) (superblock, error) {
	status, raw := dev.ReadBlock(superblockDisk, superblockBlock)
	if status != device.StatusOK {
		return superblock{}, fmt.Errorf("%w: disk %d block %d: %s", ErrSuperblockCorrupt, superblockDisk, superblockBlock, status)
	}
	return decodeSuperblock(raw)
}
