package raid6

import "github.com/sirupsen/logrus"

// Config describes the geometry of an array to be created with Create.
// Open does not take a Config; it rebuilds one from the persisted
// superblock.
type Config struct {
	// DiskCount is the number of member disks, N >= 4 (2 data minimum
	// plus P and Q).
	DiskCount int
	// BlockCount is the number of blocks per disk.
	BlockCount int
	// BlockSize is the size, in bytes, of one block, including the
	// 12-byte chain header for data blocks. Must be at least
	// superblockSize (64), stricter than spec.md's B >= 16, since the
	// array superblock is a 64-byte record stored in a single block.
	BlockSize int
	// MaxFileNum bounds the number of file-table entries reserved at
	// Create time.
	MaxFileNum int
	// Logger receives structured log output. A nil Logger falls back to
	// logrus's standard logger.
	Logger logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c Config) validate() error {
	if c.DiskCount < 4 {
		return ErrInvalidArgument
	}
	if c.BlockCount < 1 {
		return ErrInvalidArgument
	}
	if c.BlockSize < superblockSize {
		return ErrInvalidArgument
	}
	if c.MaxFileNum < 1 {
		return ErrInvalidArgument
	}
	return nil
}
