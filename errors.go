package raid6

import "errors"

// Sentinel errors returned by Manager, matching spec.md §7.
var (
	// ErrNameExists is returned by AddFile and RenameFile when the target
	// name is already present in the file table.
	ErrNameExists = errors.New("raid6: file name already exists")

	// ErrNameNotFound is returned when an operation names a file that is
	// not present in the file table.
	ErrNameNotFound = errors.New("raid6: file name not found")

	// ErrOutOfSpace is returned when an array has insufficient free data
	// blocks to satisfy an AddFile or grow a ModifyFile.
	ErrOutOfSpace = errors.New("raid6: insufficient free space")

	// ErrTableFull is returned when the file table has no free entry
	// slot left, independent of data-block space.
	ErrTableFull = errors.New("raid6: file table is full")

	// ErrMultiCorruption is returned by CheckAndRecoverCorruption when the
	// corrupted byte offsets of one stripe implicate more than one
	// distinct disk, which cannot be attributed to a single corrupt disk
	// and so cannot be corrected.
	ErrMultiCorruption = errors.New("raid6: corruption spans more than one disk, cannot recover")

	// ErrInvalidArgument is returned for malformed caller input (empty
	// name, negative offset, etc).
	ErrInvalidArgument = errors.New("raid6: invalid argument")

	// ErrSuperblockCorrupt is returned by Open when the array superblock
	// fails its checksum or geometry sanity checks.
	ErrSuperblockCorrupt = errors.New("raid6: superblock checksum or geometry invalid")
)
