// Package table implements the file allocation table (spec.md §4.5): fixed
// 32-byte entries packed into the first stripes of the array's data-disk
// positions, scanned in the canonical order of (disk, block) pairs with
// parity disks skipped.
//
// A table block carries no chain header: every byte of every table block
// is entry-slot storage, unlike the data blocks addressed by package
// block. This mirrors original_source/raid6/file_manager.py, whose table
// helpers index directly into each block's bytes.
package table

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dnaeon/go-raid6/stripe"
)

// EntrySize is the fixed size, in bytes, of one file-table entry.
const EntrySize = 32

const nameSize = 20

// ErrTableFull is returned by Insert when every slot up to the table's
// end marker is occupied.
var ErrTableFull = errors.New("table: no free slot")

// ErrDuplicate is returned by Insert when name is already present.
var ErrDuplicate = errors.New("table: duplicate name")

// ErrNameTooLong is returned when a name's UTF-8 encoding exceeds 20 bytes.
var ErrNameTooLong = errors.New("table: name exceeds 20 bytes")

// Entry is the decoded form of one 32-byte file-table slot.
type Entry struct {
	Name      string
	Size      uint32
	HeadDisk  uint32
	HeadBlock uint32
}

// Location names a table slot's physical position: the (disk, block)
// pair of the table block holding it, and its byte offset within that
// block.
type Location struct {
	Disk   int
	Block  int
	Offset int
}

// FoundEntry pairs a decoded Entry with its Location, as returned by
// Lookup and List.
type FoundEntry struct {
	Entry
	Location
}

// Table scans and mutates the file allocation table of one array.
type Table struct {
	mgr            *stripe.Manager
	n              int
	blockSize      int
	startBlock     int
	lastTableDisk  int
	lastTableBlock int
	maxFiles       int
}

// New returns a Table whose canonical scan begins at stripe startBlock
// (allowing callers to reserve earlier stripes, e.g. for an array
// superblock) and ends at (lastTableDisk, lastTableBlock) inclusive, as
// computed by Geometry. maxFiles caps the number of live entries Insert
// will allow: the table region is sized in whole blocks, so its last
// block can hold more physical slots than maxFiles, and that slack
// would otherwise let Insert exceed the configured entry count.
func New(mgr *stripe.Manager, startBlock, lastTableDisk, lastTableBlock, maxFiles int) *Table {
	return &Table{
		mgr:            mgr,
		n:              mgr.DiskCount(),
		blockSize:      mgr.BlockSize(),
		startBlock:     startBlock,
		lastTableDisk:  lastTableDisk,
		lastTableBlock: lastTableBlock,
		maxFiles:       maxFiles,
	}
}

// Geometry computes the number of table stripes and the canonical end
// marker (last_table_disk, last_table_block) for maxFiles entries over an
// array with n disks and the given block size, starting the scan at
// stripe startBlock, per spec.md §4.5.
func Geometry(n, blockSize, maxFiles, startBlock int) (tableStripes, lastTableDisk, lastTableBlock int) {
	slotsPerBlock := blockSize / EntrySize
	if slotsPerBlock == 0 {
		slotsPerBlock = 1 // degenerate geometry; one entry spans a whole block
	}
	tableBlocks := maxFiles / slotsPerBlock
	if maxFiles%slotsPerBlock != 0 {
		tableBlocks++
	}
	if tableBlocks == 0 {
		tableBlocks = 1
	}

	d, b := -1, startBlock
	remaining := tableBlocks
	for remaining > 0 {
		d++
		if d == n {
			d = 0
			b++
		}
		if d == int(stripe.PDisk(b, n)) || d == int(stripe.QDisk(b, n)) {
			continue
		}
		remaining--
		if remaining == 0 {
			lastTableDisk, lastTableBlock = d, b
		}
	}
	tableStripes = lastTableBlock - startBlock + 1
	return tableStripes, lastTableDisk, lastTableBlock
}

// FirstDataBlock returns the first stripe index after the table's last
// block, where file data allocation may begin.
func (t *Table) FirstDataBlock() int {
	return t.lastTableBlock + 1
}

// forEachSlot walks the canonical scan order from the very first data
// position through (lastTableDisk, lastTableBlock) inclusive, reading
// each table block once and invoking fn for every 32-byte slot in it.
// fn returns stop=true to end the walk early.
func (t *Table) forEachSlot(fn func(loc Location, raw []byte) (stop bool, err error)) error {
	d, b := -1, t.startBlock
	for {
		d++
		if d == t.n {
			d = 0
			b++
		}
		if d == int(t.mgr.PDisk(b)) || d == int(t.mgr.QDisk(b)) {
			continue
		}
		raw, err := t.mgr.ReadBlock(d, b)
		if err != nil {
			return fmt.Errorf("table: reading block (%d,%d): %w", d, b, err)
		}
		slots := t.blockSize / EntrySize
		for i := 0; i < slots; i++ {
			off := i * EntrySize
			stop, err := fn(Location{Disk: d, Block: b, Offset: off}, raw[off:off+EntrySize])
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		if d == t.lastTableDisk && b == t.lastTableBlock {
			return nil
		}
	}
}

func decodeEntry(raw []byte) (Entry, bool) {
	if raw[0] == 0x00 {
		return Entry{}, false
	}
	nameBytes := raw[0:nameSize]
	nul := bytes.IndexByte(nameBytes, 0x00)
	var name string
	if nul == -1 {
		name = string(nameBytes)
	} else {
		name = string(nameBytes[:nul])
	}
	return Entry{
		Name:      name,
		Size:      binary.LittleEndian.Uint32(raw[20:24]),
		HeadDisk:  binary.LittleEndian.Uint32(raw[24:28]),
		HeadBlock: binary.LittleEndian.Uint32(raw[28:32]),
	}, true
}

func encodeEntry(e Entry) ([]byte, error) {
	nameBytes := []byte(e.Name)
	if len(nameBytes) > nameSize {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, EntrySize)
	copy(buf[0:nameSize], nameBytes)
	binary.LittleEndian.PutUint32(buf[20:24], e.Size)
	binary.LittleEndian.PutUint32(buf[24:28], e.HeadDisk)
	binary.LittleEndian.PutUint32(buf[28:32], e.HeadBlock)
	return buf, nil
}

// Lookup returns the entry named name, or ok=false if no such entry
// exists.
func (t *Table) Lookup(name string) (FoundEntry, bool, error) {
	var found FoundEntry
	var ok bool
	err := t.forEachSlot(func(loc Location, raw []byte) (bool, error) {
		entry, present := decodeEntry(raw)
		if !present || entry.Name != name {
			return false, nil
		}
		found = FoundEntry{Entry: entry, Location: loc}
		ok = true
		return true, nil
	})
	return found, ok, err
}

// List returns every live entry in canonical scan order.
func (t *Table) List() ([]FoundEntry, error) {
	var out []FoundEntry
	err := t.forEachSlot(func(loc Location, raw []byte) (bool, error) {
		entry, present := decodeEntry(raw)
		if present {
			out = append(out, FoundEntry{Entry: entry, Location: loc})
		}
		return false, nil
	})
	return out, err
}

// Insert writes a new entry into the first free slot in canonical order,
// then recomputes that slot's stripe parity. It fails with ErrDuplicate
// if name is already present, or ErrTableFull if no slot is free.
func (t *Table) Insert(e Entry) error {
	if len(e.Name) == 0 {
		return errors.New("table: name must not be empty")
	}
	encoded, err := encodeEntry(e)
	if err != nil {
		return err
	}

	var target *Location
	live := 0
	err = t.forEachSlot(func(loc Location, raw []byte) (bool, error) {
		entry, present := decodeEntry(raw)
		if present && entry.Name == e.Name {
			return true, ErrDuplicate
		}
		if present {
			live++
		}
		if !present && target == nil {
			cp := loc
			target = &cp
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if target == nil || live >= t.maxFiles {
		return ErrTableFull
	}

	raw, err := t.mgr.ReadBlock(target.Disk, target.Block)
	if err != nil {
		return fmt.Errorf("table: reading block (%d,%d): %w", target.Disk, target.Block, err)
	}
	raw = append([]byte(nil), raw...)
	copy(raw[target.Offset:target.Offset+EntrySize], encoded)
	if err := t.mgr.WriteBlock(target.Disk, target.Block, raw, false); err != nil {
		return fmt.Errorf("table: writing block (%d,%d): %w", target.Disk, target.Block, err)
	}
	return t.mgr.RecomputeParity(target.Block)
}

// Delete zeros the slot at loc and recomputes that stripe's parity.
func (t *Table) Delete(loc Location) error {
	raw, err := t.mgr.ReadBlock(loc.Disk, loc.Block)
	if err != nil {
		return fmt.Errorf("table: reading block (%d,%d): %w", loc.Disk, loc.Block, err)
	}
	raw = append([]byte(nil), raw...)
	for i := 0; i < EntrySize; i++ {
		raw[loc.Offset+i] = 0
	}
	if err := t.mgr.WriteBlock(loc.Disk, loc.Block, raw, false); err != nil {
		return fmt.Errorf("table: writing block (%d,%d): %w", loc.Disk, loc.Block, err)
	}
	return t.mgr.RecomputeParity(loc.Block)
}
