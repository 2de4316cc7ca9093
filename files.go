package raid6

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dnaeon/go-raid6/block"
	"github.com/dnaeon/go-raid6/codec"
	"github.com/dnaeon/go-raid6/stripe"
	"github.com/dnaeon/go-raid6/table"
)

// FileInfo is the caller-facing view of one file-table entry.
type FileInfo struct {
	Name string
	Size uint32
}

func (m *Manager) blocksFor(size int) int {
	if size == 0 {
		return 0
	}
	blocks := size / m.blockCapacity
	if blocks*m.blockCapacity != size {
		blocks++
	}
	return blocks
}

func (m *Manager) maxFileBlocks() int {
	return m.dataBlockCount * (m.n - 2)
}

// AvailableSpace reports the number of data blocks not currently occupied
// by any file.
func (m *Manager) AvailableSpace() (int, error) {
	entries, err := m.table.List()
	if err != nil {
		return 0, fmt.Errorf("raid6: listing files: %w", err)
	}
	used := 0
	for _, e := range entries {
		used += m.blocksFor(int(e.Size))
	}
	return m.maxFileBlocks() - used, nil
}

// FileExists reports whether name is present in the file table.
func (m *Manager) FileExists(name string) (bool, error) {
	_, ok, err := m.table.Lookup(name)
	return ok, err
}

// FileSize returns the size, in bytes, of the named file.
func (m *Manager) FileSize(name string) (uint32, error) {
	found, ok, err := m.table.Lookup(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNameNotFound
	}
	return found.Size, nil
}

// ListFiles returns every file currently in the table.
func (m *Manager) ListFiles() ([]FileInfo, error) {
	entries, err := m.table.List()
	if err != nil {
		return nil, fmt.Errorf("raid6: listing files: %w", err)
	}
	out := make([]FileInfo, len(entries))
	for i, e := range entries {
		out[i] = FileInfo{Name: e.Name, Size: e.Size}
	}
	return out, nil
}

func (m *Manager) isFreeCached(d, s int) bool {
	return m.free.bitsFor(d, m.dataBlockCount).Test(uint(s))
}

// nextAvailableBlock scans the canonical (disk, stripe) order, skipping
// P/Q positions, for the first data block reported free by the cache,
// starting just after (fromDisk, fromStripe).
func (m *Manager) nextAvailableBlock(fromDisk, fromStripe int) (disk, s int, ok bool) {
	d, b := fromDisk, fromStripe
	for {
		d++
		if d >= m.n {
			d = 0
			b++
		}
		if b >= m.dev.BlockCount() {
			return 0, 0, false
		}
		if b < m.firstDataBlock {
			continue
		}
		if d == int(m.stripe.PDisk(b)) || d == int(m.stripe.QDisk(b)) {
			continue
		}
		if m.isFreeCached(d, b) {
			return d, b, true
		}
	}
}

func (m *Manager) rebuildFreeCache() error {
	for d := 0; d < m.n; d++ {
		for s := m.firstDataBlock; s < m.dev.BlockCount(); s++ {
			if d == int(m.stripe.PDisk(s)) || d == int(m.stripe.QDisk(s)) {
				continue
			}
			raw, err := m.stripe.ReadBlock(d, s)
			if err != nil {
				return fmt.Errorf("raid6: rebuilding free cache at disk %d block %d: %w", d, s, err)
			}
			if headerIsFree(raw) {
				m.free.markFree(d, s, m.dataBlockCount)
			} else {
				m.free.markUsed(d, s, m.dataBlockCount)
			}
		}
	}
	return nil
}

// AddFile creates a new file named name holding data, chaining it across
// as many data blocks as needed.
func (m *Manager) AddFile(name string, data []byte) error {
	if len(name) == 0 {
		return ErrInvalidArgument
	}
	if ok, err := m.FileExists(name); err != nil {
		return err
	} else if ok {
		return ErrNameExists
	}

	avail, err := m.AvailableSpace()
	if err != nil {
		return err
	}
	if m.blocksFor(len(data)) > avail {
		return ErrOutOfSpace
	}

	insert := func(e table.Entry) error {
		if err := m.table.Insert(e); err != nil {
			if err == table.ErrTableFull {
				return ErrTableFull
			}
			return err
		}
		return nil
	}

	// An empty file owns no data block: a written PayloadSize==0 block
	// would be indistinguishable from a free one, so no block is
	// allocated or claimed for it at all.
	if len(data) == 0 {
		return insert(table.Entry{Name: name, Size: 0, HeadDisk: 0, HeadBlock: 0})
	}

	headDisk, headBlock, ok := m.nextAvailableBlock(-1, m.firstDataBlock)
	if !ok {
		return ErrOutOfSpace
	}
	if err := insert(table.Entry{
		Name:      name,
		Size:      uint32(len(data)),
		HeadDisk:  uint32(headDisk),
		HeadBlock: uint32(headBlock),
	}); err != nil {
		return err
	}

	disk, s := headDisk, headBlock
	offset := 0
	for offset < len(data) {
		remaining := len(data) - offset
		if remaining > m.blockCapacity {
			nextDisk, nextBlock, ok := m.nextAvailableBlock(disk, s)
			if !ok {
				_ = m.DelFile(name)
				return ErrOutOfSpace
			}
			if err := m.writeChainBlock(disk, s, uint32(m.blockCapacity), uint32(nextDisk), uint32(nextBlock), data[offset:offset+m.blockCapacity]); err != nil {
				_ = m.DelFile(name)
				return err
			}
			disk, s = nextDisk, nextBlock
			offset += m.blockCapacity
		} else {
			if err := m.writeChainBlock(disk, s, uint32(remaining), uint32(disk), uint32(s), data[offset:]); err != nil {
				_ = m.DelFile(name)
				return err
			}
			offset = len(data)
		}
	}
	return nil
}

func (m *Manager) writeChainBlock(disk, s int, size, nextDisk, nextBlock uint32, payload []byte) error {
	raw, err := block.Encode(m.blockSize, block.Header{PayloadSize: size, NextDisk: nextDisk, NextBlock: nextBlock}, payload)
	if err != nil {
		return fmt.Errorf("raid6: encoding block (%d,%d): %w", disk, s, err)
	}
	if err := m.stripe.WriteBlock(disk, s, raw, false); err != nil {
		return fmt.Errorf("raid6: writing block (%d,%d): %w", disk, s, err)
	}
	if err := m.stripe.RecomputeParity(s); err != nil {
		return fmt.Errorf("raid6: recomputing parity for stripe %d: %w", s, err)
	}
	m.free.markUsed(disk, s, m.dataBlockCount)
	return nil
}

// ReadFile returns the full contents of the named file.
func (m *Manager) ReadFile(name string) ([]byte, error) {
	found, ok, err := m.table.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNameNotFound
	}
	return m.readChain(int(found.HeadDisk), int(found.HeadBlock), int(found.Size))
}

func (m *Manager) readChain(headDisk, headBlock, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	if size == 0 {
		return out, nil
	}
	disk, s := headDisk, headBlock
	for {
		raw, err := m.stripe.ReadBlock(disk, s)
		if err != nil {
			return nil, fmt.Errorf("raid6: reading block (%d,%d): %w", disk, s, err)
		}
		h, err := block.Decode(raw)
		if err != nil {
			return nil, err
		}
		if h.PayloadSize == 0 {
			break
		}
		payload, err := block.Payload(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
		self := int(h.NextDisk) == disk && int(h.NextBlock) == s
		disk, s = int(h.NextDisk), int(h.NextBlock)
		if self {
			break
		}
	}
	return out, nil
}

// DelFile removes the named file and frees its blocks.
func (m *Manager) DelFile(name string) error {
	found, ok, err := m.table.Lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNameNotFound
	}
	if err := m.table.Delete(found.Location); err != nil {
		return fmt.Errorf("raid6: deleting table entry for %q: %w", name, err)
	}
	if found.Size == 0 {
		return nil
	}

	disk, s := int(found.HeadDisk), int(found.HeadBlock)
	zero := make([]byte, m.blockSize)
	for {
		raw, err := m.stripe.ReadBlock(disk, s)
		if err != nil {
			return fmt.Errorf("raid6: reading block (%d,%d) during delete: %w", disk, s, err)
		}
		h, err := block.Decode(raw)
		if err != nil {
			return err
		}
		self := int(h.NextDisk) == disk && int(h.NextBlock) == s
		nextDisk, nextBlock := int(h.NextDisk), int(h.NextBlock)
		if err := m.stripe.WriteBlock(disk, s, zero, false); err != nil {
			return fmt.Errorf("raid6: zeroing block (%d,%d): %w", disk, s, err)
		}
		if err := m.stripe.RecomputeParity(s); err != nil {
			return fmt.Errorf("raid6: recomputing parity for stripe %d: %w", s, err)
		}
		m.free.markFree(disk, s, m.dataBlockCount)
		if h.PayloadSize == 0 || self {
			break
		}
		disk, s = nextDisk, nextBlock
	}
	return nil
}

// ModifyFile replaces the bytes of name in [begin, end) with newData,
// growing or shrinking the file if len(newData) != end-begin.
func (m *Manager) ModifyFile(name string, begin, end int, newData []byte) error {
	if begin > end || begin < 0 {
		return ErrInvalidArgument
	}
	found, ok, err := m.table.Lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNameNotFound
	}
	if begin > int(found.Size) || end > int(found.Size) {
		return ErrInvalidArgument
	}
	if begin == end && len(newData) == 0 {
		return nil
	}

	sizeChange := len(newData) - (end - begin)
	if sizeChange != 0 {
		oldData, err := m.readChain(int(found.HeadDisk), int(found.HeadBlock), int(found.Size))
		if err != nil {
			return err
		}
		newFull := make([]byte, 0, int(found.Size)+sizeChange)
		newFull = append(newFull, oldData[:begin]...)
		newFull = append(newFull, newData...)
		newFull = append(newFull, oldData[end:]...)

		newBlocks := m.blocksFor(len(newFull))
		oldBlocks := m.blocksFor(int(found.Size))
		avail, err := m.AvailableSpace()
		if err != nil {
			return err
		}
		if newBlocks > avail+oldBlocks {
			return ErrOutOfSpace
		}
		if err := m.DelFile(name); err != nil {
			return err
		}
		return m.AddFile(name, newFull)
	}

	// Same size: patch in place across the chain, mirroring
	// file_manager.py's modify_file byte-offset arithmetic.
	disk, s := int(found.HeadDisk), int(found.HeadBlock)
	offset := 0
	for offset <= end {
		raw, err := m.stripe.ReadBlock(disk, s)
		if err != nil {
			return fmt.Errorf("raid6: reading block (%d,%d) during modify: %w", disk, s, err)
		}
		h, err := block.Decode(raw)
		if err != nil {
			return err
		}
		if offset+m.blockCapacity <= begin {
			offset += m.blockCapacity
			disk, s = int(h.NextDisk), int(h.NextBlock)
			continue
		}
		blockStart := block.HeaderSize + max0(begin-offset)
		dataStart := max0(offset - begin)
		dataSize := min(end-offset, m.blockCapacity) - max0(begin-offset)
		if dataSize > 0 {
			raw = append([]byte(nil), raw...)
			copy(raw[blockStart:blockStart+dataSize], newData[dataStart:dataStart+dataSize])
			if err := m.stripe.WriteBlock(disk, s, raw, false); err != nil {
				return fmt.Errorf("raid6: writing block (%d,%d) during modify: %w", disk, s, err)
			}
			if err := m.stripe.RecomputeParity(s); err != nil {
				return fmt.Errorf("raid6: recomputing parity for stripe %d: %w", s, err)
			}
		}
		disk, s = int(h.NextDisk), int(h.NextBlock)
		offset += m.blockCapacity
	}
	return nil
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RenameFile changes name's table entry to newName, leaving its data and
// chain untouched.
func (m *Manager) RenameFile(name, newName string) error {
	if len(newName) == 0 {
		return ErrInvalidArgument
	}
	if ok, err := m.FileExists(newName); err != nil {
		return err
	} else if ok {
		return ErrNameExists
	}
	found, ok, err := m.table.Lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNameNotFound
	}
	if err := m.table.Delete(found.Location); err != nil {
		return err
	}
	return m.table.Insert(table.Entry{
		Name:      newName,
		Size:      found.Size,
		HeadDisk:  found.HeadDisk,
		HeadBlock: found.HeadBlock,
	})
}

// CheckAndRecoverCorruption runs the corruption-check codec over stripe
// s, using raw (non-recovery) reads so a transiently missing disk is not
// mistaken for corruption. It requires every corrupted byte offset to
// implicate the same disk; a stripe corrupted across more than one disk
// returns ErrMultiCorruption.
func (m *Manager) CheckAndRecoverCorruption(s int) error {
	p, q := m.stripe.PDisk(s), m.stripe.QDisk(s)
	vec := make([]byte, m.n)
	raws := make([][]byte, m.n)
	for d := 0; d < m.n; d++ {
		raw, err := m.stripe.RawReadBlock(d, s)
		if err != nil {
			return fmt.Errorf("raid6: reading disk %d block %d for corruption check: %w", d, s, err)
		}
		raws[d] = raw
	}

	algoDisk := -1
	type fix struct {
		offset int
		value  byte
	}
	var fixes []fix
	for off := 0; off < m.blockSize; off++ {
		for d := 0; d < m.n; d++ {
			vec[stripe.RealToAlgo(stripe.RealIndex(d), p, q, m.n)] = raws[d][off]
		}
		pos, value, err := codec.Check(vec)
		if err != nil {
			return fmt.Errorf("raid6: corruption check failed at stripe %d offset %d: %w", s, off, err)
		}
		if pos < 0 {
			continue
		}
		if algoDisk == -1 {
			algoDisk = pos
		} else if algoDisk != pos {
			return ErrMultiCorruption
		}
		fixes = append(fixes, fix{offset: off, value: value})
	}
	if algoDisk == -1 {
		return nil
	}

	realDisk := int(stripe.AlgoToReal(stripe.AlgoIndex(algoDisk), p, q, m.n))
	corrected := append([]byte(nil), raws[realDisk]...)
	for _, f := range fixes {
		corrected[f.offset] = f.value
	}
	if err := m.stripe.WriteBlock(realDisk, s, corrected, true); err != nil {
		return fmt.Errorf("raid6: writing corrected disk %d block %d: %w", realDisk, s, err)
	}
	m.log.WithFields(logrus.Fields{"stripe": s, "disk": realDisk, "offsets": len(fixes)}).Info("raid6: corruption corrected")
	return nil
}
