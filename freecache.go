package raid6

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/dnaeon/go-raid6/block"
)

// freeBlockCache tracks, per real disk, which stripes currently hold a
// free (unallocated) data block, so nextAvailableBlock does not have to
// re-read the device on every call. It mirrors the ext4 block-group
// bitmap pattern: a bitset.BitSet per disk, with bit s set when stripe s
// on that disk is free. A bit not yet observed defaults to unset
// (treated as occupied), which is the safe default against double
// allocation.
type freeBlockCache struct {
	perDisk map[int]*bitset.BitSet
}

func newFreeBlockCache() *freeBlockCache {
	return &freeBlockCache{perDisk: make(map[int]*bitset.BitSet)}
}

func (c *freeBlockCache) bitsFor(disk, stripes int) *bitset.BitSet {
	bs, ok := c.perDisk[disk]
	if !ok {
		bs = bitset.New(uint(stripes))
		c.perDisk[disk] = bs
	}
	return bs
}

// markFree records that stripe s on disk d is free for reuse.
func (c *freeBlockCache) markFree(disk, s, stripes int) {
	c.bitsFor(disk, stripes).Set(uint(s))
}

// markUsed records that stripe s on disk d is occupied.
func (c *freeBlockCache) markUsed(disk, s, stripes int) {
	c.bitsFor(disk, stripes).Clear(uint(s))
}

// headerIsFree reports whether a raw data block's header marks it free,
// used to (re)populate the cache from a device scan.
func headerIsFree(raw []byte) bool {
	h, err := block.Decode(raw)
	if err != nil {
		return false
	}
	return block.IsFree(h)
}
