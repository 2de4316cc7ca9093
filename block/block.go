// Package block encodes and decodes the 12-byte data-block header
// described in spec.md §3/§6: payload size, and the (disk, block)
// coordinate of the next block in a file's chain.
package block

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of a data block's header.
const HeaderSize = 12

// Header is the decoded form of a data block's first 12 bytes.
type Header struct {
	// PayloadSize is the number of payload bytes used in this block.
	// Zero marks an empty/free block.
	PayloadSize uint32
	// NextDisk and NextBlock name the next block in this file's chain.
	// A terminal block either points to itself or is not full
	// (PayloadSize < the block's payload capacity); see IsTerminal.
	NextDisk  uint32
	NextBlock uint32
}

// Encode writes h's fields into the first HeaderSize bytes of a buffer of
// size blockSize, and copies payload into the remainder, zero-padding any
// unused tail. It returns an error if payload would overflow the block.
func Encode(blockSize int, h Header, payload []byte) ([]byte, error) {
	if blockSize < HeaderSize {
		return nil, fmt.Errorf("block: block size %d smaller than header size %d", blockSize, HeaderSize)
	}
	capacity := blockSize - HeaderSize
	if len(payload) > capacity {
		return nil, fmt.Errorf("block: payload of %d bytes exceeds capacity %d", len(payload), capacity)
	}
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.NextDisk)
	binary.LittleEndian.PutUint32(buf[8:12], h.NextBlock)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode reads the header fields out of the first HeaderSize bytes of a
// raw block buffer. Use Payload for the payload bytes.
func Decode(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("block: raw block of %d bytes smaller than header size %d", len(raw), HeaderSize)
	}
	return Header{
		PayloadSize: binary.LittleEndian.Uint32(raw[0:4]),
		NextDisk:    binary.LittleEndian.Uint32(raw[4:8]),
		NextBlock:   binary.LittleEndian.Uint32(raw[8:12]),
	}, nil
}

// Payload returns the used portion of raw's payload area, per its decoded
// header's PayloadSize.
func Payload(raw []byte) ([]byte, error) {
	h, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	capacity := len(raw) - HeaderSize
	if int(h.PayloadSize) > capacity {
		return nil, fmt.Errorf("block: payload size %d exceeds block capacity %d", h.PayloadSize, capacity)
	}
	return raw[HeaderSize : HeaderSize+int(h.PayloadSize)], nil
}

// IsTerminal reports whether a block with the given header and capacity
// ends its file's chain: either it points to itself, or it is not full.
// Read literally, spec.md §3/§4.6 says "size <= B-12", but that holds for
// every valid block (payload size can never exceed capacity) and so can't
// be the intended terminal test; "not full" only distinguishes a block
// when its size is strictly less than capacity, so that is what is
// checked here. In practice a writer always also sets a self-pointer on
// the tail block, so this is a backstop for chains assembled or repaired
// outside the normal write path.
func IsTerminal(h Header, disk, blockIdx uint32, capacity int) bool {
	if h.NextDisk == disk && h.NextBlock == blockIdx {
		return true
	}
	return int(h.PayloadSize) < capacity
}

// IsFree reports whether a block is an empty/free block (PayloadSize == 0).
func IsFree(h Header) bool {
	return h.PayloadSize == 0
}
