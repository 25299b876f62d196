package sparse

import (
	"encoding/binary"
	"io"
)

// NextSubImage yields the next contiguous logical segment as a
// self-contained sparse (or raw, for non-sparse sources) sub-image whose
// expanded size fits within maxBytes. It returns (nil, nil) once the
// stream is exhausted.
func (s *Stream) NextSubImage(maxBytes uint64) ([]byte, error) {
	if s.sparse {
		return s.nextSparseSubImage(maxBytes)
	}
	return s.nextRawSubImage(maxBytes)
}

func (s *Stream) nextRawSubImage(maxBytes uint64) ([]byte, error) {
	if maxBytes == 0 {
		return nil, ErrChunkTooLarge
	}
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(s.f, buf)
	if n == 0 {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// selectedChunk describes one chunk (or sub-range of a Raw chunk) going
// into the sub-image currently being built.
type selectedChunk struct {
	chunkType uint16
	outBlocks uint32
	dataOffset int64
	dataSize   uint32
}

func (s *Stream) nextSparseSubImage(maxBytes uint64) ([]byte, error) {
	if s.chunkIdx >= len(s.chunks) {
		return nil, nil
	}
	if maxBytes <= headerSize+chunkHeaderSize {
		return nil, ErrChunkTooLarge
	}
	budget := maxBytes - headerSize

	var selected []selectedChunk
	var outBlocksTotal uint32

	for s.chunkIdx < len(s.chunks) {
		c := s.chunks[s.chunkIdx]
		remainingOutBlocks := c.outBlocks - s.rawBlocksDone
		expandedBytes := uint64(remainingOutBlocks) * uint64(s.header.BlockSize)

		if expandedBytes <= budget {
			// Whole (remaining) chunk fits, expanded (spec.md §4.3: a
			// sub-image's expanded size must fit in max_bytes).
			offset := c.dataOffset
			size := c.dataSize
			if c.chunkType == ChunkTypeRaw && s.rawBlocksDone > 0 {
				consumed := uint64(s.rawBlocksDone) * uint64(s.header.BlockSize)
				offset += int64(consumed)
				size = uint32(uint64(c.dataSize) - consumed)
			}
			selected = append(selected, selectedChunk{
				chunkType:  c.chunkType,
				outBlocks:  remainingOutBlocks,
				dataOffset: offset,
				dataSize:   size,
			})
			outBlocksTotal += remainingOutBlocks
			budget -= expandedBytes
			s.chunkIdx++
			s.rawBlocksDone = 0
			continue
		}

		// Doesn't fit whole, expanded. Only Raw chunks may be split
		// (spec.md §4.3); a Fill/DontCare/CRC32 chunk that, expanded,
		// exceeds max_bytes on its own cannot be reduced and is rejected
		// with ErrChunkTooLarge (spec.md §4.4).
		if c.chunkType != ChunkTypeRaw {
			if len(selected) == 0 {
				return nil, ErrChunkTooLarge
			}
			break
		}

		if budget <= chunkHeaderSize {
			if len(selected) == 0 {
				return nil, ErrChunkTooLarge
			}
			break
		}
		availableForPayload := budget - chunkHeaderSize
		takeBlocks := uint32(availableForPayload / uint64(s.header.BlockSize))
		if takeBlocks == 0 {
			if len(selected) == 0 {
				return nil, ErrChunkTooLarge
			}
			break
		}
		if takeBlocks > remainingOutBlocks {
			takeBlocks = remainingOutBlocks
		}

		consumedBefore := uint64(s.rawBlocksDone) * uint64(s.header.BlockSize)
		selected = append(selected, selectedChunk{
			chunkType:  ChunkTypeRaw,
			outBlocks:  takeBlocks,
			dataOffset: c.dataOffset + int64(consumedBefore),
			dataSize:   takeBlocks * s.header.BlockSize,
		})
		outBlocksTotal += takeBlocks
		s.rawBlocksDone += takeBlocks
		if s.rawBlocksDone >= c.outBlocks {
			s.chunkIdx++
			s.rawBlocksDone = 0
		}
		break
	}

	if len(selected) == 0 {
		return nil, nil
	}

	return s.marshalSubImage(selected, outBlocksTotal)
}

func (s *Stream) marshalSubImage(selected []selectedChunk, outBlocksTotal uint32) ([]byte, error) {
	var out []byte

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], 1) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 0) // minor version
	binary.LittleEndian.PutUint16(hdr[8:10], headerSize)
	binary.LittleEndian.PutUint16(hdr[10:12], chunkHeaderSize)
	binary.LittleEndian.PutUint32(hdr[12:16], s.header.BlockSize)
	binary.LittleEndian.PutUint32(hdr[16:20], outBlocksTotal)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(selected)))
	binary.LittleEndian.PutUint32(hdr[24:28], 0) // checksum not recomputed
	out = append(out, hdr...)

	for _, sc := range selected {
		payload, err := s.readPayload(sc)
		if err != nil {
			return nil, err
		}
		chdr := make([]byte, chunkHeaderSize)
		binary.LittleEndian.PutUint16(chdr[0:2], sc.chunkType)
		binary.LittleEndian.PutUint16(chdr[2:4], 0)
		binary.LittleEndian.PutUint32(chdr[4:8], sc.outBlocks)
		binary.LittleEndian.PutUint32(chdr[8:12], uint32(chunkHeaderSize+len(payload)))
		out = append(out, chdr...)
		out = append(out, payload...)
	}

	return out, nil
}

func (s *Stream) readPayload(sc selectedChunk) ([]byte, error) {
	if sc.dataSize == 0 {
		return nil, nil
	}
	buf := make([]byte, sc.dataSize)
	if _, err := s.f.ReadAt(buf, sc.dataOffset); err != nil {
		return nil, err
	}
	return buf, nil
}
