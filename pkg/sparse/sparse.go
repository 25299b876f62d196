// Package sparse implements C3: recognition and bounded streaming of the
// Android sparse-image format, plus a passthrough reader for raw images.
package sparse

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Wire constants for the Android sparse-image format (spec.md §6).
const (
	Magic uint32 = 0xED26FF3A

	headerSize      = 28
	chunkHeaderSize = 12

	ChunkTypeRaw      uint16 = 0xCAC1
	ChunkTypeFill     uint16 = 0xCAC2
	ChunkTypeDontCare uint16 = 0xCAC3
	ChunkTypeCRC32    uint16 = 0xCAC4
)

// ErrInvalidSparse reports a malformed sparse header or chunk table.
var ErrInvalidSparse = errors.New("sparse: invalid sparse image")

// ErrChunkTooLarge reports a single Fill/DontCare/CRC32 chunk whose
// expansion alone exceeds the requested sub-image budget. Raw chunks are
// split at block boundaries instead, so they produce this error only when
// the budget cannot hold even one block plus the sub-image and chunk
// headers (or, for a non-sparse stream, when the budget is zero).
var ErrChunkTooLarge = errors.New("sparse: chunk expands past sub-image budget")

type fileHeader struct {
	Magic         uint32
	MajorVersion  uint16
	MinorVersion  uint16
	FileHdrSize   uint16
	ChunkHdrSize  uint16
	BlockSize     uint32
	TotalBlocks   uint32
	TotalChunks   uint32
	ImageChecksum uint32
}

// chunkMeta is the pre-scanned location and shape of one on-disk chunk.
type chunkMeta struct {
	chunkType  uint16
	dataOffset int64  // absolute file offset of the chunk's payload (after its 12-byte header)
	dataSize   uint32 // on-disk payload size (0 for DontCare, 4 for Fill/CRC32, outBlocks*blockSize for Raw)
	outBlocks  uint32 // contribution to the expanded image, in blocks
}

// IsSparseMagic reports whether prefix (at least 4 bytes) begins with the
// sparse-image magic.
func IsSparseMagic(prefix []byte) bool {
	if len(prefix) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(prefix[:4]) == Magic
}

// Stream is a bounded, seekable view over a sparse or raw image, yielding
// self-contained sub-images no larger (once expanded) than a caller-given
// budget (spec.md §4.3).
type Stream struct {
	f *os.File

	sparse bool
	header fileHeader
	chunks []chunkMeta

	// sparse-stream cursor
	chunkIdx        int
	rawBlocksDone   uint32 // blocks already emitted from chunks[chunkIdx] when it is Raw and was split

	// passthrough-stream state
	totalOutBytes uint64
}

// Open inspects path and returns a Stream plus the image's total expanded
// size in bytes.
func Open(path string) (*Stream, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	prefix := make([]byte, 4)
	n, _ := io.ReadFull(f, prefix)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}

	if n == 4 && IsSparseMagic(prefix) {
		s, total, err := openSparse(f)
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return s, total, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return &Stream{f: f, sparse: false, totalOutBytes: uint64(info.Size())}, uint64(info.Size()), nil
}

func openSparse(f *os.File) (*Stream, uint64, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return nil, 0, ErrInvalidSparse
	}
	h := fileHeader{
		Magic:         binary.LittleEndian.Uint32(raw[0:4]),
		MajorVersion:  binary.LittleEndian.Uint16(raw[4:6]),
		MinorVersion:  binary.LittleEndian.Uint16(raw[6:8]),
		FileHdrSize:   binary.LittleEndian.Uint16(raw[8:10]),
		ChunkHdrSize:  binary.LittleEndian.Uint16(raw[10:12]),
		BlockSize:     binary.LittleEndian.Uint32(raw[12:16]),
		TotalBlocks:   binary.LittleEndian.Uint32(raw[16:20]),
		TotalChunks:   binary.LittleEndian.Uint32(raw[20:24]),
		ImageChecksum: binary.LittleEndian.Uint32(raw[24:28]),
	}
	if h.Magic != Magic || h.MajorVersion != 1 || h.BlockSize == 0 {
		return nil, 0, ErrInvalidSparse
	}

	// Skip any header padding beyond the 28 bytes we understand.
	if h.FileHdrSize > headerSize {
		if _, err := f.Seek(int64(h.FileHdrSize-headerSize), io.SeekCurrent); err != nil {
			return nil, 0, ErrInvalidSparse
		}
	}

	chunks := make([]chunkMeta, 0, h.TotalChunks)
	var blocksSeen uint64

	for i := uint32(0); i < h.TotalChunks; i++ {
		var chdr [chunkHeaderSize]byte
		if _, err := io.ReadFull(f, chdr[:]); err != nil {
			return nil, 0, ErrInvalidSparse
		}
		chunkType := binary.LittleEndian.Uint16(chdr[0:2])
		chunkOutBlocks := binary.LittleEndian.Uint32(chdr[4:8])
		totalSize := binary.LittleEndian.Uint32(chdr[8:12])

		if totalSize < uint32(h.ChunkHdrSize) {
			return nil, 0, ErrInvalidSparse
		}
		payloadSize := totalSize - uint32(h.ChunkHdrSize)
		if h.ChunkHdrSize > chunkHeaderSize {
			if _, err := f.Seek(int64(h.ChunkHdrSize-chunkHeaderSize), io.SeekCurrent); err != nil {
				return nil, 0, ErrInvalidSparse
			}
		}

		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, ErrInvalidSparse
		}

		switch chunkType {
		case ChunkTypeRaw, ChunkTypeFill, ChunkTypeDontCare, ChunkTypeCRC32:
			chunks = append(chunks, chunkMeta{
				chunkType:  chunkType,
				dataOffset: pos,
				dataSize:   payloadSize,
				outBlocks:  chunkOutBlocks,
			})
		default:
			return nil, 0, ErrInvalidSparse
		}

		blocksSeen += uint64(chunkOutBlocks)
		if _, err := f.Seek(pos+int64(payloadSize), io.SeekStart); err != nil {
			return nil, 0, ErrInvalidSparse
		}
	}

	if blocksSeen != uint64(h.TotalBlocks) {
		return nil, 0, ErrInvalidSparse
	}

	total := uint64(h.BlockSize) * uint64(h.TotalBlocks)
	return &Stream{f: f, sparse: true, header: h, chunks: chunks}, total, nil
}

// IsSparse reports whether this stream is backed by a sparse image.
func (s *Stream) IsSparse() bool { return s.sparse }

// Close releases the underlying file handle.
func (s *Stream) Close() error { return s.f.Close() }

// EstimatedSubImages returns an estimated count of sub-images NextSubImage
// will yield for a given budget, for progress-record TotalChunks fields. It
// does not consume the stream. For a non-sparse stream the count is exact;
// for a sparse stream it packs expanded chunk bytes back to back, so it can
// be lower than the real count when a Fill/DontCare/CRC32 chunk that does
// not fit the remaining budget starts a new sub-image.
func (s *Stream) EstimatedSubImages(maxBytes uint64) int {
	if maxBytes == 0 {
		return 0
	}
	if !s.sparse {
		n := s.totalOutBytes / maxBytes
		if s.totalOutBytes%maxBytes != 0 {
			n++
		}
		return int(n)
	}

	budget := maxBytes
	if budget <= headerSize {
		return len(s.chunks)
	}
	budget -= headerSize
	count := 0
	remaining := budget
	for _, c := range s.chunks {
		size := uint64(c.outBlocks) * uint64(s.header.BlockSize)
		for size > 0 {
			if remaining == 0 {
				count++
				remaining = budget
			}
			take := size
			if take > remaining {
				take = remaining
			}
			remaining -= take
			size -= take
		}
	}
	if remaining < budget {
		count++
	}
	if count == 0 {
		count = 1
	}
	return count
}
