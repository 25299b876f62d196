// Package spak implements C5: the SPAK archive, a fixed-layout indexed
// container of GZIP-compressed (or stored) typed resources used to ship
// Exploit/FDL payloads alongside a flash job.
package spak

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
)

const (
	magic = "SPAK"

	headerSize     = 12
	indexEntrySize = 88
	nameFieldSize  = 64

	supportedVersion = 1
)

// entry is the in-memory index record for one archive member.
type entry struct {
	name     string
	offset   int64
	compSize int32
	origSize int32
	typ      ResourceType
}

// Pak is an opened SPAK archive. Reads are serialized through mu over the
// single underlying file handle, so a *Pak may be shared by multiple
// goroutines (spec.md §5).
type Pak struct {
	mu      sync.Mutex
	f       *os.File
	index   map[string]entry // lower-cased name -> entry
	order   []string         // original-case names in on-disk order
}

// Open validates the header and loads the index into memory.
func Open(path string) (*Pak, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if string(hdr[0:4]) != magic {
		f.Close()
		return nil, ErrInvalidMagic
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version == 0 || version > supportedVersion {
		f.Close()
		return nil, ErrUnsupportedVersion
	}
	count := binary.LittleEndian.Uint32(hdr[8:12])

	index := make(map[string]entry, count)
	order := make([]string, 0, count)

	for i := uint32(0); i < count; i++ {
		var raw [indexEntrySize]byte
		if _, err := io.ReadFull(f, raw[:]); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: index entry %d: %v", ErrTruncated, i, err)
		}
		name := strings.TrimRight(string(raw[0:nameFieldSize]), "\x00")
		e := entry{
			name:     name,
			offset:   int64(binary.LittleEndian.Uint64(raw[64:72])),
			compSize: int32(binary.LittleEndian.Uint32(raw[72:76])),
			origSize: int32(binary.LittleEndian.Uint32(raw[76:80])),
			typ:      ResourceType(binary.LittleEndian.Uint32(raw[80:84])),
		}
		index[strings.ToLower(name)] = e
		order = append(order, name)
	}

	return &Pak{f: f, index: index, order: order}, nil
}

// Close releases the underlying file handle.
func (p *Pak) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

// Get reads and, if necessary, decompresses the entry named name
// (case-insensitive). ErrResourceNotFound if absent, ErrCorruptEntry if the
// decompressed size does not match the recorded orig_size.
func (p *Pak) Get(name string) ([]byte, error) {
	p.mu.Lock()
	e, ok := p.index[strings.ToLower(name)]
	if !ok {
		p.mu.Unlock()
		return nil, ErrResourceNotFound
	}

	raw := make([]byte, e.compSize)
	_, err := p.f.ReadAt(raw, e.offset)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	if e.compSize == e.origSize {
		return raw, nil
	}

	gz, err := pgzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if int32(len(out)) != e.origSize {
		return nil, ErrCorruptEntry
	}
	return out, nil
}

// ListByType returns the names of every entry of the given type, in
// on-disk order.
func (p *Pak) ListByType(t ResourceType) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, name := range p.order {
		if e := p.index[strings.ToLower(name)]; e.typ == t {
			names = append(names, name)
		}
	}
	return names
}

// Type returns the recorded type of name (case-insensitive), and whether
// it exists at all.
func (p *Pak) Type(name string) (ResourceType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.index[strings.ToLower(name)]
	return e.typ, ok
}

// Names returns every entry name in on-disk order.
func (p *Pak) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// RawEntry is one member passed to Create: Name becomes the archive entry
// name (at most 63 bytes, leaving room for the NUL terminator; Create
// rejects longer names with an error) and Data
// its uncompressed content. Type is the value stored verbatim in the
// index, typically produced by InferType(Name).
type RawEntry struct {
	Name string
	Data []byte
	Type ResourceType
}

// Create writes a new SPAK archive to outPath containing entries in the
// given order. Each entry is GZIP-compressed at pgzip's best compression
// level; if compression does not shrink the payload it is stored raw
// instead, matching comp_size to orig_size so Get knows to skip inflation.
func Create(outPath string, entries []RawEntry) error {
	for _, e := range entries {
		if len(e.Name) > nameFieldSize-1 {
			return fmt.Errorf("spak: entry name %q exceeds %d bytes", e.Name, nameFieldSize-1)
		}
	}

	type packed struct {
		entry RawEntry
		blob  []byte
		comp  bool
	}

	packedEntries := make([]packed, 0, len(entries))
	for _, e := range entries {
		var buf bytes.Buffer
		gz, err := pgzip.NewWriterLevel(&buf, pgzip.BestCompression)
		if err != nil {
			return err
		}
		if _, err := gz.Write(e.Data); err != nil {
			gz.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			return err
		}

		if buf.Len() < len(e.Data) {
			packedEntries = append(packedEntries, packed{entry: e, blob: buf.Bytes(), comp: true})
		} else {
			packedEntries = append(packedEntries, packed{entry: e, blob: e.Data, comp: false})
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], supportedVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(packedEntries)))
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}

	dataStart := int64(headerSize) + int64(len(packedEntries))*int64(indexEntrySize)
	offset := dataStart

	for _, pe := range packedEntries {
		var raw [indexEntrySize]byte
		copy(raw[0:nameFieldSize], pe.entry.Name)

		compSize := len(pe.blob)
		origSize := len(pe.entry.Data)
		if !pe.comp {
			compSize = origSize
		}

		binary.LittleEndian.PutUint64(raw[64:72], uint64(offset))
		binary.LittleEndian.PutUint32(raw[72:76], uint32(compSize))
		binary.LittleEndian.PutUint32(raw[76:80], uint32(origSize))
		binary.LittleEndian.PutUint32(raw[80:84], uint32(pe.entry.Type))
		binary.LittleEndian.PutUint32(raw[84:88], 0)

		if _, err := f.Write(raw[:]); err != nil {
			return err
		}
		offset += int64(len(pe.blob))
	}

	for _, pe := range packedEntries {
		if _, err := f.Write(pe.blob); err != nil {
			return err
		}
	}

	return nil
}
