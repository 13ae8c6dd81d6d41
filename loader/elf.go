// Package loader parses 32-bit ELF images and loads them into the guest
// address space of an emulated machine.
package loader

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"guestelf/models"
)

var log = logrus.WithField("pkg", "loader")

var (
	ErrAlreadyLoaded   = errors.New("image already loaded")
	ErrMalformedHeader = errors.New("not a 32-bit little-endian ELF")
	ErrTruncatedFile   = errors.New("table extends past end of file")
	ErrSegmentWrite    = errors.New("segment write rejected by guest memory")
)

// File types
const (
	ET_NONE = 0
	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3
	ET_CORE = 4
)

// Segment types
const (
	PT_NULL    = 0
	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3
	PT_NOTE    = 4
	PT_SHLIB   = 5
	PT_PHDR    = 6
)

// Section types
const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_HASH     = 5
	SHT_DYNAMIC  = 6
	SHT_NOTE     = 7
	SHT_NOBITS   = 8
	SHT_REL      = 9
	SHT_SHLIB    = 10
	SHT_DYNSYM   = 11
)

// Segment flags
const (
	PF_X = 1
	PF_W = 2
	PF_R = 4
)

// identification indexes and values
const (
	EI_CLASS    = 4
	EI_DATA     = 5
	ELFCLASS32  = 1
	ELFDATA2LSB = 1
)

// fixed ELF32 record sizes
const (
	ehdrSize = 52
	phdrSize = 32
	shdrSize = 40
	symSize  = 16
)

type FileHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type ProgHeader struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Off       uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type symEntry struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

func unpackAt(r io.ReaderAt, i interface{}, at int64) (int, error) {
	size, err := struc.Sizeof(i)
	if err != nil {
		return 0, err
	}
	return size, struc.UnpackWithOrder(io.NewSectionReader(r, at, int64(size)), i, binary.LittleEndian)
}

// cstring returns the NUL-terminated string at the start of p.
func cstring(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

// ElfReader holds the decoded header and tables of one 32-bit ELF image.
// All views are computed once, against a bounds-checked buffer.
type ElfReader struct {
	raw      []byte
	header   FileHeader
	segments []ProgHeader
	sections []SectionHeader
	symCache []models.Symbol
}

// NewElfReader decodes and validates the file header, program header table
// and section header table of p. It fails with ErrMalformedHeader when the
// identification bytes are wrong and ErrTruncatedFile when any declared
// table or section/segment content reaches past the end of the buffer.
func NewElfReader(p []byte) (*ElfReader, error) {
	if len(p) < ehdrSize {
		return nil, errors.Wrapf(ErrMalformedHeader, "%d byte file", len(p))
	}
	r := bytes.NewReader(p)
	var hdr FileHeader
	if _, err := unpackAt(r, &hdr, 0); err != nil {
		return nil, errors.Wrap(err, "header unpack failed")
	}
	if !bytes.Equal(hdr.Ident[:4], elfMagic) {
		return nil, errors.Wrapf(ErrMalformedHeader, "bad magic % x", hdr.Ident[:4])
	}
	if hdr.Ident[EI_CLASS] != ELFCLASS32 {
		return nil, errors.Wrapf(ErrMalformedHeader, "class %d", hdr.Ident[EI_CLASS])
	}
	if hdr.Ident[EI_DATA] != ELFDATA2LSB {
		return nil, errors.Wrapf(ErrMalformedHeader, "data encoding %d", hdr.Ident[EI_DATA])
	}
	e := &ElfReader{raw: p, header: hdr}

	if hdr.Phnum > 0 {
		if int(hdr.Phentsize) < phdrSize {
			return nil, errors.Wrapf(ErrMalformedHeader, "program header entry size %d", hdr.Phentsize)
		}
		end := int64(hdr.Phoff) + int64(hdr.Phnum)*int64(hdr.Phentsize)
		if end > int64(len(p)) {
			return nil, errors.Wrapf(ErrTruncatedFile, "program header table ends at %#x", end)
		}
		e.segments = make([]ProgHeader, hdr.Phnum)
		for i := range e.segments {
			off := int64(hdr.Phoff) + int64(i)*int64(hdr.Phentsize)
			if _, err := unpackAt(r, &e.segments[i], off); err != nil {
				return nil, errors.Wrapf(err, "program header %d unpack failed", i)
			}
		}
	}
	if hdr.Shnum > 0 {
		if int(hdr.Shentsize) < shdrSize {
			return nil, errors.Wrapf(ErrMalformedHeader, "section header entry size %d", hdr.Shentsize)
		}
		end := int64(hdr.Shoff) + int64(hdr.Shnum)*int64(hdr.Shentsize)
		if end > int64(len(p)) {
			return nil, errors.Wrapf(ErrTruncatedFile, "section header table ends at %#x", end)
		}
		e.sections = make([]SectionHeader, hdr.Shnum)
		for i := range e.sections {
			off := int64(hdr.Shoff) + int64(i)*int64(hdr.Shentsize)
			if _, err := unpackAt(r, &e.sections[i], off); err != nil {
				return nil, errors.Wrapf(err, "section header %d unpack failed", i)
			}
		}
	}

	// all file-resident content must fit in the buffer before anything
	// downstream trusts an offset
	for i, s := range e.segments {
		if int64(s.Off)+int64(s.Filesz) > int64(len(p)) {
			return nil, errors.Wrapf(ErrTruncatedFile, "segment %d data ends at %#x", i, int64(s.Off)+int64(s.Filesz))
		}
	}
	for i, s := range e.sections {
		if s.Type == SHT_NOBITS {
			continue
		}
		if int64(s.Off)+int64(s.Size) > int64(len(p)) {
			return nil, errors.Wrapf(ErrTruncatedFile, "section %d data ends at %#x", i, int64(s.Off)+int64(s.Size))
		}
	}
	return e, nil
}

func (e *ElfReader) Type() int          { return int(e.header.Type) }
func (e *ElfReader) Machine() int       { return int(e.header.Machine) }
func (e *ElfReader) Entry() uint64      { return uint64(e.header.Entry) }
func (e *ElfReader) Header() FileHeader { return e.header }

func (e *ElfReader) NumSegments() int { return len(e.segments) }
func (e *ElfReader) NumSections() int { return len(e.sections) }

func (e *ElfReader) Segment(i int) ProgHeader    { return e.segments[i] }
func (e *ElfReader) Section(i int) SectionHeader { return e.sections[i] }

// SectionData returns the file-resident bytes of a section, or nil for
// SHT_NOBITS sections and out-of-range indexes.
func (e *ElfReader) SectionData(i int) []byte {
	if i < 0 || i >= len(e.sections) {
		return nil
	}
	s := &e.sections[i]
	if s.Type == SHT_NOBITS {
		return nil
	}
	return e.raw[uint64(s.Off) : uint64(s.Off)+uint64(s.Size)]
}

// SectionName resolves a section's name through the section name string
// table. It returns false for SHT_NULL sections, out-of-range indexes, and
// images without a usable name table.
func (e *ElfReader) SectionName(i int) (string, bool) {
	if i < 0 || i >= len(e.sections) || e.sections[i].Type == SHT_NULL {
		return "", false
	}
	strndx := int(e.header.Shstrndx)
	if strndx == 0 || strndx >= len(e.sections) {
		return "", false
	}
	names := e.SectionData(strndx)
	off := uint64(e.sections[i].Name)
	if names == nil || off >= uint64(len(names)) {
		return "", false
	}
	return cstring(names[off:]), true
}

// SectionByName scans the section table from index first and returns the
// index of the first section with the given name.
func (e *ElfReader) SectionByName(name string, first int) (int, bool) {
	if first < 0 {
		first = 0
	}
	for i := first; i < len(e.sections); i++ {
		if n, ok := e.SectionName(i); ok && n == name {
			return i, true
		}
	}
	return 0, false
}
