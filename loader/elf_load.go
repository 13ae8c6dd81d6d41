package loader

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"guestelf/models"
)

// Memory is the destination address space: externally owned guest memory
// exposing a write-bytes-at-address capability.
type Memory interface {
	Write(addr uint64, p []byte) error
}

// LoadSegments copies every PT_LOAD segment into mem and returns the
// adjusted entry point. Images whose file type is not ET_EXEC are treated
// as relocatable: each destination and the entry point are offset by base.
// A write rejected by mem aborts the load with ErrSegmentWrite; writes
// already issued are not rolled back.
func (e *ElfReader) LoadSegments(base uint64, mem Memory) (uint64, error) {
	relocate := e.header.Type != ET_EXEC
	entry := uint64(e.header.Entry)
	if relocate {
		log.Debugf("relocatable image, load base %#x", base)
		entry += base
	} else {
		log.Debug("prerelocated executable")
		base = 0
	}
	log.Debugf("%d segments", len(e.segments))
	for i, p := range e.segments {
		log.WithFields(logrus.Fields{
			"type":   p.Type,
			"vaddr":  p.Vaddr,
			"filesz": p.Filesz,
			"memsz":  p.Memsz,
		}).Debugf("segment %d", i)
		if p.Type != PT_LOAD {
			continue
		}
		addr := base + uint64(p.Vaddr)
		data := e.raw[uint64(p.Off) : uint64(p.Off)+uint64(p.Filesz)]
		if err := mem.Write(addr, data); err != nil {
			return 0, errors.Wrapf(ErrSegmentWrite, "segment %d at %#x: %v", i, addr, err)
		}
		if p.Memsz > p.Filesz {
			tail := make([]byte, p.Memsz-p.Filesz)
			if err := mem.Write(addr+uint64(p.Filesz), tail); err != nil {
				return 0, errors.Wrapf(ErrSegmentWrite, "segment %d tail at %#x: %v",
					i, addr+uint64(p.Filesz), err)
			}
		}
		log.Debugf("loadable segment %d copied to %#x, size %#x", i, addr, p.Memsz)
	}
	return entry, nil
}

// Symbols returns the image's debug symbols in symbol-table order, skipping
// zero-size entries. An image without a .symtab section yields an empty
// slice. The result is cached.
func (e *ElfReader) Symbols() ([]models.Symbol, error) {
	if e.symCache == nil {
		syms, err := e.getSymbols()
		if err != nil {
			return nil, err
		}
		if syms == nil {
			syms = []models.Symbol{}
		}
		e.symCache = syms
	}
	return e.symCache, nil
}

func (e *ElfReader) getSymbols() ([]models.Symbol, error) {
	sec, ok := e.SectionByName(".symtab", 0)
	if !ok {
		log.Debug("no .symtab section")
		return nil, nil
	}
	shdr := e.sections[sec]
	link := int(shdr.Link)
	if link <= 0 || link >= len(e.sections) {
		return nil, errors.Wrapf(ErrMalformedHeader, "symbol table links to section %d", link)
	}
	strs := e.SectionData(link)
	if strs == nil {
		return nil, errors.Wrapf(ErrMalformedHeader, "symbol string section %d has no data", link)
	}
	table := e.SectionData(sec)
	count := len(table) / symSize
	r := bytes.NewReader(table)
	var syms []models.Symbol
	for i := 0; i < count; i++ {
		var sym symEntry
		if _, err := unpackAt(r, &sym, int64(i*symSize)); err != nil {
			return nil, errors.Wrapf(err, "symbol %d unpack failed", i)
		}
		if sym.Size == 0 {
			continue
		}
		if uint64(sym.Name) >= uint64(len(strs)) {
			return nil, errors.Wrapf(ErrMalformedHeader, "symbol %d name offset %#x out of range", i, sym.Name)
		}
		syms = append(syms, models.Symbol{
			Name: cstring(strs[sym.Name:]),
			Addr: uint64(sym.Value),
			Size: uint64(sym.Size),
			Type: int(sym.Info & 0xf),
		})
	}
	log.Debugf("extracted %d symbols", len(syms))
	return syms, nil
}
