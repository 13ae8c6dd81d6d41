package loader

import (
	"bytes"
	"io/ioutil"

	"github.com/pkg/errors"

	"guestelf/models"
)

// DefaultLoadBase is the conventional base address for relocatable images.
const DefaultLoadBase = 0x00100000

const pageSize = 0x1000

// Kernel starts guest execution once an image is in memory.
type Kernel interface {
	LoadExec(entry uint64) error
}

// Mapper is implemented by memory targets that need address ranges mapped
// before they accept writes.
type Mapper interface {
	Map(addr, size uint64, prot int) error
}

// AppLoader owns the one-shot load of an ELF executable into guest memory.
type AppLoader struct {
	// Base is added to every address of a relocatable image.
	Base uint64

	path   string
	mem    Memory
	syms   models.SymbolSink
	kernel Kernel
	loaded bool
}

func NewAppLoader(path string, mem Memory, syms models.SymbolSink, kernel Kernel) *AppLoader {
	return &AppLoader{
		Base:   DefaultLoadBase,
		path:   path,
		mem:    mem,
		syms:   syms,
		kernel: kernel,
	}
}

// Loaded reports whether the image has been placed in guest memory.
func (l *AppLoader) Loaded() bool {
	return l.loaded
}

// Load reads the file, parses it, copies its loadable segments into guest
// memory, forwards debug symbols to the sink, and hands the entry point to
// the kernel. It may be called once; later calls fail with ErrAlreadyLoaded.
// Writes issued before a mid-load failure stay in guest memory.
func (l *AppLoader) Load() error {
	if l.loaded {
		return errors.WithStack(ErrAlreadyLoaded)
	}
	log.Infof("loading ELF file %s", l.path)
	p, err := ioutil.ReadFile(l.path)
	if err != nil {
		return errors.Wrapf(err, "opening %s failed", l.path)
	}
	if !MatchElf(bytes.NewReader(p)) {
		return errors.Wrapf(ErrMalformedHeader, "%s: bad magic", l.path)
	}
	elf, err := NewElfReader(p)
	if err != nil {
		return err
	}
	if m, ok := l.mem.(Mapper); ok {
		if err := mapSegments(elf, l.Base, m); err != nil {
			return err
		}
	}
	entry, err := elf.LoadSegments(l.Base, l.mem)
	if err != nil {
		return err
	}
	// guest memory is mutated from here on, so the load is not retryable
	l.loaded = true
	if l.syms != nil {
		syms, err := elf.Symbols()
		if err != nil {
			return err
		}
		for _, sym := range syms {
			l.syms.AddSymbol(sym)
		}
		log.Debugf("registered %d symbols", len(syms))
	}
	log.Infof("done loading, entry point %#x", entry)
	if l.kernel != nil {
		return l.kernel.LoadExec(entry)
	}
	return nil
}

func segmentProt(flags uint32) int {
	prot := 0
	if flags&PF_R != 0 {
		prot |= 1
	}
	if flags&PF_W != 0 {
		prot |= 2
	}
	if flags&PF_X != 0 {
		prot |= 4
	}
	return prot
}

func align(addr, size uint64) (uint64, uint64) {
	end := (addr + size + pageSize - 1) &^ uint64(pageSize-1)
	addr &^= pageSize - 1
	return addr, end - addr
}

// coalesce merges overlapping ranges until none remain. A merge can grow a
// range into one collected earlier, so the pass repeats to a fixed point.
func coalesce(segs []*models.Segment) []*models.Segment {
	for {
		merged := make([]*models.Segment, 0, len(segs))
		changed := false
	outer:
		for _, s := range segs {
			for _, s2 := range merged {
				if s2.Overlaps(s) {
					s2.Merge(s)
					changed = true
					continue outer
				}
			}
			merged = append(merged, s)
		}
		segs = merged
		if !changed {
			return segs
		}
	}
}

// mapSegments maps page-aligned, coalesced ranges covering every PT_LOAD
// segment, with protections merged from the segment flags.
func mapSegments(e *ElfReader, base uint64, m Mapper) error {
	if e.header.Type == ET_EXEC {
		base = 0
	}
	segs := make([]*models.Segment, 0, len(e.segments))
	for _, p := range e.segments {
		if p.Type != PT_LOAD {
			continue
		}
		addr, size := align(base+uint64(p.Vaddr), uint64(p.Memsz))
		segs = append(segs, &models.Segment{Start: addr, End: addr + size, Prot: segmentProt(p.Flags)})
	}
	for _, s := range coalesce(segs) {
		log.Debugf("mapping %#x-%#x", s.Start, s.End)
		if err := m.Map(s.Start, s.End-s.Start, s.Prot); err != nil {
			return errors.Wrapf(ErrSegmentWrite, "mapping %#x-%#x: %v", s.Start, s.End, err)
		}
	}
	return nil
}
