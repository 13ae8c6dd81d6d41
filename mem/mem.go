// Package mem models the guest address space of an emulated machine as a
// sorted list of mapped pages.
package mem

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// MemError reports an access touching unmapped guest memory.
type MemError struct {
	Addr  uint64
	Size  int
	Write bool
}

func (m *MemError) Error() string {
	op := "read"
	if m.Write {
		op = "write"
	}
	return fmt.Sprintf("unmapped %s at %#x(%d)", op, m.Addr, m.Size)
}

// Mem is guest memory for a machine with bits-wide addresses. Accesses
// outside the address mask or unmapped ranges fail; mapped pages need not
// be contiguous, but a single access may span adjacent pages.
type Mem struct {
	bits  uint
	mask  uint64
	pages Pages
}

func NewMem(bits uint) *Mem {
	return &Mem{
		bits: bits,
		mask: ^uint64(0) >> (64 - bits),
	}
}

// Pages returns the current mappings, sorted by address.
func (m *Mem) Pages() Pages {
	return m.pages
}

// Map makes [addr, addr+size) writable guest memory with the given
// protections. Content already mapped in the range is carried over into the
// new page before any overlap is replaced.
func (m *Mem) Map(addr, size uint64, prot int) error {
	// a region may end flush with the top of the address space, so bounds
	// are checked on the last byte, not the exclusive end
	last := addr + size - 1
	if size == 0 {
		last = addr
	}
	if last&m.mask != last || last < addr {
		return errors.Errorf("region %#x-%#x outside %d-bit address space", addr, addr+size, m.bits)
	}
	data := make([]byte, size)
	m.read(addr, data)
	m.Unmap(addr, size)
	m.pages = append(m.pages, &Page{Addr: addr, Size: size, Prot: prot, Data: data})
	sort.Sort(m.pages)
	return nil
}

func (m *Mem) Unmap(addr, size uint64) {
	tmp := make(Pages, 0, len(m.pages))
	for _, pg := range m.pages {
		if oaddr, osize, ok := pg.Intersect(addr, size); ok {
			left, right := pg.Split(oaddr, osize)
			if left != nil {
				tmp = append(tmp, left)
			}
			if right != nil {
				tmp = append(tmp, right)
			}
		} else {
			tmp = append(tmp, pg)
		}
	}
	m.pages = tmp
}

// mapped reports whether the whole range is covered by pages.
func (m *Mem) mapped(addr, size uint64) bool {
	i := m.pages.search(addr)
	if i == -1 {
		return false
	}
	end := addr + size
	for _, pg := range m.pages[i:] {
		if !pg.Contains(addr) {
			break
		}
		addr = pg.Addr + pg.Size
		if addr >= end {
			break
		}
	}
	return addr >= end
}

// best-effort copy of mapped bytes in the range into p
func (m *Mem) read(addr uint64, p []byte) {
	i := m.pages.search(addr)
	if i < 0 {
		return
	}
	for _, pg := range m.pages[i:] {
		if !pg.Contains(addr) {
			break
		}
		n := copy(p, pg.Data[addr-pg.Addr:])
		addr, p = addr+uint64(n), p[n:]
	}
}

func (m *Mem) Read(addr uint64, p []byte) error {
	if !m.mapped(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p)}
	}
	m.read(addr, p)
	return nil
}

// Write copies p into guest memory at addr. The whole range must be mapped;
// nothing is written on failure.
func (m *Mem) Write(addr uint64, p []byte) error {
	if !m.mapped(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p), Write: true}
	}
	i := m.pages.search(addr)
	for _, pg := range m.pages[i:] {
		if !pg.Contains(addr) {
			break
		}
		n := copy(pg.Data[addr-pg.Addr:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}
