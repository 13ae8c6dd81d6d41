package models

import "fmt"

// Symbol types, from the low four bits of an ELF st_info byte.
const (
	SymNone = iota
	SymObject
	SymFunc
	SymSection
	SymFile
)

type Symbol struct {
	Name string
	Addr uint64
	Size uint64
	Type int
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// SymbolSink receives symbols resolved while loading a binary.
type SymbolSink interface {
	AddSymbol(Symbol)
}

// SymbolTable is an in-memory SymbolSink keeping insertion order.
type SymbolTable struct {
	syms []Symbol
}

func (t *SymbolTable) AddSymbol(s Symbol) {
	t.syms = append(t.syms, s)
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}

func (t *SymbolTable) Symbols() []Symbol {
	return t.syms
}

// Symbolicate describes addr as name+0xoff using the nearest symbol
// containing it.
func (t *SymbolTable) Symbolicate(addr uint64) (string, bool) {
	var best Symbol
	var min int64 = -1
	for _, sym := range t.syms {
		dist := int64(addr - sym.Addr)
		if dist >= 0 && uint64(dist) < sym.Size {
			if dist < min || min == -1 {
				min = dist
				best = sym
			}
		}
	}
	if min < 0 {
		return "", false
	}
	if min == 0 {
		return best.Name, true
	}
	return fmt.Sprintf("%s+0x%x", best.Name, min), true
}
