package loader

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"guestelf/mem"
	"guestelf/models"
)

type execRecorder struct {
	entries []uint64
}

func (k *execRecorder) LoadExec(entry uint64) error {
	k.entries = append(k.entries, entry)
	return nil
}

func writeImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.elf")
	if err := ioutil.WriteFile(path, img, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppLoaderLoad(t *testing.T) {
	path := writeImage(t, execImage(t))
	m := mem.NewMem(32)
	table := &models.SymbolTable{}
	kernel := &execRecorder{}
	app := NewAppLoader(path, m, table, kernel)

	if app.Loaded() {
		t.Fatal("loaded before Load")
	}
	if err := app.Load(); err != nil {
		t.Fatal(err)
	}
	if !app.Loaded() {
		t.Error("not loaded after Load")
	}
	if len(kernel.entries) != 1 || kernel.entries[0] != 0x100000 {
		t.Errorf("kernel handoff entries: %#v", kernel.entries)
	}

	// segment bytes present at their fixed addresses
	p := make([]byte, 8)
	if err := m.Read(0x100000, p); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(p, []byte("\x13\x37\xca\xfe\xde\xad\xbe\xef")) {
		t.Errorf("bad .text bytes: % x", p)
	}
	if err := m.Read(0x200000, p); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(p, []byte("ABCD\x00\x00\x00\x00")) {
		t.Errorf("bad data segment bytes (memsz tail not zeroed?): % x", p)
	}

	// mappings carry the segment protections
	if pg := m.Pages().Find(0x100000); pg == nil || pg.Prot != mem.PROT_READ|mem.PROT_EXEC {
		t.Errorf("bad .text mapping: %v", pg)
	}
	if pg := m.Pages().Find(0x200000); pg == nil || pg.Prot != mem.PROT_READ|mem.PROT_WRITE {
		t.Errorf("bad data mapping: %v", pg)
	}

	if table.Len() != 2 {
		t.Errorf("symbol sink holds %d symbols, want 2", table.Len())
	}
	if name, ok := table.Symbolicate(0x100004); !ok || name != "main+0x4" {
		t.Errorf("Symbolicate = %q, %v", name, ok)
	}
}

func TestAppLoaderAlreadyLoaded(t *testing.T) {
	path := writeImage(t, execImage(t))
	m := mem.NewMem(32)
	kernel := &execRecorder{}
	app := NewAppLoader(path, m, nil, kernel)

	if err := app.Load(); err != nil {
		t.Fatal(err)
	}
	snapshot := make([]byte, 8)
	if err := m.Read(0x100000, snapshot); err != nil {
		t.Fatal(err)
	}
	if err := app.Load(); errors.Cause(err) != ErrAlreadyLoaded {
		t.Errorf("second Load: expected ErrAlreadyLoaded, got %v", err)
	}
	if len(kernel.entries) != 1 {
		t.Errorf("kernel invoked %d times, want 1", len(kernel.entries))
	}
	p := make([]byte, 8)
	if err := m.Read(0x100000, p); err != nil || !bytes.Equal(p, snapshot) {
		t.Error("guest memory changed by a rejected reload")
	}
}

func TestAppLoaderFileOpenError(t *testing.T) {
	m := mem.NewMem(32)
	app := NewAppLoader(filepath.Join(t.TempDir(), "missing.elf"), m, nil, nil)
	err := app.Load()
	if err == nil {
		t.Fatal("loading a missing file succeeded")
	}
	if errors.Cause(err) == ErrAlreadyLoaded {
		t.Error("wrong error for a missing file")
	}
	if app.Loaded() {
		t.Error("failed open transitioned the loader state")
	}
}

func TestAppLoaderBadImage(t *testing.T) {
	path := writeImage(t, []byte("definitely not an ELF image"))
	m := mem.NewMem(32)
	app := NewAppLoader(path, m, nil, nil)
	if err := app.Load(); errors.Cause(err) != ErrMalformedHeader {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
	if app.Loaded() {
		t.Error("malformed image transitioned the loader state")
	}
	if len(m.Pages()) != 0 {
		t.Error("malformed image touched guest memory")
	}
}

type mapRecorder struct {
	maps []models.Segment
}

func (m *mapRecorder) Map(addr, size uint64, prot int) error {
	m.maps = append(m.maps, models.Segment{Start: addr, End: addr + size, Prot: prot})
	return nil
}

func TestMapSegmentsCoalesce(t *testing.T) {
	// the third segment bridges the first two: merging it must not leave a
	// second overlapping mapping behind
	elf := &ElfReader{
		header: FileHeader{Type: ET_EXEC},
		segments: []ProgHeader{
			{Type: PT_LOAD, Vaddr: 0x1000, Memsz: 0x1000, Flags: PF_R | PF_X},
			{Type: PT_LOAD, Vaddr: 0x3000, Memsz: 0x1000, Flags: PF_R | PF_W},
			{Type: PT_LOAD, Vaddr: 0x1800, Memsz: 0x2000, Flags: PF_R},
			{Type: PT_NOTE, Vaddr: 0x8000, Memsz: 0x100, Flags: PF_R},
		},
	}
	rec := &mapRecorder{}
	if err := mapSegments(elf, 0, rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.maps) != 1 {
		t.Fatalf("%d mappings, want 1: %+v", len(rec.maps), rec.maps)
	}
	got := rec.maps[0]
	want := models.Segment{Start: 0x1000, End: 0x4000, Prot: 7}
	if got != want {
		t.Errorf("mapping %+v, want %+v", got, want)
	}
}

func TestAppLoaderRelocatableBase(t *testing.T) {
	img := buildImage(t, ET_DYN, 0x40,
		segSpec{vaddr: 0x0, memsz: 8, data: []byte("\x01\x02\x03\x04\x05\x06\x07\x08")},
		segSpec{vaddr: 0x2000, memsz: 4, data: []byte("WXYZ")})
	path := writeImage(t, img)
	m := mem.NewMem(32)
	kernel := &execRecorder{}
	app := NewAppLoader(path, m, nil, kernel)
	app.Base = 0x400000

	if err := app.Load(); err != nil {
		t.Fatal(err)
	}
	if len(kernel.entries) != 1 || kernel.entries[0] != 0x400040 {
		t.Errorf("kernel handoff entries: %#v", kernel.entries)
	}
	p := make([]byte, 4)
	if err := m.Read(0x402000, p); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(p, []byte("WXYZ")) {
		t.Errorf("bad relocated segment bytes: % x", p)
	}
}
