package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/sirupsen/logrus"

	"guestelf/loader"
	"guestelf/mem"
	"guestelf/models"
)

var (
	headColor = ansi.ColorFunc("cyan+b")
	addrColor = ansi.ColorFunc("yellow")
	nameColor = ansi.ColorFunc("green")
)

type kernelStub struct{}

func (kernelStub) LoadExec(entry uint64) error {
	fmt.Printf("%s %s\n", headColor("entry point:"), addrColor(fmt.Sprintf("%#x", entry)))
	return nil
}

func symTypeName(t int) string {
	switch t {
	case models.SymObject:
		return "OBJECT"
	case models.SymFunc:
		return "FUNC"
	case models.SymSection:
		return "SECTION"
	case models.SymFile:
		return "FILE"
	}
	return "NOTYPE"
}

func main() {
	fs := flag.NewFlagSet("guestelf", flag.ExitOnError)
	base := fs.Uint64("base", loader.DefaultLoadBase, "load base for relocatable images")
	verbose := fs.Bool("v", false, "debug logging")
	symFilter := fs.String("sym", "", "only print symbols containing this substring")
	noColor := fs.Bool("no-color", false, "disable colored output")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <elf>\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	ansi.DisableColors(*noColor || !isatty.IsTerminal(os.Stdout.Fd()))

	guest := mem.NewMem(32)
	table := &models.SymbolTable{}
	app := loader.NewAppLoader(fs.Arg(0), guest, table, kernelStub{})
	app.Base = *base
	if err := app.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	fmt.Println(headColor("guest memory:"))
	for _, pg := range guest.Pages() {
		fmt.Printf("  %s\n", pg)
	}

	elf, err := loader.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(headColor("sections:"))
	for i := 0; i < elf.NumSections(); i++ {
		sec := elf.Section(i)
		name, ok := elf.SectionName(i)
		if !ok {
			name = "<none>"
		}
		fmt.Printf("  %2d %s addr=%s off=%#x size=%#x type=%d\n",
			i, nameColor(fmt.Sprintf("%-12s", name)),
			addrColor(fmt.Sprintf("%#08x", sec.Addr)), sec.Off, sec.Size, sec.Type)
	}

	fmt.Println(headColor("symbols:"))
	for _, sym := range table.Symbols() {
		if *symFilter != "" && !strings.Contains(sym.Name, *symFilter) {
			continue
		}
		fmt.Printf("  %s %6d %-7s %s\n",
			addrColor(fmt.Sprintf("%#08x", sym.Addr)), sym.Size,
			symTypeName(sym.Type), nameColor(sym.Name))
	}
}
