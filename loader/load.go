package loader

import (
	"bytes"
	"io"
	"io/ioutil"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

func getMagic(r io.ReaderAt) []byte {
	ret := make([]byte, 4)
	r.ReadAt(ret, 0)
	return ret
}

func MatchElf(r io.ReaderAt) bool {
	return bytes.Equal(getMagic(r), elfMagic)
}

// LoadFile parses the image at path without copying it anywhere.
func LoadFile(path string) (*ElfReader, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewElfReader(p)
}
