package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Synthetic image layout: headers occupy the first 0x400 bytes, raw data is
// 0x200 aligned and sections are 0x1000 aligned in memory.
const (
	testHeaderSize       = 0x400
	testFileAlignment    = 0x200
	testSectionAlignment = 0x1000
	testNTOffset         = 0x80
	testImageBase32      = 0x400000
	testImageBase64      = 0x140000000
)

type testSection struct {
	name            string
	rva             uint32
	virtualSize     uint32
	rawOffset       uint32
	rawSize         uint32
	characteristics uint32
}

// imageBuilder assembles a complete PE32 or PE32+ file in memory.
type imageBuilder struct {
	t         testing.TB
	is64      bool
	machine   uint16
	imageBase uint64
	entry     uint32
	checksum  uint32
	sections  []testSection
	dirs      [16]pe.DataDirectory
	data      []byte
}

func newImageBuilder(t testing.TB, is64 bool) *imageBuilder {
	t.Helper()
	b := &imageBuilder{
		t:         t,
		is64:      is64,
		machine:   pe.IMAGE_FILE_MACHINE_I386,
		imageBase: testImageBase32,
		data:      make([]byte, testHeaderSize),
	}
	if is64 {
		b.machine = pe.IMAGE_FILE_MACHINE_AMD64
		b.imageBase = testImageBase64
	}
	return b
}

// addSection appends a section of size bytes at rva and returns it.
func (b *imageBuilder) addSection(name string, rva, size, characteristics uint32) testSection {
	rawSize := alignUp(size, testFileAlignment)
	s := testSection{
		name:            name,
		rva:             rva,
		virtualSize:     size,
		rawOffset:       uint32(len(b.data)),
		rawSize:         rawSize,
		characteristics: characteristics,
	}
	b.sections = append(b.sections, s)
	b.data = append(b.data, make([]byte, rawSize)...)
	return s
}

// offset maps rva to its file offset through the sections added so far.
func (b *imageBuilder) offset(rva uint32) int {
	for _, s := range b.sections {
		if rva >= s.rva && rva < s.rva+s.rawSize {
			return int(s.rawOffset + rva - s.rva)
		}
	}
	b.t.Fatalf("rva 0x%X is not backed by section data", rva)
	return 0
}

func (b *imageBuilder) put16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(b.data[b.offset(rva):], v)
}

func (b *imageBuilder) put32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(b.data[b.offset(rva):], v)
}

func (b *imageBuilder) put64(rva uint32, v uint64) {
	binary.LittleEndian.PutUint64(b.data[b.offset(rva):], v)
}

// putPtr writes a 4 or 8 byte value depending on the image bitness.
func (b *imageBuilder) putPtr(rva uint32, v uint64) {
	if b.is64 {
		b.put64(rva, v)
		return
	}
	b.put32(rva, uint32(v))
}

// putString writes s followed by a NUL terminator.
func (b *imageBuilder) putString(rva uint32, s string) {
	off := b.offset(rva)
	copy(b.data[off:], s)
	b.data[off+len(s)] = 0
}

// putBytes writes raw bytes at rva.
func (b *imageBuilder) putBytes(rva uint32, p []byte) {
	copy(b.data[b.offset(rva):], p)
}

func (b *imageBuilder) setDir(typ DirectoryType, rva, size uint32) {
	b.dirs[typ] = pe.DataDirectory{VirtualAddress: rva, Size: size}
}

// appendOverlay adds bytes after the last section and returns their file
// offset.
func (b *imageBuilder) appendOverlay(p []byte) uint32 {
	off := uint32(len(b.data))
	b.data = append(b.data, p...)
	return off
}

func (b *imageBuilder) ptrSize() uint32 {
	if b.is64 {
		return 8
	}
	return 4
}

// bytes writes the headers and returns the complete file.
func (b *imageBuilder) bytes() []byte {
	out := b.data
	le := binary.LittleEndian

	copy(out[0:], "MZ")
	le.PutUint32(out[0x3c:], testNTOffset)
	copy(out[testNTOffset:], "PE\x00\x00")

	optSize := uint16(96 + 16*8)
	magic := uint16(0x10b)
	characteristics := uint16(pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE | pe.IMAGE_FILE_DLL)
	if b.is64 {
		optSize = 112 + 16*8
		magic = 0x20b
		characteristics = pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE | pe.IMAGE_FILE_DLL
	}

	coff := out[testNTOffset+4:]
	le.PutUint16(coff[0:], b.machine)
	le.PutUint16(coff[2:], uint16(len(b.sections)))
	le.PutUint32(coff[4:], 0x5F000000)
	le.PutUint16(coff[16:], optSize)
	le.PutUint16(coff[18:], characteristics)

	var sizeOfImage uint32 = testSectionAlignment
	for _, s := range b.sections {
		if end := alignUp(s.rva+s.virtualSize, testSectionAlignment); end > sizeOfImage {
			sizeOfImage = end
		}
	}

	opt := out[testNTOffset+24:]
	le.PutUint16(opt[0:], magic)
	le.PutUint32(opt[16:], b.entry)
	le.PutUint32(opt[32:], testSectionAlignment)
	le.PutUint32(opt[36:], testFileAlignment)
	le.PutUint16(opt[48:], 6)
	le.PutUint32(opt[56:], sizeOfImage)
	le.PutUint32(opt[60:], testHeaderSize)
	le.PutUint32(opt[64:], b.checksum)
	le.PutUint16(opt[68:], pe.IMAGE_SUBSYSTEM_WINDOWS_CUI)

	dirOffset := 96
	if b.is64 {
		le.PutUint64(opt[24:], b.imageBase)
		le.PutUint32(opt[108:], 16)
		dirOffset = 112
	} else {
		le.PutUint32(opt[28:], uint32(b.imageBase))
		le.PutUint32(opt[92:], 16)
	}
	for i, d := range b.dirs {
		le.PutUint32(opt[dirOffset+i*8:], d.VirtualAddress)
		le.PutUint32(opt[dirOffset+i*8+4:], d.Size)
	}

	table := out[testNTOffset+24+int(optSize):]
	for i, s := range b.sections {
		sh := table[i*40:]
		copy(sh[0:8], s.name)
		le.PutUint32(sh[8:], s.virtualSize)
		le.PutUint32(sh[12:], s.rva)
		le.PutUint32(sh[16:], s.rawSize)
		le.PutUint32(sh[20:], s.rawOffset)
		le.PutUint32(sh[36:], s.characteristics)
	}

	return out
}

// open builds the file and parses it.
func (b *imageBuilder) open() *Image {
	b.t.Helper()
	data := b.bytes()
	img, err := NewImage(bytes.NewReader(data), int64(len(data)))
	require.NoError(b.t, err)
	return img
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

const (
	textCharacteristics  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	rdataCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	dataCharacteristics  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
)
