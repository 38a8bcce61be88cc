// Package pe decodes the headers, section table and data directories of
// Portable Executable images without loading or executing them.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Header holds the COFF and optional header fields the decoders and the
// dumper need.
type Header struct {
	NTHeaderOffset      int64
	Machine             uint16
	NumberOfSections    uint16
	TimeDateStamp       uint32
	Characteristics     uint16
	Magic               uint16
	AddressOfEntryPoint uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	CheckSum            uint32
	Subsystem           uint16
	DllCharacteristics  uint16
}

// CheckSumOffset returns the file offset of the optional header CheckSum field.
func (h Header) CheckSumOffset() int64 {
	return h.NTHeaderOffset + 4 + 20 + 64
}

// Image is a read-only view over a PE file. The byte source is an
// io.ReaderAt, so decoders never share a cursor and may run concurrently.
type Image struct {
	r        io.ReaderAt
	size     int64
	filepath string
	closer   func() error

	header   Header
	is64     bool
	sections *SectionTable
	dirs     *DataDirectoryTable
	calc     *LocationCalculator
}

// Open maps the file read-only and parses its headers.
func Open(filepath string) (*Image, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("open PE file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat PE file: %w", err)
	}
	if stat.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("open PE file: %s is empty", filepath)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map PE file: %w", err)
	}

	img, err := NewImage(bytes.NewReader(m), int64(len(m)))
	if err != nil {
		_ = m.Unmap()
		_ = f.Close()
		return nil, err
	}
	img.filepath = filepath
	img.closer = func() error {
		return errors.Join(m.Unmap(), f.Close())
	}
	return img, nil
}

// NewImage parses the headers of the image held by r.
func NewImage(r io.ReaderAt, size int64) (*Image, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse PE headers: %w", err)
	}
	if f.OptionalHeader == nil {
		return nil, fmt.Errorf("parse PE headers: no optional header, not an image")
	}

	var lfanew [4]byte
	if _, err := r.ReadAt(lfanew[:], 0x3c); err != nil {
		return nil, fmt.Errorf("read e_lfanew: %w", err)
	}

	img := &Image{
		r:    r,
		size: size,
		header: Header{
			NTHeaderOffset:   int64(binary.LittleEndian.Uint32(lfanew[:])),
			Machine:          f.Machine,
			NumberOfSections: f.NumberOfSections,
			TimeDateStamp:    f.TimeDateStamp,
			Characteristics:  f.Characteristics,
		},
	}

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.header.Magic = oh.Magic
		img.header.AddressOfEntryPoint = oh.AddressOfEntryPoint
		img.header.ImageBase = uint64(oh.ImageBase)
		img.header.SectionAlignment = oh.SectionAlignment
		img.header.FileAlignment = oh.FileAlignment
		img.header.SizeOfImage = oh.SizeOfImage
		img.header.SizeOfHeaders = oh.SizeOfHeaders
		img.header.CheckSum = oh.CheckSum
		img.header.Subsystem = oh.Subsystem
		img.header.DllCharacteristics = oh.DllCharacteristics
	case *pe.OptionalHeader64:
		img.is64 = true
		img.header.Magic = oh.Magic
		img.header.AddressOfEntryPoint = oh.AddressOfEntryPoint
		img.header.ImageBase = oh.ImageBase
		img.header.SectionAlignment = oh.SectionAlignment
		img.header.FileAlignment = oh.FileAlignment
		img.header.SizeOfImage = oh.SizeOfImage
		img.header.SizeOfHeaders = oh.SizeOfHeaders
		img.header.CheckSum = oh.CheckSum
		img.header.Subsystem = oh.Subsystem
		img.header.DllCharacteristics = oh.DllCharacteristics
	}

	img.sections = newSectionTableFromFile(f)
	img.dirs = newDataDirectoryTableFromFile(f)
	img.calc = NewLocationCalculator(img.sections, img.header.ImageBase, size, img.header.SizeOfHeaders)
	return img, nil
}

// Close releases the mapping created by Open. It is a no-op for images
// built with NewImage.
func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	closer := img.closer
	img.closer = nil
	return closer()
}

// FilePath returns the path given to Open.
func (img *Image) FilePath() string { return img.filepath }

// Size returns the file size in bytes.
func (img *Image) Size() int64 { return img.size }

// Header returns the parsed header fields.
func (img *Image) Header() Header { return img.header }

// Is64Bit reports whether the image is PE32+.
func (img *Image) Is64Bit() bool { return img.is64 }

// ImageBase returns the preferred load address.
func (img *Image) ImageBase() uint64 { return img.header.ImageBase }

// Sections returns the section table.
func (img *Image) Sections() *SectionTable { return img.sections }

// DataDirectories returns the data directory table.
func (img *Image) DataDirectories() *DataDirectoryTable { return img.dirs }

// Calculator returns the address translator for this image.
func (img *Image) Calculator() *LocationCalculator { return img.calc }

// ReadAt reads from the underlying byte source.
func (img *Image) ReadAt(p []byte, off int64) (int, error) { return img.r.ReadAt(p, off) }

// GetBytes returns a copy of the raw bytes covered by loc.
func (img *Image) GetBytes(loc Location) ([]byte, error) {
	if err := img.calc.CheckBounds(loc); err != nil {
		return nil, err
	}
	data := make([]byte, loc.FileSize)
	if _, err := img.r.ReadAt(data, loc.FileOffset); err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%X: %w", loc.FileSize, loc.FileOffset, err)
	}
	return data, nil
}

// sectionReader returns a private cursor over size bytes at offset.
func (img *Image) sectionReader(offset, size int64) *io.SectionReader {
	return io.NewSectionReader(img.r, offset, size)
}

// pointerSize returns the thunk width in bytes.
func (img *Image) pointerSize() uint32 {
	if img.is64 {
		return 8
	}
	return 4
}
