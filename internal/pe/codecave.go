package pe

import (
	"fmt"
)

// CodeCave is a run of padding bytes (0x00 or 0xCC) inside a section's raw
// data.
type CodeCave struct {
	Location Location
	FillByte byte
}

// Size returns the cave length in bytes.
func (c CodeCave) Size() uint32 { return c.Location.FileSize }

// CodeCaveDetector finds code caves in the sections of an image.
type CodeCaveDetector struct {
	img *Image
}

// NewCodeCaveDetector creates a new code cave detector.
func NewCodeCaveDetector(img *Image) *CodeCaveDetector {
	return &CodeCaveDetector{img: img}
}

// FindCodeCaves searches every section for runs of at least minSize bytes.
func (d *CodeCaveDetector) FindCodeCaves(minSize uint32) ([]CodeCave, error) {
	if minSize == 0 {
		minSize = 1
	}
	var caves []CodeCave
	for _, s := range d.img.sections.All() {
		sectionCaves, err := d.findInSection(s, minSize)
		if err != nil {
			return caves, fmt.Errorf("scan section %s: %w", s.Name, err)
		}
		caves = append(caves, sectionCaves...)
	}
	return caves, nil
}

func (d *CodeCaveDetector) findInSection(s *Section, minSize uint32) ([]CodeCave, error) {
	size := int64(s.RawDataSize)
	if end := int64(s.RawDataOffset) + size; end > d.img.size {
		size = d.img.size - int64(s.RawDataOffset)
	}
	if size <= 0 {
		return nil, nil
	}

	data := make([]byte, size)
	if _, err := d.img.r.ReadAt(data, int64(s.RawDataOffset)); err != nil {
		return nil, err
	}

	var (
		caves     []CodeCave
		caveStart = -1
		fillByte  byte
	)
	flush := func(end int) {
		if caveStart != -1 && uint32(end-caveStart) >= minSize {
			caves = append(caves, d.newCodeCave(s, caveStart, end, fillByte))
		}
	}

	for i, b := range data {
		switch {
		case b != 0x00 && b != 0xCC:
			flush(i)
			caveStart = -1
		case caveStart == -1:
			caveStart, fillByte = i, b
		case b != fillByte:
			flush(i)
			caveStart, fillByte = i, b
		}
	}
	flush(len(data))

	return caves, nil
}

func (d *CodeCaveDetector) newCodeCave(s *Section, start, end int, fillByte byte) CodeCave {
	rva := s.VirtualAddress + uint32(start)
	size := uint32(end - start)
	return CodeCave{
		Location: Location{
			FileOffset: int64(s.RawDataOffset) + int64(start),
			RVA:        rva,
			VA:         d.img.calc.RVAToVA(rva),
			FileSize:   size,
			MemorySize: size,
			Section:    s,
		},
		FillByte: fillByte,
	}
}
