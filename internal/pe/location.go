package pe

import "fmt"

// Location describes one region of the image in file, RVA and VA space.
// Section is nil for regions outside every section (headers, overlay).
type Location struct {
	FileOffset int64
	RVA        uint32
	VA         uint64
	FileSize   uint32
	MemorySize uint32
	Section    *Section
}

func (l Location) String() string {
	name := "-"
	if l.Section != nil {
		name = l.Section.Name
	}
	return fmt.Sprintf("offset=0x%X rva=0x%X va=0x%X size=%d section=%s",
		l.FileOffset, l.RVA, l.VA, l.FileSize, name)
}

// End returns the file offset one past the region.
func (l Location) End() int64 { return l.FileOffset + int64(l.FileSize) }

// LocationCalculator translates between file offsets, RVAs and VAs using the
// section table and image base. It performs no I/O.
type LocationCalculator struct {
	sections   *SectionTable
	imageBase  uint64
	fileSize   int64
	headerSize uint32
}

// NewLocationCalculator creates a calculator. headerSize bounds the region in
// which an RVA outside every section is accepted as a flat file offset; when
// zero the first section's raw data offset is used.
func NewLocationCalculator(sections *SectionTable, imageBase uint64, fileSize int64, headerSize uint32) *LocationCalculator {
	if headerSize == 0 {
		headerSize = sections.FirstRawDataOffset()
	}
	return &LocationCalculator{
		sections:   sections,
		imageBase:  imageBase,
		fileSize:   fileSize,
		headerSize: headerSize,
	}
}

// ImageBase returns the preferred load address.
func (c *LocationCalculator) ImageBase() uint64 { return c.imageBase }

// SectionFor returns the first section in table order whose virtual range
// contains rva, or nil. Overlapping sections resolve to the earliest one.
func (c *LocationCalculator) SectionFor(rva uint32) *Section {
	for _, s := range c.sections.All() {
		if s.ContainsRVA(rva) {
			return s
		}
	}
	return nil
}

// SectionForOffset returns the first section whose raw data contains offset.
func (c *LocationCalculator) SectionForOffset(offset int64) *Section {
	for _, s := range c.sections.All() {
		if s.ContainsOffset(offset) {
			return s
		}
	}
	return nil
}

// RVAToOffset translates rva to a file offset. A nil section is resolved
// with SectionFor; when no section owns rva it is taken as a flat offset.
// The result may be negative or past the end of the file.
func (c *LocationCalculator) RVAToOffset(s *Section, rva uint32) int64 {
	if s == nil {
		s = c.SectionFor(rva)
	}
	if s == nil {
		return int64(rva)
	}
	return int64(s.RawDataOffset) + int64(rva) - int64(s.VirtualAddress)
}

// OffsetToRVA is the inverse of RVAToOffset.
func (c *LocationCalculator) OffsetToRVA(s *Section, offset int64) uint32 {
	if s == nil {
		s = c.SectionForOffset(offset)
	}
	if s == nil {
		return uint32(offset)
	}
	return uint32(offset - int64(s.RawDataOffset) + int64(s.VirtualAddress))
}

// RVAToVA returns imageBase + rva.
func (c *LocationCalculator) RVAToVA(rva uint32) uint64 { return c.imageBase + uint64(rva) }

// VAToRVA returns va - imageBase truncated to 32 bits.
func (c *LocationCalculator) VAToRVA(va uint64) uint32 { return uint32(va - c.imageBase) }

// VAToOffset translates an absolute address to a file offset.
func (c *LocationCalculator) VAToOffset(s *Section, va uint64) int64 {
	return c.RVAToOffset(s, c.VAToRVA(va))
}

// OffsetToVA translates a file offset to an absolute address.
func (c *LocationCalculator) OffsetToVA(s *Section, offset int64) uint64 {
	return c.RVAToVA(c.OffsetToRVA(s, offset))
}

// RVAToLocation builds the Location of size bytes at rva without validation.
func (c *LocationCalculator) RVAToLocation(rva, size uint32) Location {
	s := c.SectionFor(rva)
	return Location{
		FileOffset: c.RVAToOffset(s, rva),
		RVA:        rva,
		VA:         c.RVAToVA(rva),
		FileSize:   size,
		MemorySize: size,
		Section:    s,
	}
}

// OffsetToLocation builds the Location of size bytes at a file offset.
func (c *LocationCalculator) OffsetToLocation(offset int64, size uint32) Location {
	s := c.SectionForOffset(offset)
	rva := c.OffsetToRVA(s, offset)
	return Location{
		FileOffset: offset,
		RVA:        rva,
		VA:         c.RVAToVA(rva),
		FileSize:   size,
		MemorySize: size,
		Section:    s,
	}
}

// VAToLocation builds the Location of size bytes at an absolute address.
func (c *LocationCalculator) VAToLocation(va uint64, size uint32) Location {
	return c.RVAToLocation(c.VAToRVA(va), size)
}

// Resolve builds the Location of size bytes at rva and checks that it can be
// read: it must belong to a section or fall inside the headers, and it must
// end within the file.
func (c *LocationCalculator) Resolve(rva, size uint32) (Location, error) {
	loc := c.RVAToLocation(rva, size)
	if loc.Section == nil && rva >= c.headerSize {
		return loc, &BoundsError{
			RVA: rva, Offset: loc.FileOffset, Size: int64(size), FileSize: c.fileSize,
			Msg: "resolves to no section",
		}
	}
	if err := c.CheckBounds(loc); err != nil {
		return loc, err
	}
	return loc, nil
}

// CheckBounds verifies that loc lies inside the file.
func (c *LocationCalculator) CheckBounds(loc Location) error {
	if loc.FileOffset < 0 || loc.End() > c.fileSize {
		return &BoundsError{
			RVA: loc.RVA, Offset: loc.FileOffset, Size: int64(loc.FileSize), FileSize: c.fileSize,
			Msg: "lies outside the file",
		}
	}
	return nil
}
