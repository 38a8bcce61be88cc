package pe

import (
	"debug/pe"
	"strings"
)

// Section describes one entry of the section table.
type Section struct {
	Index           int
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawDataOffset   uint32
	RawDataSize     uint32
	Characteristics uint32
}

// ContainsRVA reports whether rva lies in [VirtualAddress, VirtualAddress+VirtualSize).
// Zero-sized sections contain nothing.
func (s *Section) ContainsRVA(rva uint32) bool {
	return uint64(rva) >= uint64(s.VirtualAddress) &&
		uint64(rva) < uint64(s.VirtualAddress)+uint64(s.VirtualSize)
}

// ContainsOffset reports whether a file offset lies in the section's raw data.
func (s *Section) ContainsOffset(offset int64) bool {
	return offset >= int64(s.RawDataOffset) &&
		offset < int64(s.RawDataOffset)+int64(s.RawDataSize)
}

// IsExecutable reports whether IMAGE_SCN_MEM_EXECUTE is set.
func (s *Section) IsExecutable() bool {
	return s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0
}

// Permissions renders the R/W/X bits as a three character string.
func (s *Section) Permissions() string {
	return getSectionPermissions(s.Characteristics)
}

// SectionTable is the ordered section list of an image.
type SectionTable struct {
	sections []*Section
}

// NewSectionTable builds a table from sections in file order. Index is
// reassigned to match the position.
func NewSectionTable(sections []Section) *SectionTable {
	t := &SectionTable{sections: make([]*Section, len(sections))}
	for i := range sections {
		s := sections[i]
		s.Index = i
		t.sections[i] = &s
	}
	return t
}

func newSectionTableFromFile(f *pe.File) *SectionTable {
	sections := make([]Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		sections = append(sections, Section{
			Name:            strings.TrimRight(s.Name, "\x00"),
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			RawDataOffset:   s.Offset,
			RawDataSize:     s.Size,
			Characteristics: s.Characteristics,
		})
	}
	return NewSectionTable(sections)
}

// Len returns the number of sections.
func (t *SectionTable) Len() int { return len(t.sections) }

// At returns the i-th section.
func (t *SectionTable) At(i int) *Section { return t.sections[i] }

// All returns the sections in table order.
func (t *SectionTable) All() []*Section { return t.sections }

// ByName returns the first section with the given name.
func (t *SectionTable) ByName(name string) *Section {
	for _, s := range t.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FirstRawDataOffset returns the lowest non-zero PointerToRawData, or 0.
func (t *SectionTable) FirstRawDataOffset() uint32 {
	var lowest uint32
	for _, s := range t.sections {
		if s.RawDataOffset == 0 || s.RawDataSize == 0 {
			continue
		}
		if lowest == 0 || s.RawDataOffset < lowest {
			lowest = s.RawDataOffset
		}
	}
	return lowest
}
