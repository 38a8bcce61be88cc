package pe

import (
	"encoding/binary"
	"fmt"
)

const relocationBlockHeaderSize = 8

// RelocationType is the 4-bit type of a base relocation entry.
type RelocationType uint8

// Relocation types (Windows SDK naming convention).
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	IMAGE_REL_BASED_ABSOLUTE       RelocationType = 0
	IMAGE_REL_BASED_HIGH           RelocationType = 1
	IMAGE_REL_BASED_LOW            RelocationType = 2
	IMAGE_REL_BASED_HIGHLOW        RelocationType = 3
	IMAGE_REL_BASED_HIGHADJ        RelocationType = 4
	IMAGE_REL_BASED_MIPS_JMPADDR   RelocationType = 5
	IMAGE_REL_BASED_ARM_MOV32      RelocationType = 5
	IMAGE_REL_BASED_THUMB_MOV32    RelocationType = 7
	IMAGE_REL_BASED_MIPS_JMPADDR16 RelocationType = 9
	IMAGE_REL_BASED_DIR64          RelocationType = 10
)

func (t RelocationType) String() string {
	switch t {
	case IMAGE_REL_BASED_ABSOLUTE:
		return "ABSOLUTE"
	case IMAGE_REL_BASED_HIGH:
		return "HIGH"
	case IMAGE_REL_BASED_LOW:
		return "LOW"
	case IMAGE_REL_BASED_HIGHLOW:
		return "HIGHLOW"
	case IMAGE_REL_BASED_HIGHADJ:
		return "HIGHADJ"
	case IMAGE_REL_BASED_MIPS_JMPADDR:
		return "MIPS_JMPADDR/ARM_MOV32"
	case IMAGE_REL_BASED_THUMB_MOV32:
		return "THUMB_MOV32"
	case IMAGE_REL_BASED_MIPS_JMPADDR16:
		return "MIPS_JMPADDR16"
	case IMAGE_REL_BASED_DIR64:
		return "DIR64"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Relocation is one fixup entry of a block.
type Relocation struct {
	Raw    uint16
	Type   RelocationType
	Offset uint16 // byte offset within the page
	// RVA is PageRVA+Offset for HIGHLOW and DIR64 and zero for every other type.
	RVA uint32
}

// HasRVA reports whether RVA was computed for this entry's type.
func (r Relocation) HasRVA() bool {
	return r.Type == IMAGE_REL_BASED_HIGHLOW || r.Type == IMAGE_REL_BASED_DIR64
}

// RelocationBlock is one IMAGE_BASE_RELOCATION block with its entries.
type RelocationBlock struct {
	Location    Location
	PageRVA     uint32
	SizeOfBlock uint32
	Relocations []Relocation
}

// RelocationDirectory is the decoded Base Relocation table.
type RelocationDirectory struct {
	Directory DataDirectory
	Location  Location
	Blocks    []*RelocationBlock
}

// TotalEntries returns the number of fixups across all blocks.
func (d *RelocationDirectory) TotalEntries() int {
	n := 0
	for _, b := range d.Blocks {
		n += len(b.Relocations)
	}
	return n
}

// DecodeRelocations decodes the Base Relocation directory. Blocks are read
// until their accumulated size reaches the directory size; a block that would
// run past it is a StructuralError and nothing beyond the directory is read.
func DecodeRelocations(img *Image) (*RelocationDirectory, error) {
	dd, ok := img.dirs.Present(DirBaseRelocation)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	loc, err := img.calc.Resolve(dd.VirtualAddress, dd.Size)
	if err != nil {
		return nil, fmt.Errorf("locate base relocations: %w", err)
	}

	dir := &RelocationDirectory{Directory: dd, Location: loc}
	sr := img.sectionReader(loc.FileOffset, int64(dd.Size))

	var consumed uint32
	for consumed < dd.Size {
		offset := loc.FileOffset + int64(consumed)
		if dd.Size-consumed < relocationBlockHeaderSize {
			return dir, structuralf(DirBaseRelocation, offset,
				"%d trailing bytes cannot hold a block header", dd.Size-consumed)
		}

		var header [relocationBlockHeaderSize]byte
		if _, err := sr.ReadAt(header[:], int64(consumed)); err != nil {
			return dir, wrapStructural(DirBaseRelocation, offset, err, "block header unreadable")
		}
		pageRVA := binary.LittleEndian.Uint32(header[0:4])
		sizeOfBlock := binary.LittleEndian.Uint32(header[4:8])

		if sizeOfBlock < relocationBlockHeaderSize {
			return dir, structuralf(DirBaseRelocation, offset, "block size %d is smaller than its header", sizeOfBlock)
		}
		count := (sizeOfBlock - relocationBlockHeaderSize) / 2
		used := relocationBlockHeaderSize + 2*count
		if used > dd.Size-consumed {
			return dir, structuralf(DirBaseRelocation, offset,
				"block of %d bytes overruns directory (%d bytes left)", sizeOfBlock, dd.Size-consumed)
		}

		// a header-only block may end exactly at the directory end, where
		// ReadAt reports EOF even for an empty buffer
		entries := make([]byte, 2*count)
		if count > 0 {
			if _, err := sr.ReadAt(entries, int64(consumed)+relocationBlockHeaderSize); err != nil {
				return dir, wrapStructural(DirBaseRelocation, offset, err, "block entries unreadable")
			}
		}

		block := &RelocationBlock{
			Location:    img.calc.RVAToLocation(dd.VirtualAddress+consumed, used),
			PageRVA:     pageRVA,
			SizeOfBlock: sizeOfBlock,
			Relocations: make([]Relocation, count),
		}
		for i := range block.Relocations {
			raw := binary.LittleEndian.Uint16(entries[i*2:])
			r := Relocation{
				Raw:    raw,
				Type:   RelocationType(raw >> 12),
				Offset: raw & 0x0FFF,
			}
			if r.HasRVA() {
				r.RVA = pageRVA + uint32(r.Offset)
			}
			block.Relocations[i] = r
		}

		dir.Blocks = append(dir.Blocks, block)
		consumed += used
	}

	return dir, nil
}

// RelocationInfo summarises the base relocation table.
type RelocationInfo struct {
	HasRelocations bool
	BlockCount     int
	TotalEntries   int
}

// ParseRelocations returns a summary of the base relocation table.
func ParseRelocations(img *Image) (*RelocationInfo, error) {
	info := &RelocationInfo{}
	dir, err := DecodeRelocations(img)
	if dir == nil {
		return info, err
	}
	info.HasRelocations = true
	info.BlockCount = len(dir.Blocks)
	info.TotalEntries = dir.TotalEntries()
	return info, err
}
