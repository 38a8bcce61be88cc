package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Resource type IDs counted by DecodeResources.
const (
	ResourceTypeIcon      = 3
	ResourceTypeString    = 6
	ResourceTypeGroupIcon = 14
	ResourceTypeVersion   = 16
)

const (
	resourceTableHeaderSize = 16
	resourceEntrySize       = 8
	resourceDataEntrySize   = 16
	resourceSubdirectory    = 0x80000000
	maxResourceEntries      = 0x1000
	fixedFileInfoSignature  = 0xFEEF04BD
)

// IMAGE_RESOURCE_DIRECTORY
type resourceTable struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIdEntries    uint16
}

// IMAGE_RESOURCE_DIRECTORY_ENTRY
type resourceEntry struct {
	NameOrID     uint32
	OffsetToData uint32
}

func (e resourceEntry) isSubdirectory() bool { return e.OffsetToData&resourceSubdirectory != 0 }
func (e resourceEntry) offset() uint32       { return e.OffsetToData &^ resourceSubdirectory }

// IMAGE_RESOURCE_DATA_ENTRY
type resourceDataEntry struct {
	OffsetToData uint32
	Size         uint32
	CodePage     uint32
	Reserved     uint32
}

// ResourceType is one first-level entry of the resource tree.
type ResourceType struct {
	ID    uint32 // name string offset when Named is set
	Named bool
	Count int // entries at the name level
}

// VersionInfo holds the string table and fixed versions of an RT_VERSION
// resource.
type VersionInfo struct {
	Location         Location
	FileVersion      string
	ProductVersion   string
	CompanyName      string
	ProductName      string
	FileDescription  string
	InternalName     string
	OriginalFilename string
	LegalCopyright   string
}

// ResourceDirectory summarizes the resource tree: the types it holds and
// the version resource. Only the first two levels are walked for counting.
type ResourceDirectory struct {
	Directory DataDirectory
	Location  Location // root table
	Types     []ResourceType
	Version   *VersionInfo
	Errors    []error
}

// Count returns the number of entries of the given type ID.
func (d *ResourceDirectory) Count(id uint32) int {
	for _, t := range d.Types {
		if !t.Named && t.ID == id {
			return t.Count
		}
	}
	return 0
}

// DecodeResources decodes the top of the Resource directory. It returns
// nil, nil when the directory is absent. Failures below the root table are
// collected in Errors.
func DecodeResources(img *Image) (*ResourceDirectory, error) {
	dd, ok := img.dirs.Present(DirResource)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	root, rootLoc, err := readResourceTable(img, dd.VirtualAddress)
	if err != nil {
		return nil, err
	}

	dir := &ResourceDirectory{Directory: dd, Location: rootLoc}
	for _, e := range root {
		typ := ResourceType{ID: e.NameOrID &^ resourceSubdirectory, Named: e.NameOrID&resourceSubdirectory != 0}
		if !e.isSubdirectory() {
			dir.Errors = append(dir.Errors, structuralf(DirResource, rootLoc.FileOffset,
				"type entry 0x%X does not point to a table", e.NameOrID))
			continue
		}

		names, _, err := readResourceTable(img, dd.VirtualAddress+e.offset())
		if err != nil {
			dir.Errors = append(dir.Errors, fmt.Errorf("resource type %d: %w", typ.ID, err))
			continue
		}
		typ.Count = len(names)
		dir.Types = append(dir.Types, typ)

		if !typ.Named && typ.ID == ResourceTypeVersion && dir.Version == nil && len(names) > 0 {
			v, err := decodeVersionResource(img, dd.VirtualAddress, names[0])
			if err != nil {
				dir.Errors = append(dir.Errors, fmt.Errorf("version resource: %w", err))
				continue
			}
			dir.Version = v
		}
	}
	return dir, nil
}

// readResourceTable reads an IMAGE_RESOURCE_DIRECTORY and its entries.
func readResourceTable(img *Image, rva uint32) ([]resourceEntry, Location, error) {
	loc, err := img.calc.Resolve(rva, resourceTableHeaderSize)
	if err != nil {
		return nil, loc, err
	}
	var hdr resourceTable
	if err := readStruct(img.r, loc.FileOffset, &hdr); err != nil {
		return nil, loc, wrapStructural(DirResource, loc.FileOffset, err, "resource table unreadable")
	}

	count := int(hdr.NumberOfNamedEntries) + int(hdr.NumberOfIdEntries)
	if count > maxResourceEntries {
		return nil, loc, structuralf(DirResource, loc.FileOffset, "resource table declares %d entries", count)
	}

	loc.FileSize = resourceTableHeaderSize + uint32(count)*resourceEntrySize
	loc.MemorySize = loc.FileSize
	if err := img.calc.CheckBounds(loc); err != nil {
		return nil, loc, err
	}

	entries := make([]resourceEntry, count)
	if err := readStruct(img.r, loc.FileOffset+resourceTableHeaderSize, entries); err != nil {
		return nil, loc, wrapStructural(DirResource, loc.FileOffset, err, "resource entries unreadable")
	}
	return entries, loc, nil
}

// decodeVersionResource follows name -> language -> data entry and parses
// the first language of the version resource.
func decodeVersionResource(img *Image, base uint32, name resourceEntry) (*VersionInfo, error) {
	if !name.isSubdirectory() {
		return nil, structuralf(DirResource, 0, "name entry does not point to a table")
	}
	langs, langLoc, err := readResourceTable(img, base+name.offset())
	if err != nil {
		return nil, err
	}
	if len(langs) == 0 {
		return nil, structuralf(DirResource, langLoc.FileOffset, "no language entries")
	}
	if langs[0].isSubdirectory() {
		return nil, structuralf(DirResource, langLoc.FileOffset, "language entry points to a table")
	}

	entryLoc, err := img.calc.Resolve(base+langs[0].offset(), resourceDataEntrySize)
	if err != nil {
		return nil, err
	}
	var data resourceDataEntry
	if err := readStruct(img.r, entryLoc.FileOffset, &data); err != nil {
		return nil, wrapStructural(DirResource, entryLoc.FileOffset, err, "data entry unreadable")
	}

	loc, err := img.calc.Resolve(data.OffsetToData, data.Size)
	if err != nil {
		return nil, err
	}
	raw, err := img.GetBytes(loc)
	if err != nil {
		return nil, err
	}

	v := parseVersionInfo(raw)
	v.Location = loc
	return v, nil
}

// parseVersionInfo extracts the StringFileInfo values by key. FileVersion
// and ProductVersion fall back to VS_FIXEDFILEINFO.
func parseVersionInfo(data []byte) *VersionInfo {
	v := &VersionInfo{
		CompanyName:      versionString(data, "CompanyName"),
		FileDescription:  versionString(data, "FileDescription"),
		FileVersion:      versionString(data, "FileVersion"),
		InternalName:     versionString(data, "InternalName"),
		LegalCopyright:   versionString(data, "LegalCopyright"),
		OriginalFilename: versionString(data, "OriginalFilename"),
		ProductName:      versionString(data, "ProductName"),
		ProductVersion:   versionString(data, "ProductVersion"),
	}

	for i := 0; i+24 <= len(data); i += 4 {
		if binary.LittleEndian.Uint32(data[i:]) != fixedFileInfoSignature {
			continue
		}
		if v.FileVersion == "" {
			v.FileVersion = fixedVersion(data[i+8:])
		}
		if v.ProductVersion == "" {
			v.ProductVersion = fixedVersion(data[i+16:])
		}
		break
	}
	return v
}

// fixedVersion renders an MS/LS dword pair as a.b.c.d.
func fixedVersion(p []byte) string {
	ms := binary.LittleEndian.Uint32(p)
	ls := binary.LittleEndian.Uint32(p[4:])
	return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xFFFF, ls>>16, ls&0xFFFF)
}

// versionString finds the UTF-16LE key at an even offset and returns the
// value that follows its terminator on the next 4-byte boundary.
func versionString(data []byte, key string) string {
	needle := append(encodeUTF16(key), 0, 0)
	pos := -1
	for from := 0; from < len(data); {
		i := bytes.Index(data[from:], needle)
		if i < 0 {
			return ""
		}
		if (from+i)%2 == 0 {
			pos = from + i
			break
		}
		from += i + 1
	}
	if pos < 0 {
		return ""
	}

	start := pos + len(needle)
	start = (start + 3) &^ 3
	if start >= len(data) {
		return ""
	}

	end := start
	for end+1 < len(data) && (data[end] != 0 || data[end+1] != 0) {
		end += 2
	}
	if end+1 >= len(data) {
		return ""
	}
	return decodeUTF16(data[start:end])
}

func encodeUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func decodeUTF16(data []byte) string {
	u16 := make([]uint16, len(data)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u16))
}
