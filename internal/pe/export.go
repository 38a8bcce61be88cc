package pe

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const exportDirectorySize = 40

// ExportDirectoryTable represents IMAGE_EXPORT_DIRECTORY.
type ExportDirectoryTable struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Export is one exported function or forwarder.
type Export struct {
	Location    Location // the function-table slot
	Ordinal     uint32
	Name        string
	RVA         uint32
	ForwardName string
}

// IsForwarder reports whether the export is delegated to another module.
func (e *Export) IsForwarder() bool { return e.ForwardName != "" }

// ExportDirectory is the decoded Export Table. Errors collects failures
// scoped to single exports; those exports are left unnamed or skipped.
type ExportDirectory struct {
	Directory DataDirectory
	Location  Location
	Table     ExportDirectoryTable
	DLLName   string
	Exports   []*Export
	Errors    []error
}

// ByName returns the export with the given name.
func (d *ExportDirectory) ByName(name string) *Export {
	for _, e := range d.Exports {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// ByOrdinal returns the export with the given ordinal.
func (d *ExportDirectory) ByOrdinal(ordinal uint32) *Export {
	i := sort.Search(len(d.Exports), func(i int) bool { return d.Exports[i].Ordinal >= ordinal })
	if i < len(d.Exports) && d.Exports[i].Ordinal == ordinal {
		return d.Exports[i]
	}
	return nil
}

// DecodeExports decodes the Export directory. It returns nil, nil when the
// directory is absent.
func DecodeExports(img *Image) (*ExportDirectory, error) {
	dd, ok := img.dirs.Present(DirExport)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	loc, err := img.calc.Resolve(dd.VirtualAddress, exportDirectorySize)
	if err != nil {
		return nil, fmt.Errorf("locate export directory: %w", err)
	}

	dir := &ExportDirectory{Directory: dd, Location: loc}
	if err := readStruct(img.r, loc.FileOffset, &dir.Table); err != nil {
		return nil, wrapStructural(DirExport, loc.FileOffset, err, "export directory unreadable")
	}
	t := dir.Table

	if t.Name != 0 {
		name, err := readExportString(img, t.Name, "module name")
		if err != nil {
			dir.Errors = append(dir.Errors, err)
		}
		dir.DLLName = name
	}

	functions, slots, err := readRVATable(img, t.AddressOfFunctions, t.NumberOfFunctions, "function table")
	if err != nil {
		return dir, err
	}

	exports := make([]*Export, len(functions))
	for i, rva := range functions {
		exports[i] = &Export{
			Location: slots[i],
			Ordinal:  t.Base + uint32(i),
			RVA:      rva,
		}
	}

	if t.NumberOfNames > 0 {
		dir.Errors = append(dir.Errors, assignExportNames(img, t, exports)...)
	}

	for _, e := range exports {
		if !dd.ContainsRVA(e.RVA) {
			continue
		}
		fwd, err := readExportString(img, e.RVA, "forwarder")
		if err != nil {
			dir.Errors = append(dir.Errors, err)
			continue
		}
		e.ForwardName = fwd
	}

	sort.SliceStable(exports, func(i, j int) bool { return exports[i].Ordinal < exports[j].Ordinal })
	dir.Exports = exports
	return dir, nil
}

// assignExportNames pairs the name-pointer table with the ordinal table.
// ordinalTable[j] is an index into the function table.
func assignExportNames(img *Image, t ExportDirectoryTable, exports []*Export) []error {
	names, _, err := readRVATable(img, t.AddressOfNames, t.NumberOfNames, "name pointer table")
	if err != nil {
		return []error{err}
	}
	ordinals, err := readOrdinalTable(img, t.AddressOfNameOrdinals, t.NumberOfNames)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for j, nameRVA := range names {
		index := uint32(ordinals[j])
		if index >= uint32(len(exports)) {
			loc := img.calc.RVAToLocation(t.AddressOfNameOrdinals+uint32(j)*2, 2)
			errs = append(errs, structuralf(DirExport, loc.FileOffset,
				"name %d refers to function index %d of %d", j, index, len(exports)))
			continue
		}
		name, err := readExportString(img, nameRVA, "export name")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		exports[index].Name = name
		exports[index].Ordinal = t.Base + index
	}
	return errs
}

func readExportString(img *Image, rva uint32, what string) (string, error) {
	loc, err := img.calc.Resolve(rva, 1)
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, err)
	}
	s, err := readCString(img.r, loc.FileOffset)
	if err != nil {
		return "", wrapStructural(DirExport, loc.FileOffset, err, "%s unreadable", what)
	}
	return s, nil
}

// readTable reads count little-endian entries of width bytes at rva. The
// table must fit in the file before anything is allocated.
func readTable(img *Image, rva, count, width uint32, what string) ([]byte, Location, error) {
	size := uint64(count) * uint64(width)
	if size > uint64(img.size) {
		loc := img.calc.RVAToLocation(rva, 0)
		return nil, loc, structuralf(DirExport, loc.FileOffset,
			"%s of %d entries exceeds file size", what, count)
	}
	loc, err := img.calc.Resolve(rva, uint32(size))
	if err != nil {
		return nil, loc, fmt.Errorf("%s: %w", what, err)
	}
	data := make([]byte, size)
	if _, err := img.r.ReadAt(data, loc.FileOffset); err != nil {
		return nil, loc, wrapStructural(DirExport, loc.FileOffset, err, "%s unreadable", what)
	}
	return data, loc, nil
}

func readRVATable(img *Image, rva, count uint32, what string) ([]uint32, []Location, error) {
	if count == 0 {
		return nil, nil, nil
	}
	data, loc, err := readTable(img, rva, count, 4, what)
	if err != nil {
		return nil, nil, err
	}
	values := make([]uint32, count)
	slots := make([]Location, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(data[i*4:])
		slot := loc
		slot.FileOffset += int64(i * 4)
		slot.RVA += uint32(i * 4)
		slot.VA += uint64(i * 4)
		slot.FileSize, slot.MemorySize = 4, 4
		slots[i] = slot
	}
	return values, slots, nil
}

func readOrdinalTable(img *Image, rva, count uint32) ([]uint16, error) {
	data, _, err := readTable(img, rva, count, 2, "ordinal table")
	if err != nil {
		return nil, err
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return values, nil
}

// ListExports returns the names of all named exports in ordinal order.
func ListExports(img *Image) ([]string, error) {
	dir, err := DecodeExports(img)
	if dir == nil {
		return nil, err
	}
	var names []string
	for _, e := range dir.Exports {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names, err
}
