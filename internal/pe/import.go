package pe

import (
	"errors"
	"fmt"
	"sort"
)

const importDescriptorSize = 20

// Ordinal flags of a lookup-table entry.
const (
	ordinalFlag32 = 0x80000000
	ordinalFlag64 = 0x8000000000000000
)

// ImportDescriptor represents IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA to Import Name Table (INT).
	TimeDateStamp      uint32 // Non-zero when the IAT is bound.
	ForwarderChain     uint32
	Name               uint32 // RVA to DLL name.
	FirstThunk         uint32 // RVA to Import Address Table (IAT).
}

// Thunk is one pointer-sized slot of a lookup table.
type Thunk struct {
	Location Location
	Value    uint64 // raw lookup-table entry
	Address  uint64 // matching address-table entry, bound address when bound
}

// ImportFunction is either a *NamedImport or an *OrdinalImport.
type ImportFunction interface {
	Thunk() Thunk
	String() string
	isImportFunction()
}

// NamedImport is an import bound by hint and name.
type NamedImport struct {
	Slot     Thunk
	Hint     uint16
	Name     string
	Location Location // the hint/name entry
}

func (f *NamedImport) Thunk() Thunk { return f.Slot }
func (f *NamedImport) String() string { return f.Name }
func (f *NamedImport) isImportFunction() {}

// OrdinalImport is an import bound by ordinal number.
type OrdinalImport struct {
	Slot    Thunk
	Ordinal uint16
}

func (f *OrdinalImport) Thunk() Thunk { return f.Slot }
func (f *OrdinalImport) String() string { return fmt.Sprintf("Ordinal_%d", f.Ordinal) }
func (f *OrdinalImport) isImportFunction() {}

// HintNameEntry is one decoded entry of the hint/name table.
type HintNameEntry struct {
	Location Location
	Hint     uint16
	Name     string
}

// ImportLibrary is one descriptor with its functions in lookup-table order.
// Err holds a failure scoped to this library; Functions then holds what was
// decoded before it.
type ImportLibrary struct {
	Location   Location // the descriptor record
	Descriptor ImportDescriptor
	Name       string
	Functions  []ImportFunction
	Err        error
}

// IsBound reports whether the address table was pre-bound by the linker.
func (l *ImportLibrary) IsBound() bool { return l.Descriptor.TimeDateStamp != 0 }

// ImportDirectory is the decoded Import Table.
type ImportDirectory struct {
	Directory DataDirectory
	Location  Location // descriptor array including the null terminator
	Libraries []*ImportLibrary
	HintNames []*HintNameEntry
}

// DecodeImports decodes the Import directory. It returns nil, nil when the
// directory is absent. A non-nil directory may be returned together with an
// error when the descriptor array is truncated.
func DecodeImports(img *Image) (*ImportDirectory, error) {
	dd, ok := img.dirs.Present(DirImport)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	start, err := img.calc.Resolve(dd.VirtualAddress, importDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("locate import descriptors: %w", err)
	}

	dir := &ImportDirectory{Directory: dd}
	tr := newThunkReader(img, DirImport)
	offset := start.FileOffset

	for i := 0; ; i++ {
		if i >= MaxImportDescriptors {
			err = structuralf(DirImport, offset, "more than %d descriptors", MaxImportDescriptors)
			break
		}

		var desc ImportDescriptor
		if rerr := readStruct(img.r, offset, &desc); rerr != nil {
			err = wrapStructural(DirImport, offset, rerr, "descriptor array not terminated")
			break
		}
		if desc.OriginalFirstThunk == 0 && desc.FirstThunk == 0 {
			break
		}

		rva := dd.VirtualAddress + uint32(i*importDescriptorSize)
		lib := &ImportLibrary{
			Location:   img.calc.RVAToLocation(rva, importDescriptorSize),
			Descriptor: desc,
		}

		name, nameErr := tr.libraryName(desc.Name)
		lib.Name = name
		functions, fnErr := tr.functions(desc.OriginalFirstThunk, desc.FirstThunk)
		lib.Functions = functions
		lib.Err = errors.Join(nameErr, fnErr)

		dir.Libraries = append(dir.Libraries, lib)
		offset += importDescriptorSize
	}

	dir.Location = img.calc.RVAToLocation(dd.VirtualAddress,
		uint32((len(dir.Libraries)+1)*importDescriptorSize))
	dir.HintNames = tr.entries()
	return dir, err
}

// thunkReader walks lookup tables and decodes hint/name entries, caching
// each entry by RVA.
type thunkReader struct {
	img       *Image
	dir       DirectoryType
	vaBased   bool
	hintNames map[uint32]*HintNameEntry
}

func newThunkReader(img *Image, dir DirectoryType) *thunkReader {
	return &thunkReader{
		img:       img,
		dir:       dir,
		hintNames: make(map[uint32]*HintNameEntry),
	}
}

// rva converts a table reference to an RVA. Legacy delay-import tables
// hold VAs.
func (tr *thunkReader) rva(ref uint64) uint32 {
	if tr.vaBased {
		return tr.img.calc.VAToRVA(ref)
	}
	return uint32(ref & 0x7FFFFFFF)
}

func (tr *thunkReader) readString(rva uint32, what string) (string, error) {
	loc, err := tr.img.calc.Resolve(rva, 1)
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, err)
	}
	s, err := readCString(tr.img.r, loc.FileOffset)
	if err != nil {
		return s, wrapStructural(tr.dir, loc.FileOffset, err, "%s unreadable", what)
	}
	return s, nil
}

func (tr *thunkReader) libraryName(rva uint32) (string, error) {
	return tr.readString(rva, "library name")
}

// functions walks the lookup table, preferring lookupRVA and falling back to
// addressRVA, until a zero entry.
func (tr *thunkReader) functions(lookupRVA, addressRVA uint32) ([]ImportFunction, error) {
	tableRVA := lookupRVA
	if tableRVA == 0 {
		tableRVA = addressRVA
	}
	if tableRVA == 0 {
		return nil, nil
	}

	calc := tr.img.calc
	is64 := tr.img.is64
	ptrSize := tr.img.pointerSize()
	flag := uint64(ordinalFlag32)
	if is64 {
		flag = ordinalFlag64
	}

	if _, err := calc.Resolve(tableRVA, ptrSize); err != nil {
		return nil, fmt.Errorf("lookup table: %w", err)
	}

	var functions []ImportFunction
	for i := uint32(0); ; i++ {
		if i >= MaxThunks {
			loc := calc.RVAToLocation(tableRVA, 0)
			return functions, structuralf(tr.dir, loc.FileOffset, "lookup table longer than %d entries", MaxThunks)
		}

		slot, err := calc.Resolve(tableRVA+i*ptrSize, ptrSize)
		if err != nil {
			return functions, wrapStructural(tr.dir, slot.FileOffset, err, "lookup table not terminated")
		}
		value, err := readPointerAt(tr.img.r, slot.FileOffset, is64)
		if err != nil {
			return functions, wrapStructural(tr.dir, slot.FileOffset, err, "lookup table not terminated")
		}
		if value == 0 {
			break
		}

		thunk := Thunk{Location: slot, Value: value, Address: value}
		if addressRVA != 0 && addressRVA != tableRVA {
			thunk.Address = tr.addressSlot(addressRVA + i*ptrSize)
		}

		if value&flag != 0 {
			functions = append(functions, &OrdinalImport{Slot: thunk, Ordinal: uint16(value & 0xFFFF)})
			continue
		}

		entry, err := tr.hintName(tr.rva(value))
		if err != nil {
			return functions, err
		}
		functions = append(functions, &NamedImport{
			Slot:     thunk,
			Hint:     entry.Hint,
			Name:     entry.Name,
			Location: entry.Location,
		})
	}

	return functions, nil
}

// addressSlot reads an address-table entry; unreadable slots read as zero.
func (tr *thunkReader) addressSlot(rva uint32) uint64 {
	loc, err := tr.img.calc.Resolve(rva, tr.img.pointerSize())
	if err != nil {
		return 0
	}
	v, err := readPointerAt(tr.img.r, loc.FileOffset, tr.img.is64)
	if err != nil {
		return 0
	}
	return v
}

// hintName decodes the hint/name entry at rva once and returns the cached
// entry afterwards.
func (tr *thunkReader) hintName(rva uint32) (*HintNameEntry, error) {
	if e, ok := tr.hintNames[rva]; ok {
		return e, nil
	}

	loc, err := tr.img.calc.Resolve(rva, 2)
	if err != nil {
		return nil, fmt.Errorf("hint/name entry: %w", err)
	}
	hint, err := readUint16At(tr.img.r, loc.FileOffset)
	if err != nil {
		return nil, wrapStructural(tr.dir, loc.FileOffset, err, "hint/name entry unreadable")
	}
	name, err := readCString(tr.img.r, loc.FileOffset+2)
	if err != nil {
		return nil, wrapStructural(tr.dir, loc.FileOffset+2, err, "import name unreadable")
	}

	size := uint32(2 + len(name) + 1)
	if size%2 != 0 {
		size++
	}
	loc.FileSize, loc.MemorySize = size, size

	e := &HintNameEntry{Location: loc, Hint: hint, Name: name}
	tr.hintNames[rva] = e
	return e, nil
}

// entries returns the cached hint/name entries ordered by RVA.
func (tr *thunkReader) entries() []*HintNameEntry {
	out := make([]*HintNameEntry, 0, len(tr.hintNames))
	for _, e := range tr.hintNames {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location.RVA < out[j].Location.RVA })
	return out
}

// ListImports flattens the import directory into DLL/function-name pairs.
func ListImports(img *Image) ([]ImportInfo, error) {
	dir, err := DecodeImports(img)
	if dir == nil {
		return nil, err
	}

	imports := make([]ImportInfo, 0, len(dir.Libraries))
	for _, lib := range dir.Libraries {
		imports = append(imports, newImportInfo(lib.Name, lib.Functions, lib.Err))
	}
	return imports, err
}

func newImportInfo(dll string, funcs []ImportFunction, err error) ImportInfo {
	info := ImportInfo{DLL: dll, Functions: make([]string, len(funcs)), Err: err}
	for i, fn := range funcs {
		info.Functions[i] = fn.String()
	}
	return info
}
