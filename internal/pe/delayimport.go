package pe

import (
	"errors"
	"fmt"
)

const delayImportDescriptorSize = 32

// delayAttributeRVABased marks descriptors whose fields are RVAs. Older
// linkers left it clear and stored VAs.
const delayAttributeRVABased = 0x1

// DelayImportDescriptor represents IMAGE_DELAYLOAD_DESCRIPTOR.
type DelayImportDescriptor struct {
	Attributes              uint32
	Name                    uint32
	ModuleHandle            uint32
	ImportAddressTable      uint32
	ImportNameTable         uint32
	BoundImportAddressTable uint32
	UnloadInformationTable  uint32
	TimeDateStamp           uint32
}

// RVABased reports whether the descriptor fields are RVAs rather than VAs.
func (d DelayImportDescriptor) RVABased() bool {
	return d.Attributes&delayAttributeRVABased != 0
}

// DelayImportLibrary is one delay-load descriptor and its functions.
type DelayImportLibrary struct {
	Location   Location
	Descriptor DelayImportDescriptor
	Name       string
	Functions  []ImportFunction
	Err        error
}

// DelayImportDirectory is the decoded Delay Import table.
type DelayImportDirectory struct {
	Directory DataDirectory
	Location  Location
	Libraries []*DelayImportLibrary
	HintNames []*HintNameEntry
}

// DecodeDelayImports decodes the Delay Import directory. It returns nil, nil
// when the directory is absent.
func DecodeDelayImports(img *Image) (*DelayImportDirectory, error) {
	dd, ok := img.dirs.Present(DirDelayImport)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	start, err := img.calc.Resolve(dd.VirtualAddress, delayImportDescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("locate delay import descriptors: %w", err)
	}

	dir := &DelayImportDirectory{Directory: dd}
	tr := newThunkReader(img, DirDelayImport)
	offset := start.FileOffset

	for i := 0; ; i++ {
		if i >= MaxImportDescriptors {
			err = structuralf(DirDelayImport, offset, "more than %d descriptors", MaxImportDescriptors)
			break
		}

		var desc DelayImportDescriptor
		if rerr := readStruct(img.r, offset, &desc); rerr != nil {
			err = wrapStructural(DirDelayImport, offset, rerr, "descriptor array not terminated")
			break
		}
		if desc.Name == 0 && desc.ModuleHandle == 0 {
			break
		}

		rva := dd.VirtualAddress + uint32(i*delayImportDescriptorSize)
		lib := &DelayImportLibrary{
			Location:   img.calc.RVAToLocation(rva, delayImportDescriptorSize),
			Descriptor: desc,
		}

		tr.vaBased = !desc.RVABased() && !img.is64
		name, nameErr := tr.libraryName(tr.rva(uint64(desc.Name)))
		lib.Name = name
		functions, fnErr := tr.functions(
			tr.tableRVA(desc.ImportNameTable),
			tr.tableRVA(desc.ImportAddressTable),
		)
		lib.Functions = functions
		lib.Err = errors.Join(nameErr, fnErr)

		dir.Libraries = append(dir.Libraries, lib)
		offset += delayImportDescriptorSize
	}

	dir.Location = img.calc.RVAToLocation(dd.VirtualAddress,
		uint32((len(dir.Libraries)+1)*delayImportDescriptorSize))
	dir.HintNames = tr.entries()
	return dir, err
}

// tableRVA converts a descriptor table reference, keeping zero as "none".
func (tr *thunkReader) tableRVA(ref uint32) uint32 {
	if ref == 0 {
		return 0
	}
	return tr.rva(uint64(ref))
}

// ListDelayImports flattens the delay import directory into DLL/function pairs.
func ListDelayImports(img *Image) ([]ImportInfo, error) {
	dir, err := DecodeDelayImports(img)
	if dir == nil {
		return nil, err
	}

	imports := make([]ImportInfo, 0, len(dir.Libraries))
	for _, lib := range dir.Libraries {
		imports = append(imports, newImportInfo(lib.Name, lib.Functions, lib.Err))
	}
	return imports, err
}
