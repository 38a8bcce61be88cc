package pe

import (
	"debug/pe"
	"fmt"
)

// DirectoryType is the index of an optional header data directory.
type DirectoryType int

// Data directory indexes (IMAGE_DIRECTORY_ENTRY_*).
const (
	DirExport DirectoryType = iota
	DirImport
	DirResource
	DirException
	DirCertificate
	DirBaseRelocation
	DirDebug
	DirArchitecture
	DirGlobalPtr
	DirTLS
	DirLoadConfig
	DirBoundImport
	DirIAT
	DirDelayImport
	DirCLRHeader
	DirReserved
)

var directoryNames = [...]string{
	"Export", "Import", "Resource", "Exception", "Certificate",
	"Base Relocation", "Debug", "Architecture", "Global Ptr", "TLS",
	"Load Config", "Bound Import", "IAT", "Delay Import", "CLR Header", "Reserved",
}

func (t DirectoryType) String() string {
	if t >= 0 && int(t) < len(directoryNames) {
		return directoryNames[t]
	}
	return fmt.Sprintf("Directory(%d)", int(t))
}

// DataDirectory is one (type, RVA, size) entry.
type DataDirectory struct {
	Type           DirectoryType
	VirtualAddress uint32
	Size           uint32
}

// IsEmpty reports the "not present" state: both RVA and size are zero.
func (d DataDirectory) IsEmpty() bool {
	return d.VirtualAddress == 0 && d.Size == 0
}

// ContainsRVA reports whether rva lies in [VirtualAddress, VirtualAddress+Size).
func (d DataDirectory) ContainsRVA(rva uint32) bool {
	return uint64(rva) >= uint64(d.VirtualAddress) &&
		uint64(rva) < uint64(d.VirtualAddress)+uint64(d.Size)
}

// DataDirectoryTable holds the NumberOfRvaAndSizes entries of the optional header.
type DataDirectoryTable struct {
	entries []DataDirectory
}

// NewDataDirectoryTable builds a table; entry i gets type DirectoryType(i).
func NewDataDirectoryTable(dirs []DataDirectory) *DataDirectoryTable {
	t := &DataDirectoryTable{entries: make([]DataDirectory, len(dirs))}
	for i, d := range dirs {
		d.Type = DirectoryType(i)
		t.entries[i] = d
	}
	return t
}

func newDataDirectoryTableFromFile(f *pe.File) *DataDirectoryTable {
	var (
		raw [16]pe.DataDirectory
		n   uint32
	)
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		raw, n = oh.DataDirectory, oh.NumberOfRvaAndSizes
	case *pe.OptionalHeader64:
		raw, n = oh.DataDirectory, oh.NumberOfRvaAndSizes
	}
	if n > uint32(len(raw)) {
		n = uint32(len(raw))
	}

	dirs := make([]DataDirectory, n)
	for i := range dirs {
		dirs[i] = DataDirectory{VirtualAddress: raw[i].VirtualAddress, Size: raw[i].Size}
	}
	return NewDataDirectoryTable(dirs)
}

// Get returns the entry for typ. ok is false when the header declares fewer
// directories than typ.
func (t *DataDirectoryTable) Get(typ DirectoryType) (DataDirectory, bool) {
	if typ < 0 || int(typ) >= len(t.entries) {
		return DataDirectory{Type: typ}, false
	}
	return t.entries[typ], true
}

// Present returns the entry for typ when it exists and is not empty.
func (t *DataDirectoryTable) Present(typ DirectoryType) (DataDirectory, bool) {
	d, ok := t.Get(typ)
	if !ok || d.IsEmpty() {
		return d, false
	}
	return d, true
}

// All returns every declared entry in index order.
func (t *DataDirectoryTable) All() []DataDirectory { return t.entries }

// Len returns the declared number of directories.
func (t *DataDirectoryTable) Len() int { return len(t.entries) }
