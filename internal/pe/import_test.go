package pe

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImport describes one library for addImports. Functions starting with
// '#' are imported by ordinal.
type testImport struct {
	dll       string
	functions []string
	timestamp uint32
	bound     []uint64 // IAT contents when timestamp is set
	lookupRVA uint32   // overrides the generated lookup table
}

// testArena hands out space inside a section.
type testArena struct {
	next uint32
}

func (a *testArena) alloc(size, align uint32) uint32 {
	a.next = alignUp(a.next, align)
	rva := a.next
	a.next += size
	return rva
}

// addImports writes descriptors at rva and their tables after them, and
// returns the directory size.
func addImports(b *imageBuilder, rva uint32, libs []testImport) uint32 {
	dirSize := uint32(len(libs)+1) * importDescriptorSize
	arena := &testArena{next: rva + dirSize}
	ptr := b.ptrSize()

	for i, lib := range libs {
		nameRVA := arena.alloc(uint32(len(lib.dll)+1), 2)
		b.putString(nameRVA, lib.dll)

		tableSize := uint32(len(lib.functions)+1) * ptr
		intRVA := arena.alloc(tableSize, 8)
		iatRVA := arena.alloc(tableSize, 8)

		for j, fn := range lib.functions {
			var value uint64
			if strings.HasPrefix(fn, "#") {
				n, _ := strconv.Atoi(fn[1:])
				value = uint64(n) | ordinalFlag32
				if b.is64 {
					value = uint64(n) | ordinalFlag64
				}
			} else {
				hn := arena.alloc(uint32(2+len(fn)+1), 2)
				b.put16(hn, uint16(j))
				b.putString(hn+2, fn)
				value = uint64(hn)
			}
			b.putPtr(intRVA+uint32(j)*ptr, value)

			iat := value
			if lib.timestamp != 0 && j < len(lib.bound) {
				iat = lib.bound[j]
			}
			b.putPtr(iatRVA+uint32(j)*ptr, iat)
		}

		lookup := intRVA
		if lib.lookupRVA != 0 {
			lookup = lib.lookupRVA
		}
		d := rva + uint32(i)*importDescriptorSize
		b.put32(d, lookup)
		b.put32(d+4, lib.timestamp)
		b.put32(d+12, nameRVA)
		b.put32(d+16, iatRVA)
	}
	return dirSize
}

func buildImportImage(t *testing.T, is64 bool, libs []testImport) *Image {
	t.Helper()
	b := newImageBuilder(t, is64)
	b.addSection(".text", 0x1000, 0x200, textCharacteristics)
	b.addSection(".rdata", 0x2000, 0x2000, rdataCharacteristics)
	b.setDir(DirImport, 0x2000, addImports(b, 0x2000, libs))
	return b.open()
}

func functionNames(fns []ImportFunction) []string {
	names := make([]string, len(fns))
	for i, fn := range fns {
		names[i] = fn.String()
	}
	return names
}

func TestDecodeImports(t *testing.T) {
	libs := []testImport{
		{dll: "KERNEL32.dll", functions: []string{"CreateFileW", "CloseHandle", "#7"}},
		{dll: "USER32.dll", functions: []string{"MessageBoxW"}},
	}

	for _, is64 := range []bool{false, true} {
		name := "PE32"
		if is64 {
			name = "PE32+"
		}
		t.Run(name, func(t *testing.T) {
			img := buildImportImage(t, is64, libs)

			dir, err := DecodeImports(img)
			require.NoError(t, err)
			require.NotNil(t, dir)
			require.Len(t, dir.Libraries, 2)

			k32 := dir.Libraries[0]
			assert.Equal(t, "KERNEL32.dll", k32.Name)
			assert.NoError(t, k32.Err)
			assert.False(t, k32.IsBound())
			require.Len(t, k32.Functions, 3)
			assert.Equal(t, []string{"CreateFileW", "CloseHandle", "Ordinal_7"}, functionNames(k32.Functions))

			named, ok := k32.Functions[0].(*NamedImport)
			require.True(t, ok)
			assert.Equal(t, "CreateFileW", named.Name)
			assert.Equal(t, uint16(0), named.Hint)
			assert.Equal(t, named.Location.RVA, uint32(named.Slot.Value))

			ord, ok := k32.Functions[2].(*OrdinalImport)
			require.True(t, ok)
			assert.Equal(t, uint16(7), ord.Ordinal)

			assert.Equal(t, []string{"MessageBoxW"}, functionNames(dir.Libraries[1].Functions))

			// descriptors plus the null terminator
			assert.Equal(t, uint32(3*importDescriptorSize), dir.Location.FileSize)
			assert.Len(t, dir.HintNames, 3)
		})
	}
}

func TestDecodeImportsThunkLocations(t *testing.T) {
	img := buildImportImage(t, true, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"CreateFileW", "CloseHandle"}},
	})

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	fns := dir.Libraries[0].Functions
	require.Len(t, fns, 2)

	first, second := fns[0].Thunk(), fns[1].Thunk()
	assert.Equal(t, uint32(8), first.Location.FileSize)
	assert.Equal(t, first.Location.RVA+8, second.Location.RVA)
	assert.Equal(t, first.Location.FileOffset+8, second.Location.FileOffset)
	assert.Equal(t, ".rdata", first.Location.Section.Name)
	assert.Equal(t, img.ImageBase()+uint64(first.Location.RVA), first.Location.VA)
}

func TestDecodeImportsHintNameSize(t *testing.T) {
	// name lengths chosen so that both padded and unpadded entries occur
	img := buildImportImage(t, false, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"Sleep", "GetTickCount", "CreateFileW"}},
	})

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	require.Len(t, dir.HintNames, 3)

	for _, e := range dir.HintNames {
		raw := uint32(2 + len(e.Name) + 1)
		assert.Zero(t, e.Location.FileSize%2, e.Name)
		assert.GreaterOrEqual(t, e.Location.FileSize, raw, e.Name)
		assert.LessOrEqual(t, e.Location.FileSize, raw+1, e.Name)
	}
	for i := 1; i < len(dir.HintNames); i++ {
		assert.Less(t, dir.HintNames[i-1].Location.RVA, dir.HintNames[i].Location.RVA)
	}
}

func TestDecodeImportsBound(t *testing.T) {
	img := buildImportImage(t, false, []testImport{
		{
			dll:       "KERNEL32.dll",
			functions: []string{"CreateFileW", "CloseHandle"},
			timestamp: 0xFFFFFFFF,
			bound:     []uint64{0x77001234, 0x77005678},
		},
	})

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	lib := dir.Libraries[0]
	assert.True(t, lib.IsBound())
	require.Len(t, lib.Functions, 2)
	assert.Equal(t, "CreateFileW", lib.Functions[0].String())
	assert.Equal(t, uint64(0x77001234), lib.Functions[0].Thunk().Address)
	assert.Equal(t, uint64(0x77005678), lib.Functions[1].Thunk().Address)
}

func TestDecodeImportsOutOfBoundsLibrary(t *testing.T) {
	img := buildImportImage(t, false, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"CreateFileW"}},
		{dll: "BROKEN.dll", functions: []string{"Nothing"}, lookupRVA: 0x90000},
		{dll: "USER32.dll", functions: []string{"MessageBoxW"}},
	})

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	require.Len(t, dir.Libraries, 3)

	broken := dir.Libraries[1]
	assert.Equal(t, "BROKEN.dll", broken.Name)
	assert.Empty(t, broken.Functions)
	require.Error(t, broken.Err)
	assert.True(t, errors.Is(broken.Err, ErrBounds))

	var be *BoundsError
	require.True(t, errors.As(broken.Err, &be))
	assert.Equal(t, uint32(0x90000), be.RVA)

	assert.NoError(t, dir.Libraries[0].Err)
	assert.Equal(t, []string{"CreateFileW"}, functionNames(dir.Libraries[0].Functions))
	assert.NoError(t, dir.Libraries[2].Err)
	assert.Equal(t, []string{"MessageBoxW"}, functionNames(dir.Libraries[2].Functions))
}

func TestDecodeImportsUnterminatedDescriptors(t *testing.T) {
	b := newImageBuilder(t, false)
	b.addSection(".rdata", 0x1000, 0x200, rdataCharacteristics)
	// descriptor array running to the last bytes of the file without a
	// null terminator
	last := uint32(0x1000 + 0x200 - importDescriptorSize)
	b.put32(last, 0x1010)
	b.put32(last+12, 0x1010)
	b.put32(last+16, 0x1010)
	b.setDir(DirImport, last, importDescriptorSize)
	img := b.open()

	dir, err := DecodeImports(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))
	require.NotNil(t, dir)
	assert.Len(t, dir.Libraries, 1)
}

func TestDecodeImportsSharedHintName(t *testing.T) {
	b := newImageBuilder(t, true)
	b.addSection(".rdata", 0x2000, 0x2000, rdataCharacteristics)
	b.setDir(DirImport, 0x2000, addImports(b, 0x2000, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"GetLastError"}, lookupRVA: 0x3000},
	}))
	b.put64(0x3000, 0x3100)
	b.put64(0x3008, 0x3100)
	b.put16(0x3100, 0x1F)
	b.putString(0x3102, "GetLastError")
	img := b.open()

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	require.Len(t, dir.Libraries, 1)

	lib := dir.Libraries[0]
	assert.NoError(t, lib.Err)
	require.Len(t, lib.Functions, 2)
	assert.Equal(t, []string{"GetLastError", "GetLastError"}, functionNames(lib.Functions))

	first := lib.Functions[0].(*NamedImport)
	second := lib.Functions[1].(*NamedImport)
	assert.NotEqual(t, first.Slot.Location.RVA, second.Slot.Location.RVA)
	assert.Equal(t, first.Location, second.Location)

	require.Len(t, dir.HintNames, 1)
	assert.Equal(t, uint32(0x3100), dir.HintNames[0].Location.RVA)
	assert.Equal(t, uint16(0x1F), dir.HintNames[0].Hint)
}

func TestDecodeImportsLibraryNameTooLong(t *testing.T) {
	b := newImageBuilder(t, false)
	b.addSection(".rdata", 0x2000, 0x4000, rdataCharacteristics)
	b.setDir(DirImport, 0x2000, addImports(b, 0x2000, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"Sleep"}},
		{dll: "USER32.dll", functions: []string{"MessageBoxW"}},
	}))
	b.put32(0x2000+12, 0x4000)
	b.putString(0x4000, strings.Repeat("A", MaxNameLength+100))
	img := b.open()

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	require.Len(t, dir.Libraries, 2)

	long := dir.Libraries[0]
	require.Error(t, long.Err)
	assert.True(t, errors.Is(long.Err, ErrStructural))
	assert.Empty(t, long.Name)
	assert.Equal(t, []string{"Sleep"}, functionNames(long.Functions), "functions decode without the name")

	next := dir.Libraries[1]
	assert.NoError(t, next.Err)
	assert.Equal(t, "USER32.dll", next.Name)
	assert.Equal(t, []string{"MessageBoxW"}, functionNames(next.Functions))
}

func TestDecodeImportsThunkLimit(t *testing.T) {
	const tableRVA = 0x10000

	b := newImageBuilder(t, false)
	b.addSection(".rdata", 0x2000, 0x200, rdataCharacteristics)
	b.addSection(".idata", tableRVA, MaxThunks*4+0x100, rdataCharacteristics)
	// ordinal 1 in every slot, no terminator before the limit
	b.putBytes(tableRVA, bytes.Repeat([]byte{1, 0, 0, 0x80}, MaxThunks+0x40))
	b.putBytes(0x2000, dwords(tableRVA, 0, 0, 0x2100, 0))
	b.putString(0x2100, "ENDLESS.dll")
	b.setDir(DirImport, 0x2000, 2*importDescriptorSize)
	img := b.open()

	dir, err := DecodeImports(img)
	require.NoError(t, err)
	require.Len(t, dir.Libraries, 1)

	lib := dir.Libraries[0]
	assert.Equal(t, "ENDLESS.dll", lib.Name)
	require.Error(t, lib.Err)
	assert.True(t, errors.Is(lib.Err, ErrStructural))
	assert.Len(t, lib.Functions, MaxThunks)
}

func TestDecodeImportsDescriptorLimit(t *testing.T) {
	const arrayRVA = 0x10000

	b := newImageBuilder(t, false)
	b.addSection(".rdata", 0x2000, 0x200, rdataCharacteristics)
	b.addSection(".idata", arrayRVA, (MaxImportDescriptors+4)*importDescriptorSize, rdataCharacteristics)
	b.putString(0x2000, "LOOP.dll")
	// every descriptor names the same library with an empty address table
	record := dwords(0, 0, 0, 0x2000, 0x2010)
	b.putBytes(arrayRVA, bytes.Repeat(record, MaxImportDescriptors+4))
	b.setDir(DirImport, arrayRVA, importDescriptorSize)
	img := b.open()

	dir, err := DecodeImports(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))
	require.NotNil(t, dir)
	assert.Len(t, dir.Libraries, MaxImportDescriptors)
	assert.Equal(t, "LOOP.dll", dir.Libraries[0].Name)
	assert.Empty(t, dir.Libraries[0].Functions)
}

func TestListImports(t *testing.T) {
	img := buildImportImage(t, true, []testImport{
		{dll: "KERNEL32.dll", functions: []string{"CreateFileW", "#12"}},
	})

	imports, err := ListImports(img)
	require.NoError(t, err)
	require.Len(t, imports, 1)
	assert.Equal(t, "KERNEL32.dll", imports[0].DLL)
	assert.Equal(t, []string{"CreateFileW", "Ordinal_12"}, imports[0].Functions)
	assert.NoError(t, imports[0].Err)
}
