package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Workshell/pe-sub001/internal/pe"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func init() {
	color.NoColor = true
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{name: "bytes", bytes: 512, want: "512 B"},
		{name: "one KiB", bytes: 1024, want: "1.0 KiB"},
		{name: "fractional KiB", bytes: 1536, want: "1.5 KiB"},
		{name: "MiB", bytes: 3 * 1024 * 1024, want: "3.0 MiB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testInfo() *pe.Info {
	functions := make([]pe.ImportFunction, 0, 12)
	for i := 0; i < 11; i++ {
		functions = append(functions, &pe.NamedImport{Name: "Func" + string(rune('A'+i)), Hint: uint16(i)})
	}
	functions = append(functions, &pe.OrdinalImport{Ordinal: 7})

	return &pe.Info{
		FilePath:     "sample.dll",
		FileSize:     4096,
		Architecture: "x64 (64-bit)",
		Subsystem:    "Windows GUI",
		Is64Bit:      true,
		EntryPoint:   0x1000,
		ImageBase:    0x180000000,
		Checksum:     &pe.ChecksumInfo{Stored: 0x1234, Computed: 0x5678},
		Sections: []pe.SectionInfo{
			{Name: ".text", VirtualAddress: 0x1000, Permissions: "R-X", Entropy: 6.1},
			{Name: ".evil", VirtualAddress: 0x2000, Permissions: "RWX", Entropy: 7.9},
		},
		Imports: &pe.ImportDirectory{
			Libraries: []*pe.ImportLibrary{
				{Name: "KERNEL32.dll", Functions: functions, Err: errors.New("thunk table truncated")},
			},
		},
		Exports: &pe.ExportDirectory{
			DLLName: "sample.dll",
			Exports: []*pe.Export{
				{Ordinal: 1, Name: "Alpha", RVA: 0x1010},
				{Ordinal: 2, Name: "Beta", ForwardName: "NTDLL.RtlAllocateHeap"},
				{Ordinal: 3},
			},
		},
		Relocations: &pe.RelocationDirectory{
			Blocks: []*pe.RelocationBlock{
				{PageRVA: 0x1000, Relocations: []pe.Relocation{
					{Type: pe.RelocationType(10), Offset: 0x10, RVA: 0x1010},
				}},
			},
		},
		Errors: map[pe.DirectoryType]error{
			pe.DirTLS: errors.New("no section"),
		},
	}
}

func TestReporterPrint(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(&buf, testInfo()).Print()
	out := buf.String()

	assert.Contains(t, out, "PE32+")
	assert.Contains(t, out, "Windows GUI")
	assert.Contains(t, out, "invalid (stored 0x00001234, computed 0x00005678)")
	assert.Contains(t, out, ".evil")
	assert.Contains(t, out, "KERNEL32.dll (12 functions)")
	assert.Contains(t, out, "FuncA")
	assert.NotContains(t, out, "Ordinal_7", "entries past the limit are elided")
	assert.Contains(t, out, "(2 more functions)")
	assert.Contains(t, out, "! thunk table truncated")
	assert.Contains(t, out, "-> NTDLL.RtlAllocateHeap")
	assert.Contains(t, out, "<unnamed>")
	assert.Contains(t, out, "page 0x00001000  1 entries")
	assert.Contains(t, out, "TLS directory: no section")
}

func TestReporterOptions(t *testing.T) {
	t.Run("verbose shows every entry", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewReporter(&buf, testInfo())
		r.SetVerbose(true)
		r.Print()
		assert.Contains(t, buf.String(), "Ordinal_7")
		assert.NotContains(t, buf.String(), "more functions")
	})

	t.Run("limit", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewReporter(&buf, testInfo())
		r.SetLimit(2)
		r.Print()
		assert.Contains(t, buf.String(), "(10 more functions)")
		assert.Contains(t, buf.String(), "(1 more exports)")
	})

	t.Run("suspicious sections only", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewReporter(&buf, testInfo())
		r.SetSuspiciousOnly(true)
		r.Print()
		assert.Contains(t, buf.String(), "[Suspicious sections] (1)")
		assert.NotContains(t, buf.String(), ".text ")
	})
}

func TestPrintDependencyTree(t *testing.T) {
	root := &pe.DependencyNode{
		Name:  "main.exe",
		Found: true,
		Dependencies: []*pe.DependencyNode{
			{Name: "child.dll", Found: true, Depth: 1, Delayed: true, Dependencies: []*pe.DependencyNode{
				{Name: "missing.dll", Depth: 2},
			}},
			{Name: "kernel32.dll", Path: pe.SystemDLLPath, Found: true, Depth: 1},
		},
	}

	var buf bytes.Buffer
	PrintDependencyTree(&buf, root)
	want := "main.exe\n" +
		"├── child.dll [delay-load]\n" +
		"│   └── missing.dll (NOT FOUND)\n" +
		"└── kernel32.dll (system)\n"
	assert.Equal(t, want, buf.String())
}

func TestPrintCodeCaves(t *testing.T) {
	var buf bytes.Buffer
	PrintCodeCaves(&buf, nil, 64)
	assert.Contains(t, buf.String(), "none found")

	buf.Reset()
	caves := []pe.CodeCave{{
		Location: pe.Location{FileOffset: 0x410, RVA: 0x1010, FileSize: 0x40, Section: &pe.Section{Name: ".text"}},
		FillByte: 0xCC,
	}}
	PrintCodeCaves(&buf, caves, 32)
	assert.Contains(t, buf.String(), "1 caves")
	assert.Contains(t, buf.String(), "RVA 0x00001010")
	assert.Contains(t, buf.String(), "64 B")
	assert.Contains(t, buf.String(), "fill 0xCC")
}
