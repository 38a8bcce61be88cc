package pe

import (
	"debug/pe"
	"fmt"
	"sort"
	"sync"
)

// Info contains analyzed PE file information and every decoded directory.
// A nil directory field means the directory is absent or failed to decode;
// Errors tells the two apart.
type Info struct {
	FilePath     string
	FileSize     int64
	Architecture string
	Subsystem    string
	Is64Bit      bool
	EntryPoint   uint64
	ImageBase    uint64
	Checksum     *ChecksumInfo
	Sections     []SectionInfo
	Directories  []DataDirectory

	Imports      *ImportDirectory
	DelayImports *DelayImportDirectory
	Exports      *ExportDirectory
	Relocations  *RelocationDirectory
	Exceptions   *ExceptionDirectory
	TLS          *TLSDirectory
	Certificates *CertificateDirectory
	Resources    *ResourceDirectory

	// Errors holds the directory-level error of each decoder that failed.
	Errors map[DirectoryType]error
}

// DirectoryErrors returns Errors ordered by directory index.
func (info *Info) DirectoryErrors() []error {
	types := make([]DirectoryType, 0, len(info.Errors))
	for t := range info.Errors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	errs := make([]error, len(types))
	for i, t := range types {
		errs[i] = fmt.Errorf("%s directory: %w", t, info.Errors[t])
	}
	return errs
}

// SectionInfo contains information about a PE section.
type SectionInfo struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Size            uint32
	Characteristics uint32
	Permissions     string
	Entropy         float64
}

// ImportInfo contains an imported DLL, its function names and the error
// that cut its function list short, if any.
type ImportInfo struct {
	DLL       string
	Functions []string
	Err       error
}

// Analyzer extracts information from a PE image.
type Analyzer struct {
	img *Image
}

// NewAnalyzer creates a new analyzer for the given image.
func NewAnalyzer(img *Image) *Analyzer {
	return &Analyzer{img: img}
}

// Analyze decodes the headers and every supported directory. The directory
// decoders run concurrently over the shared image.
func (a *Analyzer) Analyze() (*Info, error) {
	img := a.img
	h := img.header

	info := &Info{
		FilePath:     img.filepath,
		FileSize:     img.size,
		Architecture: getArchitecture(h.Machine),
		Subsystem:    getSubsystem(h.Subsystem),
		Is64Bit:      img.is64,
		EntryPoint:   uint64(h.AddressOfEntryPoint),
		ImageBase:    h.ImageBase,
		Directories:  img.dirs.All(),
		Errors:       make(map[DirectoryType]error),
	}

	a.extractSections(info)

	checksum, err := img.VerifyChecksum()
	if err != nil {
		return nil, fmt.Errorf("verify checksum: %w", err)
	}
	info.Checksum = checksum

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	decode := func(dir DirectoryType, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				info.Errors[dir] = err
				mu.Unlock()
			}
		}()
	}

	decode(DirImport, func() (err error) { info.Imports, err = DecodeImports(img); return })
	decode(DirDelayImport, func() (err error) { info.DelayImports, err = DecodeDelayImports(img); return })
	decode(DirExport, func() (err error) { info.Exports, err = DecodeExports(img); return })
	decode(DirBaseRelocation, func() (err error) { info.Relocations, err = DecodeRelocations(img); return })
	decode(DirException, func() (err error) { info.Exceptions, err = DecodeExceptions(img); return })
	decode(DirTLS, func() (err error) { info.TLS, err = DecodeTLS(img); return })
	decode(DirCertificate, func() (err error) { info.Certificates, err = DecodeCertificates(img); return })
	decode(DirResource, func() (err error) { info.Resources, err = DecodeResources(img); return })
	wg.Wait()

	return info, nil
}

func (a *Analyzer) extractSections(info *Info) {
	for _, s := range a.img.sections.All() {
		entropy, err := a.img.SectionEntropy(s)
		if err != nil {
			entropy = 0.0
		}

		info.Sections = append(info.Sections, SectionInfo{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Size:            s.RawDataSize,
			Characteristics: s.Characteristics,
			Permissions:     getSectionPermissions(s.Characteristics),
			Entropy:         entropy,
		})
	}
}

func getArchitecture(machine uint16) string {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86 (32-bit)"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x64 (64-bit)"
	case pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT:
		return "ARM"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "ARM64"
	case pe.IMAGE_FILE_MACHINE_IA64:
		return "IA64"
	default:
		return fmt.Sprintf("Unknown (0x%X)", machine)
	}
}

func getSubsystem(subsystem uint16) string {
	switch subsystem {
	case pe.IMAGE_SUBSYSTEM_WINDOWS_GUI:
		return "Windows GUI"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CUI:
		return "Windows Console"
	case pe.IMAGE_SUBSYSTEM_NATIVE:
		return "Native"
	case pe.IMAGE_SUBSYSTEM_EFI_APPLICATION:
		return "EFI Application"
	case pe.IMAGE_SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER:
		return "EFI Boot Service Driver"
	case pe.IMAGE_SUBSYSTEM_EFI_RUNTIME_DRIVER:
		return "EFI Runtime Driver"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CE_GUI:
		return "Windows CE GUI"
	default:
		return fmt.Sprintf("Unknown (0x%X)", subsystem)
	}
}

func getSectionPermissions(c uint32) string {
	perms := [3]rune{'-', '-', '-'}

	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		perms[0] = 'R'
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		perms[1] = 'W'
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		perms[2] = 'X'
	}

	return string(perms[:])
}
