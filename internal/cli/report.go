// Package cli renders decoded PE images for the terminal.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/Workshell/pe-sub001/internal/pe"
	"github.com/fatih/color"
)

var (
	bannerColor  = color.New(color.FgCyan, color.Bold)
	headingColor = color.New(color.FgYellow, color.Bold)
	nameColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	mutedColor   = color.New(color.FgHiBlack)
)

// Reporter formats and prints PE analysis results.
type Reporter struct {
	w              io.Writer
	info           *pe.Info
	verbose        bool
	suspiciousOnly bool
	limit          int
}

// NewReporter creates a reporter that writes to w.
func NewReporter(w io.Writer, info *pe.Info) *Reporter {
	return &Reporter{w: w, info: info, limit: 10}
}

// SetVerbose enables verbose mode: no list truncation and unwind details.
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// SetSuspiciousOnly restricts the section table to RWX sections.
func (r *Reporter) SetSuspiciousOnly(suspicious bool) {
	r.suspiciousOnly = suspicious
}

// SetLimit sets how many entries of a long list are shown outside verbose
// mode. Values below one are ignored.
func (r *Reporter) SetLimit(n int) {
	if n > 0 {
		r.limit = n
	}
}

// Print outputs the complete analysis report.
func (r *Reporter) Print() {
	r.printHeader()
	r.printBasicInfo()
	r.printSections()
	r.printDirectories()
	r.printImports()
	r.printDelayImports()
	r.printExports()
	r.printRelocations()
	r.printExceptions()
	r.printTLS()
	r.printCertificates()
	r.printResources()
	r.printErrors()
}

func (r *Reporter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func (r *Reporter) heading(format string, args ...any) {
	_, _ = headingColor.Fprintf(r.w, "\n"+format+"\n", args...)
}

// shown returns how many of n entries to print.
func (r *Reporter) shown(n int) int {
	if r.verbose || n <= r.limit {
		return n
	}
	return r.limit
}

func (r *Reporter) elided(total, shown int, what string) {
	if total > shown {
		_, _ = mutedColor.Fprintf(r.w, "       ... (%d more %s)\n", total-shown, what)
	}
}

func (r *Reporter) printHeader() {
	_, _ = bannerColor.Fprintln(r.w, "\n╔════════════════════════════════════════╗")
	_, _ = bannerColor.Fprintln(r.w, "║            PE image report             ║")
	_, _ = bannerColor.Fprintln(r.w, "╚════════════════════════════════════════╝")
}

func (r *Reporter) printBasicInfo() {
	r.heading("[Basic information]")

	format := "PE32"
	if r.info.Is64Bit {
		format = "PE32+"
	}
	r.printf("  %-20s: %s\n", "File", r.info.FilePath)
	r.printf("  %-20s: %s\n", "Size", formatSize(r.info.FileSize))
	r.printf("  %-20s: %s\n", "Format", format)
	r.printf("  %-20s: %s\n", "Architecture", r.info.Architecture)
	r.printf("  %-20s: %s\n", "Subsystem", r.info.Subsystem)
	r.printf("  %-20s: 0x%X\n", "Entry point", r.info.EntryPoint)
	r.printf("  %-20s: 0x%X\n", "Image base", r.info.ImageBase)

	if c := r.info.Checksum; c != nil {
		r.printf("  %-20s: ", "Checksum")
		switch {
		case c.Stored == 0:
			_, _ = mutedColor.Fprintf(r.w, "not set (computed 0x%08X)", c.Computed)
		case c.Valid:
			_, _ = nameColor.Fprintf(r.w, "✓ valid (0x%08X)", c.Stored)
		default:
			_, _ = errorColor.Fprintf(r.w, "✗ invalid (stored 0x%08X, computed 0x%08X)", c.Stored, c.Computed)
		}
		r.printf("\n")
	}
}

func (r *Reporter) printSections() {
	sections := r.info.Sections
	if r.suspiciousOnly {
		var suspicious []pe.SectionInfo
		for _, s := range sections {
			if s.Permissions == "RWX" {
				suspicious = append(suspicious, s)
			}
		}
		sections = suspicious
		r.heading("[Suspicious sections] (%d)", len(sections))
	} else {
		r.heading("[Sections] (%d)", len(sections))
	}

	if len(sections) == 0 {
		r.printf("  none\n")
		return
	}

	r.printf("%s\n", strings.Repeat("-", 90))
	r.printf("  %-10s %-12s %-12s %-12s %-6s %-10s %s\n",
		"Name", "VirtAddr", "VirtSize", "RawSize", "Perms", "Flags", "Entropy")
	r.printf("%s\n", strings.Repeat("-", 90))
	for _, s := range sections {
		permColor := color.New(color.FgWhite)
		if s.Permissions == "RWX" {
			permColor = errorColor
		} else if strings.Contains(s.Permissions, "X") {
			permColor = warnColor
		}

		r.printf("  %-10s 0x%08X   %-12s %-12s ",
			s.Name, s.VirtualAddress, formatSize(int64(s.VirtualSize)), formatSize(int64(s.Size)))
		_, _ = permColor.Fprintf(r.w, "%-6s", s.Permissions)
		r.printf(" 0x%08X ", s.Characteristics)
		if s.Entropy > pe.HighEntropy {
			_, _ = warnColor.Fprintf(r.w, "%.2f\n", s.Entropy)
		} else {
			r.printf("%.2f\n", s.Entropy)
		}
	}
	r.printf("%s\n", strings.Repeat("-", 90))
}

func (r *Reporter) printDirectories() {
	r.heading("[Data directories] (%d)", len(r.info.Directories))
	for _, d := range r.info.Directories {
		if d.IsEmpty() {
			if r.verbose {
				_, _ = mutedColor.Fprintf(r.w, "  %-16s -\n", d.Type)
			}
			continue
		}
		r.printf("  %-16s RVA 0x%08X  size %d\n", d.Type, d.VirtualAddress, d.Size)
	}
}

func (r *Reporter) printFunctions(functions []pe.ImportFunction) {
	n := r.shown(len(functions))
	for _, fn := range functions[:n] {
		switch f := fn.(type) {
		case *pe.NamedImport:
			r.printf("       - %-40s hint %-5d IAT 0x%X\n", f.Name, f.Hint, f.Slot.Address)
		case *pe.OrdinalImport:
			r.printf("       - %-40s IAT 0x%X\n", f.String(), f.Slot.Address)
		}
	}
	r.elided(len(functions), n, "functions")
}

func (r *Reporter) printLibraryErr(err error) {
	if err != nil {
		_, _ = errorColor.Fprintf(r.w, "       ! %v\n", err)
	}
}

func (r *Reporter) printImports() {
	dir := r.info.Imports
	if dir == nil {
		r.heading("[Imports] (0)")
		r.printf("  none\n")
		return
	}

	r.heading("[Imports] (%d libraries, %d hint/name entries)", len(dir.Libraries), len(dir.HintNames))
	for i, lib := range dir.Libraries {
		bound := ""
		if lib.IsBound() {
			bound = " [bound]"
		}
		_, _ = nameColor.Fprintf(r.w, "  %3d. %s (%d functions)%s\n", i+1, lib.Name, len(lib.Functions), bound)
		r.printFunctions(lib.Functions)
		r.printLibraryErr(lib.Err)
	}
}

func (r *Reporter) printDelayImports() {
	dir := r.info.DelayImports
	if dir == nil {
		return
	}

	r.heading("[Delay imports] (%d libraries)", len(dir.Libraries))
	for i, lib := range dir.Libraries {
		layout := "RVA"
		if !lib.Descriptor.RVABased() {
			layout = "VA"
		}
		_, _ = nameColor.Fprintf(r.w, "  %3d. %s (%d functions, %s-based)\n", i+1, lib.Name, len(lib.Functions), layout)
		r.printFunctions(lib.Functions)
		r.printLibraryErr(lib.Err)
	}
}

func (r *Reporter) printExports() {
	dir := r.info.Exports
	if dir == nil {
		r.heading("[Exports] (0)")
		r.printf("  none\n")
		return
	}

	r.heading("[Exports] %s (%d functions, base %d)", dir.DLLName, len(dir.Exports), dir.Table.Base)
	n := r.shown(len(dir.Exports))
	for _, e := range dir.Exports[:n] {
		name := e.Name
		if name == "" {
			name = "<unnamed>"
		}
		if e.IsForwarder() {
			_, _ = nameColor.Fprintf(r.w, "  %5d. %-40s -> %s\n", e.Ordinal, name, e.ForwardName)
			continue
		}
		_, _ = nameColor.Fprintf(r.w, "  %5d. %-40s RVA 0x%08X\n", e.Ordinal, name, e.RVA)
	}
	r.elided(len(dir.Exports), n, "exports")
	for _, err := range dir.Errors {
		_, _ = errorColor.Fprintf(r.w, "  ! %v\n", err)
	}
}

func (r *Reporter) printRelocations() {
	dir := r.info.Relocations
	if dir == nil {
		return
	}

	r.heading("[Base relocations] (%d blocks, %d entries)", len(dir.Blocks), dir.TotalEntries())
	n := r.shown(len(dir.Blocks))
	for _, b := range dir.Blocks[:n] {
		r.printf("  page 0x%08X  %d entries\n", b.PageRVA, len(b.Relocations))
		if !r.verbose {
			continue
		}
		for _, rel := range b.Relocations {
			if rel.HasRVA() {
				r.printf("       %-8s +0x%03X  RVA 0x%08X\n", rel.Type, rel.Offset, rel.RVA)
			} else {
				r.printf("       %-8s +0x%03X\n", rel.Type, rel.Offset)
			}
		}
	}
	r.elided(len(dir.Blocks), n, "blocks")
}

func (r *Reporter) printExceptions() {
	dir := r.info.Exceptions
	if dir == nil {
		return
	}

	r.heading("[Exception table] (%d functions)", len(dir.Entries))
	n := r.shown(len(dir.Entries))
	for _, e := range dir.Entries[:n] {
		r.printf("  0x%08X-0x%08X  unwind 0x%08X\n", e.StartAddress, e.EndAddress, e.UnwindInfoAddress)
		if !r.verbose {
			continue
		}
		u, err := e.UnwindInfo()
		if err != nil {
			_, _ = errorColor.Fprintf(r.w, "       ! %v\n", err)
			continue
		}
		r.printf("       v%d %s prolog %d codes %d frame r%d+%d\n",
			u.Version, u.Flags, u.SizeOfProlog, u.CountOfCodes, u.FrameRegister, u.FrameOffset*16)
		for _, c := range u.Codes {
			r.printf("         @%-3d %-16s %d\n", c.OffsetInProlog, c.Code, c.Operand)
		}
		if u.HasHandler {
			r.printf("       handler 0x%08X\n", u.HandlerAddress)
		}
		if u.Chained != nil {
			r.printf("       chained 0x%08X-0x%08X\n", u.Chained.StartAddress, u.Chained.EndAddress)
		}
	}
	r.elided(len(dir.Entries), n, "functions")
}

func (r *Reporter) printTLS() {
	dir := r.info.TLS
	if dir == nil {
		return
	}

	r.heading("[TLS] (%d callbacks)", len(dir.Callbacks))
	r.printf("  %-20s: 0x%X-0x%X (%s)\n", "Raw data", dir.StartAddressOfRawData, dir.EndAddressOfRawData,
		formatSize(int64(dir.RawDataSize())))
	r.printf("  %-20s: 0x%X\n", "Index", dir.AddressOfIndex)
	r.printf("  %-20s: %d\n", "Zero fill", dir.SizeOfZeroFill)
	for i, cb := range dir.Callbacks {
		_, _ = warnColor.Fprintf(r.w, "  %3d. callback VA 0x%X (RVA 0x%X)\n", i+1, cb.VA, cb.RVA)
	}
}

func (r *Reporter) printCertificates() {
	dir := r.info.Certificates
	if dir == nil {
		return
	}

	r.heading("[Certificates] (%d entries)", len(dir.Entries))
	for i, e := range dir.Entries {
		r.printf("  %3d. revision 0x%04X type 0x%04X at 0x%X (%s)\n",
			i+1, e.Revision, e.CertificateType, e.Location.FileOffset, formatSize(int64(e.Length)))
		if e.DigestAlgorithm != "" {
			r.printf("       digest %s\n", e.DigestAlgorithm)
		}
		for _, c := range e.Certificates {
			status := nameColor
			if !c.IsValid {
				status = warnColor
			}
			_, _ = status.Fprintf(r.w, "       %s\n", c.Subject)
			_, _ = mutedColor.Fprintf(r.w, "         issuer %s, %s - %s\n",
				c.Issuer, c.NotBefore.Format("2006-01-02"), c.NotAfter.Format("2006-01-02"))
		}
		if e.ParseErr != nil {
			_, _ = errorColor.Fprintf(r.w, "       ! %v\n", e.ParseErr)
		}
	}
}

func (r *Reporter) printResources() {
	dir := r.info.Resources
	if dir == nil {
		return
	}

	r.heading("[Resources] (%d types)", len(dir.Types))
	for _, t := range dir.Types {
		if t.Named {
			r.printf("  named type at 0x%X: %d entries\n", t.ID, t.Count)
			continue
		}
		r.printf("  %-12s %d entries\n", resourceTypeName(t.ID), t.Count)
	}

	if v := dir.Version; v != nil {
		fields := []struct{ label, value string }{
			{"Company", v.CompanyName},
			{"Product", v.ProductName},
			{"Description", v.FileDescription},
			{"File version", v.FileVersion},
			{"Product version", v.ProductVersion},
			{"Original name", v.OriginalFilename},
			{"Copyright", v.LegalCopyright},
		}
		for _, f := range fields {
			if f.value != "" {
				r.printf("  %-20s: %s\n", f.label, f.value)
			}
		}
	}
	for _, err := range dir.Errors {
		_, _ = errorColor.Fprintf(r.w, "  ! %v\n", err)
	}
}

func resourceTypeName(id uint32) string {
	switch id {
	case pe.ResourceTypeIcon:
		return "Icon"
	case pe.ResourceTypeString:
		return "String"
	case pe.ResourceTypeGroupIcon:
		return "Group icon"
	case pe.ResourceTypeVersion:
		return "Version"
	default:
		return fmt.Sprintf("Type %d", id)
	}
}

func (r *Reporter) printErrors() {
	errs := r.info.DirectoryErrors()
	if len(errs) == 0 {
		return
	}
	_, _ = errorColor.Fprintf(r.w, "\n[Decoding errors] (%d)\n", len(errs))
	for _, err := range errs {
		_, _ = errorColor.Fprintf(r.w, "  ! %v\n", err)
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
