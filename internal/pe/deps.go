package pe

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SystemDLLPath marks a dependency that was recognised as a system DLL and
// not searched for.
const SystemDLLPath = "<system>"

// DependencyNode represents a node in the dependency tree.
type DependencyNode struct {
	Name         string            // DLL name
	Path         string            // Full path (if found)
	Found        bool              // Whether the DLL was found
	Delayed      bool              // Imported through the delay-load table
	Dependencies []*DependencyNode // Child dependencies
	Depth        int               // Depth in dependency tree
	Err          error             // Decoding failure of this file, if any
}

// DependencyAnalysis contains the complete dependency analysis result.
type DependencyAnalysis struct {
	Root        *DependencyNode   // Root PE file
	AllDeps     map[string]string // All dependencies: name -> path
	MissingDeps []string          // List of missing dependencies
	TotalCount  int               // Total number of unique dependencies
	MaxDepth    int               // Maximum dependency depth
	HasCycles   bool              // Whether circular dependencies exist
}

// systemDLLs are well-known Windows system DLLs that are recorded but not
// searched for.
var systemDLLs = map[string]bool{
	"kernel32.dll": true,
	"ntdll.dll":    true,
	"user32.dll":   true,
	"gdi32.dll":    true,
	"advapi32.dll": true,
	"ws2_32.dll":   true,
	"msvcrt.dll":   true,
	"shell32.dll":  true,
	"ole32.dll":    true,
	"comctl32.dll": true,
	"comdlg32.dll": true,
	"oleaut32.dll": true,
	"shlwapi.dll":  true,
	"wininet.dll":  true,
	"rpcrt4.dll":   true,
	"crypt32.dll":  true,
	"version.dll":  true,
	"winspool.drv": true,
	"secur32.dll":  true,
	"netapi32.dll": true,
	"userenv.dll":  true,
	"psapi.dll":    true,
	"iphlpapi.dll": true,
	"bcrypt.dll":   true,
	"setupapi.dll": true,
	"cfgmgr32.dll": true,
	"wintrust.dll": true,
	"imagehlp.dll": true,
	"dbghelp.dll":  true,
	"imm32.dll":    true,
	"msimg32.dll":  true,
	"powrprof.dll": true,
	"uxtheme.dll":  true,
	"dwmapi.dll":   true,
}

// AnalyzeDependencies walks the import and delay-import tables of filePath
// and of every DLL it can locate, up to maxDepth levels.
func AnalyzeDependencies(filePath string, maxDepth int) (*DependencyAnalysis, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, err
	}

	analysis := &DependencyAnalysis{
		AllDeps:     make(map[string]string),
		MissingDeps: make([]string, 0),
	}

	visited := make(map[string]bool)
	analysis.Root = buildDependencyTree(filePath, 0, maxDepth, visited, analysis)
	analysis.TotalCount = len(analysis.AllDeps)
	sort.Strings(analysis.MissingDeps)

	return analysis, nil
}

func buildDependencyTree(filePath string, depth, maxDepth int, visited map[string]bool, analysis *DependencyAnalysis) *DependencyNode {
	fileName := filepath.Base(filePath)
	normalizedName := strings.ToLower(fileName)

	node := &DependencyNode{
		Name:  fileName,
		Path:  filePath,
		Found: true,
		Depth: depth,
	}

	if visited[normalizedName] {
		analysis.HasCycles = true
		return node
	}
	visited[normalizedName] = true
	defer func() { visited[normalizedName] = false }()

	if depth > analysis.MaxDepth {
		analysis.MaxDepth = depth
	}
	if depth >= maxDepth {
		return node
	}

	img, err := Open(filePath)
	if err != nil {
		node.Err = err
		return node
	}
	defer img.Close()

	deps, err := importedDLLs(img)
	node.Err = err

	baseDir := filepath.Dir(filePath)
	for _, dep := range deps {
		if isSystemDLL(dep.name) {
			analysis.AllDeps[dep.name] = SystemDLLPath
			node.Dependencies = append(node.Dependencies, &DependencyNode{
				Name:    dep.name,
				Path:    SystemDLLPath,
				Found:   true,
				Delayed: dep.delayed,
				Depth:   depth + 1,
			})
			continue
		}

		dllPath := findDLL(dep.name, baseDir)
		if dllPath == "" {
			if !contains(analysis.MissingDeps, dep.name) {
				analysis.MissingDeps = append(analysis.MissingDeps, dep.name)
			}
			node.Dependencies = append(node.Dependencies, &DependencyNode{
				Name:    dep.name,
				Delayed: dep.delayed,
				Depth:   depth + 1,
			})
			continue
		}

		analysis.AllDeps[dep.name] = dllPath
		child := buildDependencyTree(dllPath, depth+1, maxDepth, visited, analysis)
		child.Delayed = dep.delayed
		node.Dependencies = append(node.Dependencies, child)
	}

	return node
}

type importedDLL struct {
	name    string
	delayed bool
}

// importedDLLs returns the lower-cased library names of the import and
// delay-import tables, sorted by name. A library present in both is reported
// as a regular import.
func importedDLLs(img *Image) ([]importedDLL, error) {
	seen := make(map[string]bool)

	imports, importErr := DecodeImports(img)
	if imports != nil {
		for _, lib := range imports.Libraries {
			if lib.Name != "" {
				seen[strings.ToLower(lib.Name)] = false
			}
		}
	}

	delayed, delayErr := DecodeDelayImports(img)
	if delayed != nil {
		for _, lib := range delayed.Libraries {
			name := strings.ToLower(lib.Name)
			if _, ok := seen[name]; !ok && name != "" {
				seen[name] = true
			}
		}
	}

	deps := make([]importedDLL, 0, len(seen))
	for name, isDelayed := range seen {
		deps = append(deps, importedDLL{name: name, delayed: isDelayed})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].name < deps[j].name })
	return deps, errors.Join(importErr, delayErr)
}

// findDLL attempts to locate a DLL file using the Windows search order,
// followed by PATH and a default Wine prefix.
func findDLL(dllName, baseDir string) string {
	if !strings.Contains(dllName, ".") {
		dllName += ".dll"
	}

	searchPaths := []string{
		baseDir,
		"C:\\Windows\\System32",
		"C:\\Windows\\SysWOW64",
		"C:\\Windows",
		".",
	}
	if pathEnv := os.Getenv("PATH"); pathEnv != "" {
		searchPaths = append(searchPaths, filepath.SplitList(pathEnv)...)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".wine/drive_c/windows/system32"),
			filepath.Join(homeDir, ".wine/drive_c/windows/syswow64"),
		)
	}

	for _, dir := range searchPaths {
		fullPath := filepath.Join(dir, dllName)
		if st, err := os.Stat(fullPath); err == nil && !st.IsDir() {
			return fullPath
		}
	}
	return ""
}

// isSystemDLL checks if a DLL is a well-known Windows system DLL or API set.
func isSystemDLL(dllName string) bool {
	normalized := strings.ToLower(dllName)
	if systemDLLs[normalized] {
		return true
	}
	return strings.HasPrefix(normalized, "api-ms-win-") || strings.HasPrefix(normalized, "ext-ms-")
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
