package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/Workshell/pe-sub001/internal/pe"
)

// PrintDependencyTree prints node and its children as an indented tree.
func PrintDependencyTree(w io.Writer, node *pe.DependencyNode) {
	printDependencyNode(w, node, "", true)
}

func printDependencyNode(w io.Writer, node *pe.DependencyNode, prefix string, isLast bool) {
	if node == nil {
		return
	}

	marker := "├── "
	if isLast {
		marker = "└── "
	}
	if node.Depth == 0 {
		marker = ""
	}

	_, _ = fmt.Fprintf(w, "%s%s", prefix, marker)
	switch {
	case !node.Found:
		_, _ = errorColor.Fprintf(w, "%s (NOT FOUND)", node.Name)
	case node.Path == pe.SystemDLLPath:
		_, _ = mutedColor.Fprintf(w, "%s (system)", node.Name)
	default:
		_, _ = nameColor.Fprint(w, node.Name)
	}
	if node.Delayed {
		_, _ = warnColor.Fprint(w, " [delay-load]")
	}
	if node.Err != nil {
		_, _ = errorColor.Fprintf(w, " ! %v", node.Err)
	}
	_, _ = fmt.Fprintln(w)

	childPrefix := prefix
	if node.Depth > 0 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	for i, child := range node.Dependencies {
		printDependencyNode(w, child, childPrefix, i == len(node.Dependencies)-1)
	}
}

// PrintDependencyList prints a flat summary of all dependencies.
func PrintDependencyList(w io.Writer, analysis *pe.DependencyAnalysis) {
	_, _ = headingColor.Fprintf(w, "\n[Dependency summary]\n")
	_, _ = fmt.Fprintf(w, "  %-20s: %d\n", "Dependencies", analysis.TotalCount)
	_, _ = fmt.Fprintf(w, "  %-20s: %d\n", "Max depth", analysis.MaxDepth)
	_, _ = fmt.Fprintf(w, "  %-20s: %v\n", "Cycles", analysis.HasCycles)
	_, _ = fmt.Fprintf(w, "  %-20s: %d\n", "Missing", len(analysis.MissingDeps))

	if len(analysis.MissingDeps) > 0 {
		_, _ = errorColor.Fprintf(w, "\n  Missing DLLs:\n")
		for _, dll := range analysis.MissingDeps {
			_, _ = fmt.Fprintf(w, "    - %s\n", dll)
		}
	}

	names := make([]string, 0, len(analysis.AllDeps))
	for dll := range analysis.AllDeps {
		names = append(names, dll)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintf(w, "\n  All dependencies:\n")
	for _, dll := range names {
		path := analysis.AllDeps[dll]
		if path == pe.SystemDLLPath {
			_, _ = mutedColor.Fprintf(w, "    ✓ %s (system)\n", dll)
			continue
		}
		_, _ = nameColor.Fprintf(w, "    ✓ %s\n", dll)
		_, _ = fmt.Fprintf(w, "      → %s\n", path)
	}
}

// PrintCodeCaves prints the caves found in an image.
func PrintCodeCaves(w io.Writer, caves []pe.CodeCave, minSize uint32) {
	_, _ = bannerColor.Fprintf(w, "\n========== Code caves (min %d bytes) ==========\n", minSize)
	if len(caves) == 0 {
		_, _ = warnColor.Fprintln(w, "  none found")
		return
	}

	_, _ = nameColor.Fprintf(w, "  %d caves:\n", len(caves))
	for i, cave := range caves {
		section := "-"
		if cave.Location.Section != nil {
			section = cave.Location.Section.Name
		}
		_, _ = fmt.Fprintf(w, "  %3d. %-8s offset 0x%08X  RVA 0x%08X  %s  fill 0x%02X\n",
			i+1, section, cave.Location.FileOffset, cave.Location.RVA,
			formatSize(int64(cave.Size())), cave.FillByte)
	}
}
