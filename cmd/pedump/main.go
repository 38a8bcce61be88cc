// Package main provides the pedump CLI tool.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Workshell/pe-sub001/internal/cli"
	"github.com/Workshell/pe-sub001/internal/pe"
	"github.com/fatih/color"
	"github.com/xyproto/env/v2"
)

var (
	verbose        = flag.Bool("v", env.Bool("PEDUMP_VERBOSE"), "verbose: list every entry and decode unwind info")
	suspiciousOnly = flag.Bool("s", false, "only show RWX sections")
	limit          = flag.Int("limit", env.Int("PEDUMP_LIMIT", 10), "entries shown per list outside verbose mode")
	detectCaves    = flag.Bool("caves", false, "detect code caves")
	minCaveSize    = flag.Uint("min-cave-size", uint(env.Int("PEDUMP_MIN_CAVE", 32)), "minimum code cave size in bytes")
	analyzeDeps    = flag.Bool("deps", false, "walk DLL dependencies recursively")
	maxDepth       = flag.Uint("max-depth", uint(env.Int("PEDUMP_MAX_DEPTH", 3)), "maximum dependency depth")
	flatList       = flag.Bool("flat", false, "print dependencies as a flat list")
	strict         = flag.Bool("strict", false, "exit non-zero when any directory fails to decode")
	noColor        = flag.Bool("no-color", env.Has("NO_COLOR"), "disable coloured output")
)

var errDecoding = errors.New("one or more directories failed to decode")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *noColor {
		color.NoColor = true
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	status := 0
	for _, path := range flag.Args() {
		if err := dumpPE(path); err != nil {
			red := color.New(color.FgRed, color.Bold)
			_, _ = red.Fprintf(os.Stderr, "\nerror: %s: %v\n\n", path, err)
			status = 1
		}
	}
	os.Exit(status)
}

func dumpPE(path string) error {
	img, err := pe.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = img.Close() }()

	info, err := pe.NewAnalyzer(img).Analyze()
	if err != nil {
		return err
	}

	reporter := cli.NewReporter(color.Output, info)
	reporter.SetVerbose(*verbose)
	reporter.SetSuspiciousOnly(*suspiciousOnly)
	reporter.SetLimit(*limit)
	reporter.Print()

	if *detectCaves {
		caves, err := pe.NewCodeCaveDetector(img).FindCodeCaves(uint32(*minCaveSize))
		if err != nil {
			return fmt.Errorf("detect code caves: %w", err)
		}
		cli.PrintCodeCaves(color.Output, caves, uint32(*minCaveSize))
	}

	if *analyzeDeps {
		if err := printDependencies(path); err != nil {
			return err
		}
	}

	if *strict && len(info.Errors) > 0 {
		return errDecoding
	}
	return nil
}

func printDependencies(path string) error {
	analysis, err := pe.AnalyzeDependencies(path, int(*maxDepth))
	if err != nil {
		return fmt.Errorf("analyze dependencies: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintf(color.Output, "\n========== Dependencies ==========\n")
	if *flatList {
		cli.PrintDependencyList(color.Output, analysis)
		return nil
	}
	cli.PrintDependencyTree(color.Output, analysis.Root)
	_, _ = fmt.Fprintf(color.Output, "\n%d dependencies, max depth %d\n", analysis.TotalCount, analysis.MaxDepth)
	if len(analysis.MissingDeps) > 0 {
		red := color.New(color.FgRed)
		_, _ = red.Fprintf(color.Output, "%d missing: %v\n", len(analysis.MissingDeps), analysis.MissingDeps)
	}
	return nil
}

func printUsage() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintln(os.Stderr, "\npedump - read-only PE/COFF image dumper")

	_, _ = fmt.Fprintln(os.Stderr, "\nUsage:")
	_, _ = fmt.Fprintln(os.Stderr, "  pedump [options] <file> [file...]")
	_, _ = fmt.Fprintln(os.Stderr, "\nOptions:")
	flag.PrintDefaults()
	_, _ = fmt.Fprintln(os.Stderr, "\nEnvironment:")
	_, _ = fmt.Fprintln(os.Stderr, "  PEDUMP_VERBOSE, PEDUMP_LIMIT, PEDUMP_MIN_CAVE, PEDUMP_MAX_DEPTH set option defaults")
	_, _ = fmt.Fprintln(os.Stderr, "  NO_COLOR disables coloured output")
}
