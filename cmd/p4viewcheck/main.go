package main

// p4viewcheck is a dry-run companion to the main replication loop: given a
// config file and a list of depot paths (one per line on stdin, or as
// trailing args), it reports whether each path is in scope per the
// compiled view map and what its target-side path would be, without
// touching a live server.

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/rcowham/p4transfer/config"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func checkPaths(w io.Writer, cfg *config.Config, paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if !cfg.ViewMap.IsInScope(path) {
			fmt.Fprintf(w, "%s\tOUT-OF-SCOPE\n", path)
			continue
		}
		targ, ok := cfg.ViewMap.ToTarget(path)
		if !ok {
			fmt.Fprintf(w, "%s\tOUT-OF-SCOPE\n", path)
			continue
		}
		fmt.Fprintf(w, "%s\tIN-SCOPE\t%s\n", path, targ)
	}
}

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for p4transfer.",
		).Default("p4transfer.yaml").Short('c').Required().String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		paths = kingpin.Arg(
			"depotpath",
			"Depot paths to check (omit to read newline-separated paths from stdin).",
		).Strings()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("p4viewcheck")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Reports whether depot paths are in scope for a p4transfer view map, and their mapped target path.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(2)
	}

	if len(*paths) > 0 {
		checkPaths(os.Stdout, cfg, *paths)
		return
	}

	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("error reading stdin: %v", err)
		os.Exit(1)
	}
	checkPaths(os.Stdout, cfg, lines)
}
