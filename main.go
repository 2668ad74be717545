package main

// p4transfer replicates changes from a source Perforce server to a target
// Perforce server on a continuous basis.
//
// Design:
// main() parses CLI flags and the YAML config file, then runs three
// phases:
//   - setup.Validate: provision the target workspace/streams, probe
//     dm.integ.engine/Capabilities.CommitServer, seed the starting counter.
//   - counter.NewLoop/Run: the steady-state poll/classify/resolve/execute/
//     submit/advance loop, one source change at a time.
//   - on exit, log a final summary and translate outcome to an exit code.
//
// Exit codes: 0 on clean completion (or context cancellation via signal),
// 1 if any replicated change failed to submit, 2 on configuration error.
import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/counter"
	"github.com/rcowham/p4transfer/journal"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/setup"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const dateTimeLayout = "2006/1/2 15:04"

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for p4transfer.",
		).Default("p4transfer.yaml").Short('c').Required().String()
		stopOnError = kingpin.Flag(
			"stoponerror",
			"Stop (rather than retry) if a change fails to submit.",
		).Short('s').Bool()
		maxChanges = kingpin.Flag(
			"maxchanges",
			"Max number of changes to process before exiting (0 = unlimited).",
		).Short('m').Int()
		endDatetime = kingpin.Flag(
			"end-datetime",
			"Stop once this local datetime (YYYY/MM/DD HH:MM) is reached, overriding config end_datetime.",
		).String()
		nokeywords = kingpin.Flag(
			"nokeywords",
			"Disable RCS keyword expansion on retried submits.",
		).Bool()
		resetConnection = kingpin.Flag(
			"reset-connection",
			"Recycle source/target server connections after this many changes, overriding config.",
		).Int()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		cpuProfile = kingpin.Flag(
			"profile.cpu",
			"Write a CPU profile to this directory for the duration of the run.",
		).String()
		memProfile = kingpin.Flag(
			"profile.mem",
			"Write a memory profile to this directory on exit.",
		).String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("p4transfer")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Continuously replicates changes from a source Perforce server to a target Perforce server.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	if *cpuProfile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*cpuProfile)).Stop()
	} else if *memProfile != "" {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(*memProfile)).Stop()
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("p4transfer"))
	logger.Infof("Starting %s, config: %s", startTime, *configFile)

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(2)
	}
	if *endDatetime != "" {
		parsed, err := time.ParseInLocation(dateTimeLayout, *endDatetime, time.Local)
		if err != nil {
			logger.Errorf("invalid --end-datetime %q: %v", *endDatetime, err)
			os.Exit(2)
		}
		cfg.EndDatetimeParsed = parsed
	}
	if *resetConnection > 0 {
		cfg.ResetConnection = *resetConnection
	}

	source := p4client.NewCLIClient(logger, cfg.Source.Address, cfg.Source.User, cfg.Source.Client)
	target := p4client.NewCLIClient(logger, cfg.Target.Address, cfg.Target.User, cfg.Target.Client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("p4transfer: signal received, shutting down after the current change")
		cancel()
	}()

	result, err := setup.Validate(ctx, logger, cfg, source, target)
	if err != nil {
		logger.Errorf("setup validation failed: %v", err)
		os.Exit(2)
	}

	var changeMap counter.ChangeMapAppender
	if cfg.ChangeMapFile != "" {
		cm := journal.NewChangeMap(cfg.ChangeMapFile)
		if _, err := os.Stat(cfg.ChangeMapFile); os.IsNotExist(err) {
			if err := cm.CreateChangeMap(); err != nil {
				logger.Errorf("error creating change map %s: %v", cfg.ChangeMapFile, err)
				os.Exit(2)
			}
			if err := cm.WriteHeader(); err != nil {
				logger.Errorf("error writing change map header: %v", err)
				os.Exit(2)
			}
		} else {
			f, err := os.OpenFile(cfg.ChangeMapFile, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				logger.Errorf("error opening change map %s: %v", cfg.ChangeMapFile, err)
				os.Exit(2)
			}
			defer f.Close()
			cm.SetWriter(f)
		}
		changeMap = cm
	}

	fetcher := contentFetcher{client: source}
	opts := counter.Options{
		Config:       cfg,
		Source:       source,
		Target:       target,
		Capabilities: result.Capabilities,
		MaxChanges:   *maxChanges,
		StopOnError:  *stopOnError,
		Nokeywords:   *nokeywords,
	}
	loop := counter.NewLoop(logger, opts, result.StartCounter, fetcher, changeMap)

	summary, err := loop.Run(ctx)
	elapsed := time.Since(startTime)
	logger.Infof("p4transfer: finished in %s - submitted=%d skipped=%d degraded=%d",
		elapsed, summary.ChangesSubmitted, summary.ChangesSkipped, summary.Degradations)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("p4transfer: %v", err)
		os.Exit(1)
	}
}

// contentFetcher adapts p4client.Client.FetchContent to workspace.ContentFetcher.
type contentFetcher struct {
	client p4client.Client
}

func (f contentFetcher) Fetch(ctx context.Context, depotPath string, rev int) ([]byte, error) {
	data, err := f.client.FetchContent(ctx, depotPath, rev)
	if err != nil {
		return nil, fmt.Errorf("fetch %s#%d: %w", depotPath, rev, err)
	}
	return data, nil
}
