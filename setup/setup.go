// Package setup implements Setup/Validation (spec.md §4.9): startup
// configuration checks already covered by config.validate() are extended
// here with the checks that require talking to the servers — workspace
// provisioning, seeding the counter from historical_start_change, and the
// dm.integ.engine/commit-server capability probes. The historical start
// value is not checked against changes already present on the target.
package setup

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/p4client"
	"github.com/rcowham/p4transfer/viewmap"
	"github.com/rcowham/p4transfer/workspace"
	"github.com/sirupsen/logrus"
)

// Capabilities is the outcome of the one-shot server capability probe
// described in SPEC_FULL.md's resolution of spec §9's commit-server Open
// Question: probed once here, threaded into workspace.Executor rather than
// re-probed per operation.
type Capabilities struct {
	IntegEngine  int
	CommitServer bool
}

// Result carries everything the Counter & Loop needs after a successful
// setup pass.
type Result struct {
	StartCounter int
	Capabilities workspace.Capabilities
}

// Validate performs spec.md §4.9's startup checks and provisioning against
// a live (or faked) target client, returning the seeded starting counter
// value and probed capabilities.
func Validate(ctx context.Context, logger *logrus.Logger, cfg *config.Config, source, target p4client.Client) (*Result, error) {
	if cfg.ViewMap == nil {
		return nil, errors.New("setup: configuration has no compiled view map")
	}

	if err := provisionWorkspace(ctx, cfg, source, target); err != nil {
		return nil, errors.Wrap(err, "setup: workspace provisioning")
	}

	caps, err := probeCapabilities(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "setup: capability probe")
	}
	logger.Infof("setup: dm.integ.engine=%d commitServer=%v", caps.IntegEngine, caps.CommitServer)

	startCounter, err := seedCounter(ctx, cfg, target)
	if err != nil {
		return nil, errors.Wrap(err, "setup: counter seed")
	}

	return &Result{
		StartCounter: startCounter,
		Capabilities: workspace.Capabilities{
			CommitServer:     caps.CommitServer,
			ForceOnIntegrate: caps.IntegEngine < 2,
		},
	}, nil
}

func provisionWorkspace(ctx context.Context, cfg *config.Config, source, target p4client.Client) error {
	if cfg.ViewMap.Mode() == viewmap.Stream {
		return provisionStreams(ctx, cfg, target, source)
	}
	return provisionClassical(ctx, cfg, target)
}

func provisionClassical(ctx context.Context, cfg *config.Config, target p4client.Client) error {
	view := make([][2]string, len(cfg.Views))
	for i, v := range cfg.Views {
		view[i] = [2]string{v.Src, v.Targ}
	}
	return target.CreateClassicClient(ctx, cfg.Target.Client, cfg.WorkspaceRoot, view, cfg.CaseSensitive)
}

// provisionStreams implements spec.md §4.1's "when the source-side glob
// matches multiple existing streams that have no corresponding target
// stream, a new target stream is created per match before replication
// proceeds": each templated mapping is expanded against the source
// server's actual stream list, then realized on the target.
func provisionStreams(ctx context.Context, cfg *config.Config, target p4client.Client, source p4client.Client) error {
	for _, template := range cfg.ViewMap.StreamMappings() {
		existing, err := source.ListStreams(ctx, template.Src)
		if err != nil {
			return errors.Wrapf(err, "listing source streams matching %s", template.Src)
		}
		expanded, err := cfg.ViewMap.ExpandStreamWildcards(existing)
		if err != nil {
			return errors.Wrap(err, "expanding stream wildcards")
		}
		for _, m := range expanded {
			exists, err := target.StreamExists(ctx, m.Targ)
			if err != nil {
				return errors.Wrapf(err, "checking stream %s", m.Targ)
			}
			if !exists {
				if err := target.CreateStream(ctx, m.Targ, string(m.Type), m.Parent); err != nil {
					return errors.Wrapf(err, "creating stream %s", m.Targ)
				}
			}
		}
	}
	return target.CreateStreamClient(ctx, cfg.Target.Client, cfg.WorkspaceRoot, cfg.TransferTargetStream)
}

// probeCapabilities implements the one-shot probe SPEC_FULL.md assigns to
// setup: dm.integ.engine is read from the target (taken as 2 when it
// cannot be read) and tells the executor how strict the target's default
// integration engine is. The commit-server flag is set exactly when a
// "Capabilities.CommitServer" configurable can be read from the target; a
// failed read is tolerated as "not a commit server".
func probeCapabilities(ctx context.Context, target p4client.Client) (Capabilities, error) {
	var caps Capabilities
	engine, err := target.Configure(ctx, "dm.integ.engine")
	if err != nil {
		caps.IntegEngine = 2 // assume the modern default when unset/unreadable
	} else {
		fmt.Sscanf(engine, "%d", &caps.IntegEngine)
	}

	if _, err := target.Configure(ctx, "Capabilities.CommitServer"); err == nil {
		caps.CommitServer = true
	}
	return caps, nil
}

// seedCounter implements spec.md §4.8's starting-counter rule: read the
// existing counter; if zero and historical_start_change is configured,
// seed it to historicalStartChange-1 so the first change replicated is
// historicalStartChange itself.
func seedCounter(ctx context.Context, cfg *config.Config, target p4client.Client) (int, error) {
	current, err := target.Counter(ctx, cfg.CounterName)
	if err != nil {
		return 0, err
	}
	if current != 0 {
		return current, nil
	}
	if cfg.HistoricalStartChange > 0 {
		seed := cfg.HistoricalStartChange - 1
		if err := target.SetCounter(ctx, cfg.CounterName, seed); err != nil {
			return 0, err
		}
		return seed, nil
	}
	return 0, nil
}
