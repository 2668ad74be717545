package main

// p4transfergraph renders the integration graph recorded on a Perforce
// server as a DOT file (and optionally a PNG), with edges labelled by
// integration how-code (branch/merge/copy/...). It walks `p4 filelog` for
// every depot path given on the command line and draws one edge per
// "from"-side integration record.

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emicklei/dot"
	graphviz "github.com/goccy/go-graphviz"
	"github.com/rcowham/p4transfer/p4client"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

// pathGraph builds one dot.Node per distinct depot path and one edge per
// integration record's "from" side, labelled with its how-code.
type pathGraph struct {
	graph *dot.Graph
	nodes map[string]dot.Node
}

func newPathGraph() *pathGraph {
	return &pathGraph{graph: dot.NewGraph(dot.Directed), nodes: map[string]dot.Node{}}
}

func (p *pathGraph) node(path string) dot.Node {
	if n, ok := p.nodes[path]; ok {
		return n
	}
	n := p.graph.Node(path)
	p.nodes[path] = n
	return n
}

func (p *pathGraph) addIntegration(fromPath, toPath string, how interface{ String() string }) {
	p.graph.Edge(p.node(fromPath), p.node(toPath), how.String())
}

func buildGraph(ctx context.Context, logger *logrus.Logger, client p4client.Client, paths []string) (*pathGraph, error) {
	pg := newPathGraph()
	for _, path := range paths {
		revs, err := client.Filelog(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("filelog %s: %w", path, err)
		}
		pg.node(path)
		for _, rev := range revs {
			for _, rec := range rev.Integrations {
				if !rec.How.IsFromSide() {
					continue
				}
				logger.Debugf("edge %s -> %s (%s)", rec.OtherDepotPath, path, rec.How)
				pg.addIntegration(rec.OtherDepotPath, path, rec.How)
			}
		}
	}
	return pg, nil
}

func main() {
	var (
		port = kingpin.Flag("port", "Perforce server address (P4PORT).").Short('p').Required().String()
		user = kingpin.Flag("user", "Perforce user (P4USER).").Short('u').Required().String()
		wsClient = kingpin.Flag("client", "Perforce workspace (P4CLIENT).").Short('c').Required().String()
		output = kingpin.Flag("output", "DOT file to write.").Short('o').Default("p4transfer.dot").String()
		outputPNG = kingpin.Flag("png", "Optional PNG file to additionally render via goccy/go-graphviz.").String()
		debug = kingpin.Flag("debug", "Enable debugging level.").Int()
		paths = kingpin.Arg("depotpath", "One or more depot paths (with revision ranges) to graph, e.g. //depot/proj/....").Required().Strings()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("p4transfergraph")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Renders a Perforce server's integration history as a DOT graph.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("p4transfergraph"))
	logger.Infof("Starting %s, paths: %v", startTime, *paths)

	client := p4client.NewCLIClient(logger, *port, *user, *wsClient)
	pg, err := buildGraph(context.Background(), logger, client, *paths)
	if err != nil {
		logger.Errorf("building graph: %v", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*output, []byte(pg.graph.String()), 0644); err != nil {
		logger.Errorf("writing %s: %v", *output, err)
		os.Exit(1)
	}

	if *outputPNG != "" {
		gv := graphviz.New()
		graph, err := graphviz.ParseBytes([]byte(pg.graph.String()))
		if err != nil {
			logger.Errorf("parsing dot for render: %v", err)
			os.Exit(1)
		}
		if err := gv.RenderFilename(graph, graphviz.PNG, *outputPNG); err != nil {
			logger.Errorf("rendering %s: %v", *outputPNG, err)
			os.Exit(1)
		}
	}
}
