// fsl-graph renders the crosslinked commit history of a repository as a
// graphviz dot file, exercising the timeline rail layouter (§4.H).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/graph"
	"github.com/gofossil/fossilgo/internal/rebuild"
	"github.com/gofossil/fossilgo/internal/repo"
	"github.com/gofossil/fossilgo/internal/store"
	"github.com/gofossil/fossilgo/internal/version"
)

var (
	app       = kingpin.New("fsl-graph", "Render a repository's commit graph to graphviz dot.")
	srcDir    = app.Arg("srcdir", "Directory produced by fossilgo deconstruct.").Required().String()
	outFile   = app.Flag("out", "Dot file to write.").Short('o').Default("graph.dot").String()
	railLimit = app.Flag("max-rail", "Rail budget override.").Short('r').Int()
	debug     = app.Flag("debug", "Enable debugging level.").Bool()
)

func main() {
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("fsl-graph")).Author("fossilgo contributors")
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	cfg, _ := config.Unmarshal(nil)
	st := store.New(logger, cfg)
	r := repo.New(logger, cfg, st)

	if err := rebuild.Reconstruct(logger, st, r, *srcDir); err != nil {
		logger.Fatalf("reconstruct: %v", err)
	}

	maxRail := *railLimit
	if maxRail <= 0 {
		maxRail = cfg.RailBudget
	}
	rows := buildRows(r)
	res := graph.Layout(rows, maxRail)
	if res.Overfull {
		logger.Warnf("graph overflowed %d rails; extra rails are drawn on the last rail", maxRail)
	}

	dotGraph := graph.RenderDot(res)
	if err := os.WriteFile(*outFile, []byte(dotGraph.String()), 0o644); err != nil {
		logger.Fatalf("write %s: %v", *outFile, err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s (%d commits, %d rails)\n", *outFile, len(res.Rows), res.RailCount)
}

func buildRows(r *repo.Repository) []graph.Row {
	leaves := r.Leaves()
	isLeaf := map[int]bool{}
	for _, l := range leaves {
		isLeaf[l] = true
	}

	seen := map[int]bool{}
	var order []int
	var walk func(rid int)
	walk = func(rid int) {
		if seen[rid] {
			return
		}
		seen[rid] = true
		order = append(order, rid)
		for _, p := range r.Parents(rid) {
			if p != 0 {
				walk(p)
			}
		}
	}
	for _, leaf := range leaves {
		walk(leaf)
	}
	rows := make([]graph.Row, 0, len(order))
	for _, rid := range order {
		parents := r.Parents(rid)
		var filtered []int
		for _, p := range parents {
			if p != 0 {
				filtered = append(filtered, p)
			}
		}
		rows = append(rows, graph.Row{
			Rid:     rid,
			Parents: filtered,
			Branch:  "trunk",
			IsLeaf:  isLeaf[rid],
		})
	}
	return rows
}
