package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"workcraft.ai/internal/logging"
	"workcraft.ai/internal/persistence/indexdb"
)

func main() {
	var (
		dbPath  = flag.String("db", "./data/index/runs.sqlite", "run index path")
		runID   = flag.String("run", "", "run id (default: latest)")
		listAll = flag.Bool("list", false, "list recorded runs and exit")
		top     = flag.Int("top", 10, "modules to show")
		asJSON  = flag.Bool("json", false, "print the summary as JSON")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: "warn", Console: true, Service: "schedstats"})

	r, err := indexdb.OpenReader(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open index")
	}
	defer r.Close()

	if *listAll {
		runs, err := r.Runs()
		if err != nil {
			logger.Fatal().Err(err).Msg("list runs")
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tSEED\tWORLDS\tAGENTS\tTUNING")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.12s\n", run.RunID, run.StartedAt, run.Seed, run.Worlds, run.Agents, run.TuningDigest)
		}
		_ = tw.Flush()
		return
	}

	id := *runID
	if id == "" {
		run, err := r.LatestRun()
		if err != nil {
			logger.Fatal().Err(err).Msg("latest run")
		}
		id = run.RunID
	}

	sum, err := r.Summary(id)
	if err != nil {
		logger.Fatal().Err(err).Str("run", id).Msg("summary")
	}
	mods, err := r.TopModules(id, *top)
	if err != nil {
		logger.Fatal().Err(err).Str("run", id).Msg("top modules")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			Summary indexdb.RunSummary    `json:"summary"`
			Modules []indexdb.ModuleTotal `json:"modules"`
		}{sum, mods})
		return
	}

	fmt.Printf("run %s: ticks %d..%d (%s rows)\n", id, sum.FirstTick, sum.LastTick, humanize.Comma(sum.Ticks))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, kv := range []struct {
		name string
		v    int64
	}{
		{"resolves", sum.Resolves},
		{"assigned", sum.Assigned},
		{"completed", sum.Completed},
		{"preempted", sum.Preempted},
		{"conflicts", sum.Conflicts},
		{"rebuilds", sum.Rebuilds},
		{"deferred", sum.Deferred},
		{"scan failures", sum.ScanFailures},
		{"module failures", sum.ModuleFailures},
		{"oracle calls", sum.OracleCalls},
	} {
		fmt.Fprintf(tw, "%s\t%s\t\n", kv.name, humanize.Comma(kv.v))
	}
	fmt.Fprintf(tw, "memo hit rate\t%s%%\t\n", humanize.FormatFloat("#.##", sum.MemoHitRate()*100))
	if sum.Resolves > 0 {
		fmt.Fprintf(tw, "oracle calls / resolve\t%s\t\n", humanize.FormatFloat("#.###", float64(sum.OracleCalls)/float64(sum.Resolves)))
	}
	_ = tw.Flush()

	if len(mods) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tASSIGNED")
		for _, m := range mods {
			fmt.Fprintf(tw, "%s\t%s\n", m.ModuleID, humanize.Comma(m.Assigned))
		}
		_ = tw.Flush()
	}
}
