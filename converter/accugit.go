// accugit converts the history of an AccuRev depot into a git repository,
// one branch per tracked stream, then stitches cross-stream promotion
// ancestry into a rewrite plan.
package main

// The conversion is a batch, terminating run with two phases.  The
// replay phase runs the TransactionReplayEngine once per tracked
// stream, strictly sequentially, against a single shared work tree;
// a failure in one stream is reported and the run moves to the next.
// The stitch phase runs once, only after every stream's replay has
// completed, and any failure there aborts it whole: a partially
// applied rewrite plan would leave the destination history permanently
// inconsistent.  Only one accugit process may act on a destination
// repository at a time.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var version = "1.0.0"

var (
	app        = kingpin.New("accugit", "Convert an AccuRev depot's history to git, stream by stream, then stitch promotion ancestry.")
	configPath = app.Flag("config", "Run-configuration XML file.").Short('c').Default("accugit.xml").String()
	method     = app.Flag("method", "Override the change-detection method (pop, diff, deep-hist).").String()
	logLevel   = app.Flag("log-level", "Log level (debug, info, warn, error).").Default("info").String()
	logFile    = app.Flag("logfile", "Append the log to a file instead of stderr.").String()
	dryRun     = app.Flag("dry-run", "Report what would be done without touching the destination.").Bool()
	noCache    = app.Flag("no-cache", "Disable the run-scoped source query cache.").Bool()

	cmdConvert = app.Command("convert", "Replay every tracked stream onto its branch.")
	cmdStitch  = app.Command("stitch", "Stitch the replayed branches and write the rewrite plan.")
	cmdRun     = app.Command("run", "Convert, then stitch.")
)

func main() {
	app.Version(version)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		kingpin.Fatalf("bad log level %q", *logLevel)
	}
	logger.SetLevel(level)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			kingpin.Fatalf("cannot open logfile: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if *method != "" {
		cfg.Method = *method
		if _, err := parseStrategy(cfg.Method); err != nil {
			logger.Fatalf("%v", err)
		}
	}
	cfg.NoCache = *noCache

	run, err := newRunner(logger, cfg, *dryRun)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	switch command {
	case cmdConvert.FullCommand():
		if !run.convert() {
			os.Exit(1)
		}
	case cmdStitch.FullCommand():
		if err := run.stitch(); err != nil {
			logger.Fatalf("%v", err)
		}
	case cmdRun.FullCommand():
		if !run.convert() {
			logger.Error("not stitching: at least one stream failed to replay")
			os.Exit(1)
		}
		if *dryRun {
			return
		}
		if err := run.stitch(); err != nil {
			logger.Fatalf("%v", err)
		}
	}
}

// runner wires the collaborators for one conversion run.
type runner struct {
	logger *logrus.Logger
	cfg    *Config
	src    sourceConn
	dst    destConn
	notes  *stateStore
	engine *replayEngine
	dryRun bool
}

func newRunner(logger *logrus.Logger, cfg *Config, dryRun bool) (*runner, error) {
	ac, err := newAccurevClient(logger, cfg.Accurev.Depot, cfg.Encoding, !cfg.NoCache)
	if err != nil {
		return nil, err
	}
	if err := ac.Login(cfg.Accurev.Username, cfg.Accurev.Password); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Git.RepoPath, 0755); err != nil {
		return nil, err
	}
	git := newGitClient(logger, cfg.Git.RepoPath)
	if !dryRun {
		if err := git.InitRepo(); err != nil {
			return nil, err
		}
	}
	notes := newStateStore(logger, git, cfg.Git.StateRef, cfg.Git.HistRef)
	idmap, err := newIdentityMap(logger, cfg.UserMaps)
	if err != nil {
		return nil, err
	}
	strat, err := parseStrategy(cfg.Method)
	if err != nil {
		return nil, err
	}
	engine := &replayEngine{
		logger:   logger,
		src:      ac,
		dst:      git,
		notes:    notes,
		detector: newChangeDetector(logger, ac, strat),
		idmap:    idmap,
		depot:    cfg.Accurev.Depot,
		marker:   cfg.Git.Marker,
		dryRun:   dryRun,
	}
	return &runner{
		logger: logger,
		cfg:    cfg,
		src:    ac,
		dst:    git,
		notes:  notes,
		engine: engine,
		dryRun: dryRun,
	}, nil
}

// endTransaction resolves the configured end bound, which may be a
// number or "now".
func (r *runner) endTransaction() (int, error) {
	if r.cfg.Accurev.EndTran != "now" {
		return strconv.Atoi(r.cfg.Accurev.EndTran)
	}
	latest, err := r.src.History("", "now.1")
	if err != nil {
		return 0, err
	}
	if len(latest) == 0 {
		return 0, fmt.Errorf("depot %s has no transactions", r.cfg.Accurev.Depot)
	}
	return latest[len(latest)-1].ID, nil
}

// convert replays every tracked stream and prints the per-stream
// report.  Returns false if any stream failed.
func (r *runner) convert() bool {
	end, err := r.endTransaction()
	if err != nil {
		r.logger.Errorf("cannot resolve end transaction: %v", err)
		return false
	}
	streams, err := r.src.ListStreams(end)
	if err != nil {
		r.logger.Errorf("cannot list streams: %v", err)
		return false
	}
	byName := make(map[string]Stream, len(streams))
	for _, s := range streams {
		byName[s.Name] = s
	}
	r.warnUnmappedUsers()
	var results []streamResult
	ok := true
	for _, tracked := range r.cfg.Accurev.Streams {
		stream, found := byName[tracked.Name]
		if !found {
			results = append(results, streamResult{
				Stream: tracked.Name, Branch: tracked.Branch,
				Err: fmt.Errorf("stream not in depot %s at transaction %d", r.cfg.Accurev.Depot, end),
			})
			ok = false
			continue
		}
		result := r.engine.ReplayStream(stream, tracked.Branch, r.cfg.Accurev.StartTran, end)
		if result.Err != nil {
			r.logger.Errorf("stream %s: %v", tracked.Name, result.Err)
			ok = false
		}
		results = append(results, result)
	}
	report(results)
	return ok
}

// warnUnmappedUsers flags depot users the usermap does not cover.  The
// conversion still proceeds; unmapped users pass through raw.
func (r *runner) warnUnmappedUsers() {
	users, err := r.src.ListUsers()
	if err != nil {
		r.logger.Warnf("cannot list depot users: %v", err)
		return
	}
	mapped := make(map[string]bool)
	for _, entry := range r.cfg.UserMaps.Entries {
		mapped[entry.Accurev.Username] = true
	}
	for _, u := range users {
		if !mapped[u.Name] {
			r.logger.Warnf("depot user %s has no usermap entry", u.Name)
		}
	}
}

func report(results []streamResult) {
	fmt.Printf("%-24s %-24s %8s %12s  %s\n", "STREAM", "BRANCH", "COMMITS", "LAST TRAN", "STATUS")
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
		}
		fmt.Printf("%-24s %-24s %8d %12d  %s\n", res.Stream, res.Branch, res.Commits, res.LastTran, status)
	}
}

// stitch extracts the commit graph, builds the alias and rewrite maps,
// and writes the plan artifacts.  Never applies the rewrite itself.
func (r *runner) stitch() error {
	groups, err := extractGroups(r.logger, r.dst, r.cfg.branches())
	if err != nil {
		return err
	}
	st := newStitcher(r.logger,
		r.notes.ReadState,
		func(tran int) ([]Stream, error) { return r.src.ListStreams(tran) },
		r.cfg.streamFor)
	_, plan, err := st.Stitch(groups)
	if err != nil {
		return err
	}
	return writePlan(r.logger, r.dst.WorkDir(), plan)
}
