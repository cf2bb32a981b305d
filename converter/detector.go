package main

// ChangeDetector: given a stream and a transaction cursor, decide the
// next transaction that materially changed the stream.  Three
// interchangeable strategies:
//
//   pop       next = cursor+1 unconditionally, no diff; the caller must
//             refresh the whole tree.
//   diff      probe cursor+1, cursor+2, ... one transaction at a time
//             until a probe yields a non-empty structural diff.  The
//             probes must be one at a time: a windowed probe can hide a
//             change reverted inside the window and silently skip a
//             real historical state.
//   deep-hist once per run, precompute the ordered transaction set that
//             could have affected the stream (its own history plus its
//             ancestors' promotions, minus transactions a time-lock
//             makes irrelevant); then diff only at those candidates.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// sourceConn is the source-system query surface the core consumes.
// *accurevClient is the real implementation; tests substitute a scripted
// fake.
type sourceConn interface {
	History(stream string, tranSpec string, kinds ...string) ([]Transaction, error)
	RawTransaction(tran int) (string, error)
	Diff(stream string, a, b int) ([]string, error)
	Populate(stream string, tran int, dir string) error
	ListStreams(tran int) ([]Stream, error)
	ListUsers() ([]User, error)
}

type strategy int

const (
	strategyPop strategy = iota
	strategyDiff
	strategyDeepHist
)

func parseStrategy(s string) (strategy, error) {
	switch s {
	case "pop":
		return strategyPop, nil
	case "diff":
		return strategyDiff, nil
	case "deep-hist":
		return strategyDeepHist, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

func (s strategy) String() string {
	return [...]string{"pop", "diff", "deep-hist"}[s]
}

type changeDetector struct {
	logger   *logrus.Logger
	src      sourceConn
	strategy strategy
	// deep-hist candidate sets, computed once per (stream, end) and
	// reused for the rest of the run.
	deep map[string]*fastOrderedIntSet
}

func newChangeDetector(logger *logrus.Logger, src sourceConn, strat strategy) *changeDetector {
	return &changeDetector{
		logger:   logger,
		src:      src,
		strategy: strat,
		deep:     make(map[string]*fastOrderedIntSet),
	}
}

// NextChange returns the next transaction after cursor, at most end,
// that changed the stream, plus the structural diff when the strategy
// computes one.  A zero transaction means no further change exists in
// the bound.  On any query failure the caller must not advance its
// cursor.
func (cd *changeDetector) NextChange(stream Stream, cursor, end int) (int, []string, error) {
	switch cd.strategy {
	case strategyPop:
		if cursor+1 > end {
			return 0, nil, nil
		}
		return cursor + 1, nil, nil
	case strategyDiff:
		for probe := cursor + 1; probe <= end; probe++ {
			paths, err := cd.src.Diff(stream.Name, cursor, probe)
			if err != nil {
				return 0, nil, err
			}
			if len(paths) > 0 {
				return probe, paths, nil
			}
		}
		return 0, nil, nil
	case strategyDeepHist:
		candidates, err := cd.candidates(stream, end)
		if err != nil {
			return 0, nil, err
		}
		for _, tran := range candidates.Values() {
			if tran <= cursor || tran > end {
				continue
			}
			paths, err := cd.src.Diff(stream.Name, cursor, tran)
			if err != nil {
				return 0, nil, err
			}
			if len(paths) > 0 {
				return tran, paths, nil
			}
		}
		return 0, nil, nil
	}
	return 0, nil, fmt.Errorf("unreachable strategy %d", cd.strategy)
}

// candidates returns, ascending, every transaction that could have
// affected the stream: its own full history plus promotions into each of
// its transitive ancestors.  An ancestor behind a time-lock contributes
// nothing after the lock instant, because the locked stream sees its
// basis as of that past time.
func (cd *changeDetector) candidates(stream Stream, end int) (*fastOrderedIntSet, error) {
	if set, ok := cd.deep[stream.Name]; ok {
		return set, nil
	}
	spec := fmt.Sprintf("%d-1", end)
	set := newFastOrderedIntSet()
	own, err := cd.src.History(stream.Name, spec)
	if err != nil {
		return nil, err
	}
	for i := range own {
		set.Add(own[i].ID)
	}
	streams, err := cd.src.ListStreams(end)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]Stream, len(streams))
	byName := make(map[string]Stream, len(streams))
	for _, s := range streams {
		byNumber[s.Number] = s
		byName[s.Name] = s
	}
	// Walk the basis chain.  The tightest time-lock seen so far on the
	// way up bounds every ancestor above it.
	lock := stream.Timelock
	cur := stream
	seen := newFastOrderedIntSet(cur.Number)
	for cur.Basis != "" {
		parent, ok := byName[cur.Basis]
		if !ok {
			parent, ok = byNumber[cur.BasisNumber]
		}
		if !ok {
			cd.logger.Warnf("stream %s: basis %s not visible at transaction %d",
				cur.Name, cur.Basis, end)
			break
		}
		if seen.Contains(parent.Number) {
			return nil, fmt.Errorf("stream basis cycle at %s", parent.Name)
		}
		seen.Add(parent.Number)
		promos, err := cd.src.History(parent.Name, spec, kindPromote.String())
		if err != nil {
			return nil, err
		}
		for i := range promos {
			if lock != 0 && promos[i].Time > lock {
				continue
			}
			set.Add(promos[i].ID)
		}
		if parent.Timelock != 0 && (lock == 0 || parent.Timelock < lock) {
			lock = parent.Timelock
		}
		cur = parent
	}
	sorted := set.Sort()
	cd.logger.Debugf("stream %s: %d deep-hist candidates through transaction %d",
		stream.Name, sorted.Size(), end)
	cd.deep[stream.Name] = sorted
	return sorted, nil
}
