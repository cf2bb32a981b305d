package main

// BranchStitcher: after every stream has been independently replayed,
// detect which commits on different branches represent the same
// promoted state and build the plan that rewrites the commit graph to
// express true merge ancestry.
//
// For every tree-hash bucket with more than one member, members are
// ordered by committer timestamp (transaction id breaks ties, and
// hierarchy depth ancestors-first breaks full ties) and consecutive
// pairs are classified:
//
//   different instants      the earlier commit becomes an extra parent
//                           of the later one (a merge edge);
//   same instant, same      the one source transaction promoted into
//   transaction             two streams at once; the hierarchy at that
//                           transaction says whether they are
//                           ancestor-related (child's commit is an
//                           alias of the parent's) or unrelated
//                           siblings (nothing recorded).
//
// The output is data, never action: an alias audit and a parent-list
// directive per canonical commit, for an external one-shot rewrite
// pass.  Any unresolved ambiguity aborts the whole stitch with no
// partial plan.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// planDir is where the rewrite-plan artifacts land inside the
// destination work tree.
const planDir = ".accugit"

// aliasEntry is one line of the audit listing: which commit was
// recognized as a duplicate of which, and the transaction context that
// justified it.
type aliasEntry struct {
	Old         string `json:"old"`
	Canonical   string `json:"canonical"`
	Transaction int    `json:"transaction"`
	ChildStream string `json:"child_stream"`
	BasisStream string `json:"basis_stream"`
}

// rewritePlan is the language-agnostic artifact handed to the external
// rewrite executor.
type rewritePlan struct {
	Aliases []aliasEntry        `json:"aliases"`
	Parents map[string][]string `json:"parents"`
}

type stitcher struct {
	logger *logrus.Logger
	// stateLookup resolves a commit's provenance record.
	stateLookup func(commit string) (CommitState, error)
	// hierarchyAt lists the stream forest as of a transaction.
	hierarchyAt func(tran int) ([]Stream, error)
	// streamOfBranch is the reverse lookup used when a state record
	// lacks an explicit stream name.
	streamOfBranch func(branch string) string

	hierCache map[int]map[string]Stream
	aliases   aliasMap
	parents   map[string]*orderedStringSet
	audit     []aliasEntry
}

func newStitcher(logger *logrus.Logger, stateLookup func(string) (CommitState, error),
	hierarchyAt func(int) ([]Stream, error), streamOfBranch func(string) string) *stitcher {
	return &stitcher{
		logger:         logger,
		stateLookup:    stateLookup,
		hierarchyAt:    hierarchyAt,
		streamOfBranch: streamOfBranch,
		hierCache:      make(map[int]map[string]Stream),
		aliases:        make(aliasMap),
		parents:        make(map[string]*orderedStringSet),
		audit:          nil,
	}
}

// Stitch consumes the tree-hash groupings and produces the reduced
// alias map and the remapped rewrite plan.  Any invariant violation
// aborts with no partial result.
func (st *stitcher) Stitch(groups map[string][]groupMember) (am aliasMap, plan *rewritePlan, err error) {
	defer func() {
		if x := recover(); x != nil {
			ex := catch("invariant", x)
			am, plan = nil, nil
			err = &invariantError{context: "stitch", err: ex}
		}
	}()
	for _, tree := range sortedTrees(groups) {
		members := groups[tree]
		if len(members) < 2 {
			continue
		}
		st.stitchBucket(tree, members)
	}
	if err := st.aliases.Reduce(); err != nil {
		return nil, nil, &invariantError{context: "alias reduction", err: err}
	}
	plan, err = st.remap()
	if err != nil {
		return nil, nil, err
	}
	st.logger.Infof("stitch: %d aliases, %d commits reparented", len(plan.Aliases), len(plan.Parents))
	return st.aliases, plan, nil
}

// stitchBucket applies the pairing rules to one bucket of same-tree
// commits.
func (st *stitcher) stitchBucket(tree string, members []groupMember) {
	type annotated struct {
		member groupMember
		state  CommitState
	}
	ann := make([]annotated, len(members))
	for i, m := range members {
		state, err := st.stateLookup(m.info.hash)
		if err != nil {
			panic(throw("invariant", "commit %s (tree %s) has no state record: %v",
				m.info.hash, tree, err))
		}
		ann[i] = annotated{member: m, state: state}
	}
	// Chronological order is trusted as causal order; when wall-clock
	// seconds collide the strictly ordered source system still
	// distinguishes the pair by transaction id.  Members tied on both
	// are one transaction promoted through a stream chain: ancestors
	// pair first, so every duplicate down the chain aliases toward the
	// top instead of leaving a middle commit unaliased.
	sort.SliceStable(ann, func(i, j int) bool {
		ti, tj := ann[i].member.info.committerTime, ann[j].member.info.committerTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ann[i].state.TransactionNumber != ann[j].state.TransactionNumber {
			return ann[i].state.TransactionNumber < ann[j].state.TransactionNumber
		}
		forest := st.forestAt(ann[i].state.TransactionNumber)
		di := st.streamDepth(forest, st.streamName(ann[i].member, ann[i].state, tree))
		dj := st.streamDepth(forest, st.streamName(ann[j].member, ann[j].state, tree))
		return di < dj
	})
	for i := 0; i+1 < len(ann); i++ {
		earlier, later := ann[i], ann[i+1]
		sameInstant := earlier.member.info.committerTime.Equal(later.member.info.committerTime)
		if !sameInstant || earlier.state.TransactionNumber != later.state.TransactionNumber {
			st.addMergeEdge(earlier.member, later.member)
			continue
		}
		// One transaction, two commits: promoted into two streams at
		// once.  Classify by the hierarchy at that transaction's time.
		tran := earlier.state.TransactionNumber
		nameA := st.streamName(earlier.member, earlier.state, tree)
		nameB := st.streamName(later.member, later.state, tree)
		forest := st.forestAt(tran)
		switch {
		case st.isAncestor(forest, nameA, nameB):
			// A is the basis side; B's commit duplicates it.
			st.addAlias(later.member, earlier.member, tran, nameB, nameA)
		case st.isAncestor(forest, nameB, nameA):
			st.addAlias(earlier.member, later.member, tran, nameA, nameB)
		default:
			// Unrelated siblings promoted to identical content; no
			// alias, no merge edge.
			st.logger.Debugf("transaction %d: streams %s and %s share tree %s as siblings",
				tran, nameA, nameB, tree)
		}
	}
}

// streamName resolves the originating stream of a bucket member, from
// its state record or, failing that, from branch containment.
func (st *stitcher) streamName(m groupMember, state CommitState, tree string) string {
	if state.Stream != "" {
		return state.Stream
	}
	if name := st.streamOfBranch(m.branch); name != "" {
		return name
	}
	panic(throw("invariant", "cannot resolve originating stream of commit %s (tree %s)",
		m.info.hash, tree))
}

// forestAt returns the stream forest at a transaction, memoized, keyed
// by stream name.
func (st *stitcher) forestAt(tran int) map[string]Stream {
	if forest, ok := st.hierCache[tran]; ok {
		return forest
	}
	streams, err := st.hierarchyAt(tran)
	if err != nil {
		panic(throw("invariant", "stream hierarchy at transaction %d unavailable: %v", tran, err))
	}
	forest := make(map[string]Stream, len(streams))
	for _, s := range streams {
		forest[s.Name] = s
	}
	st.hierCache[tran] = forest
	return forest
}

// isAncestor reports whether candidate is a transitive basis of stream
// in the given forest.
func (st *stitcher) isAncestor(forest map[string]Stream, candidate, stream string) bool {
	if candidate == stream {
		return false
	}
	seen := newOrderedStringSet(stream)
	cur, ok := forest[stream]
	if !ok {
		panic(throw("invariant", "stream %s not in hierarchy", stream))
	}
	for cur.Basis != "" {
		if cur.Basis == candidate {
			return true
		}
		if seen.Contains(cur.Basis) {
			panic(throw("invariant", "stream basis cycle through %s", cur.Basis))
		}
		seen.Add(cur.Basis)
		next, ok := forest[cur.Basis]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// streamDepth is the number of basis links above a stream in the
// forest.
func (st *stitcher) streamDepth(forest map[string]Stream, stream string) int {
	depth := 0
	seen := newOrderedStringSet(stream)
	cur, ok := forest[stream]
	if !ok {
		panic(throw("invariant", "stream %s not in hierarchy", stream))
	}
	for cur.Basis != "" {
		if seen.Contains(cur.Basis) {
			panic(throw("invariant", "stream basis cycle through %s", cur.Basis))
		}
		seen.Add(cur.Basis)
		depth++
		next, ok := forest[cur.Basis]
		if !ok {
			break
		}
		cur = next
	}
	return depth
}

// ensureParents seeds a commit's rewrite entry with its pre-existing
// parents, preserving their order.
func (st *stitcher) ensureParents(info commitInfo) *orderedStringSet {
	if set, ok := st.parents[info.hash]; ok {
		return set
	}
	set := new(orderedStringSet)
	for _, p := range info.parents {
		set.Add(p)
	}
	st.parents[info.hash] = set
	return set
}

// addMergeEdge records the earlier commit as an additional parent of
// the later one.
func (st *stitcher) addMergeEdge(earlier, later groupMember) {
	set := st.ensureParents(later.info)
	set.Add(earlier.info.hash)
	st.logger.Debugf("merge edge %s -> %s", earlier.info.hash, later.info.hash)
}

// addAlias records that old's commit duplicates canonical's.  A commit
// aliased to two different canonicals is a contradictory plan input.
func (st *stitcher) addAlias(old, canonical groupMember, tran int, childStream, basisStream string) {
	if prev, ok := st.aliases[old.info.hash]; ok && prev != canonical.info.hash {
		panic(throw("invariant", "commit %s aliased to both %s and %s",
			old.info.hash, prev, canonical.info.hash))
	}
	st.aliases[old.info.hash] = canonical.info.hash
	st.audit = append(st.audit, aliasEntry{
		Old:         old.info.hash,
		Canonical:   canonical.info.hash,
		Transaction: tran,
		ChildStream: childStream,
		BasisStream: basisStream,
	})
	st.logger.Debugf("alias %s -> %s (transaction %d, %s under %s)",
		old.info.hash, canonical.info.hash, tran, childStream, basisStream)
}

// remap rewrites every parent-plan key and every parent reference
// through the reduced alias map, so no entry names a non-canonical
// commit.
func (st *stitcher) remap() (*rewritePlan, error) {
	plan := &rewritePlan{Parents: make(map[string][]string)}
	for key, set := range st.parents {
		canonKey, err := st.aliases.Canonical(key)
		if err != nil {
			return nil, &invariantError{context: "remap", err: err}
		}
		merged := newOrderedStringSet(plan.Parents[canonKey]...)
		for _, parent := range *set {
			canonParent, err := st.aliases.Canonical(parent)
			if err != nil {
				return nil, &invariantError{context: "remap", err: err}
			}
			if canonParent != canonKey {
				merged.Add(canonParent)
			}
		}
		plan.Parents[canonKey] = merged
	}
	for i := range st.audit {
		canon, err := st.aliases.Canonical(st.audit[i].Canonical)
		if err != nil {
			return nil, &invariantError{context: "remap", err: err}
		}
		st.audit[i].Canonical = canon
	}
	plan.Aliases = st.audit
	return plan, nil
}

// writePlan serializes the rewrite-plan artifacts into the repository's
// plan directory.
func writePlan(logger *logrus.Logger, workdir string, plan *rewritePlan) error {
	dir := filepath.Join(workdir, planDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	audit, err := json.MarshalIndent(plan.Aliases, "", "  ")
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "alias-audit.json"), audit, 0644); err != nil {
		return err
	}
	parents, err := json.MarshalIndent(plan.Parents, "", "  ")
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "parent-plan.json"), parents, 0644); err != nil {
		return err
	}
	logger.Infof("rewrite plan written under %s", dir)
	return nil
}
