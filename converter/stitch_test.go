package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

// stitchWorld is a synthetic pre-rewrite destination: commit metadata,
// state records, and a stream forest.
type stitchWorld struct {
	states map[string]CommitState
	forest []Stream
}

func (w *stitchWorld) lookup(commit string) (CommitState, error) {
	state, ok := w.states[commit]
	if !ok {
		return CommitState{}, errNoState
	}
	return state, nil
}

func (w *stitchWorld) hierarchy(tran int) ([]Stream, error) {
	return w.forest, nil
}

func (w *stitchWorld) addCommit(hash, tree, stream string, streamNum, tran int, when int64, parents ...string) groupMember {
	w.states[hash] = CommitState{
		Depot:             "Apex",
		Stream:            stream,
		StreamNumber:      streamNum,
		TransactionNumber: tran,
		TransactionKind:   "promote",
	}
	return groupMember{
		branch: stream,
		info: commitInfo{
			hash:          hash,
			tree:          tree,
			parents:       parents,
			committerTime: time.Unix(when, 0),
		},
	}
}

func newStitchWorld() *stitchWorld {
	return &stitchWorld{
		states: make(map[string]CommitState),
		forest: []Stream{
			{Name: "Apex", Number: 1},
			{Name: "Apex_dev", Number: 2, Basis: "Apex", BasisNumber: 1},
			{Name: "Apex_qa", Number: 3, Basis: "Apex", BasisNumber: 1},
			{Name: "Apex_dev_feat", Number: 4, Basis: "Apex_dev", BasisNumber: 2},
		},
	}
}

func (w *stitchWorld) stitcher() *stitcher {
	return newStitcher(testLogger(), w.lookup, w.hierarchy, func(branch string) string { return branch })
}

func TestSameTransactionParentChildAlias(t *testing.T) {
	w := newStitchWorld()
	// One promotion lands identical content in Apex_dev and its basis
	// Apex at the same instant: the child's commit is a duplicate.
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	c1 := w.addCommit("c1", "treeX", "Apex_dev", 2, 40, 4000)
	groups := map[string][]groupMember{"treeX": {c1, p1}}
	am, plan, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertEqual(t, am["c1"], "p1")
	for _, parents := range plan.Parents {
		for _, parent := range parents {
			if parent == "c1" || parent == "p1" {
				t.Errorf("no merge edge expected for an aliased pair, got parents %v", parents)
			}
		}
	}
}

func TestGrandparentAlias(t *testing.T) {
	w := newStitchWorld()
	// The ancestor check is transitive: Apex is the basis of the basis
	// of Apex_dev_feat.
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	c1 := w.addCommit("c1", "treeX", "Apex_dev_feat", 4, 40, 4000)
	groups := map[string][]groupMember{"treeX": {p1, c1}}
	am, _, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertEqual(t, am["c1"], "p1")
}

func TestSiblingSameTransactionRecordsNothing(t *testing.T) {
	w := newStitchWorld()
	// Apex_dev and Apex_qa are unrelated siblings; identical content
	// from one transaction is coincidence, not ancestry.
	d1 := w.addCommit("d1", "treeX", "Apex_dev", 2, 40, 4000)
	q1 := w.addCommit("q1", "treeX", "Apex_qa", 3, 40, 4000)
	groups := map[string][]groupMember{"treeX": {d1, q1}}
	am, plan, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertIntEqual(t, len(am), 0)
	for _, parents := range plan.Parents {
		assertIntEqual(t, len(parents), 0)
	}
}

func TestCrossTimeMergeEdge(t *testing.T) {
	w := newStitchWorld()
	// Apex_dev reaches tree X at transaction 10; Apex_qa reaches the
	// same tree later at transaction 20: a promotion flowed across.
	a1 := w.addCommit("a1", "treeX", "Apex_dev", 2, 10, 1000)
	b1 := w.addCommit("b1", "treeX", "Apex_qa", 3, 20, 2000, "b0")
	groups := map[string][]groupMember{"treeX": {b1, a1}}
	am, plan, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertIntEqual(t, len(am), 0)
	parents := plan.Parents["b1"]
	if !reflect.DeepEqual(parents, []string{"b0", "a1"}) {
		t.Errorf("expected parents [b0 a1], got %v", parents)
	}
}

func TestEqualTimestampsOrderedByTransaction(t *testing.T) {
	w := newStitchWorld()
	// Same wall-clock second, distinct transactions: the lower id is
	// causally earlier and becomes the parent.
	later := w.addCommit("late", "treeX", "Apex_qa", 3, 21, 2000)
	earlier := w.addCommit("early", "treeX", "Apex_dev", 2, 20, 2000)
	groups := map[string][]groupMember{"treeX": {later, earlier}}
	_, plan, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	parents := plan.Parents["late"]
	if !reflect.DeepEqual(parents, []string{"early"}) {
		t.Errorf("expected parents [early], got %v", parents)
	}
}

func TestAliasChainsReduceToCanonical(t *testing.T) {
	w := newStitchWorld()
	// The same transaction promotes identical content through a
	// grandchild, child, and parent stream; both lower commits must
	// alias directly to the top one.
	top := w.addCommit("top", "treeX", "Apex", 1, 40, 4000)
	mid := w.addCommit("mid", "treeX", "Apex_dev", 2, 40, 4000)
	low := w.addCommit("low", "treeX", "Apex_dev_feat", 4, 40, 4000)
	groups := map[string][]groupMember{"treeX": {low, mid, top}}
	am, _, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertEqual(t, am["low"], "top")
	assertEqual(t, am["mid"], "top")
	// Idempotence: every value is a fixed point.
	for _, canonical := range am {
		if target, mapped := am[canonical]; mapped && target != canonical {
			t.Errorf("alias value %s is not canonical", canonical)
		}
	}
}

func TestAliasOrderIndependence(t *testing.T) {
	// One transaction promoting identical content through a three-deep
	// stream chain must alias both lower commits to the top one no
	// matter what order the bucket arrives in.
	orders := [][]string{
		{"top", "mid", "low"},
		{"top", "low", "mid"},
		{"mid", "top", "low"},
		{"mid", "low", "top"},
		{"low", "top", "mid"},
		{"low", "mid", "top"},
	}
	for _, order := range orders {
		w := newStitchWorld()
		byName := map[string]groupMember{
			"top": w.addCommit("top", "treeX", "Apex", 1, 40, 4000),
			"mid": w.addCommit("mid", "treeX", "Apex_dev", 2, 40, 4000),
			"low": w.addCommit("low", "treeX", "Apex_dev_feat", 4, 40, 4000),
		}
		members := make([]groupMember, 0, len(order))
		for _, name := range order {
			members = append(members, byName[name])
		}
		am, plan, err := w.stitcher().Stitch(map[string][]groupMember{"treeX": members})
		assertNoErr(t, err)
		if am["mid"] != "top" || am["low"] != "top" {
			t.Errorf("order %v: aliases %v, want mid and low -> top", order, am)
		}
		assertIntEqual(t, len(plan.Aliases), 2)
	}
}

func TestAliasAcyclicity(t *testing.T) {
	w := newStitchWorld()
	var members []groupMember
	for i := 0; i < 6; i++ {
		stream := w.forest[i%4]
		members = append(members, w.addCommit(
			fmt.Sprintf("h%d", i), "treeX", stream.Name, stream.Number, 40+i, int64(4000+i*7)))
	}
	am, _, err := w.stitcher().Stitch(map[string][]groupMember{"treeX": members})
	assertNoErr(t, err)
	for key := range am {
		cur := key
		for step := 0; ; step++ {
			next, ok := am[cur]
			if !ok || next == cur {
				break
			}
			if step > len(am) {
				t.Fatalf("alias chain from %s does not terminate", key)
			}
			cur = next
		}
	}
}

func TestStitchIdempotence(t *testing.T) {
	w := newStitchWorld()
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	c1 := w.addCommit("c1", "treeX", "Apex_dev", 2, 40, 4000)
	b1 := w.addCommit("b1", "treeY", "Apex_qa", 3, 50, 5000)
	a1 := w.addCommit("a1", "treeY", "Apex_dev", 2, 45, 4500)
	groups := map[string][]groupMember{
		"treeX": {c1, p1},
		"treeY": {b1, a1},
	}
	am1, plan1, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	am2, plan2, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	if !reflect.DeepEqual(am1, am2) {
		t.Errorf("alias maps differ across runs: %v vs %v", am1, am2)
	}
	if !reflect.DeepEqual(plan1.Parents, plan2.Parents) {
		t.Errorf("rewrite plans differ across runs: %v vs %v", plan1.Parents, plan2.Parents)
	}
}

func TestMissingStateAbortsStitch(t *testing.T) {
	w := newStitchWorld()
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	orphan := groupMember{branch: "Apex_dev", info: commitInfo{hash: "zz", tree: "treeX", committerTime: time.Unix(4000, 0)}}
	_, _, err := w.stitcher().Stitch(map[string][]groupMember{"treeX": {p1, orphan}})
	if _, ok := err.(*invariantError); !ok {
		t.Fatalf("expected an invariant error, got %v", err)
	}
}

func TestUnresolvableStreamAbortsStitch(t *testing.T) {
	w := newStitchWorld()
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	c1 := w.addCommit("c1", "treeX", "Apex_dev", 2, 40, 4000)
	w.states["c1"] = CommitState{Depot: "Apex", Stream: "", StreamNumber: 2, TransactionNumber: 40, TransactionKind: "promote"}
	st := newStitcher(testLogger(), w.lookup, w.hierarchy, func(string) string { return "" })
	_, _, err := st.Stitch(map[string][]groupMember{"treeX": {p1, c1}})
	if _, ok := err.(*invariantError); !ok {
		t.Fatalf("expected an invariant error, got %v", err)
	}
}

func TestMergeParentsRemappedThroughAliases(t *testing.T) {
	w := newStitchWorld()
	// Tree X is aliased (child duplicates parent); tree Y later repeats
	// the content on a sibling, so its merge parent must name the
	// canonical commit, never the aliased one.
	p1 := w.addCommit("p1", "treeX", "Apex", 1, 40, 4000)
	c1 := w.addCommit("c1", "treeX", "Apex_dev", 2, 40, 4000)
	q1 := w.addCommit("q1", "treeX", "Apex_qa", 3, 60, 6000, "q0")
	groups := map[string][]groupMember{"treeX": {p1, c1, q1}}
	am, plan, err := w.stitcher().Stitch(groups)
	assertNoErr(t, err)
	assertEqual(t, am["c1"], "p1")
	parents := plan.Parents["q1"]
	for _, parent := range parents {
		if parent == "c1" {
			t.Errorf("parent list %v names a non-canonical commit", parents)
		}
	}
	assertTrue(t, newOrderedStringSet(parents...).Contains("p1"))
}
