package main

// CommitGraphExtractor: walks the destination commit graph per branch
// and groups commits by content-tree hash across all branches.  Before
// the stitch every branch is parent-less by construction, so "the
// commits of branch B" are those reachable from B but from no other
// tracked branch.  A tree hash reachable from more than one branch is
// the signature of a cross-stream promotion and becomes the stitcher's
// working set.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// groupMember is one commit of one branch inside a tree-hash bucket.
type groupMember struct {
	info   commitInfo
	branch string
}

// extractGroups maps tree hash to the commits bearing it, across the
// tracked branches.  Members keep branch-walk order; bucket-of-one
// trees carry no stitching information but are returned anyway so the
// stitcher sees the full census.
func extractGroups(logger *logrus.Logger, dst destConn, branches []string) (map[string][]groupMember, error) {
	groups := make(map[string][]groupMember)
	for _, branch := range branches {
		exclude := make([]string, 0, len(branches)-1)
		for _, other := range branches {
			if other != branch {
				exclude = append(exclude, other)
			}
		}
		commits, err := dst.CommitsExcluding(branch, exclude)
		if err != nil {
			return nil, err
		}
		logger.Debugf("branch %s owns %d commits", branch, len(commits))
		for _, info := range commits {
			groups[info.tree] = append(groups[info.tree], groupMember{info: info, branch: branch})
		}
	}
	shared := 0
	for _, members := range groups {
		if len(members) > 1 {
			shared++
		}
	}
	logger.Infof("%d distinct trees across %d branches, %d shared", len(groups), len(branches), shared)
	return groups, nil
}

// sortedTrees returns the bucket keys in a stable order so stitch runs
// are reproducible.
func sortedTrees(groups map[string][]groupMember) []string {
	trees := make([]string, 0, len(groups))
	for tree := range groups {
		trees = append(trees, tree)
	}
	sort.Strings(trees)
	return trees
}
