package main

// aliasMap records that one commit is a duplicate of another: the key
// commit represents the same promoted state as its value and is to be
// dropped in the value's favor.  A usable map must be idempotent: every
// value is itself unmapped (a fixed point).  Reduction chases chains
// with path compression; a cycle is an invariant violation, since two
// commits cannot each be the other's canonical representative.
//
// SPDX-License-Identifier: BSD-2-Clause

import "fmt"

type aliasMap map[string]string

// Canonical chases key through the map to its fixed point.  Unmapped
// keys are their own canonical form.
func (a aliasMap) Canonical(key string) (string, error) {
	seen := newOrderedStringSet(key)
	cur := key
	for {
		next, ok := a[cur]
		if !ok || next == cur {
			return cur, nil
		}
		if seen.Contains(next) {
			return "", fmt.Errorf("alias cycle through %s: %s", key, seen)
		}
		seen.Add(next)
		cur = next
	}
}

// Reduce rewrites every entry to point directly at its canonical
// target, compressing paths as it goes.  After a successful Reduce the
// map is idempotent.
func (a aliasMap) Reduce() error {
	for key := range a {
		canon, err := a.Canonical(key)
		if err != nil {
			return err
		}
		// Compress the whole chain, not just the starting key.
		cur := key
		for cur != canon {
			next := a[cur]
			a[cur] = canon
			cur = next
		}
	}
	return nil
}
