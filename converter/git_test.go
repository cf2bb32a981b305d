package main

// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// flakyBin writes a stand-in for the git binary that fails its first
// failures invocations, recording every attempt in a counter file.
func flakyBin(t *testing.T, dir string, failures int) (string, string) {
	t.Helper()
	counter := filepath.Join(dir, "attempts")
	bin := filepath.Join(dir, "flakygit")
	script := fmt.Sprintf(`#!/bin/sh
n=0
[ -f %q ] && n=$(cat %q)
n=$((n+1))
echo $n > %q
if [ $n -le %d ]; then
	echo "transient failure" >&2
	exit 1
fi
exit 0
`, counter, counter, counter, failures)
	if err := ioutil.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin, counter
}

func attempts(t *testing.T, counter string) int {
	t.Helper()
	data, err := ioutil.ReadFile(counter)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	assertNoErr(t, err)
	return n
}

func TestAddNoteRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	bin, counter := flakyBin(t, dir, 2)
	g := &gitClient{logger: testLogger(), bin: bin, dir: dir}
	err := g.AddNote("refs/notes/accugit", "deadbeef", "{}",
		Identity{Name: "x", Email: "x@y"}, "1 +0000")
	assertNoErr(t, err)
	assertIntEqual(t, attempts(t, counter), 3)
}

func TestAddNoteExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	bin, counter := flakyBin(t, dir, retryLimit)
	g := &gitClient{logger: testLogger(), bin: bin, dir: dir}
	err := g.AddNote("refs/notes/accugit", "deadbeef", "{}",
		Identity{Name: "x", Email: "x@y"}, "1 +0000")
	if err == nil {
		t.Fatal("expected failure after exhausting the retries")
	}
	assertIntEqual(t, attempts(t, counter), retryLimit)
}

func TestCommitDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	bin, counter := flakyBin(t, dir, 1)
	g := &gitClient{logger: testLogger(), bin: bin, dir: dir}
	if _, err := g.Commit(Identity{Name: "x", Email: "x@y"}, "1 +0000", "msg"); err == nil {
		t.Fatal("expected the single-shot commit to fail")
	}
	assertIntEqual(t, attempts(t, counter), 1)
}
