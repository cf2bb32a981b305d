package main

// In-memory source and destination connectors for the unit tests.  The
// fake destination keeps commit objects in memory but operates on a real
// work tree directory, so the engine's filesystem behavior (marker
// files, directory pruning, tree clearing) is exercised for real.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"crypto/sha1"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

func assertBool(t *testing.T, see bool, expect bool) {
	t.Helper()
	if see != expect {
		t.Errorf("assertBool: expected %v saw %v", expect, see)
	}
}

func assertTrue(t *testing.T, see bool) {
	t.Helper()
	assertBool(t, see, true)
}

func assertEqual(t *testing.T, a string, b string) {
	t.Helper()
	if a != b {
		t.Fatalf("assertEqual: expected %q == %q", a, b)
	}
}

func assertIntEqual(t *testing.T, a int, b int) {
	t.Helper()
	if a != b {
		t.Errorf("assertIntEqual: expected %d == %d", a, b)
	}
}

func assertNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// treeState is one stream's visible content as of a transaction.
type treeState struct {
	tran  int
	files map[string]string
}

// fakeSource is a scripted depot.
type fakeSource struct {
	depot   string
	streams []Stream
	txns    []Transaction
	// per stream, the content checkpoints in ascending transaction order
	trees map[string][]treeState
	// recorded (a, b) probe pairs, for asserting probe discipline
	diffCalls [][2]int
	failDiff  bool
	// phantomDiff makes Diff report changed paths for a transaction
	// whose populate result is actually identical to the current tree
	phantomDiff map[int][]string
}

func (fs *fakeSource) treeAt(stream string, tran int) map[string]string {
	var state map[string]string
	for _, ts := range fs.trees[stream] {
		if ts.tran > tran {
			break
		}
		state = ts.files
	}
	if state == nil {
		return map[string]string{}
	}
	return state
}

func (fs *fakeSource) findTxn(id int) *Transaction {
	for i := range fs.txns {
		if fs.txns[i].ID == id {
			return &fs.txns[i]
		}
	}
	return nil
}

func (fs *fakeSource) History(stream string, tranSpec string, kinds ...string) ([]Transaction, error) {
	matchKind := func(tx *Transaction) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if tx.TypeName == k {
				return true
			}
		}
		return false
	}
	matchStream := func(tx *Transaction) bool {
		return stream == "" || tx.StreamName == stream
	}
	var matched []Transaction
	for i := range fs.txns {
		tx := &fs.txns[i]
		if matchKind(tx) && matchStream(tx) {
			matched = append(matched, *tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	switch {
	case tranSpec == "now.1":
		if len(matched) == 0 {
			return nil, nil
		}
		return matched[len(matched)-1:], nil
	case strings.HasSuffix(tranSpec, "-1"):
		end, err := strconv.Atoi(strings.TrimSuffix(tranSpec, "-1"))
		if err != nil {
			return nil, fmt.Errorf("bad tranSpec %q", tranSpec)
		}
		var out []Transaction
		for _, tx := range matched {
			if tx.ID <= end {
				out = append(out, tx)
			}
		}
		return out, nil
	default:
		id, err := strconv.Atoi(tranSpec)
		if err != nil {
			return nil, fmt.Errorf("bad tranSpec %q", tranSpec)
		}
		for _, tx := range matched {
			if tx.ID == id {
				return []Transaction{tx}, nil
			}
		}
		return nil, nil
	}
}

func (fs *fakeSource) RawTransaction(tran int) (string, error) {
	return fmt.Sprintf("<AcResponse Command=\"hist\"><transaction id=\"%d\"/></AcResponse>", tran), nil
}

func (fs *fakeSource) Diff(stream string, a, b int) ([]string, error) {
	if fs.failDiff {
		return nil, fmt.Errorf("scripted diff failure")
	}
	fs.diffCalls = append(fs.diffCalls, [2]int{a, b})
	if phantom, ok := fs.phantomDiff[b]; ok {
		return phantom, nil
	}
	before := fs.treeAt(stream, a)
	after := fs.treeAt(stream, b)
	paths := newOrderedStringSet()
	for p, content := range before {
		if after[p] != content {
			paths.Add("/" + p)
		}
	}
	for p := range after {
		if _, ok := before[p]; !ok {
			paths.Add("/" + p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (fs *fakeSource) Populate(stream string, tran int, dir string) error {
	for p, content := range fs.treeAt(stream, tran) {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := ioutil.WriteFile(full, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (fs *fakeSource) ListStreams(tran int) ([]Stream, error) {
	return fs.streams, nil
}

func (fs *fakeSource) ListUsers() ([]User, error) {
	return nil, nil
}

// fakeCommit is one in-memory destination commit.
type fakeCommit struct {
	hash     string
	tree     string
	parents  []string
	ident    Identity
	when     time.Time
	message  string
	manifest map[string]string
}

// fakeDest is an in-memory commit store over a real work tree.
type fakeDest struct {
	dir      string
	branches map[string]string // branch -> tip hash
	commits  map[string]*fakeCommit
	notes    map[string]map[string]string
	current  string
	seq      int
	// countdown: when it hits zero an AddNote call fails once
	failNoteIn int
}

func newFakeDest(dir string) *fakeDest {
	return &fakeDest{
		dir:        dir,
		branches:   make(map[string]string),
		commits:    make(map[string]*fakeCommit),
		notes:      make(map[string]map[string]string),
		failNoteIn: -1,
	}
}

func (fd *fakeDest) WorkDir() string { return fd.dir }

func (fd *fakeDest) BranchExists(name string) (bool, error) {
	_, ok := fd.branches[name]
	return ok, nil
}

func (fd *fakeDest) Branches() ([]string, error) {
	names := make([]string, 0, len(fd.branches))
	for name := range fd.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fd *fakeDest) CreateBranch(name string) error {
	fd.current = name
	return nil
}

func (fd *fakeDest) restore(tip string) error {
	entries, err := readDirNames(fd.dir)
	if err != nil {
		return err
	}
	for _, name := range entries {
		if name == planDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(fd.dir, name)); err != nil {
			return err
		}
	}
	if tip == "" {
		return nil
	}
	for p, content := range fd.commits[tip].manifest {
		full := filepath.Join(fd.dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := ioutil.WriteFile(full, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (fd *fakeDest) Checkout(name string) error {
	tip, ok := fd.branches[name]
	if !ok {
		return fmt.Errorf("no branch %s", name)
	}
	fd.current = name
	return fd.restore(tip)
}

func (fd *fakeDest) StageAll() error { return nil }

func (fd *fakeDest) readManifest() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.Walk(fd.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != fd.dir && info.Name() == planDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(fd.dir, path)
		if err != nil {
			return err
		}
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files, err
}

func manifestHash(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\x00", p, files[p])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (fd *fakeDest) HasStagedChanges() (bool, error) {
	files, err := fd.readManifest()
	if err != nil {
		return false, err
	}
	tip := fd.branches[fd.current]
	if tip == "" {
		return len(files) > 0, nil
	}
	return manifestHash(files) != fd.commits[tip].tree, nil
}

func (fd *fakeDest) Commit(ident Identity, date string, message string) (string, error) {
	files, err := fd.readManifest()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(date)
	unix, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad date %q", date)
	}
	fd.seq++
	commit := &fakeCommit{
		tree:     manifestHash(files),
		ident:    ident,
		when:     time.Unix(unix, 0),
		message:  message,
		manifest: files,
	}
	if tip := fd.branches[fd.current]; tip != "" {
		commit.parents = []string{tip}
	}
	commit.hash = fmt.Sprintf("%x", sha1.Sum([]byte(fmt.Sprintf("%d|%s|%v|%s", fd.seq, commit.tree, commit.parents, date))))
	fd.commits[commit.hash] = commit
	fd.branches[fd.current] = commit.hash
	return commit.hash, nil
}

func (fd *fakeDest) ResetHard(back int) error {
	tip := fd.branches[fd.current]
	for i := 0; i < back; i++ {
		if tip == "" {
			return fmt.Errorf("cannot reset past the root of %s", fd.current)
		}
		commit := fd.commits[tip]
		if len(commit.parents) == 0 {
			return fmt.Errorf("cannot reset past the root of %s", fd.current)
		}
		tip = commit.parents[0]
	}
	fd.branches[fd.current] = tip
	return fd.restore(tip)
}

func (fd *fakeDest) Tip(branch string) (string, error) {
	tip, ok := fd.branches[branch]
	if !ok || tip == "" {
		return "", errNotFound
	}
	return tip, nil
}

func (fd *fakeDest) AddNote(ref, commit, payload string, ident Identity, date string) error {
	if fd.failNoteIn == 0 {
		fd.failNoteIn = -1
		return fmt.Errorf("scripted note-write failure")
	}
	if fd.failNoteIn > 0 {
		fd.failNoteIn--
	}
	if fd.notes[ref] == nil {
		fd.notes[ref] = make(map[string]string)
	}
	fd.notes[ref][commit] = payload
	return nil
}

func (fd *fakeDest) ShowNote(ref, commit string) (string, error) {
	payload, ok := fd.notes[ref][commit]
	if !ok {
		return "", errNotFound
	}
	return payload, nil
}

// branchCommits walks a branch's first-parent chain, oldest first.
func (fd *fakeDest) branchCommits(branch string) []*fakeCommit {
	var chain []*fakeCommit
	for tip := fd.branches[branch]; tip != ""; {
		commit := fd.commits[tip]
		chain = append([]*fakeCommit{commit}, chain...)
		if len(commit.parents) == 0 {
			break
		}
		tip = commit.parents[0]
	}
	return chain
}

func (fd *fakeDest) CommitsExcluding(branch string, exclude []string) ([]commitInfo, error) {
	excluded := make(map[string]bool)
	for _, ex := range exclude {
		for _, commit := range fd.branchCommits(ex) {
			excluded[commit.hash] = true
		}
	}
	var out []commitInfo
	for _, commit := range fd.branchCommits(branch) {
		if excluded[commit.hash] {
			continue
		}
		out = append(out, commitInfo{
			hash:           commit.hash,
			tree:           commit.tree,
			parents:        append([]string(nil), commit.parents...),
			committerName:  commit.ident.Name,
			committerEmail: commit.ident.Email,
			committerTime:  commit.when,
			authorTime:     commit.when,
			subject:        commit.message,
		})
	}
	return out, nil
}
