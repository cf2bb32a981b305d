package main

// TransactionReplayEngine: replays one stream's change history onto one
// branch, incrementally and resumably.  Per (stream, branch) the engine
// is a small state machine:
//
//   Uninitialized -> Bootstrapping -> Advancing -> Done
//                         Recovering (from Advancing, on a tip with no
//                         readable state note)
//
// Resumability rests entirely on the CommitStateStore: a commit without
// a state note does not count as converted, so a successful commit whose
// note write fails is discarded on the spot rather than left behind to
// poison the next resume.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	difflib "github.com/ianbruene/go-difflib/difflib"
	"github.com/sirupsen/logrus"
	shutil "github.com/termie/go-shutil"
)

// destConn is the destination-system surface the core consumes.
// *gitClient is the real implementation; tests substitute an in-memory
// fake over a real temp work tree.
type destConn interface {
	WorkDir() string
	BranchExists(name string) (bool, error)
	Branches() ([]string, error)
	CreateBranch(name string) error
	Checkout(name string) error
	StageAll() error
	HasStagedChanges() (bool, error)
	Commit(ident Identity, date string, message string) (string, error)
	ResetHard(back int) error
	Tip(branch string) (string, error)
	AddNote(ref, commit, payload string, ident Identity, date string) error
	ShowNote(ref, commit string) (string, error)
	CommitsExcluding(branch string, exclude []string) ([]commitInfo, error)
}

// streamResult is one stream's replay outcome, reported per stream so a
// failure in one never stops the next.
type streamResult struct {
	Stream   string
	Branch   string
	Commits  int
	LastTran int
	Err      error
}

type replayEngine struct {
	logger   *logrus.Logger
	src      sourceConn
	dst      destConn
	notes    *stateStore
	detector *changeDetector
	idmap    *identityMap
	depot    string
	marker   string
	dryRun   bool
}

// ReplayStream advances one stream's branch from its last processed
// transaction to end.  Progress already committed survives any failure.
func (re *replayEngine) ReplayStream(stream Stream, branch string, start, end int) streamResult {
	result := streamResult{Stream: stream.Name, Branch: branch}
	cursor, created, err := re.prepare(stream, branch, start, end)
	if err != nil {
		result.Err = err
		return result
	}
	result.Commits = created
	result.LastTran = cursor
	for cursor < end {
		next, paths, err := re.detector.NextChange(stream, cursor, end)
		if err != nil {
			result.Err = &stepError{stream: stream.Name, tran: cursor, err: err}
			return result
		}
		if next == 0 {
			break
		}
		committed, err := re.replayStep(stream, branch, next, paths)
		if err != nil {
			result.Err = err
			return result
		}
		if committed {
			result.Commits++
		}
		cursor = next
		result.LastTran = cursor
	}
	re.logger.Infof("stream %s replayed through transaction %d onto %s (%d new commits)",
		stream.Name, result.LastTran, branch, result.Commits)
	return result
}

// prepare brings the branch to a known state and returns the cursor to
// advance from.  It covers the Bootstrapping and Recovering states.
func (re *replayEngine) prepare(stream Stream, branch string, start, end int) (int, int, error) {
	exists, err := re.dst.BranchExists(branch)
	if err != nil {
		return 0, 0, &stepError{stream: stream.Name, err: err}
	}
	if !exists {
		return re.bootstrap(stream, branch, start, end)
	}
	if err := re.dst.Checkout(branch); err != nil {
		return 0, 0, &stepError{stream: stream.Name, err: err}
	}
	tip, state, err := re.notes.LastProcessed(branch)
	if err == errNoState {
		tip, state, err = re.recover(stream, branch, tip)
	}
	if err != nil {
		return 0, 0, err
	}
	re.logger.Debugf("branch %s tip %s is transaction %d", branch, tip, state.TransactionNumber)
	if state.Stream != stream.Name {
		return 0, 0, &stepError{stream: stream.Name,
			err: fmt.Errorf("branch %s tip belongs to stream %s", branch, state.Stream)}
	}
	return state.TransactionNumber, 0, nil
}

// bootstrap creates the branch and its root commit: a full populate of
// the stream's first relevant transaction, no diffing.
func (re *replayEngine) bootstrap(stream Stream, branch string, start, end int) (int, int, error) {
	first, err := re.firstTransaction(stream)
	if err != nil {
		return 0, 0, &stepError{stream: stream.Name, err: err}
	}
	if start > first {
		first = start
	}
	if end < first {
		return 0, 0, &stepError{stream: stream.Name,
			err: fmt.Errorf("end bound %d precedes first relevant transaction %d", end, first)}
	}
	if re.dryRun {
		re.logger.Infof("dry run: would create %s at transaction %d", branch, first)
		return end, 0, nil
	}
	if err := re.dst.CreateBranch(branch); err != nil {
		return 0, 0, &stepError{stream: stream.Name, err: err}
	}
	if err := re.clearTree(); err != nil {
		return 0, 0, &stepError{stream: stream.Name, tran: first, err: err}
	}
	if err := re.src.Populate(stream.Name, first, re.dst.WorkDir()); err != nil {
		return 0, 0, &stepError{stream: stream.Name, tran: first, err: err}
	}
	if err := addMarkers(re.dst.WorkDir(), re.marker); err != nil {
		return 0, 0, &stepError{stream: stream.Name, tran: first, err: err}
	}
	if err := re.commitTransaction(stream, first); err != nil {
		return 0, 0, err
	}
	re.logger.Infof("bootstrapped %s from stream %s at transaction %d", branch, stream.Name, first)
	return first, 1, nil
}

// firstTransaction is the stream's creation transaction, or 1 for a
// stream older than its depot's recorded history.
func (re *replayEngine) firstTransaction(stream Stream) (int, error) {
	made, err := re.src.History(stream.Name, "now.1", kindMkstream.String())
	if err != nil {
		return 0, err
	}
	if len(made) == 0 {
		return 1, nil
	}
	return made[0].ID, nil
}

// recover handles a branch tip with no readable state note, the residue
// of a run interrupted between commit and note write.  One hard reset
// of one commit is attempted; a second unreadable tip is fatal and
// needs the operator.
func (re *replayEngine) recover(stream Stream, branch string, tip string) (string, CommitState, error) {
	re.logger.Warnf("branch %s tip %s has no readable state note, recovering", branch, tip)
	if err := re.backupWorkTree(branch); err != nil {
		re.logger.Warnf("could not back up work tree before reset: %v", err)
	}
	if err := re.dst.ResetHard(1); err != nil {
		// An unannotated tip that cannot be reset away, such as a lone
		// root commit, leaves nothing to resume from.
		re.logger.Errorf("recovery reset on %s failed: %v", branch, err)
		return "", CommitState{}, &resumptionError{branch: branch, tip: tip}
	}
	tip, state, err := re.notes.LastProcessed(branch)
	if err == errNoState || err == errNotFound {
		return "", CommitState{}, &resumptionError{branch: branch, tip: tip}
	}
	if err != nil {
		return "", CommitState{}, &stepError{stream: stream.Name, err: err}
	}
	re.logger.Infof("branch %s recovered to %s (transaction %d)", branch, tip, state.TransactionNumber)
	return tip, state, nil
}

// backupWorkTree copies the work tree aside for operator diagnosis
// before recovery throws its top commit away.
func (re *replayEngine) backupWorkTree(branch string) error {
	dest := re.dst.WorkDir() + ".recovery-" + branch
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return shutil.CopyTree(re.dst.WorkDir(), dest, nil)
}

// replayStep applies one transaction to the work tree and commits it.
// Reports whether a commit was created; an unchanged tree advances the
// cursor without committing.
func (re *replayEngine) replayStep(stream Stream, branch string, tran int, paths []string) (bool, error) {
	if re.dryRun {
		re.logger.Infof("dry run: would replay transaction %d onto %s", tran, branch)
		return false, nil
	}
	workdir := re.dst.WorkDir()
	var before []string
	if re.logger.IsLevelEnabled(logrus.DebugLevel) {
		before = manifest(workdir)
	}
	if len(paths) == 0 {
		// The pop strategy supplies no diff; refresh the whole tree.
		if err := re.clearTree(); err != nil {
			return false, &stepError{stream: stream.Name, tran: tran, err: err}
		}
	} else {
		for _, p := range paths {
			if err := os.RemoveAll(filepath.Join(workdir, depotRelative(p))); err != nil {
				return false, &stepError{stream: stream.Name, tran: tran, err: err}
			}
		}
	}
	if err := pruneEmptyDirs(workdir, re.marker); err != nil {
		return false, &stepError{stream: stream.Name, tran: tran, err: err}
	}
	if err := re.src.Populate(stream.Name, tran, workdir); err != nil {
		return false, &stepError{stream: stream.Name, tran: tran, err: err}
	}
	if err := addMarkers(workdir, re.marker); err != nil {
		return false, &stepError{stream: stream.Name, tran: tran, err: err}
	}
	if before != nil {
		logManifestDelta(re.logger, before, manifest(workdir), tran)
	}
	if err := re.dst.StageAll(); err != nil {
		return false, &stepError{stream: stream.Name, tran: tran, err: err}
	}
	changed, err := re.dst.HasStagedChanges()
	if err != nil {
		return false, &stepError{stream: stream.Name, tran: tran, err: err}
	}
	if !changed {
		// The diff and deep-hist strategies can name a transaction that
		// did not in fact change this stream's visible content.  Benign;
		// advance past it without a commit.
		re.logger.Debugf("transaction %d is a no-op for stream %s", tran, stream.Name)
		return false, nil
	}
	if err := re.commitTransaction(stream, tran); err != nil {
		return false, err
	}
	return true, nil
}

// commitTransaction stages the work tree and records a commit plus its
// two state notes.  A commit whose notes cannot be written is discarded
// immediately: resumption relies exclusively on note presence.
func (re *replayEngine) commitTransaction(stream Stream, tran int) error {
	txns, err := re.src.History(stream.Name, strconv.Itoa(tran))
	if err != nil || len(txns) == 0 {
		if err == nil {
			err = fmt.Errorf("transaction %d not in history", tran)
		}
		return &stepError{stream: stream.Name, tran: tran, err: err}
	}
	tx := txns[0]
	if err := re.dst.StageAll(); err != nil {
		return &stepError{stream: stream.Name, tran: tran, err: err}
	}
	ident := re.idmap.Resolve(tx.User)
	date := re.idmap.GitDate(ident, time.Unix(tx.Time, 0))
	message := tx.Comment
	if message == "" {
		message = fmt.Sprintf("transaction %d", tx.ID)
	}
	hash, err := re.dst.Commit(ident, date, message)
	if err != nil {
		return &stepError{stream: stream.Name, tran: tran, err: err}
	}
	state := CommitState{
		Depot:             re.depot,
		Stream:            stream.Name,
		StreamNumber:      stream.Number,
		TransactionNumber: tx.ID,
		TransactionKind:   tx.Kind().String(),
	}
	raw, err := re.src.RawTransaction(tx.ID)
	if err != nil {
		re.logger.Warnf("no raw provenance for transaction %d: %v", tx.ID, err)
		raw = ""
	}
	if err := re.notes.WriteState(hash, state, raw, ident, date); err != nil {
		re.logger.Errorf("state write failed for %s, discarding the commit: %v", hash, err)
		if rerr := re.dst.ResetHard(1); rerr != nil {
			return &stepError{stream: stream.Name, tran: tran,
				err: fmt.Errorf("state write failed (%v) and the commit could not be discarded: %w", err, rerr)}
		}
		return &stepError{stream: stream.Name, tran: tran, err: err}
	}
	re.logger.Debugf("transaction %d -> commit %s", tx.ID, hash)
	return nil
}

// clearTree empties the work tree, sparing the repository's own
// metadata and the rewrite-plan artifacts.
func (re *replayEngine) clearTree() error {
	workdir := re.dst.WorkDir()
	entries, err := readDirNames(workdir)
	if err != nil {
		return err
	}
	for _, name := range entries {
		if name == ".git" || name == planDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workdir, name)); err != nil {
			return err
		}
	}
	return nil
}

// depotRelative strips the depot-root prefix from an element path.
func depotRelative(p string) string {
	for len(p) > 0 && (p[0] == '/' || p[0] == '\\') {
		p = p[1:]
	}
	if len(p) > 2 && p[0] == '.' && (p[1] == '/' || p[1] == '\\') {
		p = p[2:]
	}
	return filepath.FromSlash(p)
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// pruneEmptyDirs removes, bottom-up, every directory that is empty or
// contains nothing but a preservation marker.
func pruneEmptyDirs(root string, marker string) error {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		name := info.Name()
		if path != root && (name == ".git" || name == planDir) {
			return filepath.SkipDir
		}
		if path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		names, err := readDirNames(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if len(names) == 1 && names[0] == marker {
			if err := os.Remove(filepath.Join(dir, marker)); err != nil {
				return err
			}
			names = nil
		}
		if len(names) == 0 {
			if err := os.Remove(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// addMarkers writes an empty preservation marker into every directory
// left empty by populate, so the destination tree can represent empty
// directories.
func addMarkers(root string, marker string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		name := info.Name()
		if path != root && (name == ".git" || name == planDir) {
			return filepath.SkipDir
		}
		names, err := readDirNames(path)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			f, err := os.OpenFile(filepath.Join(path, marker), os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			f.Close()
		}
		return nil
	})
}

// manifest lists the work tree's file paths, sorted, for delta logging.
func manifest(root string) []string {
	var files []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != root && (info.Name() == ".git" || info.Name() == planDir) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr == nil {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func logManifestDelta(logger *logrus.Logger, before, after []string, tran int) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(joinLines(before)),
		B:        difflib.SplitLines(joinLines(after)),
		FromFile: "before",
		ToFile:   fmt.Sprintf("transaction %d", tran),
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil || text == "" {
		return
	}
	logger.Debugf("manifest delta:\n%s", text)
}

func joinLines(lines []string) string {
	out := ""
	for _, line := range lines {
		out += line + "\n"
	}
	return out
}
