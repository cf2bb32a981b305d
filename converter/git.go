package main

// Typed wrappers around the git command-line client.  Commits are
// always created with explicit author and committer identity and
// timestamp via the environment, never from ambient git config, so a
// rerun of the conversion reproduces byte-identical history.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

// commitInfo is the raw metadata of one destination commit.
type commitInfo struct {
	hash           string
	tree           string
	parents        []string
	committerName  string
	committerEmail string
	committerTime  time.Time
	authorTime     time.Time
	subject        string
}

// gitClient shells out to the git binary against one repository.
type gitClient struct {
	logger *logrus.Logger
	bin    string
	dir    string
}

func newGitClient(logger *logrus.Logger, dir string) *gitClient {
	return &gitClient{logger: logger, bin: "git", dir: dir}
}

// run executes one git command in the repository, retrying transient
// failures.  Non-retryable callers use runOnce.
func (g *gitClient) run(args ...string) (string, error) {
	return g.runRetrying(nil, "", args...)
}

// runRetrying is run with extra environment and stdin, for retryable
// commands that carry an identity or a payload.
func (g *gitClient) runRetrying(env []string, stdin string, args ...string) (string, error) {
	var out string
	var err error
	for attempt := 1; attempt <= retryLimit; attempt++ {
		out, err = g.runOnce(env, stdin, args...)
		if err == nil {
			return out, nil
		}
		g.logger.Warnf("%v", err)
	}
	return out, err
}

// runOnce executes one git command with optional extra environment and
// stdin, without retrying.
func (g *gitClient) runOnce(env []string, stdin string, args ...string) (string, error) {
	display := shellquote.Join(append([]string{g.bin}, args...)...)
	g.logger.Debugf("running %s in %s", display, g.dir)
	cmd := exec.Command(g.bin, args...)
	cmd.Dir = g.dir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w: %s", display, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// WorkDir is the repository's working tree.
func (g *gitClient) WorkDir() string {
	return g.dir
}

// InitRepo creates the repository if it does not exist yet.
func (g *gitClient) InitRepo() error {
	_, err := g.run("init", "-q", ".")
	return err
}

// BranchExists reports whether a local branch exists.  A missing branch
// is not an error.
func (g *gitClient) BranchExists(name string) (bool, error) {
	out, err := g.run("for-each-ref", "refs/heads/"+name, "--format=%(refname:short)")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Branches lists all local branches.
func (g *gitClient) Branches() ([]string, error) {
	out, err := g.run("for-each-ref", "refs/heads", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CreateBranch creates a new parent-less branch and switches to it.
// Each stream's history starts from its own root commit; branches only
// acquire shared ancestry in the stitch rewrite.
func (g *gitClient) CreateBranch(name string) error {
	if _, err := g.run("checkout", "-q", "--orphan", name); err != nil {
		return err
	}
	// An orphan checkout inherits the previous branch's index.
	out, err := g.run("ls-files")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		if _, err := g.run("rm", "-r", "-f", "-q", "--cached", "."); err != nil {
			return err
		}
	}
	return nil
}

// Checkout switches to an existing branch.
func (g *gitClient) Checkout(name string) error {
	_, err := g.run("checkout", "-q", "-f", name)
	return err
}

// StageAll stages every change in the working tree, deletions included.
// The rewrite-plan artifacts live inside the work tree and must never
// enter a stream commit.
func (g *gitClient) StageAll() error {
	_, err := g.run("add", "-A", "--", ".", ":(exclude)"+planDir)
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.  On a
// branch with no commits yet it reports whether the index is non-empty.
func (g *gitClient) HasStagedChanges() (bool, error) {
	out, err := g.runOnce(nil, "", "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if ee, ok := exitError(err); ok && ee == 1 {
		return true, nil
	}
	// diff --cached fails outright on an unborn branch.
	out, lerr := g.run("ls-files")
	if lerr != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func exitError(err error) (int, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), true
	}
	return 0, false
}

// identityEnv builds the environment for a commit or note write so that
// author and committer are both the resolved source-transaction user at
// the source-transaction time.
func identityEnv(ident Identity, date string) []string {
	return []string{
		"GIT_AUTHOR_NAME=" + ident.Name,
		"GIT_AUTHOR_EMAIL=" + ident.Email,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=" + ident.Name,
		"GIT_COMMITTER_EMAIL=" + ident.Email,
		"GIT_COMMITTER_DATE=" + date,
	}
}

// Commit records the index as a commit and returns its hash.  The
// message arrives on stdin so transaction comments survive verbatim.
func (g *gitClient) Commit(ident Identity, date string, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "(no comment)"
	}
	_, err := g.runOnce(identityEnv(ident, date), message,
		"commit", "-q", "--allow-empty", "--allow-empty-message", "-F", "-")
	if err != nil {
		return "", err
	}
	out, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResetHard discards the last back commits of the current branch along
// with the working tree.
func (g *gitClient) ResetHard(back int) error {
	_, err := g.run("reset", "--hard", "-q", fmt.Sprintf("HEAD~%d", back))
	return err
}

// Tip resolves a branch head, or errNotFound.
func (g *gitClient) Tip(branch string) (string, error) {
	out, err := g.runOnce(nil, "", "rev-parse", "-q", "--verify", "refs/heads/"+branch)
	if err != nil {
		if code, ok := exitError(err); ok && code == 1 {
			return "", errNotFound
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddNote attaches payload to a commit under the given notes ref,
// replacing any previous note there.  The note is written with the same
// identity and timestamp as the commit it annotates, so the note
// history mirrors the commit history chronologically.  A forced notes
// add is idempotent, so transient failures retry through the bounded
// loop; commit creation is not, and stays single-shot.
func (g *gitClient) AddNote(ref, commit, payload string, ident Identity, date string) error {
	_, err := g.runRetrying(identityEnv(ident, date), payload,
		"notes", "--ref="+ref, "add", "-f", "-F", "-", commit)
	return err
}

// ShowNote reads a commit's note under the given ref, or errNotFound
// when the commit has none.
func (g *gitClient) ShowNote(ref, commit string) (string, error) {
	out, err := g.runOnce(nil, "", "notes", "--ref="+ref, "show", commit)
	if err != nil {
		if code, ok := exitError(err); ok && code == 1 {
			return "", errNotFound
		}
		return "", err
	}
	return out, nil
}

// CommitsExcluding lists the commits reachable from branch but from none
// of the exclude branches, oldest first, with the raw metadata the
// stitcher joins on.
func (g *gitClient) CommitsExcluding(branch string, exclude []string) ([]commitInfo, error) {
	args := []string{"log", "--reverse", "--date-order",
		"--format=%H|%T|%P|%cn|%ce|%ct|%at|%s", branch}
	for _, ex := range exclude {
		args = append(args, "^"+ex)
	}
	out, err := g.run(args...)
	if err != nil {
		return nil, err
	}
	var commits []commitInfo
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 8)
		if len(fields) != 8 {
			return nil, fmt.Errorf("unparseable log line %q", line)
		}
		ct, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad committer time in %q", line)
		}
		at, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad author time in %q", line)
		}
		commits = append(commits, commitInfo{
			hash:           fields[0],
			tree:           fields[1],
			parents:        strings.Fields(fields[2]),
			committerName:  fields[3],
			committerEmail: fields[4],
			committerTime:  time.Unix(ct, 0),
			authorTime:     time.Unix(at, 0),
			subject:        fields[7],
		})
	}
	return commits, nil
}
