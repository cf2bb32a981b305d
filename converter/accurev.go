package main

// Typed wrappers around the accurev command-line client.  Every query
// runs accurev with -fx and decodes the XML response into tagged
// structs.  Transient failures are retried a small bounded number of
// times with no backoff; exhausting the retries fails the current step.
// Results of idempotent queries are cached for the duration of the run,
// keyed by the full command line; the cache is run-scoped configuration,
// never process-wide state.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// How many times an external call is attempted before its failure is
// promoted to a step failure.
const retryLimit = 3

// TranKind is the closed enumeration of transaction kinds.  AccuRev
// grows new kinds occasionally; anything unrecognized is kindOther and
// never aborts parsing.
type TranKind int

const (
	kindOther TranKind = iota
	kindPromote
	kindKeep
	kindAdd
	kindMove
	kindDefunct
	kindPurge
	kindCheckout
	kindMkstream
	kindChstream
)

var kindNames = map[TranKind]string{
	kindOther:    "other",
	kindPromote:  "promote",
	kindKeep:     "keep",
	kindAdd:      "add",
	kindMove:     "move",
	kindDefunct:  "defunct",
	kindPurge:    "purge",
	kindCheckout: "co",
	kindMkstream: "mkstream",
	kindChstream: "chstream",
}

func parseTranKind(s string) TranKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return kindOther
}

func (k TranKind) String() string {
	return kindNames[k]
}

// ElementVersion is one file version touched by a transaction.
type ElementVersion struct {
	Path     string `xml:"path,attr"`
	EID      int    `xml:"eid,attr"`
	Virtual  string `xml:"virtual,attr"`
	Real     string `xml:"real,attr"`
	ElemType string `xml:"elem_type,attr"`
}

// Transaction is one atomic, globally ordered change event of the depot.
type Transaction struct {
	ID           int              `xml:"id,attr"`
	TypeName     string           `xml:"type,attr"`
	Time         int64            `xml:"time,attr"` // epoch seconds
	User         string           `xml:"user,attr"`
	StreamName   string           `xml:"streamName,attr"`
	StreamNumber int              `xml:"streamNumber,attr"`
	Comment      string           `xml:"comment"`
	Versions     []ElementVersion `xml:"version"`
}

// Kind classifies the transaction's free-text type attribute.
func (t *Transaction) Kind() TranKind {
	return parseTranKind(t.TypeName)
}

// Stream is one line of development in the depot.  Streams form a
// forest; the forest can be rewired over time, so parent lookups must
// always be qualified by a transaction.
type Stream struct {
	Name        string `xml:"name,attr"`
	Number      int    `xml:"streamNumber,attr"`
	Depot       string `xml:"depotName,attr"`
	Basis       string `xml:"basis,attr"`
	BasisNumber int    `xml:"basisStreamNumber,attr"`
	TypeName    string `xml:"type,attr"` // normal, workspace, snapshot, passthrough
	Dynamic     bool   `xml:"isDynamic,attr"`
	StartTime   int64  `xml:"startTime,attr"`
	Timelock    int64  `xml:"time,attr"` // nonzero pins the stream to its basis as of that time
}

// User is one depot principal.
type User struct {
	Name   string `xml:"Name,attr"`
	Number int    `xml:"Number,attr"`
}

type histResponse struct {
	XMLName      xml.Name      `xml:"AcResponse"`
	Transactions []Transaction `xml:"transaction"`
}

type streamsResponse struct {
	XMLName xml.Name `xml:"streams"`
	Streams []Stream `xml:"stream"`
}

type usersResponse struct {
	XMLName xml.Name `xml:"AcResponse"`
	Users   []User   `xml:"Element"`
}

// accurevClient shells out to the accurev binary.
type accurevClient struct {
	logger   *logrus.Logger
	bin      string
	depot    string
	cache    cmap.ConcurrentMap
	useCache bool
	decoder  *encoding.Decoder
}

func newAccurevClient(logger *logrus.Logger, depot string, charset string, useCache bool) (*accurevClient, error) {
	ac := &accurevClient{
		logger:   logger,
		bin:      "accurev",
		depot:    depot,
		cache:    cmap.New(),
		useCache: useCache,
	}
	if charset != "" && !strings.EqualFold(charset, "utf-8") {
		enc, err := ianaindex.IANA.Encoding(charset)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unknown source encoding %q", charset)
		}
		ac.decoder = enc.NewDecoder()
	}
	return ac, nil
}

// run executes one accurev command, retrying transient failures.
// cacheable marks idempotent queries whose output may be reused for the
// rest of the run.
func (ac *accurevClient) run(cacheable bool, args ...string) (string, error) {
	display := shellquote.Join(append([]string{ac.bin}, args...)...)
	if cacheable && ac.useCache {
		if cached, ok := ac.cache.Get(display); ok {
			return cached.(string), nil
		}
	}
	var lastErr error
	for attempt := 1; attempt <= retryLimit; attempt++ {
		ac.logger.Debugf("running %s (attempt %d)", display, attempt)
		cmd := exec.Command(ac.bin, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		if err == nil {
			out := stdout.Bytes()
			if ac.decoder != nil {
				out, err = ac.decoder.Bytes(out)
				if err != nil {
					return "", fmt.Errorf("transcoding output of %s: %w", display, err)
				}
			}
			text := string(out)
			if cacheable && ac.useCache {
				ac.cache.Set(display, text)
			}
			return text, nil
		}
		lastErr = fmt.Errorf("%s: %v: %s", display, err, strings.TrimSpace(stderr.String()))
		ac.logger.Warnf("%v", lastErr)
	}
	return "", lastErr
}

// Login establishes the accurev session for the run.
func (ac *accurevClient) Login(username, password string) error {
	if username == "" {
		return nil
	}
	_, err := ac.run(false, "login", username, password)
	return err
}

// History returns the transactions matching a transaction spec, oldest
// first.  stream may be empty for a depot-wide query.  kinds, if given,
// restricts the result to those transaction kinds.  An empty result is
// not an error.
func (ac *accurevClient) History(stream string, tranSpec string, kinds ...string) ([]Transaction, error) {
	args := []string{"hist", "-fx", "-p", ac.depot, "-t", tranSpec}
	if stream != "" {
		args = append(args, "-s", stream)
	}
	if len(kinds) > 0 {
		args = append(args, "-k", strings.Join(kinds, ","))
	}
	out, err := ac.run(true, args...)
	if err != nil {
		return nil, err
	}
	var resp histResponse
	if err := xml.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("malformed hist output: %w", err)
	}
	// accurev reports newest first; we want ascending transaction order.
	txns := resp.Transactions
	for i, j := 0, len(txns)-1; i < j; i, j = i+1, j-1 {
		txns[i], txns[j] = txns[j], txns[i]
	}
	return txns, nil
}

// RawTransaction returns the verbatim hist XML for one transaction, for
// use as the audit provenance note.
func (ac *accurevClient) RawTransaction(tran int) (string, error) {
	return ac.run(true, "hist", "-fx", "-p", ac.depot, "-t", strconv.Itoa(tran))
}

// Diff returns the element paths that differ between a stream's state
// at transaction a and at transaction b.  An empty result means the
// states are identical, which is distinct from a failed query.
func (ac *accurevClient) Diff(stream string, a, b int) ([]string, error) {
	out, err := ac.run(true, "diff", "-fx", "-a", "-i",
		"-v", stream, "-V", stream,
		"-t", fmt.Sprintf("%d-%d", a, b))
	if err != nil {
		return nil, err
	}
	return parseDiffPaths(out)
}

// parseDiffPaths pulls the location attribute out of every Element in a
// diff response.  The element nesting varies across accurev releases,
// so this scans tokens rather than committing to one schema.
func parseDiffPaths(out string) ([]string, error) {
	paths := newOrderedStringSet()
	dec := xml.NewDecoder(strings.NewReader(out))
	for {
		tok, err := dec.Token()
		if tok == nil {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed diff output: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "Element" {
			for _, attr := range start.Attr {
				if attr.Name.Local == "location" {
					paths.Add(attr.Value)
				}
			}
		}
	}
	return paths, nil
}

// Populate materializes a stream's tree at a transaction into dir,
// overwriting whatever is there.
func (ac *accurevClient) Populate(stream string, tran int, dir string) error {
	_, err := ac.run(false, "pop", "-R", "-O",
		"-v", stream, "-t", strconv.Itoa(tran),
		"-L", dir, "/./")
	return err
}

// ListStreams returns the depot's streams.  A nonzero tran qualifies
// the query by time, which matters because the stream forest can be
// rewired; callers resolving parentage must always pass the transaction
// they are reasoning about.
func (ac *accurevClient) ListStreams(tran int) ([]Stream, error) {
	args := []string{"show", "-fx", "-p", ac.depot}
	if tran != 0 {
		args = append(args, "-t", strconv.Itoa(tran))
	}
	args = append(args, "streams")
	out, err := ac.run(true, args...)
	if err != nil {
		return nil, err
	}
	var resp streamsResponse
	if err := xml.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("malformed streams output: %w", err)
	}
	return resp.Streams, nil
}

// ListUsers returns the depot principals.
func (ac *accurevClient) ListUsers() ([]User, error) {
	out, err := ac.run(true, "show", "-fx", "users")
	if err != nil {
		return nil, err
	}
	var resp usersResponse
	if err := xml.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("malformed users output: %w", err)
	}
	return resp.Users, nil
}
