package main

// Error taxonomy for the conversion run.
//
// Ordinary failures travel as error returns, wrapped so the caller can
// classify them with errors.Is/As.  Invariant violations inside the
// stitcher travel as thrown exceptions with class "invariant" and are
// converted back to an error at the Stitch boundary.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"errors"
	"fmt"
)

// exception is a labeled panic payload.  Unlabeled panics are presumed
// to be serious internal errors and are not caught.
type exception struct {
	class   string
	message string
}

func (e exception) Error() string {
	return e.message
}

func throw(class string, msg string, args ...interface{}) *exception {
	// We could call panic() in here but we leave it at the callsite
	// to clue the compiler in that no return after is required.
	e := new(exception)
	e.class = class
	e.message = fmt.Sprintf(msg, args...)
	return e
}

func catch(accept string, x interface{}) *exception {
	// Because recover() returns interface{}.
	// Return us to the world of type safety.
	if x == nil {
		return nil
	}
	if err, ok := x.(*exception); ok && err.class == accept {
		return err
	}
	panic(x)
}

// Sentinel errors for the conditions the run loop dispatches on.
var (
	// errNotFound distinguishes "no result" from a failed query.
	errNotFound = errors.New("not found")
	// errNoState marks a commit with no readable state note.
	errNoState = errors.New("no state note")
)

// stepError aborts one stream's replay for this run.  State already
// committed remains valid for the next run.
type stepError struct {
	stream string
	tran   int
	err    error
}

func (e *stepError) Error() string {
	if e.tran != 0 {
		return fmt.Sprintf("stream %s, transaction %d: %v", e.stream, e.tran, e.err)
	}
	return fmt.Sprintf("stream %s: %v", e.stream, e.err)
}

func (e *stepError) Unwrap() error { return e.err }

// resumptionError is fatal: the branch tip has no readable state note
// even after the recovery reset.  The operator must find a commit with
// a valid note and reset the branch to it by hand.
type resumptionError struct {
	branch string
	tip    string
}

func (e *resumptionError) Error() string {
	return fmt.Sprintf("branch %s: tip %s has no readable state note after recovery; reset the branch to the last annotated commit manually", e.branch, e.tip)
}

// invariantError aborts the whole stitch run with no partial plan.
type invariantError struct {
	context string
	err     error
}

func (e *invariantError) Error() string {
	return fmt.Sprintf("stitch invariant violated (%s): %v", e.context, e.err)
}

func (e *invariantError) Unwrap() error { return e.err }
