// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"sort"
	"strings"
	"testing"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

// Assertions provides assertion helpers for round results.
type Assertions struct {
	t      *testing.T
	failed bool
}

// NewAssertions creates a new assertions helper.
func NewAssertions(t *testing.T) *Assertions {
	return &Assertions{t: t}
}

// Failed returns true if any assertion has failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

func (a *Assertions) fail(format string, args ...any) {
	a.t.Helper()
	a.t.Errorf(format, args...)
	a.failed = true
}

// AssertNoError asserts that err is nil.
func (a *Assertions) AssertNoError(err error, msg string) {
	a.t.Helper()
	if err != nil {
		a.fail("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorCode asserts that err carries code.
func (a *Assertions) AssertErrorCode(err error, code errors.ErrorCode, msg string) {
	a.t.Helper()
	if !errors.Is(err, code) {
		a.fail("%s: expected %s, got %v", msg, code, err)
	}
}

// AssertStatus asserts the final status of one responder.
func (a *Assertions) AssertStatus(result core.RoundResult, responder string, status core.Status) {
	a.t.Helper()
	got, ok := result.Status(responder)
	if !ok {
		a.fail("%s is not part of round %s", responder, result.RoundID)
		return
	}
	if got != status {
		a.fail("%s: expected %s, got %s", responder, status, got)
	}
}

// AssertCount asserts how many responders ended with status.
func (a *Assertions) AssertCount(result core.RoundResult, status core.Status, n int) {
	a.t.Helper()
	if got := result.Count(status); got != n {
		a.fail("expected %d responders %s, got %d", n, status, got)
	}
}

// AssertResponders asserts that the result holds exactly ids.
func (a *Assertions) AssertResponders(result core.RoundResult, ids ...string) {
	a.t.Helper()
	want := append([]string(nil), ids...)
	sort.Strings(want)
	if got := result.Responders(); strings.Join(got, ",") != strings.Join(want, ",") {
		a.fail("expected responders %v, got %v", want, got)
	}
}

// AssertReceived asserts the kinds a scripted responder received, in order.
func (a *Assertions) AssertReceived(r *Responder, kinds ...core.MessageKind) {
	a.t.Helper()
	got := r.ReceivedKinds()
	if len(got) != len(kinds) {
		a.fail("%s received %v, expected %v", r.ID(), got, kinds)
		return
	}
	for i := range kinds {
		if got[i] != kinds[i] {
			a.fail("%s received %v, expected %v", r.ID(), got, kinds)
			return
		}
	}
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}
