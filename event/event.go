package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Kind is the class of repository activity that may start a run.
type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindSchedule    Kind = "schedule"
	KindManual      Kind = "manual"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Event is one unit of repository activity delivered by an event
// source. It is immutable once received.
type Event struct {
	Kind  Kind   `json:"kind"`
	Repo  string `json:"repo"`
	Ref   string `json:"ref"`
	Sha   string `json:"sha"`
	Actor string `json:"actor"`

	// set only on pull_request events
	PullRequest *PullRequest `json:"pull_request,omitempty"`

	// wall-clock of the underlying activity, used for cron matching
	Time time.Time `json:"time"`
}

type PullRequest struct {
	Number       int    `json:"number"`
	TargetBranch string `json:"target_branch"`
}

func (k Kind) Valid() bool {
	switch k {
	case KindPush, KindPullRequest, KindSchedule, KindManual:
		return true
	}
	return false
}

// Validate rejects events the controller cannot act on.
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind == KindPullRequest && e.PullRequest == nil {
		return errors.New("pull_request event without pull request data")
	}
	if e.Sha == "" {
		return errors.New("event has no repository state identifier")
	}
	return nil
}

// Branch is the short branch name behind Ref. Empty for tag refs and
// bare shas.
func (e *Event) Branch() string {
	ref := plumbing.ReferenceName(e.Ref)
	if ref.IsBranch() {
		return ref.Short()
	}
	if e.PullRequest != nil {
		return e.PullRequest.TargetBranch
	}
	return ""
}

// Scope is the run-scope discriminator used in concurrency group
// keys: the pull request number when present, the commit otherwise.
func (e *Event) Scope() string {
	if e.PullRequest != nil {
		return fmt.Sprintf("pr-%d", e.PullRequest.Number)
	}
	return e.Sha
}
