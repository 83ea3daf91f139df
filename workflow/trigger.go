package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"github.com/loomci/loom/event"
)

type (
	// Trigger is the predicate that decides whether an event starts
	// a run. It is pure: malformed triggers are rejected by Validate,
	// never at match time.
	Trigger struct {
		Push        *PushTrigger        `yaml:"push"`
		PullRequest *PullRequestTrigger `yaml:"pull_request"`
		Schedule    []Schedule          `yaml:"schedule"`
		Manual      bool                `yaml:"manual"`
	}

	PushTrigger struct {
		Branches StringList `yaml:"branches"`
	}

	PullRequestTrigger struct {
		Branches StringList `yaml:"branches"`
	}

	Schedule struct {
		Cron string `yaml:"cron"`

		spec *cronSpec
	}
)

// Match reports whether the event should start a run of this
// definition.
func (t *Trigger) Match(ev *event.Event) bool {
	switch ev.Kind {
	case event.KindManual:
		return t.Manual
	case event.KindPush:
		if t.Push == nil {
			return false
		}
		return matchRef(t.Push.Branches, ev.Ref)
	case event.KindPullRequest:
		if t.PullRequest == nil {
			return false
		}
		if ev.PullRequest == nil {
			return false
		}
		if len(t.PullRequest.Branches) == 0 {
			return true
		}
		return MatchBranch(t.PullRequest.Branches, ev.PullRequest.TargetBranch)
	case event.KindSchedule:
		// multiple cron lines are OR-ed
		for _, s := range t.Schedule {
			if s.spec != nil && s.spec.Matches(ev.Time.UTC()) {
				return true
			}
		}
		return false
	}
	return false
}

// Empty reports whether the trigger matches nothing at all.
func (t *Trigger) Empty() bool {
	return t.Push == nil && t.PullRequest == nil && len(t.Schedule) == 0 && !t.Manual
}

func matchRef(patterns StringList, ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return MatchBranch(patterns, refName.Short())
	}
	// bare branch names are accepted too; tags never match
	if strings.HasPrefix(ref, "refs/") {
		return false
	}
	return MatchBranch(patterns, ref)
}

// MatchBranch matches a branch name against a pattern list. A
// pattern is an exact name, a prefix with a trailing "*" segment
// suffix (rel-*), or a segment glob where "**" swallows any number
// of path segments (gh/**). An empty pattern list matches every
// branch.
func MatchBranch(patterns StringList, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchBranchPattern(p, branch) {
			return true
		}
	}
	return false
}

func matchBranchPattern(pattern, branch string) bool {
	if !strings.ContainsAny(pattern, "*") {
		return pattern == branch
	}

	pseg := strings.Split(pattern, "/")
	bseg := strings.Split(branch, "/")
	return matchSegments(pseg, bseg)
}

func matchSegments(pseg, bseg []string) bool {
	if len(pseg) == 0 {
		return len(bseg) == 0
	}

	if pseg[0] == "**" {
		// swallow zero or more segments
		for i := 0; i <= len(bseg); i++ {
			if matchSegments(pseg[1:], bseg[i:]) {
				return true
			}
		}
		return false
	}

	if len(bseg) == 0 {
		return false
	}
	if !matchSegment(pseg[0], bseg[0]) {
		return false
	}
	return matchSegments(pseg[1:], bseg[1:])
}

// matchSegment handles a single "*" wildcard within one segment,
// e.g. "rel-*" or "*-stable".
func matchSegment(pattern, seg string) bool {
	before, after, found := strings.Cut(pattern, "*")
	if !found {
		return pattern == seg
	}
	if len(seg) < len(before)+len(after) {
		return false
	}
	return strings.HasPrefix(seg, before) && strings.HasSuffix(seg, after)
}

func (t *Trigger) validate(diag *Diagnostics, path string) {
	for i := range t.Schedule {
		s := &t.Schedule[i]
		spec, err := parseCron(s.Cron)
		if err != nil {
			diag.AddError(path, fmt.Errorf("schedule %q: %w", s.Cron, err))
			continue
		}
		s.spec = spec
	}

	if t.Push != nil {
		for _, p := range t.Push.Branches {
			if err := validateBranchPattern(p); err != nil {
				diag.AddError(path, err)
			}
		}
	}
	if t.PullRequest != nil {
		for _, p := range t.PullRequest.Branches {
			if err := validateBranchPattern(p); err != nil {
				diag.AddError(path, err)
			}
		}
	}
}

func validateBranchPattern(p string) error {
	if p == "" {
		return errors.New("empty branch pattern")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg != "**" && strings.Count(seg, "*") > 1 {
			return fmt.Errorf("branch pattern %q: at most one wildcard per segment", p)
		}
	}
	return nil
}

// UnmarshalYAML accepts both the shorthand and the mapping form:
//
//	on:
//	  pull_request: true
//	  push:
//	    branches: [main]
func (t *Trigger) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.New("on must be a mapping")
	}

	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i].Value
		val := value.Content[i+1]

		switch key {
		case "push":
			t.Push = &PushTrigger{}
			if err := decodeTriggerBlock(val, t.Push); err != nil {
				return fmt.Errorf("on.push: %w", err)
			}
		case "pull_request":
			t.PullRequest = &PullRequestTrigger{}
			if err := decodeTriggerBlock(val, t.PullRequest); err != nil {
				return fmt.Errorf("on.pull_request: %w", err)
			}
		case "schedule":
			if err := val.Decode(&t.Schedule); err != nil {
				return fmt.Errorf("on.schedule: %w", err)
			}
		case "manual", "workflow_dispatch":
			if err := val.Decode(&t.Manual); err != nil {
				return fmt.Errorf("on.%s: %w", key, err)
			}
		default:
			return fmt.Errorf("unknown trigger %q", key)
		}
	}

	return nil
}

// decodeTriggerBlock tolerates `push: true` and bare `push:` in
// place of a mapping.
func decodeTriggerBlock(val *yaml.Node, out any) error {
	switch val.Kind {
	case yaml.ScalarNode:
		if slices.Contains([]string{"true", "yes", "on"}, val.Value) || val.Tag == "!!null" {
			return nil
		}
		return fmt.Errorf("cannot unmarshal %q", val.Value)
	case yaml.MappingNode:
		return val.Decode(out)
	}
	return fmt.Errorf("unexpected yaml node kind %d", val.Kind)
}
