package workflow

import (
	"fmt"
	"strings"
)

// Diagnostics collects everything wrong with a definition at load
// time. A definition with errors never produces a run.
type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	InvalidConfiguration WarningKind = "invalid configuration"
	NothingToRun         WarningKind = "nothing to run"
)

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) String() string {
	var sb strings.Builder
	for _, e := range d.Errors {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	for _, w := range d.Warnings {
		sb.WriteString(w.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
