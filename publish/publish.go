// Package publish hands aggregated run results to an external
// result UI. Publisher failures are reported to the caller but
// never affect job statuses; retry policy, if any, lives inside
// the publisher.
package publish

import (
	"context"

	"github.com/loomci/loom/artifact"
)

// Item is one gathered artifact, paired with its producing job
// instance since names repeat across matrix points.
type Item struct {
	Name     string          `json:"name"`
	Instance string          `json:"instance"`
	Handle   artifact.Handle `json:"handle"`
}

// Aggregate is everything the downstream publisher receives for one
// run. Partial results are expected: jobs may have failed.
type Aggregate struct {
	RunId    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Jobs     map[string]string `json:"jobs"` // instance -> terminal status
	Items    []Item            `json:"items"`
}

type Publisher interface {
	Publish(ctx context.Context, agg Aggregate) error
}
