// Package controller is the orchestration core: it turns forge
// events into runs, expands matrices, schedules the job graph, and
// hands finished runs to the publisher and the notifiers.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loomci/loom/config"
	"github.com/loomci/loom/db"
	"github.com/loomci/loom/event"
	"github.com/loomci/loom/notifier"
	"github.com/loomci/loom/notify"
	"github.com/loomci/loom/publish"
	"github.com/loomci/loom/rbac"
	"github.com/loomci/loom/runner"
	"github.com/loomci/loom/secrets"
	"github.com/loomci/loom/workflow"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type Controller struct {
	d   *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	e   *rbac.Enforcer
	cfg *config.Config
	ldr *workflow.Loader
	r   runner.Runner
	sec secrets.Manager
	pub publish.Publisher
	nf  notify.Fanout
	jq  *jobQueue
	gt  *groupTable
	m   *metrics
	reg *prometheus.Registry

	mu   sync.Mutex
	runs map[string]*runHandle
}

type Deps struct {
	DB       *db.DB
	Logger   *slog.Logger
	Notifier *notifier.Notifier
	Enforcer *rbac.Enforcer
	Config   *config.Config
	Loader   *workflow.Loader
	Runner   runner.Runner
	Secrets  secrets.Manager
	Pub      publish.Publisher
	Notify   notify.Fanout
}

func New(deps Deps) *Controller {
	reg := prometheus.NewRegistry()

	c := &Controller{
		d:    deps.DB,
		l:    deps.Logger,
		n:    deps.Notifier,
		e:    deps.Enforcer,
		cfg:  deps.Config,
		ldr:  deps.Loader,
		r:    deps.Runner,
		sec:  deps.Secrets,
		pub:  deps.Pub,
		nf:   deps.Notify,
		jq:   newJobQueue(deps.Config.Server.MaxQueueSize, deps.Config.Runner.MaxParallel),
		gt:   newGroupTable(),
		m:    newMetrics(reg),
		reg:  reg,
		runs: make(map[string]*runHandle),
	}
	return c
}

func (c *Controller) Start() {
	c.jq.Start()
}

func (c *Controller) Stop() {
	c.jq.Stop()
}

// runHandle is the in-memory side of a run: the cancellation signal
// and the context its jobs execute under. Everything durable lives
// in the database.
type runHandle struct {
	id       string
	groupKey string
	def      *workflow.Definition
	ev       *event.Event

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func (h *runHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Submit evaluates the event against every loaded definition and
// creates one run per matching trigger. Returns the created run ids.
func (c *Controller) Submit(ctx context.Context, ev *event.Event) error {
	_, err := c.SubmitRuns(ctx, ev)
	return err
}

func (c *Controller) SubmitRuns(ctx context.Context, ev *event.Event) ([]string, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	c.m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	defs, diag, err := c.ldr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}
	for _, w := range diag.Warnings {
		c.l.Warn("definition warning", "path", w.Path, "kind", w.Type, "reason", w.Reason)
	}
	for _, e := range diag.Errors {
		c.l.Error("definition rejected", "path", e.Path, "err", e.Error)
	}

	var ids []string
	for _, def := range defs {
		if !def.On.Match(ev) {
			continue
		}
		id, err := c.startRun(def, ev)
		if err != nil {
			c.l.Error("failed to start run", "workflow", def.Name, "err", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// groupKey scopes deduplication: one workflow, one unit of activity.
// Manual dispatches never dedup against event-driven runs.
func groupKey(def *workflow.Definition, ev *event.Event) string {
	scope := ev.Scope()
	if ev.Kind == event.KindManual {
		scope = "manual:" + scope
	}
	return def.Name + "/" + scope
}

func (c *Controller) startRun(def *workflow.Definition, ev *event.Event) (string, error) {
	id := uuid.NewString()
	key := groupKey(def, ev)

	err := c.d.CreateRun(db.Run{
		Id:       id,
		Workflow: def.Name,
		GroupKey: key,
		Event:    *ev,
		Status:   db.RunQueued,
	}, c.n)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		id:       id,
		groupKey: key,
		def:      def,
		ev:       ev,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.mu.Lock()
	c.runs[id] = h
	c.mu.Unlock()

	start := func() {
		c.m.queuedRuns.Dec()
		go c.executeRun(h)
	}

	startNow, displaced := c.gt.Acquire(key, id, def.Concurrency.CancelInProgress, start)
	for _, old := range displaced {
		c.l.Info("superseding in-flight run", "group", key, "old", old, "new", id)
		if err := c.CancelRun(old); err != nil {
			c.l.Error("failed to cancel superseded run", "run", old, "err", err)
		}
	}

	if startNow {
		go c.executeRun(h)
	} else {
		c.m.queuedRuns.Inc()
		c.l.Info("run queued behind group", "group", key, "run", id)
	}
	return id, nil
}

// CancelRun cancels a run. The row goes terminal immediately either
// way; a running run additionally stops dispatching new work, aborts
// in-flight steps, and its scheduler drains in the background.
func (c *Controller) CancelRun(id string) error {
	c.mu.Lock()
	h := c.runs[id]
	c.mu.Unlock()

	if h == nil {
		run, err := c.d.GetRun(id)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		// queued across a restart, no handle exists
		return c.d.MarkRunCancelled(id, c.n)
	}

	if h.cancelled.Swap(true) {
		return nil
	}
	h.cancel()

	// the group table decides waiting-vs-active under its own lock, a
	// DB status read would race the promotion that starts the run
	if c.gt.Leave(h.groupKey, id) {
		// never started: finish here
		c.forget(h)
		c.m.queuedRuns.Dec()
		return c.d.MarkRunCancelled(id, c.n)
	}

	// active: record the cancel now so the row never shows running
	// alongside its successor; the scheduler's final mark is idempotent
	return c.d.MarkRunCancelled(id, c.n)
}

func (c *Controller) forget(h *runHandle) {
	c.mu.Lock()
	delete(c.runs, h.id)
	c.mu.Unlock()
}
