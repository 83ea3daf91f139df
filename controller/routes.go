package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomci/loom/db"
	"github.com/loomci/loom/event"
	"github.com/loomci/loom/secrets"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// userHeader carries the caller identity. Loom is expected to sit
// behind an authenticating reverse proxy that sets it.
const userHeader = "X-Loom-User"

func (c *Controller) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(c.requestLogger)

	mux.Post("/events", c.handleSubmit)
	mux.Get("/events", c.EventStream)

	mux.Get("/runs", c.handleListRuns)
	mux.Get("/runs/{id}", c.handleGetRun)
	mux.Post("/runs/{id}/cancel", c.handleCancelRun)
	mux.HandleFunc("/logs/{id}/{instance}", c.Logs)

	mux.Get("/secrets", c.handleListSecrets)
	mux.Put("/secrets", c.handleAddSecret)
	mux.Delete("/secrets", c.handleRemoveSecret)

	mux.Get("/owner", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(c.cfg.Server.Owner))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))

	return mux
}

func (c *Controller) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		c.l.LogAttrs(r.Context(), slog.LevelInfo, "",
			slog.Group("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authorize runs the check against the caller identity. Returns the
// user on success and writes the response on failure.
func (c *Controller) authorize(w http.ResponseWriter, r *http.Request, check func(string) (bool, error)) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing caller identity")
		return "", false
	}

	ok, err := check(user)
	if err != nil {
		c.l.Error("authorization check failed", "user", user, "err", err)
		writeError(w, http.StatusInternalServerError, "authorization check failed")
		return "", false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not allowed")
		return "", false
	}
	return user, true
}

func (c *Controller) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	// manual dispatch is a human action, gate it; forge-driven
	// events arrive over the event sources or a trusted hook
	if ev.Kind == event.KindManual {
		user, ok := c.authorize(w, r, c.e.IsDispatchAllowed)
		if !ok {
			return
		}
		ev.Actor = user
	}

	ids, err := c.SubmitRuns(r.Context(), &ev)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"runs": ids})
}

func (c *Controller) handleListRuns(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	runs, err := c.d.GetRuns(cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := map[string]any{"runs": runs}
	if len(runs) > 0 {
		resp["cursor"] = runs[len(runs)-1].CreatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := c.d.GetRun(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	jobs, err := c.d.GetJobs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load jobs")
		return
	}

	type jobDetail struct {
		db.Job
		Steps []db.Step `json:"steps"`
	}

	details := make([]jobDetail, 0, len(jobs))
	for _, j := range jobs {
		steps, err := c.d.GetSteps(id, j.Instance)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load steps")
			return
		}
		details = append(details, jobDetail{Job: j, Steps: steps})
	}

	artifacts, err := c.d.GetArtifacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load artifacts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"jobs":      details,
		"artifacts": artifacts,
	})
}

func (c *Controller) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.authorize(w, r, c.e.IsCancelAllowed); !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := c.d.GetRun(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	if err := c.CancelRun(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type secretInput struct {
	Repo  string `json:"repo"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (c *Controller) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.authorize(w, r, c.e.IsSecretsManageAllowed); !ok {
		return
	}

	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "missing repo")
		return
	}

	locked, err := c.sec.GetSecretsLocked(r.Context(), secrets.Repo(repo))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}

	keys := make([]string, 0, len(locked))
	for _, s := range locked {
		keys = append(keys, s.Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (c *Controller) handleAddSecret(w http.ResponseWriter, r *http.Request) {
	user, ok := c.authorize(w, r, c.e.IsSecretsManageAllowed)
	if !ok {
		return
	}

	var in secretInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if in.Repo == "" {
		writeError(w, http.StatusBadRequest, "missing repo")
		return
	}
	if err := secrets.ValidateKey(in.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := c.sec.AddSecret(r.Context(), secrets.UnlockedSecret{
		Key:       in.Key,
		Value:     in.Value,
		Repo:      secrets.Repo(in.Repo),
		CreatedBy: user,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (c *Controller) handleRemoveSecret(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.authorize(w, r, c.e.IsSecretsManageAllowed); !ok {
		return
	}

	var in secretInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	err := c.sec.RemoveSecret(r.Context(), secrets.Secret[any]{
		Key:  in.Key,
		Repo: secrets.Repo(in.Repo),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
