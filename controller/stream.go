package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventStream serves the run-status journal over a websocket:
// backfill from the client's cursor first, then live frames as the
// notifier wakes us.
func (c *Controller) EventStream(w http.ResponseWriter, r *http.Request) {
	l := c.l.With("handler", "EventStream")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := c.n.Subscribe()
	defer c.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64
	if after := r.URL.Query().Get("cursor"); after != "" {
		cursor, _ = strconv.ParseInt(after, 10, 64)
	}

	// complete backfill first before going to live data
	if err := c.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := c.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			// keep-alive
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

func (c *Controller) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		frames, err := c.d.GetRunEvents(*cursor)
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return nil
		}

		for _, frame := range frames {
			if err := conn.WriteJSON(frame); err != nil {
				return err
			}
			*cursor = frame.Id
		}
	}
}

// Logs follows one job instance's json-lines log file over a
// websocket, replaying from the start and tailing while the job is
// live.
func (c *Controller) Logs(w http.ResponseWriter, r *http.Request) {
	l := c.l.With("handler", "Logs")

	runId := chi.URLParam(r, "id")
	instance := chi.URLParam(r, "instance")
	if runId == "" || instance == "" {
		http.Error(w, "missing run id or instance", http.StatusBadRequest)
		return
	}

	run, err := c.d.GetRun(runId)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	path := LogFilePath(c.cfg.Server.LogDir, runId, instance)
	t, err := tail.TailFile(path, tail.Config{
		Follow:    !run.Status.Terminal(),
		MustExist: true,
		ReOpen:    false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "path", path, "err", err)
		_ = conn.WriteJSON(map[string]string{"error": "log not available"})
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	statusCh := c.n.Subscribe()
	defer c.n.Unsubscribe(statusCh)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				l.Error("tail error", "err", line.Err)
				return
			}

			var entry LogLine
			if err := json.Unmarshal([]byte(line.Text), &entry); err != nil {
				continue
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-statusCh:
			// stop following once the run settles
			run, err := c.d.GetRun(runId)
			if err == nil && run.Status.Terminal() {
				// drain whatever the tailer already buffered
				go func() {
					time.Sleep(2 * time.Second)
					t.Stop()
				}()
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
