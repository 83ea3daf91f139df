// Package eventsource ingests forge events from upstream sources and
// hands them to the controller. Two transports are supported: a
// websocket firehose and a kafka topic.
package eventsource

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/loomci/loom/event"
	"github.com/loomci/loom/log"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
)

// Submitter receives every normalized event. Submission errors are
// logged and dropped, the stream never stalls on a bad event.
type Submitter interface {
	Submit(ctx context.Context, ev *event.Event) error
}

// CursorStore persists per-source resume positions across restarts.
type CursorStore interface {
	SetCursor(source string, cursor int64) error
	GetCursor(source string) (int64, error)
}

// Source is one upstream websocket endpoint.
type Source interface {
	// url to start streaming events from
	Url(cursor int64) (*url.URL, error)
	// cursor storage key
	Key() string
}

type ConsumerConfig struct {
	Sources           []Source
	Submitter         Submitter
	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ConnectionTimeout time.Duration
	WorkerCount       int
	QueueSize         int
	Logger            *slog.Logger
	CursorStore       CursorStore
}

type Consumer struct {
	wg       sync.WaitGroup
	dialer   *websocket.Dialer
	connMap  sync.Map
	jobQueue chan job
	logger   *slog.Logger
	cfg      ConsumerConfig
}

type job struct {
	source  Source
	message []byte
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("eventsource")
	}
	if cfg.CursorStore == nil {
		cfg.CursorStore = &MemoryCursorStore{}
	}
	return &Consumer{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		jobQueue: make(chan job, cfg.QueueSize),
		logger:   cfg.Logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("starting consumer", "sources", len(c.cfg.Sources))

	for range c.cfg.WorkerCount {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	for _, source := range c.cfg.Sources {
		c.wg.Add(1)
		go c.connectionLoop(ctx, source)
	}
}

func (c *Consumer) Stop() {
	c.connMap.Range(func(_, val any) bool {
		if conn, ok := val.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	c.wg.Wait()
	close(c.jobQueue)
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-c.jobQueue:
			if !ok {
				return
			}

			var ev event.Event
			if err := json.Unmarshal(j.message, &ev); err != nil {
				c.logger.Error("error deserializing event", "source", j.source.Key(), "err", err)
				continue
			}
			if err := ev.Validate(); err != nil {
				c.logger.Error("dropping invalid event", "source", j.source.Key(), "err", err)
				continue
			}

			if err := c.cfg.CursorStore.SetCursor(j.source.Key(), time.Now().UnixNano()); err != nil {
				c.logger.Error("failed to persist cursor", "source", j.source.Key(), "err", err)
			}

			if err := c.cfg.Submitter.Submit(ctx, &ev); err != nil {
				c.logger.Error("error submitting event", "source", j.source.Key(), "err", err)
			}
		}
	}
}

func (c *Consumer) connectionLoop(ctx context.Context, source Source) {
	defer c.wg.Done()

	err := c.runConnection(ctx, source)
	if err != nil {
		c.logger.Error("failed to run connection", "source", source.Key(), "err", err)
	}

	timer := time.NewTimer(1 * time.Minute)
	defer timer.Stop()

	// every subsequent attempt is delayed by a minute
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			err := c.runConnection(ctx, source)
			if err != nil {
				c.logger.Error("failed to run connection", "source", source.Key(), "err", err)
			}
			timer.Reset(1 * time.Minute)
		}
	}
}

func (c *Consumer) runConnection(ctx context.Context, source Source) error {
	cursor, err := c.cfg.CursorStore.GetCursor(source.Key())
	if err != nil {
		c.logger.Error("failed to load cursor, starting fresh", "source", source.Key(), "err", err)
	}

	u, err := source.Url(cursor)
	if err != nil {
		return err
	}

	c.logger.Info("connecting", "url", u.String())

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryInterval),
		retry.MaxDelay(c.cfg.MaxRetryInterval),
		retry.MaxJitter(c.cfg.RetryInterval / 5),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection",
				"source", source.Key(),
				"url", u.String(),
				"attempt", n+1,
				"err", err,
			)
		}),
		retry.Context(ctx),
	}

	var conn *websocket.Conn

	err = retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		conn, _, err = c.dialer.DialContext(connCtx, u.String(), nil)
		return err
	}, retryOpts...)
	if err != nil {
		return err
	}

	c.connMap.Store(source, conn)
	defer conn.Close()
	defer c.connMap.Delete(source)

	c.logger.Info("connected", "source", source.Key())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case c.jobQueue <- job{source: source, message: msg}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// MemoryCursorStore loses position on restart, used when no database
// is wired in.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func (m *MemoryCursorStore) SetCursor(source string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors == nil {
		m.cursors = make(map[string]int64)
	}
	m.cursors[source] = cursor
	return nil
}

func (m *MemoryCursorStore) GetCursor(source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source], nil
}
