// Package persistence writes conversation snapshots. A Coordinator is the
// only writer of a session's snapshot; it debounces routine saves and sheds
// data when the store runs out of room.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/port"
)

// Config tunes a Coordinator.
type Config struct {
	Debounce        time.Duration
	DegradedHistory int
	SnapshotVersion int
	Timeout         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:        500 * time.Millisecond,
		DegradedHistory: 10,
		SnapshotVersion: 1,
		Timeout:         30 * time.Minute,
	}
}

type saveRequest struct {
	snap     conversation.Snapshot
	priority conversation.Priority
}

// Coordinator serialises all snapshot writes for one key through a single
// goroutine. It implements conversation.Persister.
type Coordinator struct {
	store  port.SnapshotStore
	key    string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	reqs    chan saveRequest
	flushes chan chan error
	quit    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator for key. Call Start before saving.
func NewCoordinator(store port.SnapshotStore, key string, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.DegradedHistory <= 0 {
		cfg.DegradedHistory = def.DegradedHistory
	}
	if cfg.SnapshotVersion <= 0 {
		cfg.SnapshotVersion = def.SnapshotVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Coordinator{
		store:   store,
		key:     key,
		cfg:     cfg,
		logger:  logger.Named("persistence").With(zap.String("key", key)),
		now:     time.Now,
		reqs:    make(chan saveRequest, 16),
		flushes: make(chan chan error),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. It stops when ctx is cancelled or
// Close is called, writing any pending snapshot first.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Save queues snap. Immediate saves are written as soon as the writer is
// free; debounced saves wait until no newer save arrives for the debounce
// window. Saves after Close are dropped.
func (c *Coordinator) Save(snap conversation.Snapshot, p conversation.Priority) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.reqs <- saveRequest{snap: snap, priority: p}:
	case <-c.done:
	}
}

// Flush writes any pending snapshot and waits for it.
func (c *Coordinator) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case c.flushes <- ack:
	case <-c.done:
		return errors.New("persistence: coordinator closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any pending snapshot and stops the writer.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
}

// Load reads the stored snapshot. A missing, unreadable or wrong-version
// snapshot is deleted and reported as nil. A snapshot idle past the timeout
// is deleted and reported as domain.ErrSessionExpired.
func (c *Coordinator) Load(ctx context.Context) (*conversation.Snapshot, error) {
	data, err := c.store.Get(ctx, c.key)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap conversation.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("discarding unreadable snapshot", zap.Error(err))
		return nil, c.discard(ctx)
	}
	if snap.Version != c.cfg.SnapshotVersion {
		c.logger.Info("discarding snapshot from another version",
			zap.Int("version", snap.Version), zap.Int("expected_version", c.cfg.SnapshotVersion))
		return nil, c.discard(ctx)
	}
	if snap.Expired(c.cfg.Timeout, c.now()) {
		c.logger.Info("discarding expired snapshot", zap.Time("last_activity", snap.LastActivityAt))
		if err := c.discard(ctx); err != nil {
			return nil, err
		}
		return nil, domain.ErrSessionExpired
	}
	snap = snap.Sanitize()
	return &snap, nil
}

// Delete removes the stored snapshot.
func (c *Coordinator) Delete(ctx context.Context) error {
	return c.discard(ctx)
}

func (c *Coordinator) discard(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	var (
		pending *conversation.Snapshot
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	writePending := func(ctx context.Context) error {
		stopTimer()
		if pending == nil {
			return nil
		}
		snap := *pending
		pending = nil
		return c.write(ctx, snap)
	}

	for {
		select {
		case req := <-c.reqs:
			req = c.coalesce(req)
			if req.priority == conversation.PersistImmediate {
				pending = &req.snap
				_ = writePending(ctx)
				continue
			}
			pending = &req.snap
			if timer == nil {
				timer = time.NewTimer(c.cfg.Debounce)
			} else {
				timer.Reset(c.cfg.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending != nil {
				snap := *pending
				pending = nil
				_ = c.write(ctx, snap)
			}

		case ack := <-c.flushes:
			c.drain(&pending)
			ack <- writePending(ctx)

		case <-c.quit:
			c.drain(&pending)
			_ = writePending(context.WithoutCancel(ctx))
			return

		case <-ctx.Done():
			c.drain(&pending)
			_ = writePending(context.WithoutCancel(ctx))
			return
		}
	}
}

// coalesce folds queued requests into req: the newest snapshot wins and an
// immediate request anywhere in the batch makes the batch immediate.
func (c *Coordinator) coalesce(req saveRequest) saveRequest {
	for {
		select {
		case next := <-c.reqs:
			if req.priority == conversation.PersistImmediate {
				next.priority = conversation.PersistImmediate
			}
			req = next
		default:
			return req
		}
	}
}

func (c *Coordinator) drain(pending **conversation.Snapshot) {
	for {
		select {
		case req := <-c.reqs:
			*pending = &req.snap
		default:
			return
		}
	}
}

// write stores snap, degrading it step by step while the store reports the
// quota is exhausted. Quota errors are logged, never returned.
func (c *Coordinator) write(ctx context.Context, snap conversation.Snapshot) error {
	for level := 0; ; level++ {
		data, err := json.Marshal(snap)
		if err != nil {
			c.logger.Error("encoding snapshot", zap.Error(err))
			return fmt.Errorf("encode snapshot: %w", err)
		}
		err = c.store.Put(ctx, c.key, data)
		if err == nil {
			if level > 0 {
				c.logger.Warn("snapshot saved in degraded form",
					zap.String("dropped", degradations[level-1].name), zap.Int("bytes", len(data)))
			}
			return nil
		}

		var qErr *domain.QuotaExceededError
		if !errors.As(err, &qErr) {
			c.logger.Error("writing snapshot", zap.Error(err))
			return fmt.Errorf("write snapshot: %w", err)
		}
		if level >= len(degradations) {
			c.logger.Error("snapshot does not fit even without history", zap.Int("bytes", len(data)))
			return nil
		}
		c.logger.Info("storage quota exceeded, degrading snapshot",
			zap.String("step", degradations[level].name), zap.Int("bytes", len(data)), zap.Int("available", qErr.Available))
		snap = degradations[level].apply(snap, c.cfg.DegradedHistory)
	}
}

type degradation struct {
	name  string
	apply func(conversation.Snapshot, int) conversation.Snapshot
}

// Applied cumulatively in this order. Phase and version are never touched.
var degradations = []degradation{
	{"image", func(s conversation.Snapshot, _ int) conversation.Snapshot {
		s.ImageData = nil
		return s
	}},
	{"enrichment", func(s conversation.Snapshot, _ int) conversation.Snapshot {
		s.EnrichmentData = nil
		return s
	}},
	{"history", func(s conversation.Snapshot, keep int) conversation.Snapshot {
		if len(s.Messages) > keep {
			s.Messages = s.Messages[len(s.Messages)-keep:]
		}
		return s
	}},
	{"all", func(s conversation.Snapshot, _ int) conversation.Snapshot {
		s.Messages = nil
		s.AddWineState = nil
		s.AddWineStep = conversation.StepNone
		return s
	}},
}
