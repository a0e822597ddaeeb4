// Package digest folds queued notifications into per-recipient daily
// buckets and mails each finished day as a single digest.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.io/infrasutra/digestd/internal/directory"
	"github.io/infrasutra/digestd/internal/mailer"
	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/queue"
	"github.io/infrasutra/digestd/internal/render"
	"github.io/infrasutra/digestd/internal/store"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 300
)

var ErrDeliveryFailed = errors.New("digest delivery failed")

// Publisher receives digest lifecycle events keyed by recipient id.
type Publisher interface {
	Broadcast(ids []string, payload []byte)
}

type Config struct {
	From             string
	DrainInterval    time.Duration
	DispatchInterval time.Duration
	// MaxAttempts bounds how often a queued item is retried before it is
	// dead-lettered. Zero retries forever.
	MaxAttempts int
	// DeadLetterLimit caps retained dead letters. Zero uses the queue default.
	DeadLetterLimit int
}

type Service struct {
	cfg       Config
	store     *store.Store
	queue     *queue.Queue
	renderer  *render.Renderer
	sender    mailer.Sender
	directory directory.Directory
	clock     Clock
	events    Publisher
	logger    *slog.Logger

	mu            sync.Mutex
	lastPeriod    period.Key
	dispatching   bool
	ticks         int
	dispatchEvery int
	// delivered holds buckets that were mailed but whose clearing write
	// failed. The next pass clears them without mailing again.
	delivered map[string]map[period.Key]bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stats counters
}

type counters struct {
	submitted    atomic.Int64
	drained      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	sent         atomic.Int64
	failed       atomic.Int64
}

// Stats is a point-in-time view of the service counters.
type Stats struct {
	Submitted    int64
	Drained      int64
	Retried      int64
	DeadLettered int64
	Sent         int64
	Failed       int64
	QueueDepth   int
	Dispatching  bool
}

type Option func(*Service)

func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithPublisher(events Publisher) Option {
	return func(s *Service) {
		s.events = events
	}
}

func WithQueue(q *queue.Queue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

func New(cfg Config, st *store.Store, renderer *render.Renderer, sender mailer.Sender, dir directory.Directory, logger *slog.Logger, opts ...Option) *Service {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultInterval
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = cfg.DrainInterval
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:           cfg,
		store:         st,
		queue:         queue.New(queue.WithDeadLetterLimit(cfg.DeadLetterLimit)),
		renderer:      renderer,
		sender:        sender,
		directory:     dir,
		clock:         SystemClock{},
		logger:        logger,
		dispatching:   true,
		dispatchEvery: ticksPerDispatch(cfg.DrainInterval, cfg.DispatchInterval),
		delivered:     make(map[string]map[period.Key]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues a message for recipient to. It is folded into the store on
// the next drain.
func (s *Service) Submit(to, subject, body string) {
	s.queue.Enqueue(to, subject, body)
	s.stats.submitted.Add(1)
}

func (s *Service) Get(ctx context.Context, id string) (store.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListAll(ctx context.Context) ([]store.Record, error) {
	return s.store.GetAll(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Edit locks an existing record. It fails with store.ErrNotFound when id
// has no record.
func (s *Service) Edit(ctx context.Context, id string) (*store.Edit, error) {
	return s.store.Edit(ctx, id)
}

// CreateOrEdit locks id for direct manipulation, creating the record if it
// does not exist.
func (s *Service) CreateOrEdit(ctx context.Context, id string) (*store.Edit, error) {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		edit, err := s.store.Create(ctx, id)
		if !errors.Is(err, store.ErrAlreadyExists) {
			return edit, err
		}
	}
	return s.store.Edit(ctx, id)
}

func (s *Service) Commit(ctx context.Context, edit *store.Edit) error {
	if err := s.store.Commit(ctx, edit); err != nil {
		return err
	}
	s.publish(edit.ID(), "digest.edit")
	return nil
}

func (s *Service) Cancel(edit *store.Edit) error {
	return s.store.Cancel(edit)
}

func (s *Service) Remove(ctx context.Context, edit *store.Edit) error {
	if err := s.store.Remove(ctx, edit); err != nil {
		return err
	}
	s.publish(edit.ID(), "digest.remove")
	return nil
}

func (s *Service) Release(edit *store.Edit) {
	s.store.Release(edit)
}

func (s *Service) DeadLetters() []queue.DeadLetter {
	return s.queue.DeadLetters()
}

// ClearDeadLetters drops every dead letter and reports how many there were.
func (s *Service) ClearDeadLetters() int {
	n := s.queue.ClearDeadLetters()
	if n > 0 {
		s.logger.Info("dead letters cleared", "count", n)
	}
	return n
}

// DispatchingToday reports whether the dispatch loop still scans records in
// the current period.
func (s *Service) DispatchingToday() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatching
}

func (s *Service) Stats() Stats {
	return Stats{
		Submitted:    s.stats.submitted.Load(),
		Drained:      s.stats.drained.Load(),
		Retried:      s.stats.retried.Load(),
		DeadLettered: s.stats.deadLettered.Load(),
		Sent:         s.stats.sent.Load(),
		Failed:       s.stats.failed.Load(),
		QueueDepth:   s.queue.Len(),
		Dispatching:  s.DispatchingToday(),
	}
}

// Running reports whether the background loops are active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Start runs the drain and dispatch loops on a background goroutine until
// ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errors.New("digest service already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.logger.Info("digest service started",
		"drain_interval", s.cfg.DrainInterval,
		"dispatch_interval", s.cfg.DispatchInterval,
	)
	return nil
}

// Stop signals the loops and waits for the current tick to finish.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if pending := s.queue.Len(); pending > 0 {
		s.logger.Warn("digest service stopped with queued messages", "pending", pending)
	}
	s.logger.Info("digest service stopped")
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// A cancelled parent ends the loop without Stop; clear the run state
		// so a later Start succeeds.
		s.runMu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.runMu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick drains before it dispatches. Dispatch runs on the first tick and on
// every dispatchEvery-th tick after it. A panic is logged and the loop goes on.
func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("digest tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	s.Drain(ctx)
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	due := s.ticks%s.dispatchEvery == 0
	s.ticks++
	s.mu.Unlock()
	if due {
		s.Dispatch(ctx)
	}
}

// ticksPerDispatch counts drain ticks per dispatch pass, rounding up so
// passes are never closer together than the dispatch interval.
func ticksPerDispatch(drain, dispatch time.Duration) int {
	if drain <= 0 || dispatch <= drain {
		return 1
	}
	return int((dispatch + drain - 1) / drain)
}

func (s *Service) publish(id, event string) {
	if s.events == nil {
		return
	}
	s.events.Broadcast([]string{id}, buildEvent(event, id, s.clock.Now()))
}
