package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"taskpulse/internal/runtime/supervisor"
	logx "taskpulse/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

const historySize = 200

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements Notifier: dedup, bounded queue, rate-limited workers.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sink  Sink
	store DedupStore
	obs   Observer
	now   func() time.Time

	cfg     Config
	limiter *rate.Limiter
	warn    *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	persistCh chan dedupWrite
	sup       *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []Message

	queued, delivered, deduped, dropped, failed atomic.Uint64
}

type Option func(*Service)

func WithStore(st DedupStore) Option        { return func(s *Service) { s.store = st } }
func WithObserver(o Observer) Option        { return func(s *Service) { s.obs = o } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, sink Sink, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:  sink,
		log:   log,
		now:   time.Now,
		dedup: map[string]time.Time{},
		warn:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.apply(cfg)
	return s
}

func (s *Service) apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Apply swaps rate and dedup settings. Queue size and worker count take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.apply(cfg)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log.With(logx.String("comp", "notify"))))

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
		pch := s.persistCh
		s.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return nil
		})
	}
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Debug("notify started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new messages and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if pch != nil {
		close(pch)
	}
	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
		s.log.Warn("notify drain incomplete", logx.Int("pending", len(q)), logx.Err(err))
	}

	s.mu.Lock()
	s.queue, s.persistCh, s.sup = nil, nil, nil
	s.mu.Unlock()
	return err
}

// Notify queues a message for userID. It never blocks on delivery; an error
// only reports why the message was not queued and is safe to ignore.
func (s *Service) Notify(ctx context.Context, userID string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup && s.store != nil
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	m := Message{UserID: userID, Payload: p, At: s.now()}
	if window > 0 {
		key := dedupKey(userID, p)
		if !s.dedupAllow(ctx, key, window, maxEntries, persist, pch) {
			s.count(&s.deduped, OutcomeDeduped)
			return nil
		}
	}

	select {
	case q <- m:
		s.count(&s.queued, OutcomeQueued)
		return nil
	default:
		s.count(&s.dropped, OutcomeDropped)
		if s.warn.Allow() {
			s.log.Warn("notify queue full; dropping", logx.String("kind", p.Kind), logx.Int("cap", cap(q)), logx.Int64("dropped", int64(s.dropped.Load())))
		}
		return ErrQueueFull
	}
}

func (s *Service) count(c *atomic.Uint64, outcome string) {
	c.Add(1)
	if s.obs != nil {
		s.obs.ObserveNotify(outcome)
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:    s.queued.Load(),
		Delivered: s.delivered.Load(),
		Deduped:   s.deduped.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []Message {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Message(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

// deliver makes exactly one attempt.
func (s *Service) deliver(ctx context.Context, m Message) {
	s.mu.Lock()
	lim, sink := s.limiter, s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := sink.Deliver(cctx, m)
	cancel()
	if err != nil {
		s.count(&s.failed, OutcomeFailed)
		s.log.Debug("notify delivery failed", logx.String("user", m.UserID), logx.String("kind", m.Payload.Kind), logx.Err(err))
		return
	}
	s.count(&s.delivered, OutcomeDelivered)
	s.hmu.Lock()
	s.history = append(s.history, m)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("notify dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func dedupKey(userID string, p Payload) string {
	if p.Key != "" {
		return "notify:" + p.Key
	}
	h := fnv.New64a()
	for _, part := range []string{userID, p.Kind, p.TaskID, p.Title, p.Body} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > maxEntries {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
		// Still over: evict the soonest-expiring entries.
		for len(s.dedup) > maxEntries {
			var minKey string
			var minT time.Time
			for k, u := range s.dedup {
				if minKey == "" || u.Before(minT) {
					minKey, minT = k, u
				}
			}
			delete(s.dedup, minKey)
		}
	}
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
