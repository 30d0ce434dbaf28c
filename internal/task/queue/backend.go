package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"taskpulse/internal/task/engine"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

type Config struct {
	// Prefix is prepended to every key; it should end with ':'.
	Prefix        string
	PromoteEvery  time.Duration
	PromoteBatch  int
	BlockTimeout  time.Duration
	DeadLetterCap int64
	// LockSlack is added to the job timeout (or interval) for the run lock TTL.
	LockSlack time.Duration
	// OpTimeout bounds bookkeeping calls made outside a worker loop.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = time.Second
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.DeadLetterCap <= 0 {
		c.DeadLetterCap = 1000
	}
	if c.LockSlack <= 0 {
		c.LockSlack = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
	return c
}

type worker struct {
	cancel context.CancelFunc
	prev   time.Time
}

// Backend implements scheduler.Backend on Redis. Each job name gets exactly
// one worker goroutine, so runs of one job never overlap in this process; the
// run lock extends that across processes sharing the broker.
type Backend struct {
	cfg  Config
	keys keys
	rdb  redis.UniversalClient
	exec *engine.Executor
	log  logx.Logger
	warn *rate.Limiter

	mu      sync.Mutex
	defs    map[string]scheduler.JobDefinition
	workers map[string]*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

var _ scheduler.Backend = (*Backend)(nil)

// Open parses a redis:// URL and builds a backend. It does not contact the
// broker; Start does.
func Open(url string, cfg Config, exec *engine.Executor, log logx.Logger) (*Backend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse broker url: %w", err)
	}
	return New(redis.NewClient(opt), cfg, exec, log), nil
}

func New(rdb redis.UniversalClient, cfg Config, exec *engine.Executor, log logx.Logger) *Backend {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Backend{
		cfg:     cfg,
		keys:    keys{prefix: cfg.Prefix},
		rdb:     rdb,
		exec:    exec,
		log:     log,
		warn:    rate.NewLimiter(rate.Every(10*time.Second), 1),
		defs:    map[string]scheduler.JobDefinition{},
		workers: map[string]*worker{},
	}
}

func (b *Backend) Mode() string { return scheduler.ModeQueue }

// Schedule upserts the repeat entry for def. Before Start it only records the
// definition.
func (b *Backend) Schedule(def scheduler.JobDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.ErrStopped
	}
	b.defs[def.Name] = def
	if b.ctx == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.OpTimeout)
	defer cancel()
	if err := b.register(ctx, def, time.Now()); err != nil {
		return err
	}
	b.spawnLocked(def.Name)
	return nil
}

func (b *Backend) register(ctx context.Context, def scheduler.JobDefinition, now time.Time) error {
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.keys.def(def.Name),
			"interval_ms", def.Interval.Milliseconds(),
			"timeout_ms", def.Timeout.Milliseconds(),
			"max_attempts", def.Retry.MaxAttempts,
		)
		// LT keeps an earlier due time from a previous process and pulls a
		// later one in when the interval shrinks.
		p.ZAddArgs(ctx, b.keys.repeat(), redis.ZAddArgs{
			LT:      true,
			Members: []redis.Z{{Score: float64(ms(now.Add(def.Interval))), Member: def.Name}},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: register %s: %w", def.Name, err)
	}
	return nil
}

func (b *Backend) Unschedule(name string) bool {
	b.mu.Lock()
	_, ok := b.defs[name]
	delete(b.defs, name)
	if w := b.workers[name]; w != nil {
		w.cancel()
		delete(b.workers, name)
	}
	root := b.ctx
	b.mu.Unlock()

	if root != nil {
		ctx, cancel := context.WithTimeout(root, b.cfg.OpTimeout)
		defer cancel()
		_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, b.keys.repeat(), name)
			p.Del(ctx, b.keys.def(name), b.keys.wait(name))
			return nil
		})
		if err != nil {
			b.log.Warn("queue unschedule failed", logx.String("job", name), logx.Err(err))
		}
	}
	return ok
}

// Start verifies the broker, upserts every recorded schedule and launches
// the promoter and one worker per job.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.ErrStopped
	}
	if b.ctx != nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()
	if err := b.rdb.Ping(pctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", scheduler.ErrBrokerUnavailable, err)
	}
	now := time.Now()
	for _, def := range b.defs {
		if err := b.register(pctx, def, now); err != nil {
			return err
		}
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for name := range b.defs {
		b.spawnLocked(name)
	}
	b.wg.Add(1)
	go b.promote(b.ctx)
	b.log.Info("queue backend started", logx.Int("jobs", len(b.defs)), logx.String("prefix", b.cfg.Prefix))
	return nil
}

func (b *Backend) spawnLocked(name string) {
	if _, ok := b.workers[name]; ok {
		return
	}
	wctx, cancel := context.WithCancel(b.ctx)
	b.workers[name] = &worker{cancel: cancel}
	b.wg.Add(1)
	go b.work(wctx, name)
}

// Stop cancels the promoter and workers, waits for in-flight runs to return
// (bounded by ctx) and closes the Redis client.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.workers = map[string]*worker{}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		b.log.Warn("queue workers did not drain before deadline", logx.Err(err))
	}
	if cerr := b.rdb.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (b *Backend) Schedules(ctx context.Context) []scheduler.ScheduleInfo {
	b.mu.Lock()
	defs := make([]scheduler.JobDefinition, 0, len(b.defs))
	prev := map[string]time.Time{}
	for name, d := range b.defs {
		defs = append(defs, d)
		if w := b.workers[name]; w != nil {
			prev[name] = w.prev
		}
	}
	started := b.ctx != nil && !b.closed
	b.mu.Unlock()

	out := make([]scheduler.ScheduleInfo, 0, len(defs))
	var cmds []*redis.FloatCmd
	if started && len(defs) > 0 {
		pipe := b.rdb.Pipeline()
		for _, d := range defs {
			cmds = append(cmds, pipe.ZScore(ctx, b.keys.repeat(), d.Name))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			b.log.Debug("queue schedule lookup failed", logx.Err(err))
		}
	}
	for i, d := range defs {
		it := scheduler.ScheduleInfo{
			Name:        d.Name,
			Interval:    d.Interval,
			Timeout:     d.Timeout,
			MaxAttempts: d.Retry.MaxAttempts,
			Prev:        prev[d.Name],
		}
		if i < len(cmds) {
			if score, err := cmds[i].Result(); err == nil {
				it.Next = time.UnixMilli(int64(score))
			}
		}
		out = append(out, it)
	}
	return out
}

// DeadLetters returns up to limit entries, newest first.
func (b *Backend) DeadLetters(ctx context.Context, limit int) ([]scheduler.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := b.rdb.LRange(ctx, b.keys.dlq(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	out := make([]scheduler.DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl scheduler.DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (b *Backend) promote(ctx context.Context) {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.PromoteEvery)
	defer t.Stop()
	for {
		b.promoteOnce(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (b *Backend) promoteOnce(ctx context.Context, now time.Time) {
	n, err := promoteScript.Run(ctx, b.rdb,
		[]string{b.keys.repeat(), b.keys.delayed()},
		strconv.FormatInt(ms(now), 10), b.cfg.Prefix, b.cfg.PromoteBatch,
	).Int()
	if err != nil {
		if ctx.Err() == nil {
			b.warnf("queue promote failed", err)
		}
		return
	}
	if n > 0 {
		b.log.Trace("queue promoted", logx.Int("n", n))
	}
}

func (b *Backend) warnf(msg string, err error, fields ...logx.Field) {
	if !b.warn.Allow() {
		return
	}
	b.log.Warn(msg, append(fields, logx.Err(err))...)
}

func (b *Backend) definition(name string) (scheduler.JobDefinition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.defs[name]
	return d, ok
}

func (b *Backend) markPrev(name string, t time.Time) {
	b.mu.Lock()
	if w := b.workers[name]; w != nil {
		w.prev = t
	}
	b.mu.Unlock()
}
