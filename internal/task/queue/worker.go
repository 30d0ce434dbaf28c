package queue

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"taskpulse/internal/task/engine"
	"taskpulse/internal/task/scheduler"
	logx "taskpulse/pkg/logx"
)

const lockBusyRequeue = time.Second

func (b *Backend) work(ctx context.Context, name string) {
	defer b.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(fnv64a(name))))
	wait := b.keys.wait(name)
	idle := time.Duration(0)

	for ctx.Err() == nil {
		res, err := b.rdb.BRPop(ctx, b.cfg.BlockTimeout, wait).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.warnf("queue pop failed", err, logx.String("job", name))
			idle = min(max(2*idle, 100*time.Millisecond), 5*time.Second)
			if !sleepCtx(ctx, idle) {
				return
			}
			continue
		}
		idle = 0
		if len(res) != 2 {
			continue
		}
		env, err := decodeEnvelope(res[1])
		if err != nil {
			b.log.Warn("queue dropped malformed envelope", logx.String("job", name), logx.Err(err))
			continue
		}
		def, ok := b.definition(name)
		if !ok {
			return
		}
		b.runOne(ctx, def, env, rng)
	}
}

func (b *Backend) runOne(ctx context.Context, def scheduler.JobDefinition, env envelope, rng *rand.Rand) {
	lockKey := b.keys.lock(def.Name)
	token := uuid.NewString()
	ttl := def.Timeout
	if ttl <= 0 {
		ttl = def.Interval
	}
	ok, err := b.rdb.SetNX(ctx, lockKey, token, ttl+b.cfg.LockSlack).Result()
	if err != nil || !ok {
		// Another process holds the run; try again shortly.
		b.requeue(ctx, env, lockBusyRequeue)
		return
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.OpTimeout)
		defer cancel()
		if err := unlockScript.Run(uctx, b.rdb, []string{lockKey}, token).Err(); err != nil {
			b.warnf("queue unlock failed", err, logx.String("job", def.Name))
		}
	}()

	attempt := engine.Attempt{
		ID:      env.ID,
		Job:     def.Name,
		Backend: scheduler.ModeQueue,
		Number:  env.Attempt,
		Max:     def.Retry.MaxAttempts,
		Timeout: def.Timeout,
		Handler: def.Handler,
	}
	b.markPrev(def.Name, time.Now())
	err = b.exec.Run(ctx, attempt)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the run: park the same attempt for the next process.
		b.requeue(ctx, env, 0)
		return
	}
	if def.Retry.ShouldRetry(env.Attempt, err) {
		next := env
		next.Attempt++
		delay := def.Retry.Delay(next.Attempt, err, rng)
		b.requeue(ctx, next, delay)
		b.log.Info("job.retry_scheduled",
			logx.String("job", def.Name),
			logx.Int("attempt", next.Attempt),
			logx.Int("max_attempts", def.Retry.MaxAttempts),
			logx.Duration("delay", delay),
		)
		return
	}
	b.deadLetter(ctx, attempt, err)
}

// requeue parks env in the delayed set; the promoter moves it back once due.
func (b *Backend) requeue(ctx context.Context, env envelope, after time.Duration) {
	raw, err := env.encode()
	if err != nil {
		b.log.Error("queue encode failed", logx.String("job", env.Job), logx.Err(err))
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.OpTimeout)
	defer cancel()
	due := float64(ms(time.Now().Add(after)))
	if err := b.rdb.ZAdd(rctx, b.keys.delayed(), redis.Z{Score: due, Member: raw}).Err(); err != nil {
		b.warnf("queue requeue failed", err, logx.String("job", env.Job))
	}
}

func (b *Backend) deadLetter(ctx context.Context, a engine.Attempt, cause error) {
	dl := scheduler.DeadLetter{
		ID:       uuid.NewString(),
		Job:      a.Job,
		Attempts: a.Number,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(dl)
	if err == nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.OpTimeout)
		_, err = b.rdb.TxPipelined(dctx, func(p redis.Pipeliner) error {
			p.LPush(dctx, b.keys.dlq(), raw)
			p.LTrim(dctx, b.keys.dlq(), 0, b.cfg.DeadLetterCap-1)
			return nil
		})
		cancel()
	}
	if err != nil {
		b.log.Error("queue dead letter write failed", logx.String("job", a.Job), logx.Err(err))
	}
	b.exec.DeadLettered(a, cause)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
