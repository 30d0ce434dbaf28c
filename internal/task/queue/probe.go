package queue

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	logx "taskpulse/pkg/logx"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultProbeRetries = 2
)

// Probe reports whether the broker at url answers PING. The whole call is
// bounded by timeout (split across 1+retries attempts) and never panics on bad
// input; an empty or malformed url is simply unreachable.
func Probe(ctx context.Context, url string, timeout time.Duration, retries int, log logx.Logger) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if retries < 0 {
		retries = 0
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("broker url invalid", logx.Err(err))
		return false
	}
	per := timeout / time.Duration(retries+1)
	opt.DialTimeout = per
	opt.ReadTimeout = per
	opt.WriteTimeout = per
	opt.MaxRetries = -1
	opt.PoolSize = 1

	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 1; attempt <= retries+1; attempt++ {
		pctx, pcancel := context.WithTimeout(ctx, per)
		err = rdb.Ping(pctx).Err()
		pcancel()
		if err == nil {
			log.Debug("broker reachable", logx.String("addr", opt.Addr), logx.Int("attempt", attempt))
			return true
		}
		log.Debug("broker probe failed", logx.String("addr", opt.Addr), logx.Int("attempt", attempt), logx.Err(err))
		if ctx.Err() != nil {
			break
		}
	}
	return false
}
