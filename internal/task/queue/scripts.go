package queue

import "github.com/redis/go-redis/v9"

// KEYS[1] repeat, KEYS[2] delayed; ARGV[1] now ms, ARGV[2] key prefix, ARGV[3] batch.
var promoteScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[3])
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, batch)
for _, name in ipairs(due) do
  local every = tonumber(redis.call('HGET', ARGV[2] .. 'def:' .. name, 'interval_ms'))
  if every == nil then
    redis.call('ZREM', KEYS[1], name)
  else
    redis.call('ZADD', KEYS[1], now + every, name)
    local wait = ARGV[2] .. 'wait:' .. name
    if redis.call('LLEN', wait) == 0 then
      redis.call('LPUSH', wait, cjson.encode({id = name .. ':' .. ARGV[1], job = name, attempt = 1, enqueued_at = now}))
      moved = moved + 1
    end
  end
end
local retries = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, batch)
for _, raw in ipairs(retries) do
  redis.call('ZREM', KEYS[2], raw)
  local env = cjson.decode(raw)
  redis.call('LPUSH', ARGV[2] .. 'wait:' .. env.job, raw)
  moved = moved + 1
end
return moved
`)

// KEYS[1] lock; ARGV[1] token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
