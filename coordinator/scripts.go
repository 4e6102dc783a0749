package coordinator

import valkey "github.com/valkey-io/valkey-go"

// seedScript registers a batch and enqueues its jobs in one step.
// KEYS: batch hash, job queue. ARGV: createdAt, expected, payload...
var seedScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'expected', ARGV[2], 'completed', 0, 'failed', 0, 'createdAt', ARGV[1])
for i = 3, #ARGV do
  redis.call('LPUSH', KEYS[2], ARGV[i])
end
return 1
`)

// recordScript records one job outcome and closes the batch once every job is accounted for.
// The status compare-and-set and the archive push happen together, so a batch can be
// handed to the archive queue at most once.
// KEYS: batch hash, results, failures, recorded job set, archive queue.
// ARGV: job ID, "ok"|"fail", reference or reason, batch ID.
var recordScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, ''}
end
if redis.call('SADD', KEYS[4], ARGV[1]) == 0 then
  return {0, redis.call('HGET', KEYS[1], 'status')}
end
if ARGV[2] == 'ok' then
  redis.call('RPUSH', KEYS[2], ARGV[3])
  redis.call('HINCRBY', KEYS[1], 'completed', 1)
else
  redis.call('RPUSH', KEYS[3], ARGV[3])
  redis.call('HINCRBY', KEYS[1], 'failed', 1)
end
local status = redis.call('HGET', KEYS[1], 'status')
local expected = tonumber(redis.call('HGET', KEYS[1], 'expected') or '0')
local completed = tonumber(redis.call('HGET', KEYS[1], 'completed') or '0')
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed') or '0')
if status ~= 'queued' or completed + failed < expected then
  return {1, status}
end
if failed == 0 then
  redis.call('HSET', KEYS[1], 'status', 'done')
  redis.call('LPUSH', KEYS[5], ARGV[4])
  return {2, 'done'}
end
redis.call('HSET', KEYS[1], 'status', 'failed_partial')
return {2, 'failed_partial'}
`)

// snapshotScript reads a batch hash and both of its lists at one instant.
// KEYS: batch hash, results, failures.
var snapshotScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {}
end
return {
  redis.call('HGETALL', KEYS[1]),
  redis.call('LRANGE', KEYS[2], 0, -1),
  redis.call('LRANGE', KEYS[3], 0, -1)
}
`)

// setArchiveScript stores the archive reference once, and only for done batches.
// KEYS: batch hash. ARGV: reference.
var setArchiveScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'done' then
  return -2
end
return redis.call('HSETNX', KEYS[1], 'archiveReference', ARGV[1])
`)

// reclaimScript returns items with expired leases from the processing list to the queue.
// Items without a lease get one, so a crash between the move and the lease is still recovered.
// KEYS: queue, processing, leases. ARGV: now (ms), visibility (ms).
var reclaimScript = valkey.NewLuaScript(`
local now = tonumber(ARGV[1])
local moved = 0
for _, item in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
  local deadline = redis.call('ZSCORE', KEYS[3], item)
  if not deadline then
    redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), item)
  elseif tonumber(deadline) <= now then
    redis.call('LREM', KEYS[2], 1, item)
    redis.call('ZREM', KEYS[3], item)
    redis.call('LPUSH', KEYS[1], item)
    moved = moved + 1
  end
end
return moved
`)

// ackScript settles a delivery only while the caller still holds it: the attempt count
// must match and the item must still be in the processing list. With a dead-letter key
// the item is moved there instead of being dropped.
// KEYS: processing, leases, attempts[, dead]. ARGV: payload, attempt.
var ackScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if KEYS[4] then
  redis.call('LPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// extendScript pushes a held delivery's lease deadline forward.
// KEYS: leases, attempts. ARGV: payload, attempt, deadline (ms).
var extendScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// requeueScript moves one in-flight payload back onto the queue. The attempt count is
// kept, so the previous holder can no longer settle it.
// KEYS: queue, processing, leases. ARGV: payload.
var requeueScript = valkey.NewLuaScript(`
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// reviveScript returns every dead-lettered item to the queue, oldest first.
// KEYS: dead, queue.
var reviveScript = valkey.NewLuaScript(`
local moved = 0
while redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT') do
  moved = moved + 1
end
return moved
`)
