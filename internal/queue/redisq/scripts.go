package redisq

import "github.com/redis/go-redis/v9"

// Every state transition is one Lua script so that concurrent workers on
// different hosts observe it atomically. Record hashes live under
// "<prefix>:rec:<id>"; the scripts build those keys from ARGV, which limits
// the queue to a single Redis primary (no cluster slot routing).

// enqueueScript inserts a pending record unless the id already exists.
// KEYS: record, ready, wake. ARGV: id, next_attempt_ms, field/value pairs...
// Returns 1 on insert, 0 when the id exists.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('LPUSH', KEYS[3], '1')
redis.call('LTRIM', KEYS[3], 0, 63)
return 1
`)

// claimScript moves up to limit due records from ready to inflight.
// KEYS: ready, inflight. ARGV: now_ms, limit, record key prefix, tokens...
// Returns the claimed ids.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', ARGV[3] .. id,
        'status', 'in_flight',
        'claim_token', ARGV[3 + i],
        'claimed_at', ARGV[1],
        'updated_at', ARGV[1])
end
return ids
`)

// resolveScript writes the resolved state if the caller still owns the claim.
// KEYS: record, ready, inflight, wake.
// ARGV: id, token, new_status, next_attempt_ms, wake_flag, field/value pairs...
// Returns 1 on success, 0 missing, -1 already resolved, -2 claim lost.
var resolveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'claim_token')
if not cur[2] or cur[2] ~= ARGV[2] then
    return -2
end
if cur[1] ~= 'in_flight' then
    return -1
end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('ZREM', KEYS[3], ARGV[1])
if ARGV[3] == 'pending' then
    redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
    if ARGV[5] == '1' then
        redis.call('LPUSH', KEYS[4], '1')
        redis.call('LTRIM', KEYS[4], 0, 63)
    end
end
return 1
`)

// reclaimScript returns in_flight records claimed at or before the cutoff
// to pending, leaving attempt_count untouched.
// KEYS: inflight, ready, wake. ARGV: cutoff_ms, now_ms, record key prefix.
// Returns the number of reclaimed records.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', ARGV[3] .. id,
        'status', 'pending',
        'claim_token', '',
        'claimed_at', '',
        'next_attempt_at', ARGV[2],
        'updated_at', ARGV[2])
end
if #ids > 0 then
    redis.call('LPUSH', KEYS[3], '1')
    redis.call('LTRIM', KEYS[3], 0, 63)
end
return #ids
`)
