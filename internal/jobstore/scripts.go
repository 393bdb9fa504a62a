package jobstore

import (
	goredis "github.com/redis/go-redis/v9"
)

// Every script receives timestamps already computed by the caller, so the
// only clock is the one of the process running the operation.

// KEYS[1] waiting, KEYS[2] delayed, KEYS[3] active, KEYS[4] reclaimed counter
// ARGV[1] now ms, ARGV[2] lease deadline ms, ARGV[3] token, ARGV[4] worker,
// ARGV[5] job key prefix, ARGV[6] batch size
var leaseScript = goredis.NewScript(`
local batch = tonumber(ARGV[6])

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local p = redis.call('HGET', ARGV[5] .. id, 'priority')
	if p then
		redis.call('ZADD', KEYS[1], p, id)
	end
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	local key = ARGV[5] .. id
	local p = redis.call('HGET', key, 'priority')
	if p then
		redis.call('HDEL', key, 'token', 'worker')
		redis.call('ZADD', KEYS[1], p, id)
		redis.call('INCR', KEYS[4])
	end
end

while true do
	local head = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #head == 0 then
		return false
	end
	local id = head[1]
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[5] .. id
	local data = redis.call('HGET', key, 'data')
	if data then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		redis.call('HSET', key, 'token', ARGV[3], 'worker', ARGV[4])
		return {id, data}
	end
end
`)

// KEYS[1] job, KEYS[2] active
// ARGV[1] token, ARGV[2] id, ARGV[3] new deadline ms
var extendScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[2])
return 1
`)

// KEYS[1] job, KEYS[2] active, KEYS[3] completed counter, KEYS[4] throughput bucket
// ARGV[1] token, ARGV[2] id, ARGV[3] bucket ttl seconds
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[1])
redis.call('INCR', KEYS[3])
redis.call('INCR', KEYS[4])
redis.call('EXPIRE', KEYS[4], ARGV[3])
return 1
`)

// KEYS[1] job, KEYS[2] active, KEYS[3] delayed, KEYS[4] outcome counter
// ARGV[1] token, ARGV[2] id, ARGV[3] job json, ARGV[4] scheduled-at ms
var rescheduleScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'data', ARGV[3])
redis.call('HDEL', KEYS[1], 'token', 'worker')
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
redis.call('INCR', KEYS[4])
return 1
`)

// KEYS[1] job, KEYS[2] active, KEYS[3] dead letter, KEYS[4] global index,
// KEYS[5] organization index, KEYS[6] failed counter
// ARGV[1] token, ARGV[2] id, ARGV[3] record json, ARGV[4] failed-at ms
var deadLetterScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[3], 'record', ARGV[3], 'replay_count', 0)
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
redis.call('ZADD', KEYS[5], ARGV[4], ARGV[2])
redis.call('INCR', KEYS[6])
return 1
`)

// KEYS[1] job
var cancelScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'cancelled', 1)
return 1
`)

// KEYS[1] job, KEYS[2] waiting or delayed, KEYS[3] enqueued counter
// ARGV[1] data, ARGV[2] priority, ARGV[3] schedule score, ARGV[4] id
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'priority', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('INCR', KEYS[3])
return 1
`)
