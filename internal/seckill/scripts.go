// Package seckill is the flash-sale engine: a single atomic
// server-side script decides win/lose so the reservation critical
// section never leaves the store.
package seckill

import "github.com/redis/go-redis/v9"

// reserveScript is the reserve decision as a single atomic Lua
// execution: rate-limit, campaign-started, already-purchased,
// out-of-stock, decrement-and-win, in that order.
//
// KEYS[1] = stock key, KEYS[2] = winners set key, KEYS[3] = ratelimit key
// ARGV[1] = userId, ARGV[2] = limit, ARGV[3] = window (seconds)
var reserveScript = redis.NewScript(`
local stockKey = KEYS[1]
local winnersKey = KEYS[2]
local ratelimitKey = KEYS[3]
local userId = ARGV[1]
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local count = redis.call("INCR", ratelimitKey)
if count == 1 then
	redis.call("EXPIRE", ratelimitKey, window)
end
if count > limit then
	return -4
end

if redis.call("EXISTS", stockKey) == 0 then
	return -3
end

if redis.call("SISMEMBER", winnersKey, userId) == 1 then
	return -2
end

local stock = tonumber(redis.call("GET", stockKey))
if stock <= 0 then
	return -1
end

redis.call("DECR", stockKey)
redis.call("SADD", winnersKey, userId)
return 1
`)

// releaseScript removes userId from winners; if actually removed, the
// stock unit is restored.
//
// KEYS[1] = stock key, KEYS[2] = winners set key
// ARGV[1] = userId
var releaseScript = redis.NewScript(`
local stockKey = KEYS[1]
local winnersKey = KEYS[2]
local userId = ARGV[1]

local removed = redis.call("SREM", winnersKey, userId)
if removed == 1 then
	redis.call("INCR", stockKey)
	return 1
end
return -1
`)
