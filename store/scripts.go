package store

import "github.com/redis/go-redis/v9"

// Server-side scripts. The mark-read operations must rewrite a matching
// list element in place without racing concurrent pushes, which requires
// an atomic multi-step over the one key.

// MarkOneReadScript marks the notification with id ARGV[1] as read inside
// the list at KEYS[1]. Returns 1 if a matching element was found.
var MarkOneReadScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for i, raw in ipairs(items) do
  local ok, n = pcall(cjson.decode, raw)
  if ok and n.id == ARGV[1] then
    if not n.read then
      n.read = true
      redis.call('LSET', KEYS[1], i - 1, cjson.encode(n))
    end
    return 1
  end
end
return 0
`)

// MarkAllReadScript marks every unread notification in the list at
// KEYS[1] as read. Returns the number of elements updated.
var MarkAllReadScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local updated = 0
for i, raw in ipairs(items) do
  local ok, n = pcall(cjson.decode, raw)
  if ok and not n.read then
    n.read = true
    redis.call('LSET', KEYS[1], i - 1, cjson.encode(n))
    updated = updated + 1
  end
end
return updated
`)

// CASHashFieldScript compares-and-swaps a hash field: if the current
// value of field ARGV[1] at KEYS[1] equals ARGV[2], it is set to ARGV[3]
// and {1, new} is returned; otherwise {0, observed} is returned. A missing
// field compares equal to the empty string.
var CASHashFieldScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current == false then
  current = ''
end
if current == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return {1, ARGV[3]}
end
return {0, current}
`)
