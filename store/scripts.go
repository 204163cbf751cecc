package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The scripts below are shared by the Redis and REST backends so both apply identical
// semantics server-side.

// incrSource increments a counter and sets its expiration when the key has none.
// Returns {count, ttl} with ttl in seconds.
const incrSource = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// hitSource checks every window before touching any of them. KEYS are the window keys,
// ARGV holds limit and period (seconds) pairs. Returns
// {allowed, exceeded_index (1-based, 0 if allowed), count1, ttl1, count2, ttl2, ...}.
const hitSource = `
local n = #KEYS
local res = {1, 0}
for i = 1, n do
    local count = tonumber(redis.call('GET', KEYS[i]) or '0')
    if count >= tonumber(ARGV[i * 2 - 1]) then
        res[1] = 0
        res[2] = i
        break
    end
end
if res[1] == 1 then
    for i = 1, n do
        local count = redis.call('INCR', KEYS[i])
        local ttl = redis.call('TTL', KEYS[i])
        if ttl < 0 then
            redis.call('EXPIRE', KEYS[i], ARGV[i * 2])
            ttl = tonumber(ARGV[i * 2])
        end
        res[#res + 1] = count
        res[#res + 1] = ttl
    end
else
    for i = 1, n do
        res[#res + 1] = tonumber(redis.call('GET', KEYS[i]) or '0')
        res[#res + 1] = redis.call('TTL', KEYS[i])
    end
end
return res
`

// reserveSource sets the reserved record only if absent. Returns nil when the record was
// written, otherwise the existing record.
const reserveSource = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) then
    return false
end
return redis.call('GET', KEYS[1])
`

// completeSource replaces the record with ARGV[3] for ARGV[4] seconds, but only when the
// stored record is a reservation (prefix ARGV[1]) carrying the token marker ARGV[2].
// Returns 1 when written, 0 otherwise.
const completeSource = `
local cur = redis.call('GET', KEYS[1])
if not cur or string.sub(cur, 1, #ARGV[1]) ~= ARGV[1] or not string.find(cur, ARGV[2], 1, true) then
    return 0
end
redis.call('SET', KEYS[1], ARGV[3], 'EX', ARGV[4])
return 1
`

// releaseSource deletes the record under the same condition as completeSource.
const releaseSource = `
local cur = redis.call('GET', KEYS[1])
if not cur or string.sub(cur, 1, #ARGV[1]) ~= ARGV[1] or not string.find(cur, ARGV[2], 1, true) then
    return 0
end
return redis.call('DEL', KEYS[1])
`

// reservedPrefix is how every encoded reservation starts. Reservations carry no payload,
// so the token marker cannot match anything but the token field.
const reservedPrefix = `{"state":"reserved",`

func tokenMarker(token string) string {
	return `"token":"` + token + `"`
}

func hitArgs(windows []Window) []any {
	args := make([]any, 0, len(windows)*2)
	for _, w := range windows {
		args = append(args, w.Limit, seconds(w.Period))
	}
	return args
}

func parseHit(vals []int64, n int) (Hit, error) {
	if len(vals) != 2+2*n {
		return Hit{}, fmt.Errorf("unexpected hit result length: got %d, want %d", len(vals), 2+2*n)
	}
	h := Hit{
		Allowed:  vals[0] == 1,
		Exceeded: int(vals[1]) - 1,
		Windows:  make([]WindowState, n),
	}
	for i := range n {
		h.Windows[i] = WindowState{
			Count: vals[2+2*i],
			TTL:   ttlFromSeconds(vals[3+2*i]),
		}
	}
	return h, nil
}

// ttlFromSeconds maps Redis' -1 (no expiry) and -2 (missing) to a negative duration.
func ttlFromSeconds(s int64) time.Duration {
	if s < 0 {
		return -1
	}
	return time.Duration(s) * time.Second
}

func encodeRecord(rec Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode idempotency record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(s string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
