package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// All keys share the {escrow} hash tag so the scripts touch a single slot.
const (
	redisPrefix             = "{escrow}:"
	redisSeqKey             = redisPrefix + "seq"
	redisStatePrefix        = redisPrefix + "state:"
	redisPartyPrefix        = redisPrefix + "party:"
	redisOutboxKey          = redisPrefix + "outbox"
	redisPendingKey         = redisPrefix + "outbox:pending"
	redisParkedKey          = redisPrefix + "outbox:parked"
	redisParkReasonKey      = redisPrefix + "outbox:park-reason"
	redisParkedEscrowsKey   = redisPrefix + "outbox:parked-escrows"
	redisEscrowOutboxPrefix = redisPrefix + "outbox:escrow:"
	redisRecordPrefix       = redisPrefix + "rec:"
)

// redisInsertScript creates a record and its index entries.
// KEYS[1] = record hash
// KEYS[2] = state index, KEYS[3..5] = seller/buyer/arbitrator index
// KEYS[6] = sequence counter
// ARGV[1] = encoded record, ARGV[2] = counter, ARGV[3] = state, ARGV[4] = member
var redisInsertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
local seq = redis.call("INCR", KEYS[6])
redis.call("HSET", KEYS[1], "data", ARGV[1], "counter", ARGV[2], "state", ARGV[3], "seq", seq)
for i = 2, 5 do
    redis.call("ZADD", KEYS[i], seq, ARGV[4])
end
return 1
`)

// redisCASScript swaps a record if its counter matches and enqueues transfers.
// KEYS[1] = record hash, KEYS[2] = outbox hash, KEYS[3] = pending zset
// KEYS[4] = sequence counter, KEYS[5] = parked zset, KEYS[6] = park reasons
// KEYS[7] = parked escrows set, KEYS[8] = the escrow's outbox zset
// ARGV[1] = expected counter, ARGV[2] = encoded record, ARGV[3] = new counter
// ARGV[4] = new state, ARGV[5] = member, ARGV[6] = state index prefix
// ARGV[7] = park reason on arrival, ARGV[8..] = transfer id / JSON pairs
// Returns -1 when missing, 0 when stale, 1 on success.
var redisCASScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "counter", "state", "seq")
if not cur[1] then
    return -1
end
if cur[1] ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "counter", ARGV[3], "state", ARGV[4])
if cur[2] ~= ARGV[4] then
    redis.call("ZREM", ARGV[6] .. cur[2], ARGV[5])
    redis.call("ZADD", ARGV[6] .. ARGV[4], cur[3], ARGV[5])
end
local parked = redis.call("SISMEMBER", KEYS[7], ARGV[5]) == 1
for i = 8, #ARGV, 2 do
    if redis.call("HSETNX", KEYS[2], ARGV[i], ARGV[i + 1]) == 1 then
        local seq = redis.call("INCR", KEYS[4])
        redis.call("ZADD", KEYS[8], seq, ARGV[i])
        if parked then
            redis.call("ZADD", KEYS[5], seq, ARGV[i])
            redis.call("HSET", KEYS[6], ARGV[i], ARGV[7])
        else
            redis.call("ZADD", KEYS[3], seq, ARGV[i])
        end
    end
end
return 1
`)

// redisParkScript moves an escrow's pending transfers to the parked set.
// KEYS[1] = outbox hash, KEYS[2] = pending zset, KEYS[3] = parked zset
// KEYS[4] = park reasons, KEYS[5] = parked escrows set
// KEYS[6] = the escrow's outbox zset
// ARGV[1] = transfer id, ARGV[2] = its reason, ARGV[3] = reason for the rest
// ARGV[4] = member
// Returns -1 when unknown, 0 when already dispatched, 1 when parked.
var redisParkScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return -1
end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) then
    return 1
end
if not redis.call("ZSCORE", KEYS[2], ARGV[1]) then
    return 0
end
local ids = redis.call("ZRANGE", KEYS[6], 0, -1, "WITHSCORES")
for i = 1, #ids, 2 do
    local id = ids[i]
    if redis.call("ZREM", KEYS[2], id) == 1 then
        redis.call("ZADD", KEYS[3], ids[i + 1], id)
        if id == ARGV[1] then
            redis.call("HSET", KEYS[4], id, ARGV[2])
        else
            redis.call("HSET", KEYS[4], id, ARGV[3])
        end
    end
end
redis.call("SADD", KEYS[5], ARGV[4])
return 1
`)

// redisRequeueScript returns an escrow's parked transfers to the pending set
// under their original sequence numbers.
// KEYS[1] = pending zset, KEYS[2] = parked zset, KEYS[3] = park reasons
// KEYS[4] = parked escrows set, KEYS[5] = the escrow's outbox zset
// ARGV[1] = member
var redisRequeueScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[5], 0, -1, "WITHSCORES")
local n = 0
for i = 1, #ids, 2 do
    if redis.call("ZREM", KEYS[2], ids[i]) == 1 then
        redis.call("ZADD", KEYS[1], ids[i + 1], ids[i])
        redis.call("HDEL", KEYS[3], ids[i])
        n = n + 1
    end
end
redis.call("SREM", KEYS[4], ARGV[1])
return n
`)

// RedisStore persists escrow records in Redis. Each record is a hash holding
// the binary layout plus its counter; sorted sets index records by party and
// state in creation order.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed escrow store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(key Key) string       { return redisRecordPrefix + key.String() }
func stateKey(s State) string        { return redisStatePrefix + s.String() }
func partyKey(id identity.ID) string { return redisPartyPrefix + id.String() }
func escrowOutboxKey(key Key) string { return redisEscrowOutboxPrefix + key.String() }

func (r *RedisStore) Insert(ctx context.Context, rec Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	key := rec.Key()
	keys := []string{
		recordKey(key),
		stateKey(rec.State),
		partyKey(rec.Seller), partyKey(rec.Buyer), partyKey(rec.Arbitrator),
		redisSeqKey,
	}
	n, err := redisInsertScript.Run(ctx, r.client, keys,
		data, strconv.FormatUint(rec.Counter, 10), rec.State.String(), key.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis escrow insert: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Record, error) {
	data, err := r.client.HGet(ctx, recordKey(key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis escrow get: %w", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return Record{}, err
	}
	if rec.Key() != key {
		return Record{}, fmt.Errorf("%w: hash %s holds record %s", ErrAddressDerivation, key, rec.Key())
	}
	return rec, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64, transfers []Transfer) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	key := rec.Key()
	args := []interface{}{
		strconv.FormatUint(expected, 10), data,
		strconv.FormatUint(rec.Counter, 10), rec.State.String(),
		key.String(), redisStatePrefix, parkedOnArrival,
	}
	for _, t := range transfers {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transfer %s: %w", t.ID, err)
		}
		args = append(args, t.ID, payload)
	}

	n, err := redisCASScript.Run(ctx, r.client,
		[]string{
			recordKey(key), redisOutboxKey, redisPendingKey, redisSeqKey,
			redisParkedKey, redisParkReasonKey, redisParkedEscrowsKey, escrowOutboxKey(key),
		}, args...,
	).Int()
	if err != nil {
		return fmt.Errorf("redis escrow swap: %w", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("%w: expected %d", ErrStaleCounter, expected)
	}
	return nil
}

func (r *RedisStore) ListByParty(ctx context.Context, party identity.ID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	members, err := r.client.ZRevRange(ctx, partyKey(party), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis escrow list: %w", err)
	}
	return r.loadMembers(ctx, members)
}

func (r *RedisStore) ListByState(ctx context.Context, state State, limit int) ([]Record, error) {
	return r.ListByStateFrom(ctx, state, 0, limit)
}

func (r *RedisStore) ListByStateFrom(ctx context.Context, state State, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	start := int64(offset)
	members, err := r.client.ZRange(ctx, stateKey(state), start, start+int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis escrow list: %w", err)
	}
	return r.loadMembers(ctx, members)
}

func (r *RedisStore) loadMembers(ctx context.Context, members []string) ([]Record, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, redisRecordPrefix+m, "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis escrow load: %w", err)
	}

	result := make([]Record, 0, len(members))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

func (r *RedisStore) PendingTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ids, err := r.client.ZRange(ctx, redisPendingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox list: %w", err)
	}
	return r.loadTransfers(ctx, ids)
}

func (r *RedisStore) loadTransfers(ctx context.Context, ids []string) ([]Transfer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	payloads, err := r.client.HMGet(ctx, redisOutboxKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox load: %w", err)
	}

	result := make([]Transfer, 0, len(ids))
	for i, p := range payloads {
		s, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("redis outbox: transfer %s missing", ids[i])
		}
		var t Transfer
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("decode transfer %s: %w", ids[i], err)
		}
		result = append(result, t)
	}
	return result, nil
}

func (r *RedisStore) MarkTransferDone(ctx context.Context, id string) error {
	removed, err := r.client.ZRem(ctx, redisPendingKey, id).Result()
	if err != nil || removed > 0 {
		return err
	}
	known, err := r.client.HExists(ctx, redisOutboxKey, id).Result()
	if err != nil {
		return err
	}
	if !known {
		return errUnknownTransfer(id)
	}
	return nil
}

func (r *RedisStore) ParkTransfer(ctx context.Context, id, reason string) error {
	payload, err := r.client.HGet(ctx, redisOutboxKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return errUnknownTransfer(id)
	}
	if err != nil {
		return fmt.Errorf("redis outbox load: %w", err)
	}
	var t Transfer
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return fmt.Errorf("decode transfer %s: %w", id, err)
	}

	n, err := redisParkScript.Run(ctx, r.client,
		[]string{
			redisOutboxKey, redisPendingKey, redisParkedKey,
			redisParkReasonKey, redisParkedEscrowsKey, escrowOutboxKey(t.Key),
		},
		id, reason, blockedBy(id), t.Key.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis outbox park: %w", err)
	}
	switch n {
	case -1:
		return errUnknownTransfer(id)
	case 0:
		return errTransferDispatched(id)
	}
	return nil
}

func (r *RedisStore) ParkedTransfers(ctx context.Context, limit int) ([]ParkedTransfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ids, err := r.client.ZRange(ctx, redisParkedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox list parked: %w", err)
	}
	transfers, err := r.loadTransfers(ctx, ids)
	if err != nil || len(transfers) == 0 {
		return nil, err
	}
	reasons, err := r.client.HMGet(ctx, redisParkReasonKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis outbox load reasons: %w", err)
	}

	result := make([]ParkedTransfer, len(transfers))
	for i, t := range transfers {
		reason, _ := reasons[i].(string)
		result[i] = ParkedTransfer{Transfer: t, Reason: reason}
	}
	return result, nil
}

func (r *RedisStore) RequeueParked(ctx context.Context, key Key) (int, error) {
	n, err := redisRequeueScript.Run(ctx, r.client,
		[]string{
			redisPendingKey, redisParkedKey, redisParkReasonKey,
			redisParkedEscrowsKey, escrowOutboxKey(key),
		},
		key.String(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis outbox requeue: %w", err)
	}
	return n, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
