// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
	"github.com/palaver-im/palaver/lib/codec"
)

// Key layout, all under the "palaver:" prefix:
//
//	call:{id}            hash holding the call record fields
//	call:{id}:ice        list of CBOR-encoded ICE candidates
//	call:{id}:ice:seen   set of candidate dedup keys
//	user:{id}:ringing    set of call IDs currently ringing for a user
//
// Pub/sub channels:
//
//	call:{id}:events     pinged after every record or candidate write
//	user:{id}:incoming   CBOR record published on call creation
//
// Events messages carry no payload. Subscribers re-read the hash on
// every ping; because status writes are conditional on the predecessor
// graph, the hash only ever moves forward, so whatever a subscriber
// reads is a valid snapshot at least as new as the write that pinged
// it.

const keyPrefix = "palaver:"

func callKey(id string) string { return keyPrefix + "call:" + id }
func iceKey(id string) string { return callKey(id) + ":ice" }
func iceSeenKey(id string) string { return callKey(id) + ":ice:seen" }
func ringingKey(user string) string { return keyPrefix + "user:" + user + ":ringing" }
func eventsChannel(id string) string { return callKey(id) + ":events" }
func incomingChannel(user string) string {
	return keyPrefix + "user:" + user + ":incoming"
}

// createScript writes a fresh record unless one already exists, and
// indexes it in the recipient's ringing set.
// KEYS: call hash, recipient ringing set. ARGV: call ID, then
// field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// answerScript sets the answer and flips ringing to active in one
// step. KEYS: call hash, recipient ringing set. ARGV: call ID, SDP
// answer. Returns -1 when the call does not exist.
var answerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= 'ringing' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'active', 'sdp_answer', ARGV[2])
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// statusScript performs the conditional status write. KEYS: call
// hash, recipient ringing set. ARGV: call ID, new status, ended_at
// (empty to leave unset), then the admissible predecessor statuses.
// Returns -1 when the call does not exist.
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local current = redis.call('HGET', KEYS[1], 'status')
local ok = false
for i = 4, #ARGV do
  if current == ARGV[i] then
    ok = true
  end
end
if not ok then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' and redis.call('HGET', KEYS[1], 'ended_at') == false then
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[3])
end
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// iceSeqScript claims the next candidate sequence number, or reports
// a duplicate. KEYS: call hash, seen set. ARGV: dedup key. Returns -1
// when the call does not exist, 0 for a duplicate, else the sequence
// number.
var iceSeqScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
return redis.call('HINCRBY', KEYS[1], 'ice_seq', 1)
`)

// RedisChannel is the production Channel, backed by a shared Redis
// instance. All clients of one deployment point at the same instance;
// Lua scripts make every record write a check-and-set, so the
// predecessor graph holds under concurrent writers.
type RedisChannel struct {
	client *redis.Client
	clk    clock.Clock
	logger *slog.Logger
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel wraps an existing client. The caller owns the
// client's lifetime beyond Close.
func NewRedisChannel(client *redis.Client, clk clock.Clock, logger *slog.Logger) *RedisChannel {
	return &RedisChannel{client: client, clk: clk, logger: logger}
}

// writeMaxAttempts bounds setup-phase write retries. Three attempts
// with exponential backoff (250ms, 500ms) ride out a brief connection
// drop without stalling call setup noticeably.
const writeMaxAttempts = 3

const writeBackoffBase = 250 * time.Millisecond

// withRetry runs a store write with bounded retry on transport
// errors. Conditional-write refusals (ErrConflict, ErrStaleCall,
// ErrCallNotFound) are permanent and returned immediately; exhausted
// retries wrap ErrWriteFailed so callers can tell "the store refused"
// from "the store was unreachable".
func (r *RedisChannel) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastError error
	for attempt := 0; attempt < writeMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := writeBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clk.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrStaleCall) ||
			errors.Is(err, ErrCallNotFound) {
			return err
		}
		lastError = err

		r.logger.Warn("transient store write failure, retrying",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return fmt.Errorf("%w: %w", ErrWriteFailed, lastError)
}

func (r *RedisChannel) CreateCall(ctx context.Context, record calling.CallRecord) error {
	record.Status = calling.StatusRinging
	args := append([]any{record.ID}, recordToPairs(record)...)
	keys := []string{callKey(record.ID), ringingKey(record.RecipientID)}
	err := r.withRetry(ctx, "create", func() error {
		created, err := createScript.Run(ctx, r.client, keys, args...).Int()
		if err != nil {
			return err
		}
		if created == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create call %s: %w", record.ID, err)
	}

	payload, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", record.ID, err)
	}
	err = r.withRetry(ctx, "announce", func() error {
		return r.client.Publish(ctx, incomingChannel(record.RecipientID), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("announce call %s: %w", record.ID, err)
	}
	return nil
}

func (r *RedisChannel) LoadCall(ctx context.Context, callID string) (calling.CallRecord, error) {
	fields, err := r.client.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return calling.CallRecord{}, fmt.Errorf("load call %s: %w", callID, err)
	}
	if len(fields) == 0 {
		return calling.CallRecord{}, fmt.Errorf("load call %s: %w", callID, ErrCallNotFound)
	}
	return recordFromFields(callID, fields)
}

func (r *RedisChannel) SubmitAnswer(ctx context.Context, callID, sdpAnswer string) error {
	recipient, err := r.client.HGet(ctx, callKey(callID), "recipient_id").Result()
	if err == redis.Nil {
		return fmt.Errorf("answer call %s: %w", callID, ErrCallNotFound)
	} else if err != nil {
		return fmt.Errorf("answer call %s: %w", callID, err)
	}
	err = r.withRetry(ctx, "answer", func() error {
		result, err := answerScript.Run(ctx, r.client,
			[]string{callKey(callID), ringingKey(recipient)}, callID, sdpAnswer).Int()
		if err != nil {
			return err
		}
		switch result {
		case -1:
			return ErrCallNotFound
		case 0:
			return ErrStaleCall
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("answer call %s: %w", callID, err)
	}
	return r.ping(ctx, callID)
}

func (r *RedisChannel) UpdateStatus(ctx context.Context, callID string, status calling.CallStatus) error {
	recipient, err := r.client.HGet(ctx, callKey(callID), "recipient_id").Result()
	if err == redis.Nil {
		return fmt.Errorf("update call %s: %w", callID, ErrCallNotFound)
	} else if err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}

	endedAt := ""
	if status.Terminal() {
		endedAt = r.clk.Now().UTC().Format(time.RFC3339Nano)
	}
	args := []any{callID, string(status), endedAt}
	for _, pred := range calling.ValidPredecessors(status) {
		args = append(args, string(pred))
	}
	result, err := statusScript.Run(ctx, r.client,
		[]string{callKey(callID), ringingKey(recipient)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}
	switch result {
	case -1:
		return fmt.Errorf("update call %s: %w", callID, ErrCallNotFound)
	case 0:
		return fmt.Errorf("update call %s to %s: %w", callID, status, ErrConflict)
	}
	return r.ping(ctx, callID)
}

func (r *RedisChannel) AppendICECandidate(ctx context.Context, callID string, candidate calling.ICECandidate) error {
	var seq int64
	err := r.withRetry(ctx, "claim candidate", func() error {
		n, err := iceSeqScript.Run(ctx, r.client,
			[]string{callKey(callID), iceSeenKey(callID)},
			candidate.DedupKey()).Int64()
		if err != nil {
			return err
		}
		seq = n
		return nil
	})
	if err != nil {
		return fmt.Errorf("append candidate for call %s: %w", callID, err)
	}
	switch seq {
	case -1:
		return fmt.Errorf("append candidate for call %s: %w", callID, ErrCallNotFound)
	case 0:
		return nil
	}

	candidate.Sequence = uint64(seq)
	candidate.AddedAt = r.clk.Now().UTC()
	payload, err := codec.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("encode candidate for call %s: %w", callID, err)
	}
	// Each sender appends serially, so its candidates land in the list
	// in sequence order even though claim and push are separate steps.
	err = r.withRetry(ctx, "push candidate", func() error {
		return r.client.RPush(ctx, iceKey(callID), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("append candidate for call %s: %w", callID, err)
	}
	return r.ping(ctx, callID)
}

func (r *RedisChannel) SubscribeToCall(ctx context.Context, callID string) (*CallSubscription, error) {
	if _, err := r.LoadCall(ctx, callID); err != nil {
		return nil, err
	}

	pubsub := r.client.Subscribe(ctx, eventsChannel(callID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to call %s: %w", callID, err)
	}

	snapshots := newPump[calling.CallRecord]()
	candidates := newPump[calling.ICECandidate]()
	done := make(chan struct{})

	go r.followCall(callID, pubsub, snapshots, candidates, done)

	return &CallSubscription{
		Snapshots:  snapshots.out,
		Candidates: candidates.out,
		stop: func() {
			close(done)
			pubsub.Close()
		},
	}, nil
}

// followCall re-reads the record and drains new list entries on every
// ping. Reads use a background context: the subscription's lifetime
// is governed by stop, not by the context the subscriber passed in.
func (r *RedisChannel) followCall(callID string, pubsub *redis.PubSub,
	snapshots *pump[calling.CallRecord], candidates *pump[calling.ICECandidate],
	done chan struct{}) {

	defer snapshots.close()
	defer candidates.close()

	ctx := context.Background()
	var last *calling.CallRecord
	var cursor int64
	seen := make(map[string]struct{})

	resync := func() {
		record, err := r.LoadCall(ctx, callID)
		if err != nil {
			r.logger.Warn("call snapshot read failed",
				"call_id", callID, "error", err)
		} else if last == nil || !record.Equal(*last) {
			last = &record
			snapshots.enqueue(record)
		}

		entries, err := r.client.LRange(ctx, iceKey(callID), cursor, -1).Result()
		if err != nil {
			r.logger.Warn("candidate read failed",
				"call_id", callID, "error", err)
			return
		}
		cursor += int64(len(entries))
		for _, entry := range entries {
			var candidate calling.ICECandidate
			if err := codec.Unmarshal([]byte(entry), &candidate); err != nil {
				r.logger.Warn("undecodable candidate dropped",
					"call_id", callID, "error", err)
				continue
			}
			if _, dup := seen[candidate.DedupKey()]; dup {
				continue
			}
			seen[candidate.DedupKey()] = struct{}{}
			candidates.enqueue(candidate)
		}
	}

	resync()
	for {
		select {
		case <-done:
			return
		case _, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			resync()
		}
	}
}

func (r *RedisChannel) SubscribeToIncoming(ctx context.Context, userID string) (*IncomingSubscription, error) {
	pubsub := r.client.Subscribe(ctx, incomingChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to incoming for %s: %w", userID, err)
	}

	calls := newPump[calling.CallRecord]()
	done := make(chan struct{})

	// Calls already ringing are replayed from the index before live
	// messages, so a client subscribing late still sees them. A call
	// seen in both the replay and a live message is delivered twice;
	// consumers treat delivery as at-least-once.
	ids, err := r.client.SMembers(ctx, ringingKey(userID)).Result()
	if err != nil {
		pubsub.Close()
		calls.close()
		return nil, fmt.Errorf("subscribe to incoming for %s: %w", userID, err)
	}
	for _, id := range ids {
		record, err := r.LoadCall(ctx, id)
		if err != nil || record.Status != calling.StatusRinging {
			continue
		}
		calls.enqueue(record)
	}

	go func() {
		defer calls.close()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var record calling.CallRecord
				if err := codec.Unmarshal([]byte(msg.Payload), &record); err != nil {
					r.logger.Warn("undecodable incoming call dropped",
						"user_id", userID, "error", err)
					continue
				}
				calls.enqueue(record)
			}
		}
	}()

	return &IncomingSubscription{
		Calls: calls.out,
		stop: func() {
			close(done)
			pubsub.Close()
		},
	}, nil
}

// Close closes the underlying client, which terminates every pub/sub
// subscription.
func (r *RedisChannel) Close() error {
	return r.client.Close()
}

func (r *RedisChannel) ping(ctx context.Context, callID string) error {
	if err := r.client.Publish(ctx, eventsChannel(callID), "").Err(); err != nil {
		return fmt.Errorf("notify call %s: %w", callID, err)
	}
	return nil
}

// recordToPairs flattens a record into HSET field/value pairs. The
// candidate sequence counter lives in the same hash under ice_seq and
// is not part of the record.
func recordToPairs(record calling.CallRecord) []any {
	pairs := []any{
		"id", record.ID,
		"caller_id", record.CallerID,
		"recipient_id", record.RecipientID,
		"type", string(record.Type),
		"status", string(record.Status),
		"started_at", record.StartedAt.UTC().Format(time.RFC3339Nano),
		"sdp_offer", record.SDPOffer,
		"sdp_answer", record.SDPAnswer,
	}
	if record.EndedAt != nil {
		pairs = append(pairs, "ended_at", record.EndedAt.UTC().Format(time.RFC3339Nano))
	}
	return pairs
}

func recordFromFields(callID string, fields map[string]string) (calling.CallRecord, error) {
	record := calling.CallRecord{
		ID:          fields["id"],
		CallerID:    fields["caller_id"],
		RecipientID: fields["recipient_id"],
		Type:        calling.CallType(fields["type"]),
		Status:      calling.CallStatus(fields["status"]),
		SDPOffer:    fields["sdp_offer"],
		SDPAnswer:   fields["sdp_answer"],
	}
	startedAt, err := time.Parse(time.RFC3339Nano, fields["started_at"])
	if err != nil {
		return calling.CallRecord{}, fmt.Errorf("call %s: bad started_at %q: %w",
			callID, fields["started_at"], err)
	}
	record.StartedAt = startedAt
	if raw, ok := fields["ended_at"]; ok && raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return calling.CallRecord{}, fmt.Errorf("call %s: bad ended_at %q: %w",
				callID, raw, err)
		}
		record.EndedAt = &endedAt
	}
	return record, nil
}
