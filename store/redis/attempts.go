package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/internal/entity"
	"github.com/interlock-io/interlock/outbound"
	"github.com/interlock-io/interlock/retry"
)

// attemptModel is the JSON representation stored in Redis.
type attemptModel struct {
	ID            string           `json:"id"`
	DedupeKey     string           `json:"dedupe_key"`
	TenantID      string           `json:"tenant_id"`
	Target        string           `json:"target"`
	Fingerprint   string           `json:"fingerprint"`
	Request       outbound.Request `json:"request"`
	AttemptNumber int              `json:"attempt_number"`
	MaxAttempts   int              `json:"max_attempts"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	State         string           `json:"state"`
	LastError     string           `json:"last_error"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toAttemptModel(att *retry.Attempt) *attemptModel {
	return &attemptModel{
		ID:            att.ID.String(),
		DedupeKey:     att.Key.String(),
		TenantID:      att.TenantID,
		Target:        string(att.Target),
		Fingerprint:   att.Fingerprint,
		Request:       att.Request,
		AttemptNumber: att.AttemptNumber,
		MaxAttempts:   att.MaxAttempts,
		ScheduledAt:   att.ScheduledAt,
		State:         string(att.State),
		LastError:     att.LastError,
		CompletedAt:   att.CompletedAt,
		CreatedAt:     att.CreatedAt,
		UpdatedAt:     att.UpdatedAt,
	}
}

func fromAttemptModel(m *attemptModel) (*retry.Attempt, error) {
	attID, err := id.ParseAttemptID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt ID %q: %w", m.ID, err)
	}
	key, err := splitDedupeKey(m.DedupeKey)
	if err != nil {
		return nil, err
	}
	return &retry.Attempt{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            attID,
		Key:           key,
		TenantID:      m.TenantID,
		Target:        event.SourceService(m.Target),
		Fingerprint:   m.Fingerprint,
		Request:       m.Request,
		AttemptNumber: m.AttemptNumber,
		MaxAttempts:   m.MaxAttempts,
		ScheduledAt:   m.ScheduledAt,
		State:         retry.AttemptState(m.State),
		LastError:     m.LastError,
		CompletedAt:   m.CompletedAt,
	}, nil
}

// claimScript atomically claims due pending attempts. Claimed attempts
// move to a claimed zset scored by claim time; entries claimed before the
// reclaim cutoff belong to a crashed worker and go back on the pending
// queue first, so no attempt is lost between claim and UpdateAttempt.
// KEYS[1] = interlock:z:att:pending
// KEYS[2] = interlock:z:att:claimed
// ARGV[1] = current unix timestamp (score threshold and claim stamp)
// ARGV[2] = limit
// ARGV[3] = reclaim cutoff (unix timestamp)
var claimScript = goredis.NewScript(`
local dead = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3], 'WITHSCORES')
for i = 1, #dead, 2 do
    redis.call('ZADD', KEYS[1], dead[i+1], dead[i])
    redis.call('ZREM', KEYS[2], dead[i])
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then return {} end
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

func (s *Store) EnqueueAttempt(ctx context.Context, att *retry.Attempt) error {
	m := toAttemptModel(att)
	if err := s.setEntity(ctx, prefixAttempt+m.ID, m); err != nil {
		return fmt.Errorf("interlock/redis: enqueue attempt: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zAttemptPend, goredis.Z{Score: scoreFromTime(m.ScheduledAt), Member: m.ID})
	pipe.ZAdd(ctx, zAttemptAll, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	pipe.SAdd(ctx, sAttemptState+m.State, m.ID)
	pipe.SAdd(ctx, sAttemptFptr+m.Fingerprint, m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("interlock/redis: enqueue attempt indexes: %w", err)
	}
	return nil
}

func (s *Store) DueAttempts(ctx context.Context, limit int, reclaimAfter time.Duration) ([]*retry.Attempt, error) {
	now := time.Now().UTC()
	ids, err := claimScript.Run(ctx, s.rdb, []string{zAttemptPend, zAttemptClaim},
		scoreFromTime(now), limit, scoreFromTime(now.Add(-reclaimAfter))).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("interlock/redis: claim due attempts: %w", err)
	}

	result := make([]*retry.Attempt, 0, len(ids))
	for _, attID := range ids {
		var m attemptModel
		if err := s.getEntity(ctx, prefixAttempt+attID, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("interlock/redis: load claimed attempt: %w", err)
		}
		att, err := fromAttemptModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, att *retry.Attempt) error {
	prev, err := s.rdb.Get(ctx, prefixAttempt+att.ID.String()).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return retry.ErrAttemptNotFound
		}
		return fmt.Errorf("interlock/redis: update attempt: %w", err)
	}
	var old attemptModel
	if err := json.Unmarshal(prev, &old); err != nil {
		return fmt.Errorf("interlock/redis: decode attempt: %w", err)
	}

	att.UpdatedAt = time.Now().UTC()
	m := toAttemptModel(att)
	if err := s.setEntity(ctx, prefixAttempt+m.ID, m); err != nil {
		return fmt.Errorf("interlock/redis: update attempt: %w", err)
	}

	pipe := s.rdb.Pipeline()
	if old.State != m.State {
		pipe.SRem(ctx, sAttemptState+old.State, m.ID)
		pipe.SAdd(ctx, sAttemptState+m.State, m.ID)
	}
	// Whatever the new state, the claim is released.
	pipe.ZRem(ctx, zAttemptClaim, m.ID)
	if m.State == string(retry.AttemptPending) {
		// Back onto the due queue with its new schedule.
		pipe.ZAdd(ctx, zAttemptPend, goredis.Z{Score: scoreFromTime(m.ScheduledAt), Member: m.ID})
	} else {
		pipe.ZRem(ctx, zAttemptPend, m.ID)
		pipe.SRem(ctx, sAttemptFptr+m.Fingerprint, m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("interlock/redis: update attempt indexes: %w", err)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attID id.ID) (*retry.Attempt, error) {
	var m attemptModel
	if err := s.getEntity(ctx, prefixAttempt+attID.String(), &m); err != nil {
		if isRedisNil(err) {
			return nil, retry.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("interlock/redis: get attempt: %w", err)
	}
	return fromAttemptModel(&m)
}

func (s *Store) ListAttempts(ctx context.Context, opts retry.ListOpts) ([]*retry.Attempt, error) {
	ids, err := s.rdb.ZRevRange(ctx, zAttemptAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("interlock/redis: list attempts: %w", err)
	}

	result := make([]*retry.Attempt, 0, len(ids))
	for _, attID := range ids {
		var m attemptModel
		if err := s.getEntity(ctx, prefixAttempt+attID, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("interlock/redis: list attempts: %w", err)
		}
		if opts.State != nil && m.State != string(*opts.State) {
			continue
		}
		if opts.Target != "" && m.Target != string(opts.Target) {
			continue
		}
		if opts.TenantID != "" && m.TenantID != opts.TenantID {
			continue
		}
		att, err := fromAttemptModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CancelAttempts(ctx context.Context, fingerprint string) (int64, error) {
	ids, err := s.rdb.SMembers(ctx, sAttemptFptr+fingerprint).Result()
	if err != nil {
		return 0, fmt.Errorf("interlock/redis: cancel attempts: %w", err)
	}

	now := time.Now().UTC()
	var n int64
	for _, attID := range ids {
		var m attemptModel
		if err := s.getEntity(ctx, prefixAttempt+attID, &m); err != nil {
			if isRedisNil(err) {
				s.rdb.SRem(ctx, sAttemptFptr+fingerprint, attID)
				continue
			}
			return n, fmt.Errorf("interlock/redis: cancel attempts: %w", err)
		}
		if m.State != string(retry.AttemptPending) {
			continue
		}

		// Remove from the due queue first: an attempt the dispatcher has
		// already claimed is in flight and stays its course.
		removed, err := s.rdb.ZRem(ctx, zAttemptPend, attID).Result()
		if err != nil {
			return n, fmt.Errorf("interlock/redis: cancel attempts: %w", err)
		}
		if removed == 0 {
			continue
		}

		m.State = string(retry.AttemptCancelled)
		m.CompletedAt = &now
		m.UpdatedAt = now
		if err := s.setEntity(ctx, prefixAttempt+attID, &m); err != nil {
			return n, fmt.Errorf("interlock/redis: cancel attempts: %w", err)
		}
		pipe := s.rdb.Pipeline()
		pipe.SRem(ctx, sAttemptState+string(retry.AttemptPending), attID)
		pipe.SAdd(ctx, sAttemptState+string(retry.AttemptCancelled), attID)
		pipe.SRem(ctx, sAttemptFptr+fingerprint, attID)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("interlock/redis: cancel attempt indexes: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *Store) CountAttempts(ctx context.Context, state retry.AttemptState) (int64, error) {
	return s.rdb.SCard(ctx, sAttemptState+string(state)).Result()
}

func (s *Store) ReapAttempts(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRange(ctx, zAttemptAll, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("interlock/redis: reap attempts: %w", err)
	}

	var n int64
	for _, attID := range ids {
		var m attemptModel
		if err := s.getEntity(ctx, prefixAttempt+attID, &m); err != nil {
			if isRedisNil(err) {
				s.rdb.ZRem(ctx, zAttemptAll, attID)
				continue
			}
			return n, fmt.Errorf("interlock/redis: reap attempts: %w", err)
		}
		if !retry.AttemptState(m.State).Terminal() || m.CompletedAt == nil || !m.CompletedAt.Before(before) {
			continue
		}

		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, prefixAttempt+attID)
		pipe.ZRem(ctx, zAttemptAll, attID)
		pipe.SRem(ctx, sAttemptState+m.State, attID)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("interlock/redis: reap attempts: %w", err)
		}
		n++
	}
	return n, nil
}
